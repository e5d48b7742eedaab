package replication

import (
	"github.com/relaybase/relay/internal/events"
)

// PushRequest is one replication batch: consecutive retained entries from
// a single origin channel, in sequence order.
type PushRequest struct {
	Channel string        `json:"channel"`
	Events  []PushedEvent `json:"events"`
}

// PushedEvent pairs an event with its sequence on the origin channel. The
// sequence is the replication cursor unit.
type PushedEvent struct {
	Seq   uint64        `json:"seq"`
	Event *events.Event `json:"event"`
}

// PushResult is the sink's per-event durability acknowledgment, in the
// same order as the request.
type PushResult struct {
	Seq     uint64 `json:"seq"`
	Applied bool   `json:"applied"`
}

// PushResponse carries the per-event results for one batch.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// AppliedThrough returns the highest sequence up to which the batch was
// applied without gaps, starting from the cursor the batch was read at.
// The source must not advance past the first unapplied event or in-order
// delivery breaks.
func (r *PushResponse) AppliedThrough(cursor uint64) uint64 {
	through := cursor
	for _, res := range r.Results {
		if !res.Applied {
			break
		}
		through = res.Seq
	}
	return through
}

// CursorResponse answers a cursor query: the sink's durable position for
// one (peer, channel) pair.
type CursorResponse struct {
	Channel string `json:"channel"`
	Applied uint64 `json:"applied"`
}
