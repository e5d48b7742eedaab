package replication

import (
	"context"
	"fmt"

	"github.com/relaybase/relay/internal/events"
	"github.com/relaybase/relay/internal/logging"
	"github.com/relaybase/relay/internal/metrics"
)

// Applier is the write path peer events land on. The dedup layer
// satisfies it, so replicated events get the same collapse treatment as
// locally fanned-out ones.
type Applier interface {
	Offer(ctx context.Context, channel string, ev *events.Event) (uint64, error)
}

// Sink applies batches pushed by peer data centers into local channels.
// Application is strictly in batch order; the first failure stops the
// batch so the peer's cursor never skips an event. Re-pushing an already
// applied prefix is harmless: the inbound cursor marks those events
// applied without writing them again.
type Sink struct {
	store   Applier
	cursors *Cursors
	rl      *logging.RateLimited
}

// NewSink creates the inbound side of replication.
func NewSink(store Applier, cursors *Cursors, rl *logging.RateLimited) *Sink {
	return &Sink{
		store:   store,
		cursors: cursors,
		rl:      rl,
	}
}

// Apply lands one pushed batch on the local channel and reports per-event
// durability. A non-nil error means nothing about the batch could be
// decided and the peer should retry it whole.
func (s *Sink) Apply(ctx context.Context, peerID, channel string, batch []PushedEvent) ([]PushResult, error) {
	if channel == "" {
		return nil, fmt.Errorf("missing channel")
	}
	if events.IsMasterChannel(channel) {
		// Peers exchange fanned-out copies; master partitions are local
		// inbound traffic and replicating them would double-fan events.
		return nil, fmt.Errorf("channel %s is not replicable", channel)
	}

	applied, err := s.cursors.Applied(ctx, peerID, channel)
	if err != nil {
		return nil, fmt.Errorf("read applied cursor: %w", err)
	}

	results := make([]PushResult, 0, len(batch))
	high := applied
	failed := false
	for _, pe := range batch {
		switch {
		case failed || pe.Event == nil:
			results = append(results, PushResult{Seq: pe.Seq, Applied: false})

		case pe.Seq != 0 && pe.Seq <= applied:
			// Already durable from an earlier push of the same range.
			results = append(results, PushResult{Seq: pe.Seq, Applied: true})

		default:
			if pe.Event.Origin == "" {
				pe.Event.Origin = peerID
			}
			if _, err := s.store.Offer(ctx, channel, pe.Event); err != nil {
				s.rl.Warn("replication-apply/"+channel, "Failed to apply peer event",
					"peer", peerID, "channel", channel, "seq", pe.Seq, "error", err)
				failed = true
				results = append(results, PushResult{Seq: pe.Seq, Applied: false})
				continue
			}
			metrics.ReplicationApplied.WithLabelValues(peerID).Inc()
			if pe.Seq > high {
				high = pe.Seq
			}
			results = append(results, PushResult{Seq: pe.Seq, Applied: true})
		}
	}

	if high > applied {
		if err := s.cursors.SetApplied(ctx, peerID, channel, high); err != nil {
			// The events are durable; a stale inbound cursor only means
			// the next re-push re-offers them.
			s.rl.Warn("replication-cursor/"+channel, "Failed to persist applied cursor",
				"peer", peerID, "channel", channel, "error", err)
		}
	}
	return results, nil
}

// AppliedCursor reports the sink's durable position for a peer's channel.
func (s *Sink) AppliedCursor(ctx context.Context, peerID, channel string) (uint64, error) {
	return s.cursors.Applied(ctx, peerID, channel)
}
