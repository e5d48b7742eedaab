// Package eventstore defines the durable per-channel queue abstraction the
// bus is built on. Channels are append-only logs with leased consumption:
// polled entries stay invisible to other pollers until the lease expires,
// and re-poll after expiry is how crashed consumers retry.
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/relaybase/relay/internal/events"
)

var (
	// ErrClosed is returned after the adapter has been shut down.
	ErrClosed = errors.New("eventstore: closed")

	// ErrUnknownHandle is returned by Renew when a lease handle is not
	// current, typically because the lease expired and the entry was
	// redelivered elsewhere.
	ErrUnknownHandle = errors.New("eventstore: unknown or expired handle")
)

// Leased is an entry checked out under a lease. Handle is opaque and only
// valid against the adapter that issued it; it becomes stale once the
// lease expires.
type Leased struct {
	Event      *events.Event
	Seq        uint64
	Handle     string
	Deliveries uint64
	ExpiresAt  time.Time
}

// Stored is a non-destructive view of a retained entry.
type Stored struct {
	Event *events.Event
	Seq   uint64
}

// Adapter is the event store. Channels are created implicitly on first
// append. Entries carry a channel-local monotone sequence (gaps allowed);
// acknowledged entries stay readable via Peek until retention removes
// them, so replication can cursor over channels independently of
// subscriber consumption.
type Adapter interface {
	// Append adds an event to a channel and returns its sequence.
	Append(ctx context.Context, channel string, ev *events.Event) (uint64, error)

	// Poll checks out up to limit entries under the given lease. Entries
	// whose lease has expired are eligible again, with Deliveries
	// incremented. An empty result means no backlog right now.
	Poll(ctx context.Context, channel string, limit int, lease time.Duration) ([]*Leased, error)

	// Ack marks leased entries consumed. Stale handles are ignored: the
	// entry was already redelivered and will be acked by its new owner.
	Ack(ctx context.Context, channel string, handles []string) error

	// Renew extends the leases for the given handles. Fails with
	// ErrUnknownHandle if any handle is no longer current.
	Renew(ctx context.Context, channel string, handles []string, lease time.Duration) error

	// Peek reads retained entries with sequence greater than afterSeq,
	// in order, without leasing them.
	Peek(ctx context.Context, channel string, afterSeq uint64, limit int) ([]*Stored, error)

	// Move re-appends the leased entries onto another channel and acks
	// them on the source. Returns the number of entries moved.
	Move(ctx context.Context, from, to string, handles []string) (int, error)

	// SizeEstimate returns the approximate count of unconsumed entries.
	SizeEstimate(ctx context.Context, channel string) (uint64, error)

	// Purge drops all entries and consumer state for a channel.
	Purge(ctx context.Context, channel string) error

	// Close releases resources.
	Close() error
}
