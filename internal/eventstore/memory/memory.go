// Package memory provides an in-process eventstore.Adapter. It mirrors the
// NATS-backed adapter's semantics for tests and single-node deployments.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaybase/relay/internal/events"
	"github.com/relaybase/relay/internal/eventstore"
)

// Compile-time check that Store implements eventstore.Adapter
var _ eventstore.Adapter = (*Store)(nil)

// Store is an in-memory event store. Channels are independent append-only
// logs; acked entries are retained for Peek until TrimAcked is called.
type Store struct {
	mu       sync.Mutex
	channels map[string]*channelLog
	closed   atomic.Bool

	// now is injectable for lease-expiry tests.
	now func() time.Time
}

type channelLog struct {
	entries []*entry
	nextSeq uint64
	byHandle map[string]*entry
}

type entry struct {
	ev          *events.Event
	seq         uint64
	acked       bool
	handle      string // current lease handle, "" when not checked out
	leaseExpiry time.Time
	deliveries  uint64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		channels: make(map[string]*channelLog),
		now:      time.Now,
	}
}

func (s *Store) channel(name string) *channelLog {
	ch, ok := s.channels[name]
	if !ok {
		ch = &channelLog{nextSeq: 1, byHandle: make(map[string]*entry)}
		s.channels[name] = ch
	}
	return ch
}

// Append adds an event and returns its channel-local sequence.
func (s *Store) Append(ctx context.Context, channel string, ev *events.Event) (uint64, error) {
	if s.closed.Load() {
		return 0, eventstore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	seq := ch.nextSeq
	ch.nextSeq++
	ch.entries = append(ch.entries, &entry{ev: ev, seq: seq})
	return seq, nil
}

// Poll checks out up to limit unacked entries whose lease is free or
// expired.
func (s *Store) Poll(ctx context.Context, channel string, limit int, lease time.Duration) ([]*eventstore.Leased, error) {
	if s.closed.Load() {
		return nil, eventstore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	now := s.now()

	var out []*eventstore.Leased
	for _, e := range ch.entries {
		if len(out) >= limit {
			break
		}
		if e.acked {
			continue
		}
		if e.handle != "" && now.Before(e.leaseExpiry) {
			continue // still leased
		}
		if e.handle != "" {
			delete(ch.byHandle, e.handle) // lease expired, invalidate old handle
		}
		e.handle = uuid.New().String()
		e.leaseExpiry = now.Add(lease)
		e.deliveries++
		ch.byHandle[e.handle] = e

		out = append(out, &eventstore.Leased{
			Event:      e.ev,
			Seq:        e.seq,
			Handle:     e.handle,
			Deliveries: e.deliveries,
			ExpiresAt:  e.leaseExpiry,
		})
	}
	return out, nil
}

// Ack marks leased entries consumed. Stale handles are skipped.
func (s *Store) Ack(ctx context.Context, channel string, handles []string) error {
	if s.closed.Load() {
		return eventstore.ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	for _, h := range handles {
		e, ok := ch.byHandle[h]
		if !ok {
			continue
		}
		e.acked = true
		e.handle = ""
		delete(ch.byHandle, h)
	}
	return nil
}

// Renew extends leases. Any stale handle fails the whole call so the
// caller knows its batch is no longer exclusively held.
func (s *Store) Renew(ctx context.Context, channel string, handles []string, lease time.Duration) error {
	if s.closed.Load() {
		return eventstore.ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	now := s.now()
	for _, h := range handles {
		e, ok := ch.byHandle[h]
		if !ok || now.After(e.leaseExpiry) {
			return eventstore.ErrUnknownHandle
		}
	}
	for _, h := range handles {
		ch.byHandle[h].leaseExpiry = now.Add(lease)
	}
	return nil
}

// Peek reads retained entries after a sequence, acked or not.
func (s *Store) Peek(ctx context.Context, channel string, afterSeq uint64, limit int) ([]*eventstore.Stored, error) {
	if s.closed.Load() {
		return nil, eventstore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	var out []*eventstore.Stored
	for _, e := range ch.entries {
		if len(out) >= limit {
			break
		}
		if e.seq <= afterSeq {
			continue
		}
		out = append(out, &eventstore.Stored{Event: e.ev, Seq: e.seq})
	}
	return out, nil
}

// Move re-appends leased entries to another channel and acks the source.
func (s *Store) Move(ctx context.Context, from, to string, handles []string) (int, error) {
	if s.closed.Load() {
		return 0, eventstore.ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.channel(from)
	dst := s.channel(to)

	moved := 0
	for _, h := range handles {
		e, ok := src.byHandle[h]
		if !ok {
			continue
		}
		seq := dst.nextSeq
		dst.nextSeq++
		dst.entries = append(dst.entries, &entry{ev: e.ev, seq: seq})

		e.acked = true
		e.handle = ""
		delete(src.byHandle, h)
		moved++
	}
	return moved, nil
}

// SizeEstimate counts unacked entries.
func (s *Store) SizeEstimate(ctx context.Context, channel string) (uint64, error) {
	if s.closed.Load() {
		return 0, eventstore.ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	var n uint64
	for _, e := range ch.entries {
		if !e.acked {
			n++
		}
	}
	return n, nil
}

// Purge drops a channel entirely.
func (s *Store) Purge(ctx context.Context, channel string) error {
	if s.closed.Load() {
		return eventstore.ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.channels, channel)
	return nil
}

// TrimAcked drops acked entries with sequence at or below the given
// sequence. The NATS adapter ages acked history out via stream retention;
// this store retains it for Peek until trimmed.
func (s *Store) TrimAcked(channel string, upTo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channel]
	if !ok {
		return
	}
	kept := ch.entries[:0]
	for _, e := range ch.entries {
		if e.acked && e.seq <= upTo {
			continue
		}
		kept = append(kept, e)
	}
	ch.entries = kept
}

// Close shuts the store down. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// SetNow overrides the clock. Test helper.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
