// Package dedup collapses pending events that refer to the same document
// key. Every offer appends durably; the in-process index only remembers
// which durable entry is the newest for each pending key. Collapse happens
// on the read side: Poll delivers the newest copy and silently acknowledges
// superseded older entries, so a consumer observes one entry per key with
// the latest payload. Because no payload ever lives only in memory, callers
// may treat a returned Offer sequence as confirmed durable; losing the
// index (crash, restart) re-expands the backlog into duplicates, never
// omissions.
package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relaybase/relay/internal/coordination"
	"github.com/relaybase/relay/internal/events"
	"github.com/relaybase/relay/internal/eventstore"
	"github.com/relaybase/relay/internal/metrics"
)

type channelIndex struct {
	mu sync.Mutex
	// pending maps a document key to the sequence of its newest durable
	// entry. Entries below that sequence for the same key are superseded.
	pending map[string]uint64
}

// Layer decorates an eventstore.Adapter with per-channel dedup. Offer is
// the dedup write path; everything else delegates, with Poll collapsing
// superseded entries. Indexing is gated by the dedup-enabled flag at offer
// time only: keys indexed while the flag was on still collapse at poll
// time after it is turned off.
type Layer struct {
	store eventstore.Adapter
	flags coordination.FlagStore

	mu       sync.RWMutex
	channels map[string]*channelIndex
}

var _ eventstore.Adapter = (*Layer)(nil)

// New wraps the given store.
func New(store eventstore.Adapter, flags coordination.FlagStore) *Layer {
	return &Layer{
		store:    store,
		flags:    flags,
		channels: make(map[string]*channelIndex),
	}
}

func (l *Layer) index(channel string) *channelIndex {
	l.mu.RLock()
	idx, ok := l.channels[channel]
	l.mu.RUnlock()
	if ok {
		return idx
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.channels[channel]; ok {
		return idx
	}
	idx = &channelIndex{pending: make(map[string]uint64)}
	l.channels[channel] = idx
	return idx
}

// Offer appends an event durably and records it as the newest pending
// entry for its document key. An older unconsumed entry for the same key
// becomes superseded: Poll acknowledges it without delivery, so the
// consumer observes only the newest payload. Returns the appended entry's
// sequence; the write is durable before Offer returns, which is what lets
// fanout acknowledge master originals and the replication sink advance its
// applied cursor on it.
func (l *Layer) Offer(ctx context.Context, channel string, ev *events.Event) (uint64, error) {
	if !l.flags.Bool(coordination.FlagDedupEnabled, false) {
		return l.store.Append(ctx, channel, ev)
	}

	seq, err := l.store.Append(ctx, channel, ev)
	if err != nil {
		return 0, err
	}

	key := ev.DedupKey()
	idx := l.index(channel)
	idx.mu.Lock()
	prev, ok := idx.pending[key]
	if ok && prev > seq {
		// A concurrent offer for the same key landed a newer entry before
		// we took the lock; its claim stands and both copies deliver,
		// which at-least-once allows.
		idx.mu.Unlock()
		return seq, nil
	}
	if ok {
		metrics.DedupCollapsed.WithLabelValues(channel).Inc()
	}
	idx.pending[key] = seq
	metrics.DedupPendingKeys.WithLabelValues(channel).Set(float64(len(idx.pending)))
	idx.mu.Unlock()
	return seq, nil
}

// PendingKeys reports how many document keys are currently collapsible on
// the channel.
func (l *Layer) PendingKeys(channel string) int {
	idx := l.index(channel)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.pending)
}

// Migrate re-expands the channel's collapsed backlog by dropping its
// supersession index: entries that Poll would have acknowledged without
// delivery become deliverable again as stored. Every payload is already
// durable, so releasing the index produces duplicates at worst. Returns
// the number of keys released; re-running over a clean index releases
// nothing. An empty channel releases every channel's index.
func (l *Layer) Migrate(ctx context.Context, channel string) (int, error) {
	if channel != "" {
		return l.migrateChannel(channel), nil
	}

	l.mu.RLock()
	names := make([]string, 0, len(l.channels))
	for name := range l.channels {
		names = append(names, name)
	}
	l.mu.RUnlock()

	total := 0
	for _, name := range names {
		total += l.migrateChannel(name)
	}
	return total, nil
}

func (l *Layer) migrateChannel(channel string) int {
	idx := l.index(channel)
	idx.mu.Lock()
	released := len(idx.pending)
	idx.pending = make(map[string]uint64)
	idx.mu.Unlock()
	metrics.DedupPendingKeys.WithLabelValues(channel).Set(0)
	return released
}

// Lease bounds for one MoveBacklog batch.
const (
	moveBatchSize = 100
	moveLease     = 30 * time.Second
)

// MoveBacklog drains the source channel's pending entries into another
// channel. A key's newest entry moves; its superseded older entries are
// acknowledged in place, so the destination sees each collapsed key once.
// The destination's index is not consulted, so moved entries do not
// collapse with the destination's own pending keys. Offers racing the
// drain land on the source and are swept by the next batch; a failure
// mid-batch leaves the un-acked remainder for a rerun.
func (l *Layer) MoveBacklog(ctx context.Context, from, to string) (int, error) {
	if from == to {
		return 0, errors.New("dedup: move source and destination are the same channel")
	}

	idx := l.index(from)
	moved := 0
	for {
		leased, err := l.store.Poll(ctx, from, moveBatchSize, moveLease)
		if err != nil {
			return moved, err
		}
		if len(leased) == 0 {
			return moved, nil
		}

		var moveHandles, skipHandles []string
		idx.mu.Lock()
		for _, le := range leased {
			key := le.Event.DedupKey()
			newest, ok := idx.pending[key]
			switch {
			case ok && newest > le.Seq:
				skipHandles = append(skipHandles, le.Handle)
			case ok && newest == le.Seq:
				delete(idx.pending, key)
				moveHandles = append(moveHandles, le.Handle)
			default:
				moveHandles = append(moveHandles, le.Handle)
			}
		}
		metrics.DedupPendingKeys.WithLabelValues(from).Set(float64(len(idx.pending)))
		idx.mu.Unlock()

		if len(skipHandles) > 0 {
			if err := l.store.Ack(ctx, from, skipHandles); err != nil {
				return moved, err
			}
		}
		if len(moveHandles) > 0 {
			n, err := l.store.Move(ctx, from, to, moveHandles)
			moved += n
			if err != nil {
				return moved, err
			}
		}
	}
}

// Append delegates without touching the index. Offer is the dedup path.
func (l *Layer) Append(ctx context.Context, channel string, ev *events.Event) (uint64, error) {
	return l.store.Append(ctx, channel, ev)
}

// Poll checks entries out through the underlying store and collapses on
// the way out: an entry whose key has a newer indexed entry is
// acknowledged without delivery, and delivering a key's newest entry
// checks the key out of the index so later offers append fresh. Collapse
// applies regardless of the current flag state.
func (l *Layer) Poll(ctx context.Context, channel string, limit int, lease time.Duration) ([]*eventstore.Leased, error) {
	leased, err := l.store.Poll(ctx, channel, limit, lease)
	if err != nil || len(leased) == 0 {
		return leased, err
	}

	idx := l.index(channel)
	var superseded []string
	out := leased[:0]
	idx.mu.Lock()
	for _, le := range leased {
		key := le.Event.DedupKey()
		newest, ok := idx.pending[key]
		switch {
		case ok && newest > le.Seq:
			superseded = append(superseded, le.Handle)
		case ok && newest == le.Seq:
			delete(idx.pending, key)
			out = append(out, le)
		default:
			// Never indexed, or checked out earlier and redelivered by
			// lease expiry; deliver as stored.
			out = append(out, le)
		}
	}
	metrics.DedupPendingKeys.WithLabelValues(channel).Set(float64(len(idx.pending)))
	idx.mu.Unlock()

	if len(superseded) > 0 {
		// Best effort: a failed ack leaves the entry leased, and after
		// expiry it redelivers as a stale duplicate, which at-least-once
		// allows.
		_ = l.store.Ack(ctx, channel, superseded)
	}
	return out, nil
}

func (l *Layer) Ack(ctx context.Context, channel string, handles []string) error {
	return l.store.Ack(ctx, channel, handles)
}

func (l *Layer) Renew(ctx context.Context, channel string, handles []string, lease time.Duration) error {
	return l.store.Renew(ctx, channel, handles, lease)
}

func (l *Layer) Peek(ctx context.Context, channel string, afterSeq uint64, limit int) ([]*eventstore.Stored, error) {
	return l.store.Peek(ctx, channel, afterSeq, limit)
}

func (l *Layer) Move(ctx context.Context, from, to string, handles []string) (int, error) {
	return l.store.Move(ctx, from, to, handles)
}

func (l *Layer) SizeEstimate(ctx context.Context, channel string) (uint64, error) {
	return l.store.SizeEstimate(ctx, channel)
}

// Purge drops the channel's entries and its dedup index.
func (l *Layer) Purge(ctx context.Context, channel string) error {
	if err := l.store.Purge(ctx, channel); err != nil {
		return err
	}
	idx := l.index(channel)
	idx.mu.Lock()
	idx.pending = make(map[string]uint64)
	idx.mu.Unlock()
	metrics.DedupPendingKeys.WithLabelValues(channel).Set(0)
	return nil
}

func (l *Layer) Close() error {
	return l.store.Close()
}
