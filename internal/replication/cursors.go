package replication

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/relaybase/relay/internal/coordination"
)

// Cursor keys live in the coordination KV so positions survive process
// restart and leadership transfer. Outbound cursors are owned by the
// replication leader; applied cursors by the sink handling the peer's
// pushes.
const (
	outboundPrefix = "replication/cursor/"
	inboundPrefix  = "replication/applied/"
)

// Cursors reads and writes replication positions.
type Cursors struct {
	kv coordination.KV
}

// NewCursors wraps the coordination KV.
func NewCursors(kv coordination.KV) *Cursors {
	return &Cursors{kv: kv}
}

func cursorKey(prefix, peer, channel string) string {
	return prefix + peer + "/" + channel
}

// Outbound returns the last sequence confirmed durable on the peer for
// this channel, or zero when the pair has never replicated.
func (c *Cursors) Outbound(ctx context.Context, peer, channel string) (uint64, error) {
	return c.get(ctx, cursorKey(outboundPrefix, peer, channel))
}

// SetOutbound persists the outbound position.
func (c *Cursors) SetOutbound(ctx context.Context, peer, channel string, seq uint64) error {
	return c.put(ctx, cursorKey(outboundPrefix, peer, channel), seq)
}

// Applied returns the last sequence this data center has durably applied
// from the peer's channel.
func (c *Cursors) Applied(ctx context.Context, peer, channel string) (uint64, error) {
	return c.get(ctx, cursorKey(inboundPrefix, peer, channel))
}

// SetApplied persists the inbound position.
func (c *Cursors) SetApplied(ctx context.Context, peer, channel string, seq uint64) error {
	return c.put(ctx, cursorKey(inboundPrefix, peer, channel), seq)
}

// OutboundSnapshot returns all outbound positions for one peer, keyed by
// channel. Health surface only.
func (c *Cursors) OutboundSnapshot(ctx context.Context, peer string) (map[string]uint64, error) {
	prefix := outboundPrefix + peer + "/"
	raw, err := c.kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(raw))
	for key, val := range raw {
		channel := strings.TrimPrefix(key, prefix)
		seq, err := strconv.ParseUint(string(val), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed cursor %s: %w", key, err)
		}
		out[channel] = seq
	}
	return out, nil
}

func (c *Cursors) get(ctx context.Context, key string) (uint64, error) {
	val, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	seq, err := strconv.ParseUint(string(val), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor %s: %w", key, err)
	}
	return seq, nil
}

func (c *Cursors) put(ctx context.Context, key string, seq uint64) error {
	return c.kv.Put(ctx, key, []byte(strconv.FormatUint(seq, 10)))
}
