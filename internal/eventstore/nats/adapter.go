// Package nats implements eventstore.Adapter on NATS JetStream. All
// channels share one stream; each channel maps to a subject and gets its
// own durable pull consumer. The consumer's AckWait is the lease.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaybase/relay/internal/events"
	"github.com/relaybase/relay/internal/eventstore"
)

// Config holds the JetStream adapter settings.
type Config struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Storage       string `yaml:"storage"` // "file" or "memory"

	// EventTTL bounds stream retention. Entries older than this are
	// dropped by the server whether consumed or not.
	EventTTL time.Duration `yaml:"event_ttl"`

	// FetchMaxWait bounds how long a poll blocks waiting for entries.
	FetchMaxWait time.Duration `yaml:"fetch_max_wait"`

	// MaxAckPending caps outstanding leases per channel.
	MaxAckPending int `yaml:"max_ack_pending"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Stream:        "RELAY_EVENTS",
		SubjectPrefix: "relay.ch",
		Storage:       "file",
		EventTTL:      72 * time.Hour,
		FetchMaxWait:  2 * time.Second,
		MaxAckPending: 4096,
	}
}

// Compile-time check that Adapter implements eventstore.Adapter
var _ eventstore.Adapter = (*Adapter)(nil)

// Adapter is the JetStream-backed event store.
type Adapter struct {
	cfg Config
	nc  *nats.Conn
	js  JetStream

	mu        sync.Mutex
	consumers map[string]consumerState
	pending   map[string]*pendingMsg // lease handle -> checked-out message
	closed    atomic.Bool
}

type consumerState struct {
	consumer jetstream.Consumer
	ackWait  time.Duration
}

type pendingMsg struct {
	msg       jetstream.Msg
	channel   string
	expiresAt time.Time
}

// New creates an unconnected adapter. Call Connect before use.
func New(cfg Config) *Adapter {
	if cfg.Stream == "" {
		cfg.Stream = DefaultConfig().Stream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	if cfg.FetchMaxWait <= 0 {
		cfg.FetchMaxWait = DefaultConfig().FetchMaxWait
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = DefaultConfig().MaxAckPending
	}
	return &Adapter{
		cfg:       cfg,
		consumers: make(map[string]consumerState),
		pending:   make(map[string]*pendingMsg),
	}
}

// Connect dials NATS and ensures the event stream exists.
func (a *Adapter) Connect(ctx context.Context) error {
	nc, err := natsConnect(a.cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", a.cfg.URL, err)
	}
	a.nc = nc

	js, err := jetStreamNew(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream: %w", err)
	}
	a.js = js

	storage := jetstream.FileStorage
	if a.cfg.Storage == "memory" {
		storage = jetstream.MemoryStorage
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      a.cfg.Stream,
		Subjects:  []string{a.cfg.SubjectPrefix + ".>"},
		Storage:   storage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    a.cfg.EventTTL,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to ensure stream: %w", err)
	}

	slog.Info("Connected to NATS", "url", a.cfg.URL, "stream", a.cfg.Stream)
	return nil
}

func (a *Adapter) subjectFor(channel string) string {
	return a.cfg.SubjectPrefix + "." + channel
}

func durableName(channel string) string {
	return "relay-" + channel
}

// Append publishes an event to the channel subject. The returned sequence
// is the stream sequence, monotone per channel.
func (a *Adapter) Append(ctx context.Context, channel string, ev *events.Event) (uint64, error) {
	if a.closed.Load() {
		return 0, eventstore.ErrClosed
	}

	payload, err := ev.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	ack, err := a.js.Publish(ctx, a.subjectFor(channel), payload)
	if err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", channel, err)
	}
	return ack.Sequence, nil
}

// consumerFor returns the channel's durable consumer, creating or
// updating it when the requested lease differs from the current AckWait.
func (a *Adapter) consumerFor(ctx context.Context, channel string, lease time.Duration) (jetstream.Consumer, error) {
	a.mu.Lock()
	state, ok := a.consumers[channel]
	a.mu.Unlock()
	if ok && state.ackWait == lease {
		return state.consumer, nil
	}

	cons, err := a.js.CreateOrUpdateConsumer(ctx, a.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       durableName(channel),
		FilterSubject: a.subjectFor(channel),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       lease,
		MaxAckPending: a.cfg.MaxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", channel, err)
	}

	a.mu.Lock()
	a.consumers[channel] = consumerState{consumer: cons, ackWait: lease}
	a.mu.Unlock()
	return cons, nil
}

// Poll fetches up to limit entries under the channel consumer's lease.
func (a *Adapter) Poll(ctx context.Context, channel string, limit int, lease time.Duration) ([]*eventstore.Leased, error) {
	if a.closed.Load() {
		return nil, eventstore.ErrClosed
	}

	a.cleanupExpired()

	cons, err := a.consumerFor(ctx, channel, lease)
	if err != nil {
		return nil, err
	}

	batch, err := cons.Fetch(limit, jetstream.FetchMaxWait(a.cfg.FetchMaxWait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", channel, err)
	}

	now := time.Now()
	var out []*eventstore.Leased
	for msg := range batch.Messages() {
		md, err := msg.Metadata()
		if err != nil {
			slog.Warn("Dropping message without metadata", "channel", channel, "error", err)
			msg.Nak()
			continue
		}

		ev, err := events.Decode(msg.Data())
		if err != nil {
			// Undecodable entries can never succeed; terminate them.
			slog.Error("Terminating undecodable entry", "channel", channel, "seq", md.Sequence.Stream, "error", err)
			msg.Term()
			continue
		}

		handle := uuid.New().String()
		expires := now.Add(lease)

		a.mu.Lock()
		a.pending[handle] = &pendingMsg{msg: msg, channel: channel, expiresAt: expires}
		a.mu.Unlock()

		out = append(out, &eventstore.Leased{
			Event:      ev,
			Seq:        md.Sequence.Stream,
			Handle:     handle,
			Deliveries: md.NumDelivered,
			ExpiresAt:  expires,
		})
	}
	if err := batch.Error(); err != nil && len(out) == 0 {
		return nil, fmt.Errorf("fetch from %s failed: %w", channel, err)
	}
	return out, nil
}

// Ack acknowledges leased entries. Handles not found are skipped: their
// lease expired and the server owns redelivery.
func (a *Adapter) Ack(ctx context.Context, channel string, handles []string) error {
	if a.closed.Load() {
		return eventstore.ErrClosed
	}

	var errs []error
	for _, h := range handles {
		a.mu.Lock()
		p, ok := a.pending[h]
		if ok {
			delete(a.pending, h)
		}
		a.mu.Unlock()
		if !ok {
			continue
		}
		if err := p.msg.Ack(); err != nil {
			errs = append(errs, fmt.Errorf("ack %s: %w", h, err))
		}
	}
	return errors.Join(errs...)
}

// Renew marks entries as still in progress, resetting their AckWait.
func (a *Adapter) Renew(ctx context.Context, channel string, handles []string, lease time.Duration) error {
	if a.closed.Load() {
		return eventstore.ErrClosed
	}

	now := time.Now()
	for _, h := range handles {
		a.mu.Lock()
		p, ok := a.pending[h]
		a.mu.Unlock()
		if !ok || now.After(p.expiresAt) {
			return eventstore.ErrUnknownHandle
		}
		if err := p.msg.InProgress(); err != nil {
			return fmt.Errorf("renew %s: %w", h, err)
		}
		a.mu.Lock()
		p.expiresAt = now.Add(lease)
		a.mu.Unlock()
	}
	return nil
}

// Peek reads entries after a sequence with a throwaway ordered consumer.
func (a *Adapter) Peek(ctx context.Context, channel string, afterSeq uint64, limit int) ([]*eventstore.Stored, error) {
	if a.closed.Load() {
		return nil, eventstore.ErrClosed
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{a.subjectFor(channel)},
	}
	if afterSeq > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSeq + 1
	}

	cons, err := a.js.OrderedConsumer(ctx, a.cfg.Stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peek consumer for %s: %w", channel, err)
	}

	batch, err := cons.Fetch(limit, jetstream.FetchMaxWait(a.cfg.FetchMaxWait))
	if err != nil {
		return nil, fmt.Errorf("failed to peek %s: %w", channel, err)
	}

	var out []*eventstore.Stored
	for msg := range batch.Messages() {
		md, err := msg.Metadata()
		if err != nil {
			continue
		}
		ev, err := events.Decode(msg.Data())
		if err != nil {
			slog.Warn("Skipping undecodable entry during peek", "channel", channel, "seq", md.Sequence.Stream)
			continue
		}
		out = append(out, &eventstore.Stored{Event: ev, Seq: md.Sequence.Stream})
	}
	if err := batch.Error(); err != nil && len(out) == 0 {
		return nil, fmt.Errorf("peek %s failed: %w", channel, err)
	}
	return out, nil
}

// Move republished leased entries onto another channel, acking the source
// copy only after the destination publish succeeded.
func (a *Adapter) Move(ctx context.Context, from, to string, handles []string) (int, error) {
	if a.closed.Load() {
		return 0, eventstore.ErrClosed
	}

	moved := 0
	for _, h := range handles {
		a.mu.Lock()
		p, ok := a.pending[h]
		a.mu.Unlock()
		if !ok {
			continue
		}

		if _, err := a.js.Publish(ctx, a.subjectFor(to), p.msg.Data()); err != nil {
			return moved, fmt.Errorf("failed to move entry to %s: %w", to, err)
		}
		if err := p.msg.Ack(); err != nil {
			// The copy is already durable on the destination; the source
			// entry will redeliver and be moved again. Callers must
			// tolerate duplicates.
			slog.Warn("Move ack failed, duplicate possible", "from", from, "to", to, "error", err)
		}
		a.mu.Lock()
		delete(a.pending, h)
		a.mu.Unlock()
		moved++
	}
	return moved, nil
}

// SizeEstimate reports backlog: entries not yet delivered plus delivered
// but unacked.
func (a *Adapter) SizeEstimate(ctx context.Context, channel string) (uint64, error) {
	if a.closed.Load() {
		return 0, eventstore.ErrClosed
	}

	cons, err := a.consumerFor(ctx, channel, 30*time.Second)
	if err != nil {
		return 0, err
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get consumer info for %s: %w", channel, err)
	}
	return info.NumPending + uint64(info.NumAckPending), nil
}

// Purge drops the channel's entries and its durable consumer.
func (a *Adapter) Purge(ctx context.Context, channel string) error {
	if a.closed.Load() {
		return eventstore.ErrClosed
	}

	stream, err := a.js.Stream(ctx, a.cfg.Stream)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}
	if err := stream.Purge(ctx, jetstream.WithPurgeSubject(a.subjectFor(channel))); err != nil {
		return fmt.Errorf("failed to purge %s: %w", channel, err)
	}
	if err := stream.DeleteConsumer(ctx, durableName(channel)); err != nil &&
		!errors.Is(err, jetstream.ErrConsumerNotFound) {
		return fmt.Errorf("failed to delete consumer for %s: %w", channel, err)
	}

	a.mu.Lock()
	delete(a.consumers, channel)
	for h, p := range a.pending {
		if p.channel == channel {
			delete(a.pending, h)
		}
	}
	a.mu.Unlock()
	return nil
}

// cleanupExpired drops pending entries whose lease elapsed. The server has
// redelivered them already; the stale handles must not ack the new copies.
func (a *Adapter) cleanupExpired() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for h, p := range a.pending {
		if now.After(p.expiresAt) {
			delete(a.pending, h)
		}
	}
}

// Close shuts down the NATS connection.
// Conn exposes the underlying NATS connection for components that need
// plain pub/sub on the same cluster, like the directory cache broadcasts.
func (a *Adapter) Conn() *nats.Conn {
	return a.nc
}

func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil // already closed
	}
	if a.nc != nil {
		slog.Info("Closing NATS connection...")
		a.nc.Close()
	}
	return nil
}
