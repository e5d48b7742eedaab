// Package replication keeps peer data centers' channels in sync. The
// source side runs as a leader-elected singleton: one loop per peer peeks
// each replicated channel past its cursor, pushes the backlog in order,
// and advances the cursor only on confirmed durability. The sink side
// accepts pushes from peers and lands them on local channels through the
// dedup write path. A peer being down parks only that peer's loop.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaybase/relay/internal/coordination"
	"github.com/relaybase/relay/internal/directory"
	"github.com/relaybase/relay/internal/eventstore"
	"github.com/relaybase/relay/internal/logging"
	"github.com/relaybase/relay/internal/metrics"
)

// Config holds the replication settings.
type Config struct {
	// Datacenter is this deployment's identity toward peers.
	Datacenter string `yaml:"datacenter"`
	// Peers are the remote data centers to push to.
	Peers []Peer `yaml:"peers"`
	// BatchSize bounds how many events one push carries.
	BatchSize int `yaml:"batch_size"`
	// Interval is the idle wait between sweeps when a peer is caught up.
	Interval time.Duration `yaml:"interval"`
	// PushTimeout bounds one HTTP push.
	PushTimeout time.Duration `yaml:"push_timeout"`
	// TokenTTL bounds the peer auth tokens minted for pushes.
	TokenTTL time.Duration `yaml:"token_ttl"`
	// BackoffInitial and BackoffMax shape the per-peer retry backoff.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	// FlagInterval is how often the running task re-checks the
	// replication-enabled flag.
	FlagInterval time.Duration `yaml:"flag_interval"`
}

// DefaultConfig returns the replication defaults.
func DefaultConfig() Config {
	return Config{
		Datacenter:     "local",
		BatchSize:      100,
		Interval:       500 * time.Millisecond,
		PushTimeout:    10 * time.Second,
		TokenTTL:       time.Minute,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		FlagInterval:   2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Datacenter == "" {
		c.Datacenter = def.Datacenter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = def.PushTimeout
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = def.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.FlagInterval <= 0 {
		c.FlagInterval = def.FlagInterval
	}
}

// PeerStatus is one peer's snapshot on the health surface.
type PeerStatus struct {
	Peer                string            `json:"peer"`
	Healthy             bool              `json:"healthy"`
	LastSuccess         time.Time         `json:"lastSuccess"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	Cursors             map[string]uint64 `json:"cursors"`
}

type peerState struct {
	lastSuccess time.Time
	failures    int
	cursors     map[string]uint64
}

// Manager is the outbound replication singleton. Run is the leader task,
// gated by the replication-enabled flag.
type Manager struct {
	cfg     Config
	store   eventstore.Adapter
	dir     directory.Store
	flags   coordination.FlagStore
	cursors *Cursors
	client  *Client
	rl      *logging.RateLimited

	mu      sync.Mutex
	peers   map[string]*peerState
	running atomic.Bool
}

// New creates the replication manager.
func New(cfg Config, store eventstore.Adapter, dir directory.Store, flags coordination.FlagStore, cursors *Cursors, client *Client, rl *logging.RateLimited) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:     cfg,
		store:   store,
		dir:     dir,
		flags:   flags,
		cursors: cursors,
		client:  client,
		rl:      rl,
		peers:   make(map[string]*peerState, len(cfg.Peers)),
	}
	for _, peer := range cfg.Peers {
		m.peers[peer.ID] = &peerState{cursors: make(map[string]uint64)}
	}
	return m
}

// Running reports whether the source loops are active on this node.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Status returns per-peer snapshots, sorted by peer ID.
func (m *Manager) Status() []PeerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerStatus, 0, len(m.peers))
	for id, st := range m.peers {
		cursors := make(map[string]uint64, len(st.cursors))
		for ch, seq := range st.cursors {
			cursors[ch] = seq
		}
		out = append(out, PeerStatus{
			Peer:                id,
			Healthy:             st.failures == 0,
			LastSuccess:         st.lastSuccess,
			ConsecutiveFailures: st.failures,
			Cursors:             cursors,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Run pushes to all peers until ctx is canceled or the
// replication-enabled flag goes off. Stepping out on a closed flag
// returns nil so the leader runner parks instead of treating it as a
// crash.
func (m *Manager) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)
	slog.Info("Replication started", "datacenter", m.cfg.Datacenter, "peers", len(m.cfg.Peers))
	if len(m.cfg.Peers) == 0 {
		slog.Warn("Replication enabled but no peers are configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, peer := range m.cfg.Peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			m.peerLoop(runCtx, p)
		}(peer)
	}

	err := m.watchGate(ctx)
	cancel()
	wg.Wait()
	slog.Info("Replication stopped")
	return err
}

// watchGate blocks until shutdown or until the flag turns off.
func (m *Manager) watchGate(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.FlagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !m.flags.Bool(coordination.FlagReplicationEnabled, false) {
				slog.Info("Replication disabled, stepping out")
				return nil
			}
		}
	}
}

// peerLoop sweeps all channels toward one peer. Failures back off this
// peer alone; a sweep that moved events runs again immediately to drain
// backlog.
func (m *Manager) peerLoop(ctx context.Context, peer Peer) {
	backoff := m.cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		pushed, err := m.sweep(ctx, peer)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			m.peerFailed(peer.ID)
			metrics.ReplicationPushErrors.WithLabelValues(peer.ID).Inc()
			m.rl.Warn("replication-push/"+peer.ID, "Peer push failed, backing off",
				"peer", peer.ID, "error", err, "backoff", backoff)
			m.sleep(ctx, backoff)
			backoff *= 2
			if backoff > m.cfg.BackoffMax {
				backoff = m.cfg.BackoffMax
			}
		case pushed > 0:
			m.peerOK(peer.ID)
			backoff = m.cfg.BackoffInitial
		default:
			m.peerOK(peer.ID)
			backoff = m.cfg.BackoffInitial
			m.sleep(ctx, m.cfg.Interval)
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// sweep pushes every replicated channel's backlog to one peer. Returns
// the number of events confirmed durable on the peer.
func (m *Manager) sweep(ctx context.Context, peer Peer) (int, error) {
	channels, err := m.channels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list channels: %w", err)
	}
	total := 0
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := m.pushChannel(ctx, peer, ch)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// channels derives the replicated set from the subscription snapshot:
// every live subscription's channel, the canary's included.
func (m *Manager) channels(ctx context.Context) ([]string, error) {
	subs, err := m.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]string, 0, len(subs))
	for _, sub := range subs {
		if !sub.Expired(now) {
			out = append(out, sub.Channel())
		}
	}
	sort.Strings(out)
	return out, nil
}

// pushChannel replicates one channel's backlog. Events that originated on
// another data center are skipped (the mesh is fully connected; relaying
// them would loop), but the cursor still advances across them.
func (m *Manager) pushChannel(ctx context.Context, peer Peer, channel string) (int, error) {
	cursor, err := m.cursors.Outbound(ctx, peer.ID, channel)
	if err != nil {
		return 0, fmt.Errorf("read cursor %s: %w", channel, err)
	}
	stored, err := m.store.Peek(ctx, channel, cursor, m.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("peek %s: %w", channel, err)
	}
	if len(stored) == 0 {
		metrics.ReplicationLag.WithLabelValues(peer.ID, channel).Set(0)
		return 0, nil
	}

	if cursor == 0 {
		// First contact for this pair with real backlog. Adopt the
		// sink's durable position so a rebuilt cursor store does not
		// replay the whole channel.
		applied, err := m.client.Cursor(ctx, peer, channel)
		if err != nil {
			return 0, err
		}
		if applied > 0 {
			cursor = applied
			if err := m.cursors.SetOutbound(ctx, peer.ID, channel, cursor); err != nil {
				return 0, fmt.Errorf("seed cursor %s: %w", channel, err)
			}
			stored, err = m.store.Peek(ctx, channel, cursor, m.cfg.BatchSize)
			if err != nil {
				return 0, fmt.Errorf("peek %s: %w", channel, err)
			}
			if len(stored) == 0 {
				metrics.ReplicationLag.WithLabelValues(peer.ID, channel).Set(0)
				return 0, nil
			}
		}
	}

	batch := make([]PushedEvent, 0, len(stored))
	for _, st := range stored {
		if st.Event.Origin != "" {
			continue
		}
		batch = append(batch, PushedEvent{Seq: st.Seq, Event: st.Event})
	}

	var resp *PushResponse
	if len(batch) > 0 {
		pushCtx, cancel := context.WithTimeout(ctx, m.cfg.PushTimeout)
		resp, err = m.client.Push(pushCtx, peer, channel, batch)
		cancel()
		if err != nil {
			return 0, err
		}
	}

	through, pushed := appliedThrough(cursor, stored, resp)
	if through == cursor {
		return 0, fmt.Errorf("peer %s applied nothing for %s", peer.ID, channel)
	}
	if err := m.cursors.SetOutbound(ctx, peer.ID, channel, through); err != nil {
		// The copies are durable on the peer; a stale cursor only costs a
		// re-push that the sink will dedup against its applied position.
		m.rl.Warn("replication-cursor/"+peer.ID, "Failed to persist outbound cursor",
			"peer", peer.ID, "channel", channel, "error", err)
	}
	m.recordCursor(peer.ID, channel, through)
	metrics.ReplicationCursor.WithLabelValues(peer.ID, channel).Set(float64(through))
	if pushed > 0 {
		metrics.ReplicationPushed.WithLabelValues(peer.ID).Add(float64(pushed))
	}
	for i := len(stored) - 1; i >= 0; i-- {
		if stored[i].Seq <= through {
			metrics.ReplicationLag.WithLabelValues(peer.ID, channel).Set(
				time.Since(time.UnixMilli(stored[i].Event.ProducedAt)).Seconds())
			break
		}
	}

	if last := stored[len(stored)-1].Seq; through < last {
		return pushed, fmt.Errorf("peer %s applied through %d of %d for %s", peer.ID, through, last, channel)
	}
	return pushed, nil
}

// appliedThrough merges the peer's per-event results with the locally
// skipped entries and returns the contiguous durable prefix plus the
// count of events the peer newly applied.
func appliedThrough(cursor uint64, stored []*eventstore.Stored, resp *PushResponse) (uint64, int) {
	applied := make(map[uint64]bool)
	if resp != nil {
		for _, res := range resp.Results {
			applied[res.Seq] = res.Applied
		}
	}
	through := cursor
	pushed := 0
	for _, st := range stored {
		if st.Event.Origin != "" {
			through = st.Seq
			continue
		}
		ok, answered := applied[st.Seq]
		if !answered || !ok {
			break
		}
		through = st.Seq
		pushed++
	}
	return through, pushed
}

func (m *Manager) peerOK(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.peers[id]; ok {
		st.failures = 0
		st.lastSuccess = time.Now()
	}
}

func (m *Manager) peerFailed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.peers[id]; ok {
		st.failures++
	}
}

func (m *Manager) recordCursor(id, channel string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.peers[id]; ok {
		st.cursors[channel] = seq
	}
}
