package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaybase/relay/internal/condition"
	"github.com/relaybase/relay/internal/directory"
	"github.com/relaybase/relay/internal/events"
	"github.com/relaybase/relay/internal/metrics"
)

// CanaryConfig holds the heartbeat probe settings.
type CanaryConfig struct {
	// Interval between probes.
	Interval time.Duration `yaml:"interval"`
	// Timeout is how long one probe waits for its copy to surface on the
	// canary channel before counting a miss.
	Timeout time.Duration `yaml:"timeout"`
	// MaxMisses is how many consecutive misses flip health to unhealthy.
	MaxMisses int `yaml:"max_misses"`
}

// DefaultCanaryConfig returns the canary defaults.
func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		Interval:  15 * time.Second,
		Timeout:   10 * time.Second,
		MaxMisses: 3,
	}
}

func (c *CanaryConfig) applyDefaults() {
	def := DefaultCanaryConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxMisses <= 0 {
		c.MaxMisses = def.MaxMisses
	}
}

// CanaryStatus is the probe snapshot for the health surface.
type CanaryStatus struct {
	Healthy           bool      `json:"healthy"`
	LastLatencyMillis int64     `json:"lastLatencyMillis"`
	LastSuccess       time.Time `json:"lastSuccess"`
	ConsecutiveMisses int       `json:"consecutiveMisses"`
}

// Canary injects a synthetic event through the same master path real
// traffic takes and times how long fanout needs to land the copy on the
// canary channel. It is the primary liveness signal for the pipeline.
type Canary struct {
	cfg        CanaryConfig
	partitions int
	store      Store
	dir        directory.Store

	mu          sync.Mutex
	lastLatency time.Duration
	lastSuccess time.Time

	misses  atomic.Int64
	healthy atomic.Bool
}

func newCanary(cfg CanaryConfig, partitions int, store Store, dir directory.Store) *Canary {
	cfg.applyDefaults()
	c := &Canary{
		cfg:        cfg,
		partitions: partitions,
		store:      store,
		dir:        dir,
	}
	// Optimistic until the first probe completes.
	c.healthy.Store(true)
	return c
}

// Status returns the current probe snapshot.
func (c *Canary) Status() CanaryStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CanaryStatus{
		Healthy:           c.healthy.Load(),
		LastLatencyMillis: c.lastLatency.Milliseconds(),
		LastSuccess:       c.lastSuccess,
		ConsecutiveMisses: int(c.misses.Load()),
	}
}

// Healthy reports whether the pipeline is currently passing probes.
func (c *Canary) Healthy() bool {
	return c.healthy.Load()
}

func (c *Canary) run(ctx context.Context) {
	if err := c.ensureSubscription(ctx); err != nil {
		slog.Warn("Canary subscription setup failed, will retry", "error", err)
	}
	metrics.CanaryHealthy.Set(1)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

// ensureSubscription registers the internal canary subscription so that
// fanout routes probe events onto the canary channel. Re-put on every
// miss so a dropped subscription self-heals.
func (c *Canary) ensureSubscription(ctx context.Context) error {
	return c.dir.Put(ctx, &directory.Subscription{
		Name:      events.CanarySubscription,
		Condition: condition.Eq(condition.FieldTable, events.CanaryTable),
		EventTTL:  directory.Duration(time.Hour),
		System:    true,
	})
}

// probe sends one synthetic event into the master queue and waits for it
// to come out the canary channel.
func (c *Canary) probe(ctx context.Context) {
	ev := events.New(events.CanaryTable, uuid.New().String(), events.ChangeCanary, nil, c.partitions)
	sent := time.Now()

	if _, err := c.store.Append(ctx, events.MasterChannel(ev.Partition), ev); err != nil {
		if ctx.Err() == nil {
			slog.Warn("Canary append failed", "error", err)
			c.miss(ctx)
		}
		return
	}

	if c.await(ctx, ev.ID, sent) {
		latency := time.Since(sent)
		c.mu.Lock()
		c.lastLatency = latency
		c.lastSuccess = time.Now()
		c.mu.Unlock()
		c.misses.Store(0)
		if !c.healthy.Swap(true) {
			slog.Info("Canary recovered", "latency", latency)
		}
		metrics.CanaryLatency.Set(latency.Seconds())
		metrics.CanaryHealthy.Set(1)
		return
	}
	if ctx.Err() == nil {
		c.miss(ctx)
	}
}

// await drains the canary channel until the tagged copy shows up or the
// probe times out. Everything pulled off the channel is acknowledged;
// canary events have no other consumer.
func (c *Canary) await(ctx context.Context, id string, sent time.Time) bool {
	deadline := sent.Add(c.cfg.Timeout)
	channel := events.SubscriptionChannel(events.CanarySubscription)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		leased, err := c.store.Poll(ctx, channel, 32, c.cfg.Timeout)
		if err != nil {
			slog.Warn("Canary channel poll failed", "error", err)
			c.pause(ctx, 500*time.Millisecond)
			continue
		}
		if len(leased) == 0 {
			c.pause(ctx, 100*time.Millisecond)
			continue
		}
		found := false
		handles := make([]string, len(leased))
		for i, le := range leased {
			handles[i] = le.Handle
			if le.Event.ID == id {
				found = true
			}
		}
		if err := c.store.Ack(ctx, channel, handles); err != nil {
			slog.Warn("Canary channel ack failed", "error", err)
		}
		if found {
			return true
		}
	}
	return false
}

func (c *Canary) miss(ctx context.Context) {
	metrics.CanaryMisses.Inc()
	misses := c.misses.Add(1)
	if misses >= int64(c.cfg.MaxMisses) && c.healthy.Swap(false) {
		slog.Error("Canary unhealthy, fanout is not delivering", "consecutive_misses", misses)
		metrics.CanaryHealthy.Set(0)
	}
	// The miss may be a vanished subscription rather than a stuck
	// pipeline; re-registering is idempotent.
	if err := c.ensureSubscription(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("Canary subscription re-registration failed", "error", err)
	}
}

func (c *Canary) pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
