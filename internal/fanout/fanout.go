// Package fanout drains the master partitions and copies each event into
// every subscription channel whose condition matches. It runs as a
// leader-elected singleton: the leader.Runner starts Run with the token
// and cancels it on revoke. Delivery is at-least-once; originals are
// acknowledged only after every matching subscriber copy is durable.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaybase/relay/internal/condition"
	"github.com/relaybase/relay/internal/directory"
	"github.com/relaybase/relay/internal/events"
	"github.com/relaybase/relay/internal/eventstore"
	"github.com/relaybase/relay/internal/logging"
	"github.com/relaybase/relay/internal/metrics"
)

// Store is what fanout needs from the event store: the leased master
// checkout plus the dedup-aware subscriber write path.
type Store interface {
	eventstore.Adapter
	Offer(ctx context.Context, channel string, ev *events.Event) (uint64, error)
}

// Config holds the fanout settings.
type Config struct {
	// Partitions is the number of master inbound partitions to drain.
	Partitions int `yaml:"partitions"`
	// BatchSize bounds how many events one cycle checks out.
	BatchSize int `yaml:"batch_size"`
	// Lease is the master checkout lease. It also budgets the write
	// retry window of a cycle: past it the cycle gives up and lets
	// expiry redeliver.
	Lease time.Duration `yaml:"lease"`
	// PollInterval is the idle wait between empty polls.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Workers bounds concurrent subscriber channel writes per cycle.
	Workers int `yaml:"workers"`
	// RetryInitial and RetryMax shape the per-channel write backoff.
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`

	Canary CanaryConfig `yaml:"canary"`
}

// DefaultConfig returns the fanout defaults.
func DefaultConfig() Config {
	return Config{
		Partitions:   8,
		BatchSize:    200,
		Lease:        30 * time.Second,
		PollInterval: 250 * time.Millisecond,
		Workers:      16,
		RetryInitial: 100 * time.Millisecond,
		RetryMax:     5 * time.Second,
		Canary:       DefaultCanaryConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Partitions <= 0 {
		c.Partitions = def.Partitions
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Lease <= 0 {
		c.Lease = def.Lease
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = def.RetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
}

// Status is the health snapshot exposed on /health/fanout.
type Status struct {
	Running       bool         `json:"running"`
	LastCycle     time.Time    `json:"lastCycle"`
	LastBatchSize int          `json:"lastBatchSize"`
	Canary        CanaryStatus `json:"canary"`
}

// Manager is the fanout singleton. Run is the leader task.
type Manager struct {
	cfg    Config
	store  Store
	dir    directory.Store
	eval   *condition.Evaluator
	rl     *logging.RateLimited
	canary *Canary

	running        atomic.Bool
	lastCycleMilli atomic.Int64
	lastBatchSize  atomic.Int64
}

// New creates the fanout manager. The directory is the cached view; the
// store is normally the dedup layer.
func New(cfg Config, store Store, dir directory.Store, eval *condition.Evaluator, rl *logging.RateLimited) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:   cfg,
		store: store,
		dir:   dir,
		eval:  eval,
		rl:    rl,
	}
	m.canary = newCanary(cfg.Canary, cfg.Partitions, store, dir)
	return m
}

// Status reports the current drain state for the health surface.
func (m *Manager) Status() Status {
	var last time.Time
	if ms := m.lastCycleMilli.Load(); ms > 0 {
		last = time.UnixMilli(ms)
	}
	return Status{
		Running:       m.running.Load(),
		LastCycle:     last,
		LastBatchSize: int(m.lastBatchSize.Load()),
		Canary:        m.canary.Status(),
	}
}

// Canary exposes the canary for the health surface.
func (m *Manager) Canary() *Canary {
	return m.canary
}

// Run drains all master partitions until ctx is canceled. It blocks; the
// leader runner owns the goroutine.
func (m *Manager) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)
	slog.Info("Fanout started", "partitions", m.cfg.Partitions, "batch_size", m.cfg.BatchSize)

	var wg sync.WaitGroup
	for _, partition := range events.MasterChannels(m.cfg.Partitions) {
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			m.drainLoop(ctx, ch)
		}(partition)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.canary.run(ctx)
	}()

	wg.Wait()
	slog.Info("Fanout stopped")
	return ctx.Err()
}

func (m *Manager) drainLoop(ctx context.Context, partition string) {
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := m.cycle(ctx, partition)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.rl.Error("fanout-cycle/"+partition, "Fanout cycle failed", "partition", partition, "error", err)
			m.sleep(ctx, m.cfg.PollInterval)
			continue
		}
		if n == 0 {
			m.sleep(ctx, m.cfg.PollInterval)
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// cycle processes one leased batch. Returns the number of events read.
// Any error means the batch was not acknowledged; lease expiry redelivers
// it, which is the crash-retry path.
func (m *Manager) cycle(ctx context.Context, partition string) (int, error) {
	start := time.Now()

	leased, err := m.store.Poll(ctx, partition, m.cfg.BatchSize, m.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("poll %s: %w", partition, err)
	}
	if len(leased) == 0 {
		return 0, nil
	}
	metrics.FanoutEventsRead.WithLabelValues(partition).Add(float64(len(leased)))
	metrics.FanoutLag.WithLabelValues(partition).Set(start.Sub(time.UnixMilli(leased[0].Event.ProducedAt)).Seconds())

	// Subscriber copies carry the originating master sequence so dedup
	// and replication can reason about provenance.
	for _, le := range leased {
		if le.Event.Token == 0 {
			le.Event.Token = le.Seq
		}
	}

	subs, err := m.dir.List(ctx)
	if err != nil {
		// Without a subscription snapshot nothing can be delivered;
		// leave the batch leased and retry the cycle.
		return len(leased), fmt.Errorf("list subscriptions: %w", err)
	}

	jobs, matched := m.match(partition, leased, subs)

	if err := m.writeAll(ctx, partition, leased, jobs); err != nil {
		return len(leased), err
	}

	// Every subscriber copy is durable; only now do the originals leave
	// the master partition.
	handles := make([]string, len(leased))
	for i, le := range leased {
		handles[i] = le.Handle
	}
	if err := m.store.Ack(ctx, partition, handles); err != nil {
		return len(leased), fmt.Errorf("ack %s: %w", partition, err)
	}

	m.lastCycleMilli.Store(time.Now().UnixMilli())
	m.lastBatchSize.Store(int64(len(leased)))
	metrics.FanoutEventsMatched.WithLabelValues(partition).Add(float64(matched))
	metrics.FanoutCycleLatency.WithLabelValues(partition).Observe(time.Since(start).Seconds())
	return len(leased), nil
}

// match evaluates the batch against the subscription snapshot and groups
// matching events per delivery channel, preserving batch order within
// each channel. A subscription whose condition fails to evaluate is
// skipped for this cycle only.
func (m *Manager) match(partition string, leased []*eventstore.Leased, subs []*directory.Subscription) (map[string][]*events.Event, int) {
	now := time.Now()
	jobs := make(map[string][]*events.Event)
	matched := 0
	evaluated := 0

	for _, le := range leased {
		for _, sub := range subs {
			if sub.Expired(now) {
				continue
			}
			evaluated++
			ok, err := m.eval.Eval(sub.Condition, le.Event)
			if err != nil {
				m.rl.Warn("fanout-condition/"+sub.Name,
					"Skipping subscription for this cycle, condition failed to evaluate",
					"subscription", sub.Name, "error", err)
				metrics.FanoutSubscriptionSkips.WithLabelValues("condition_error").Inc()
				continue
			}
			if ok {
				ch := sub.Channel()
				jobs[ch] = append(jobs[ch], le.Event)
				matched++
			}
		}
	}
	metrics.FanoutSubscriptionsEvaluated.WithLabelValues(partition).Add(float64(evaluated))
	return jobs, matched
}

// writeAll pushes each channel's matches through the dedup-aware write
// path with a bounded worker pool, renewing the master lease while it
// works. The retry budget is one lease: past that the cycle aborts and
// redelivery takes over.
func (m *Manager) writeAll(ctx context.Context, partition string, leased []*eventstore.Leased, jobs map[string][]*events.Event) error {
	if len(jobs) == 0 {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.Lease)
	defer cancel()

	handles := make([]string, len(leased))
	for i, le := range leased {
		handles[i] = le.Handle
	}
	renewDone := make(chan struct{})
	go m.renewLoop(writeCtx, partition, handles, renewDone)
	defer func() {
		cancel()
		<-renewDone
	}()

	type job struct {
		channel string
		batch   []*events.Event
	}
	jobCh := make(chan job)
	errCh := make(chan error, len(jobs))
	var wg sync.WaitGroup

	workers := m.cfg.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				if err := m.writeChannel(writeCtx, j.channel, j.batch); err != nil {
					errCh <- err
				}
			}
		}()
	}

	for ch, batch := range jobs {
		jobCh <- job{channel: ch, batch: batch}
	}
	close(jobCh)
	wg.Wait()
	close(errCh)
	return <-errCh
}

// writeChannel appends one channel's matches in batch order, retrying
// with exponential backoff until the write context expires.
func (m *Manager) writeChannel(ctx context.Context, channel string, batch []*events.Event) error {
	for _, ev := range batch {
		backoff := m.cfg.RetryInitial
		for {
			_, err := m.store.Offer(ctx, channel, ev)
			if err == nil {
				break
			}
			m.rl.Warn("fanout-write/"+channel, "Subscriber write failed, backing off",
				"channel", channel, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return fmt.Errorf("write %s: %w (last error: %v)", channel, ctx.Err(), err)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.cfg.RetryMax {
				backoff = m.cfg.RetryMax
			}
		}
	}
	return nil
}

// renewLoop keeps the master lease alive while the write phase runs so
// the batch is not redelivered under us mid-retry.
func (m *Manager) renewLoop(ctx context.Context, partition string, handles []string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.Renew(ctx, partition, handles, m.cfg.Lease); err != nil {
				m.rl.Warn("fanout-renew/"+partition, "Master lease renewal failed",
					"partition", partition, "error", err)
			}
		}
	}
}
