// Package leader runs a singleton task for as long as this process holds
// a leadership role. The runner owns the task lifecycle: it campaigns,
// starts the task on acquire, cancels it synchronously on revoke and
// campaigns again. At most one task instance runs per process, and none
// without the token.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaybase/relay/internal/coordination"
	"github.com/relaybase/relay/internal/metrics"
)

// State of the managed singleton.
type State int32

const (
	Stopped State = iota
	Starting
	Leading
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Leading:
		return "leading"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Task is the payload the runner manages. Run must block until ctx is
// canceled, stop all writes, and return. Returning early while the token
// is still held counts as a crash and triggers resign plus re-campaign.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// Config holds the runner settings.
type Config struct {
	// Role is the singleton role to campaign for.
	Role string
	// CandidateID identifies this process in the election.
	CandidateID string
	// DrainGrace is how long a revoked task may take to stop before the
	// runner logs it as wedged. The runner still waits: a second
	// instance must never start while the first is alive.
	DrainGrace time.Duration
	// RestartDelay spaces out re-campaigns after a task crash.
	RestartDelay time.Duration
	// GateCheckInterval is how often a closed gate is re-checked while
	// the token is held.
	GateCheckInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.DrainGrace <= 0 {
		c.DrainGrace = 10 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 2 * time.Second
	}
	if c.GateCheckInterval <= 0 {
		c.GateCheckInterval = 2 * time.Second
	}
}

// Runner drives one singleton role.
type Runner struct {
	cfg     Config
	elector coordination.Elector
	task    Task

	// gate, when set, must return true for the task to run. A held token
	// with a closed gate parks: the task stays stopped but the process
	// keeps the leadership.
	gate func() bool

	state atomic.Int32

	lifecycleCtx context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      atomic.Bool
}

// New creates a runner. A nil gate means the task always runs while the
// token is held.
func New(cfg Config, elector coordination.Elector, task Task, gate func() bool) *Runner {
	cfg.applyDefaults()
	return &Runner{
		cfg:     cfg,
		elector: elector,
		task:    task,
		gate:    gate,
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Leading reports whether the task is currently running under the token.
func (r *Runner) Leading() bool {
	return r.State() == Leading
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	if s == Leading {
		metrics.LeaderActive.WithLabelValues(r.cfg.Role).Set(1)
	} else {
		metrics.LeaderActive.WithLabelValues(r.cfg.Role).Set(0)
	}
}

// Start launches the campaign loop.
func (r *Runner) Start() {
	if r.started.Swap(true) {
		return
	}
	r.lifecycleCtx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.loop()
}

// Stop revokes local leadership and blocks until the task has stopped.
func (r *Runner) Stop() {
	if !r.started.Load() || r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.setState(Stopped)
}

func (r *Runner) loop() {
	defer r.wg.Done()

	for {
		r.setState(Starting)
		term, err := r.elector.Campaign(r.lifecycleCtx, r.cfg.Role, r.cfg.CandidateID)
		if err != nil {
			// Campaign only fails on shutdown or a closed coordinator.
			r.setState(Stopped)
			return
		}
		metrics.LeaderAcquired.WithLabelValues(r.cfg.Role).Inc()
		slog.Info("Acquired leadership", "role", r.cfg.Role, "candidate", r.cfg.CandidateID)

		again := r.lead(term)
		r.resign(term)
		if !again {
			r.setState(Stopped)
			return
		}

		select {
		case <-r.lifecycleCtx.Done():
			r.setState(Stopped)
			return
		case <-time.After(r.cfg.RestartDelay):
		}
	}
}

type parkResult int

const (
	parkGateOpen parkResult = iota
	parkTermLost
	parkShutdown
)

// lead holds one term: it runs the task, parking while the gate is
// closed, until the term is revoked, the runner shuts down or the task
// crashes. Returns true when the loop should campaign again.
func (r *Runner) lead(term coordination.Term) bool {
	for {
		select {
		case <-term.Done():
			return true
		default:
		}

		if r.gate != nil && !r.gate() {
			switch r.park(term) {
			case parkShutdown:
				return false
			case parkTermLost:
				return true
			}
			continue
		}

		taskCtx, taskCancel := context.WithCancel(r.lifecycleCtx)
		taskDone := make(chan error, 1)
		r.setState(Leading)
		go func() {
			taskDone <- r.task.Run(taskCtx)
		}()

		select {
		case <-term.Done():
			slog.Warn("Leadership revoked, draining", "role", r.cfg.Role)
			r.drain(taskCancel, taskDone)
			return true

		case <-r.lifecycleCtx.Done():
			r.drain(taskCancel, taskDone)
			return false

		case err := <-taskDone:
			taskCancel()
			if r.lifecycleCtx.Err() != nil {
				return false
			}
			if r.gate != nil && !r.gate() {
				// The task observed the gate closing and stepped out.
				continue
			}
			slog.Error("Singleton task exited while leading", "role", r.cfg.Role, "error", err)
			return true
		}
	}
}

// park waits for the gate to open while keeping the token.
func (r *Runner) park(term coordination.Term) parkResult {
	r.setState(Stopped)
	slog.Info("Leadership held but gated off", "role", r.cfg.Role)
	ticker := time.NewTicker(r.cfg.GateCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.lifecycleCtx.Done():
			return parkShutdown
		case <-term.Done():
			// Lost the token while parked; campaign again so the gate
			// opening later finds a live candidate.
			return parkTermLost
		case <-ticker.C:
			if r.gate() {
				return parkGateOpen
			}
		}
	}
}

// drain cancels the task and waits for it to stop. The wait is
// unconditional: the single-writer invariant depends on the old instance
// being dead before anything else runs. DrainGrace only bounds the quiet
// wait before the runner starts complaining.
func (r *Runner) drain(cancel context.CancelFunc, done <-chan error) {
	r.setState(Draining)
	cancel()

	timer := time.NewTimer(r.cfg.DrainGrace)
	defer timer.Stop()
	for {
		select {
		case err := <-done:
			if err != nil && err != context.Canceled {
				slog.Warn("Singleton task stopped with error", "role", r.cfg.Role, "error", err)
			}
			return
		case <-timer.C:
			slog.Error("Singleton task exceeded drain grace, still waiting", "role", r.cfg.Role, "grace", r.cfg.DrainGrace)
		}
	}
}

// resign gives up the term; harmless if it is already gone.
func (r *Runner) resign(term coordination.Term) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := term.Resign(ctx); err != nil && err != coordination.ErrNotLeader {
		slog.Warn("Failed to resign leadership", "role", r.cfg.Role, "error", err)
	}
}
