package leader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybase/relay/internal/coordination"
	"github.com/relaybase/relay/internal/coordination/memory"
)

// trackedTask blocks until canceled and records concurrency so tests can
// prove two instances never overlap.
type trackedTask struct {
	mu        sync.Mutex
	active    int
	maxActive int
	starts    int
}

func (tt *trackedTask) Run(ctx context.Context) error {
	tt.mu.Lock()
	tt.active++
	tt.starts++
	if tt.active > tt.maxActive {
		tt.maxActive = tt.active
	}
	tt.mu.Unlock()

	<-ctx.Done()

	tt.mu.Lock()
	tt.active--
	tt.mu.Unlock()
	return ctx.Err()
}

func (tt *trackedTask) snapshot() (active, maxActive, starts int) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.active, tt.maxActive, tt.starts
}

func testConfig(role string) Config {
	return Config{
		Role:              role,
		CandidateID:       "node-1",
		DrainGrace:        time.Second,
		RestartDelay:      10 * time.Millisecond,
		GateCheckInterval: 10 * time.Millisecond,
	}
}

func TestRunner_RunsTaskWhileLeading(t *testing.T) {
	coord := memory.New()
	task := &trackedTask{}
	r := New(testConfig(coordination.RoleFanout), coord, task, nil)

	r.Start()
	defer r.Stop()

	require.Eventually(t, r.Leading, 2*time.Second, 5*time.Millisecond)
	active, _, _ := task.snapshot()
	assert.Equal(t, 1, active)

	r.Stop()
	active, _, _ = task.snapshot()
	assert.Zero(t, active, "stop must wait for the task to finish")
	assert.Equal(t, Stopped, r.State())
}

func TestRunner_RevokeDrainsThenRecampaigns(t *testing.T) {
	coord := memory.New()
	task := &trackedTask{}
	r := New(testConfig(coordination.RoleFanout), coord, task, nil)

	r.Start()
	defer r.Stop()
	require.Eventually(t, r.Leading, 2*time.Second, 5*time.Millisecond)

	coord.Revoke(coordination.RoleFanout)

	// The role is free again, so the runner re-acquires and restarts the
	// task. The old instance must be gone before the new one starts.
	require.Eventually(t, func() bool {
		_, _, starts := task.snapshot()
		return starts == 2 && r.Leading()
	}, 2*time.Second, 5*time.Millisecond)

	_, maxActive, _ := task.snapshot()
	assert.Equal(t, 1, maxActive, "instances must never overlap")
}

func TestRunner_TaskCrashResignsAndRestarts(t *testing.T) {
	coord := memory.New()
	task := &trackedTask{}
	var crashed atomic.Bool
	crashOnce := TaskFunc(func(ctx context.Context) error {
		if !crashed.Swap(true) {
			return errors.New("boom")
		}
		return task.Run(ctx)
	})
	r := New(testConfig(coordination.RoleFanout), coord, crashOnce, nil)

	r.Start()
	defer r.Stop()

	require.Eventually(t, r.Leading, 2*time.Second, 5*time.Millisecond)
	_, _, starts := task.snapshot()
	assert.Equal(t, 1, starts, "second acquisition runs the task properly")
}

func TestRunner_ExclusiveAcrossRunners(t *testing.T) {
	coord := memory.New()
	task := &trackedTask{}
	r1 := New(testConfig(coordination.RoleFanout), coord, task, nil)
	r2 := New(testConfig(coordination.RoleFanout), coord, task, nil)

	r1.Start()
	r2.Start()
	defer r1.Stop()
	defer r2.Stop()

	require.Eventually(t, func() bool {
		return r1.Leading() || r2.Leading()
	}, 2*time.Second, 5*time.Millisecond)

	// Flip leadership a few times.
	for i := 0; i < 3; i++ {
		coord.Revoke(coordination.RoleFanout)
		require.Eventually(t, func() bool {
			return r1.Leading() || r2.Leading()
		}, 2*time.Second, 5*time.Millisecond)
	}

	_, maxActive, starts := task.snapshot()
	assert.Equal(t, 1, maxActive, "at most one task instance cluster-wide")
	assert.GreaterOrEqual(t, starts, 4)
}

func TestRunner_GateParksWithoutReleasingToken(t *testing.T) {
	coord := memory.New()
	var gateOpen atomic.Bool
	gate := gateOpen.Load

	// The managed task watches its own gate and steps out when it closes,
	// the way the replication manager does with the enabled flag.
	task := TaskFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if !gateOpen.Load() {
					return nil
				}
			}
		}
	})

	r := New(testConfig(coordination.RoleReplication), coord, task, gate)
	r.Start()
	defer r.Stop()

	// Gate closed: token held, task parked.
	require.Eventually(t, func() bool {
		_, held := coord.Leader(coordination.RoleReplication)
		return held && r.State() == Stopped
	}, 2*time.Second, 5*time.Millisecond)

	gateOpen.Store(true)
	require.Eventually(t, r.Leading, 2*time.Second, 5*time.Millisecond)

	gateOpen.Store(false)
	require.Eventually(t, func() bool {
		_, held := coord.Leader(coordination.RoleReplication)
		return held && r.State() == Stopped
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_StopWhileCampaigning(t *testing.T) {
	coord := memory.New()
	blocker, err := coord.Campaign(context.Background(), coordination.RoleFanout, "other-node")
	require.NoError(t, err)
	defer func() { _ = blocker.Resign(context.Background()) }()

	r := New(testConfig(coordination.RoleFanout), coord, &trackedTask{}, nil)
	r.Start()

	// Never acquires; Stop must still return promptly.
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked while campaign was pending")
	}
	assert.Equal(t, Stopped, r.State())
}

func TestRunner_DoubleStartAndStop(t *testing.T) {
	coord := memory.New()
	task := &trackedTask{}
	r := New(testConfig(coordination.RoleFanout), coord, task, nil)

	r.Start()
	r.Start()
	require.Eventually(t, r.Leading, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	assert.Equal(t, Stopped, r.State())
}
