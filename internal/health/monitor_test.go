package health

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentd/internal/agent"
	"github.com/aristath/agentd/internal/config"
	"github.com/aristath/agentd/internal/queue"
	"github.com/aristath/agentd/internal/task"
)

// fakeWorker is a minimal in-memory agent.Worker for recovery tests.
type fakeWorker struct {
	pid  int
	out  chan agent.Envelope
	done chan struct{}

	mu      sync.Mutex
	signals []syscall.Signal
	exited  bool
}

func newFakeWorker(pid int) *fakeWorker {
	return &fakeWorker{pid: pid, out: make(chan agent.Envelope, 16), done: make(chan struct{})}
}

func (w *fakeWorker) PID() int                          { return w.pid }
func (w *fakeWorker) Dispatch(env agent.Envelope) error { return nil }
func (w *fakeWorker) Messages() <-chan agent.Envelope   { return w.out }
func (w *fakeWorker) Done() <-chan struct{}             { return w.done }
func (w *fakeWorker) ExitErr() error                    { return nil }

func (w *fakeWorker) Signal(sig syscall.Signal) error {
	w.mu.Lock()
	w.signals = append(w.signals, sig)
	w.mu.Unlock()
	if sig == syscall.SIGKILL {
		w.exit()
	}
	return nil
}

func (w *fakeWorker) exit() {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		return
	}
	w.exited = true
	w.mu.Unlock()
	close(w.out)
	close(w.done)
}

type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	spawned int
	failErr error
	failN   int
}

func (s *fakeSpawner) Spawn(ctx context.Context, agentID string, cfg config.AgentTypeConfig) (agent.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return nil, s.failErr
	}
	s.nextPID++
	s.spawned++
	return newFakeWorker(s.nextPID), nil
}

// failNext makes the next n Spawn calls return err.
func (s *fakeSpawner) failNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
	s.failErr = err
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

func healthConfig() *config.Config {
	return &config.Config{
		Coordinator: config.CoordinatorConfig{PerformanceWindow: 10},
		Health: config.HealthConfig{
			CheckInterval:    time.Second,
			FailureThreshold: 2,
			HeartbeatGrace:   30 * time.Second,
			CancelGrace:      10 * time.Second,
			Restart: config.RestartPolicy{
				MaxAttempts:       2,
				BackoffBase:       5 * time.Second,
				BackoffMultiplier: 2.0,
				BackoffCap:        time.Minute,
				Window:            10 * time.Minute,
			},
			Breaker: config.BreakerConfig{FailureThreshold: 3, Cooldown: 15 * time.Minute},
		},
		Agents: map[string]config.AgentTypeConfig{
			"build": {
				Command:            "/bin/true",
				MaxConcurrentTasks: 1,
				PoolCeiling:        3,
				Limits: config.ResourceLimits{
					SampleInterval: time.Second,
					ViolationCount: 3,
					GracePeriod:    10 * time.Millisecond,
				},
			},
		},
	}
}

type fixture struct {
	cfg     *config.Config
	queue   *queue.Queue
	manager *agent.Manager
	breaker *Breakers
	monitor *Monitor
	spawner *fakeSpawner
	clock   *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := healthConfig()
	cfgFn := func() *config.Config { return cfg }
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}

	sp := &fakeSpawner{nextPID: 1000}
	q := queue.New(queue.Config{DefaultMaxAttempts: 3, RetryBase: time.Second}, nil)
	q.SetClock(clk.Now)
	mgr := agent.NewManager(cfgFn, sp, nil)
	mgr.SetClock(clk.Now)
	br := NewBreakers(cfgFn, nil)
	mon := NewMonitor(cfgFn, q, mgr, br)
	mon.SetClock(clk.Now)

	return &fixture{cfg: cfg, queue: q, manager: mgr, breaker: br, monitor: mon, spawner: sp, clock: clk}
}

// runTask puts one task on a fresh agent and returns both IDs.
func (f *fixture) runTask(t *testing.T, taskID string) (agentID string) {
	t.Helper()
	d, err := f.manager.Spawn(context.Background(), "build")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(&task.Task{ID: taskID, Type: "build"})
	require.NoError(t, err)
	require.NotNil(t, f.queue.Dequeue(nil))
	require.NoError(t, f.manager.Assign(d.ID, &task.Task{ID: taskID, Type: "build"}))
	require.NoError(t, f.queue.MarkRunning(taskID, d.ID))
	return d.ID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCrashRecoveryRequeuesTaskAndSchedulesRespawn(t *testing.T) {
	f := newFixture(t)
	agentID := f.runTask(t, "t1")

	f.monitor.handleFailure(context.Background(), agent.Failure{
		AgentID:   agentID,
		AgentType: "build",
		Reason:    "agent_crash",
		Err:       errors.New("signal: killed"),
	})

	// The running task went back to the queue with a new attempt.
	cur, ok := f.queue.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusQueued, cur.Status)
	assert.Equal(t, 2, cur.AttemptCount)
	assert.Equal(t, task.ReasonAgentTerminated, cur.Reason)

	// Too early: backoff base has not elapsed.
	f.monitor.respawnDue(context.Background())
	assert.Equal(t, 1, f.spawner.count())

	f.clock.Advance(6 * time.Second)
	f.monitor.respawnDue(context.Background())
	assert.Equal(t, 2, f.spawner.count())
	waitFor(t, func() bool { return f.manager.LiveCount("build") >= 1 })
}

func TestCancelRequestedTaskSettlesOnRecovery(t *testing.T) {
	f := newFixture(t)
	agentID := f.runTask(t, "t1")

	interrupt, _, err := f.queue.Cancel("t1")
	require.NoError(t, err)
	require.True(t, interrupt)

	f.monitor.handleFailure(context.Background(), agent.Failure{
		AgentID: agentID, AgentType: "build", Reason: "agent_crash",
	})

	cur, ok := f.queue.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusCancelled, cur.Status)
}

func TestStaleHeartbeatDegradesThenRecovers(t *testing.T) {
	f := newFixture(t)
	f.runTask(t, "t1")

	// Heartbeat is now stale beyond the grace window.
	f.clock.Advance(time.Minute)

	// First failing check only degrades.
	f.monitor.checkAgents(context.Background())
	cur, ok := f.queue.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusRunning, cur.Status)

	// Second failing check crosses the threshold and triggers recovery.
	f.monitor.checkAgents(context.Background())
	cur, ok = f.queue.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusQueued, cur.Status)
	assert.Equal(t, task.ReasonTimeout, cur.Reason)
}

func TestTaskMaxDurationFailsProgressCheck(t *testing.T) {
	f := newFixture(t)

	d, err := f.manager.Spawn(context.Background(), "build")
	require.NoError(t, err)
	tk := &task.Task{
		ID: "t1", Type: "build",
		Requirements: task.Requirements{MaxDuration: 10 * time.Second},
	}
	_, err = f.queue.Enqueue(tk)
	require.NoError(t, err)
	require.NotNil(t, f.queue.Dequeue(nil))
	require.NoError(t, f.manager.Assign(d.ID, tk))
	require.NoError(t, f.queue.MarkRunning("t1", d.ID))

	f.clock.Advance(11 * time.Second)

	failure := f.monitor.checkOne(f.cfg, mustGet(t, f.manager, d.ID))
	require.NotNil(t, failure)
	assert.Equal(t, "progress", failure.check)
	assert.Equal(t, task.ReasonTimeout, failure.reason)
}

func mustGet(t *testing.T, m *agent.Manager, id string) agent.Descriptor {
	t.Helper()
	d, ok := m.Get(id)
	require.True(t, ok)
	return d
}

func TestRestartBudgetExhaustionOpensCircuit(t *testing.T) {
	f := newFixture(t)

	f.monitor.scheduleRespawn("build")
	f.monitor.scheduleRespawn("build")
	assert.True(t, f.breaker.Allow("build"))

	_, err := f.queue.Enqueue(&task.Task{ID: "waiting", Type: "build"})
	require.NoError(t, err)

	// Third loss inside the window exhausts the budget.
	f.monitor.scheduleRespawn("build")
	assert.False(t, f.breaker.Allow("build"))

	cur, ok := f.queue.Get("waiting")
	require.True(t, ok)
	assert.Equal(t, task.ReasonWaitingForRecovery, cur.Reason)

	// While the circuit is open no respawn happens, whatever is pending.
	f.clock.Advance(time.Hour)
	f.monitor.respawnDue(context.Background())
	assert.Equal(t, 0, f.spawner.count())
}

func TestRestartWindowExpiryResetsBudget(t *testing.T) {
	f := newFixture(t)

	f.monitor.scheduleRespawn("build")
	f.monitor.scheduleRespawn("build")

	// Outside the rolling window the earlier losses no longer count.
	f.clock.Advance(11 * time.Minute)
	f.monitor.scheduleRespawn("build")
	assert.True(t, f.breaker.Allow("build"))

	// And the backoff restarted from its base interval.
	f.clock.Advance(6 * time.Second)
	f.monitor.respawnDue(context.Background())
	assert.GreaterOrEqual(t, f.spawner.count(), 1)
}

func TestRespawnFailureKeepsSingleSlot(t *testing.T) {
	f := newFixture(t)

	f.monitor.scheduleRespawn("build")
	f.spawner.failNext(1, errors.New("fork: resource temporarily unavailable"))

	// The due pass fails to spawn; the slot is pushed out, not duplicated.
	f.clock.Advance(6 * time.Second)
	f.monitor.respawnDue(context.Background())
	assert.Equal(t, 0, f.spawner.count())

	// Once spawning works again exactly one replacement comes up.
	f.clock.Advance(time.Minute)
	f.monitor.respawnDue(context.Background())
	assert.Equal(t, 1, f.spawner.count())
	waitFor(t, func() bool { return f.manager.LiveCount("build") == 1 })

	// The slot is drained; later passes spawn nothing.
	f.clock.Advance(time.Minute)
	f.monitor.respawnDue(context.Background())
	assert.Equal(t, 1, f.spawner.count())
	assert.Equal(t, 1, f.manager.LiveCount("build"))
}

func TestEnforceCancelGraceForceKills(t *testing.T) {
	f := newFixture(t)
	agentID := f.runTask(t, "t1")

	_, _, err := f.queue.Cancel("t1")
	require.NoError(t, err)

	// Within grace: nothing happens.
	f.monitor.enforceCancelGrace()
	cur, ok := f.queue.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusCancelRequested, cur.Status)

	f.clock.Advance(11 * time.Second)
	f.monitor.enforceCancelGrace()

	cur, ok = f.queue.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusCancelled, cur.Status)
	waitFor(t, func() bool { return !f.manager.IsAlive(agentID) })
}
