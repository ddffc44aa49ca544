package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/agentd/internal/agent"
	"github.com/aristath/agentd/internal/config"
	"github.com/aristath/agentd/internal/queue"
	"github.com/aristath/agentd/internal/task"
)

// checkFailure describes one failing health check for an agent.
type checkFailure struct {
	check  string // "liveness" or "progress"
	reason string
	err    error
}

// Monitor periodically health-checks agents, drives restart/backoff recovery,
// and feeds failure outcomes back into the queue.
type Monitor struct {
	cfg      func() *config.Config
	queue    *queue.Queue
	manager  *agent.Manager
	breakers *Breakers
	now      func() time.Time

	mu sync.Mutex
	// consecutive failing checks per agent; threshold crossings trigger recovery.
	consecutive map[string]int
	// restart timestamps per agent type within the rolling window.
	restarts map[string][]time.Time
	// respawn backoff policy per agent type.
	backoffs map[string]*backoff.ExponentialBackOff
	// earliest next respawn instant per agent type.
	respawnAt map[string]time.Time
	// number of pending respawns per type (slots lost to recovery).
	pendingRespawn map[string]int
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg func() *config.Config, q *queue.Queue, m *agent.Manager, b *Breakers) *Monitor {
	return &Monitor{
		cfg:            cfg,
		queue:          q,
		manager:        m,
		breakers:       b,
		now:            time.Now,
		consecutive:    make(map[string]int),
		restarts:       make(map[string][]time.Time),
		backoffs:       make(map[string]*backoff.ExponentialBackOff),
		respawnAt:      make(map[string]time.Time),
		pendingRespawn: make(map[string]int),
	}
}

// SetClock injects a clock for tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Run executes the health-check loop and consumes agent failure reports until
// ctx is done. Blocking work (terminate, respawn) happens on this goroutine,
// never on the coordinator's scheduling path.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg().Health.CheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-m.manager.Failures():
			m.handleFailure(ctx, f)
		case <-ticker.C:
			m.Tick(ctx)
			// Re-read the interval so Reload takes effect.
			if ni := m.cfg().Health.CheckInterval; ni != interval && ni > 0 {
				interval = ni
				ticker.Reset(interval)
			}
		}
	}
}

// Tick runs one health-check pass. Exported for deterministic tests.
func (m *Monitor) Tick(ctx context.Context) {
	m.manager.Prune()
	m.checkAgents(ctx)
	m.enforceCancelGrace()
	m.respawnDue(ctx)
}

// checkAgents evaluates liveness and progress for every live agent and
// applies the Healthy -> Degraded -> Unhealthy state machine.
func (m *Monitor) checkAgents(ctx context.Context) {
	cfg := m.cfg()

	for _, d := range m.manager.List() {
		if !d.State.Live() || d.State == agent.StateUnhealthy {
			continue
		}
		m.manager.TouchHealthCheck(d.ID)

		failure := m.checkOne(cfg, d)
		if failure == nil {
			m.mu.Lock()
			m.consecutive[d.ID] = 0
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		m.consecutive[d.ID]++
		n := m.consecutive[d.ID]
		m.mu.Unlock()

		m.breakers.Record(d.Type, failure.err)

		if n < cfg.Health.FailureThreshold {
			log.Printf("[health] agent %s degraded (%s check failed, %d/%d): %s",
				d.ID, failure.check, n, cfg.Health.FailureThreshold, failure.reason)
			continue
		}
		log.Printf("[health] agent %s unhealthy after %d failing checks, recovering", d.ID, n)
		m.recover(ctx, d, failure.reason)
	}
}

// checkOne runs the liveness and progress checks for a single agent.
func (m *Monitor) checkOne(cfg *config.Config, d agent.Descriptor) *checkFailure {
	if !m.manager.IsAlive(d.ID) {
		return &checkFailure{
			check:  "liveness",
			reason: task.ReasonAgentTerminated,
			err:    errors.New("process not alive"),
		}
	}

	now := m.now()
	for _, t := range m.queue.TasksByAgent(d.ID) {
		if t.Status != task.StatusRunning {
			continue
		}
		if t.Requirements.MaxDuration > 0 && now.Sub(t.StartedAt) > t.Requirements.MaxDuration {
			return &checkFailure{
				check:  "progress",
				reason: task.ReasonTimeout,
				err:    fmt.Errorf("task %s exceeded max_duration %s", t.ID, t.Requirements.MaxDuration),
			}
		}
		if hb, ok := m.manager.Heartbeat(d.ID, t.ID); ok && now.Sub(hb) > cfg.Health.HeartbeatGrace {
			return &checkFailure{
				check:  "progress",
				reason: task.ReasonTimeout,
				err:    fmt.Errorf("task %s heartbeat stale by %s", t.ID, now.Sub(hb)),
			}
		}
	}
	return nil
}

// handleFailure reacts to an asynchronous fault report from the process
// manager (unexpected exit or resource-limit termination).
func (m *Monitor) handleFailure(ctx context.Context, f agent.Failure) {
	log.Printf("[health] agent %s failure: %s", f.AgentID, f.Reason)
	m.breakers.Record(f.AgentType, fmt.Errorf("%s: %w", f.Reason, errOrDefault(f.Err)))

	d, ok := m.manager.Get(f.AgentID)
	if !ok {
		d = agent.Descriptor{ID: f.AgentID, Type: f.AgentType}
	}
	m.recover(ctx, d, f.Reason)
}

// recover terminates an unhealthy agent, settles its tasks, and schedules a
// backoff-governed respawn of the lost slot.
func (m *Monitor) recover(ctx context.Context, d agent.Descriptor, reason string) {
	m.manager.MarkUnhealthy(d.ID, reason)
	_ = m.manager.Terminate(d.ID, true)

	// Task-side consequence: running tasks fail with the agent's reason and
	// re-enter the queue (or settle Cancelled) per the retry policy.
	for _, t := range m.queue.TasksByAgent(d.ID) {
		if t.Status == task.StatusCancelRequested {
			_ = m.queue.AckCancel(t.ID)
			continue
		}
		taskReason := reason
		if taskReason == "" || taskReason == "agent_crash" {
			taskReason = task.ReasonAgentTerminated
		}
		if _, err := m.queue.Fail(t.ID, taskReason); err != nil {
			log.Printf("[health] requeue of %s failed: %v", t.ID, err)
		}
	}

	m.mu.Lock()
	delete(m.consecutive, d.ID)
	m.mu.Unlock()

	if d.Type != "" {
		m.scheduleRespawn(d.Type)
	}
}

// scheduleRespawn applies the restart policy for a type: exponential backoff
// within the rolling window, circuit open when the budget is exhausted.
func (m *Monitor) scheduleRespawn(agentType string) {
	m.schedule(agentType, true)
}

// rescheduleRespawn pushes an already-pending slot to the next backoff delay
// after a failed spawn attempt. The attempt counts against the restart budget,
// but the slot stays a single slot.
func (m *Monitor) rescheduleRespawn(agentType string) {
	m.schedule(agentType, false)
}

func (m *Monitor) schedule(agentType string, newSlot bool) {
	policy := m.cfg().Health.Restart
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Prune restarts that fell out of the rolling window; an empty window
	// also resets the backoff policy.
	kept := m.restarts[agentType][:0]
	for _, ts := range m.restarts[agentType] {
		if now.Sub(ts) < policy.Window {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(m.backoffs, agentType)
	}
	m.restarts[agentType] = kept

	if len(kept) >= policy.MaxAttempts {
		log.Printf("[health] type %s exhausted %d restarts in %s, opening circuit",
			agentType, policy.MaxAttempts, policy.Window)
		m.mu.Unlock()
		m.breakers.Trip(agentType, errors.New("restart budget exhausted"))
		m.queue.AnnotateWaiting(agentType, task.ReasonWaitingForRecovery)
		m.mu.Lock()
		return
	}

	bo, ok := m.backoffs[agentType]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = policy.BackoffBase
		bo.Multiplier = policy.BackoffMultiplier
		bo.MaxInterval = policy.BackoffCap
		bo.MaxElapsedTime = 0 // the restart window bounds attempts, not time
		bo.RandomizationFactor = 0
		bo.Reset()
		m.backoffs[agentType] = bo
	}
	delay := bo.NextBackOff()

	m.restarts[agentType] = append(m.restarts[agentType], now)
	if newSlot {
		m.pendingRespawn[agentType]++
	}
	m.respawnAt[agentType] = now.Add(delay)
	log.Printf("[health] respawn of %s scheduled in %s (attempt %d/%d)",
		agentType, delay, len(m.restarts[agentType]), policy.MaxAttempts)
}

// respawnDue spawns replacement agents whose backoff delay has elapsed.
func (m *Monitor) respawnDue(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	due := make(map[string]int)
	restartCounts := make(map[string]int)
	for agentType, at := range m.respawnAt {
		if !now.Before(at) && m.pendingRespawn[agentType] > 0 {
			due[agentType] = m.pendingRespawn[agentType]
			restartCounts[agentType] = len(m.restarts[agentType])
		}
	}
	m.mu.Unlock()

	for agentType, n := range due {
		if !m.breakers.Allow(agentType) {
			continue // circuit open; cooldown governs when we try again
		}
		restartN := restartCounts[agentType]
		var spawned int
		for i := 0; i < n; i++ {
			if _, err := m.manager.SpawnWithRestart(ctx, agentType, restartN); err != nil {
				if errors.Is(err, agent.ErrPoolCeiling) {
					spawned = n // slots already refilled elsewhere
					break
				}
				log.Printf("[health] respawn of %s failed: %v", agentType, err)
				m.breakers.Record(agentType, err)
				m.rescheduleRespawn(agentType)
				break
			}
			spawned++
		}

		m.mu.Lock()
		m.pendingRespawn[agentType] -= spawned
		if m.pendingRespawn[agentType] <= 0 {
			delete(m.pendingRespawn, agentType)
			delete(m.respawnAt, agentType)
		}
		m.mu.Unlock()
	}
}

// enforceCancelGrace force-terminates agents holding cancel requests past the
// grace period, then settles the tasks Cancelled.
func (m *Monitor) enforceCancelGrace() {
	grace := m.cfg().Health.CancelGrace
	now := m.now()

	for _, t := range m.queue.Tasks() {
		if t.Status != task.StatusCancelRequested {
			continue
		}
		if now.Sub(t.CancelRequestedAt) <= grace {
			continue
		}
		log.Printf("[health] cancel of %s unacknowledged after %s, terminating agent %s",
			t.ID, grace, t.AssignedAgentID)
		if t.AssignedAgentID != "" {
			_ = m.manager.Terminate(t.AssignedAgentID, false)
		}
		_ = m.queue.AckCancel(t.ID)
	}
}

func errOrDefault(err error) error {
	if err != nil {
		return err
	}
	return errors.New("unspecified agent failure")
}
