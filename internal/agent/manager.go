// Package agent implements the process manager for agent workers: spawning,
// task dispatch, resource sampling, and termination.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentd/internal/config"
	"github.com/aristath/agentd/internal/events"
	"github.com/aristath/agentd/internal/task"
)

// Result is a task outcome reported asynchronously by an agent.
type Result struct {
	TaskID    string
	AgentID   string
	AgentType string
	OK        bool
	Result    string
	ErrMsg    string
}

// Failure is an agent-level fault reported to the health monitor.
type Failure struct {
	AgentID   string
	AgentType string
	Reason    string // task.ReasonResourceLimit or "agent_crash"
	Err       error
}

// ErrPoolCeiling is returned when a type already has its maximum instances.
var ErrPoolCeiling = errors.New("agent pool at configured ceiling")

// handle pairs a descriptor with its live worker and sampling state.
type handle struct {
	desc        Descriptor
	worker      Worker
	typeCfg     config.AgentTypeConfig
	intentional bool // termination was requested; suppress the crash report

	violations   int
	lastJiffies  uint64
	lastSampleAt time.Time

	heartbeats  map[string]time.Time // taskID -> last heartbeat
	taskStarted map[string]time.Time
}

// Manager owns the agent registry. All mutation goes through m.mu.
type Manager struct {
	mu      sync.Mutex
	cfg     func() *config.Config // live config provider, reload-safe
	spawner Spawner
	proc    procReader
	bus     *events.Bus
	now     func() time.Time

	agents   map[string]*handle
	outcomes map[string][]bool // agentID -> trailing task outcomes

	results  chan Result
	failures chan Failure
}

// NewManager creates a manager using the given spawner. cfg is called on every
// decision so a Reload takes effect without restarting the manager.
func NewManager(cfg func() *config.Config, spawner Spawner, bus *events.Bus) *Manager {
	return &Manager{
		cfg:      cfg,
		spawner:  spawner,
		proc:     linuxProcReader{},
		bus:      bus,
		now:      time.Now,
		agents:   make(map[string]*handle),
		outcomes: make(map[string][]bool),
		results:  make(chan Result, 256),
		failures: make(chan Failure, 256),
	}
}

// SetClock injects a clock for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// setProcReader injects a fake /proc for tests.
func (m *Manager) setProcReader(r procReader) { m.proc = r }

// Results yields asynchronous task outcomes. Consumed by the coordinator.
func (m *Manager) Results() <-chan Result { return m.results }

// Failures yields agent faults. Consumed by the health monitor.
func (m *Manager) Failures() <-chan Failure { return m.failures }

// Spawn starts a new agent of the given type. Fails with *SpawnError if the
// OS refuses process creation and ErrPoolCeiling if the pool is full.
func (m *Manager) Spawn(ctx context.Context, agentType string) (Descriptor, error) {
	return m.SpawnWithRestart(ctx, agentType, 0)
}

// SpawnWithRestart starts an agent carrying a restart count, used by the
// health monitor when respawning a failed slot.
func (m *Manager) SpawnWithRestart(ctx context.Context, agentType string, restartCount int) (Descriptor, error) {
	cfg := m.cfg()
	tc, ok := cfg.Agents[agentType]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown agent type %q", agentType)
	}
	if m.LiveCount(agentType) >= tc.PoolCeiling {
		return Descriptor{}, ErrPoolCeiling
	}

	id := agentType + "-" + uuid.NewString()[:8]
	w, err := m.spawner.Spawn(ctx, id, tc)
	if err != nil {
		var se *SpawnError
		if !errors.As(err, &se) {
			err = &SpawnError{AgentType: agentType, Err: err}
		}
		return Descriptor{}, err
	}

	now := m.now()
	h := &handle{
		desc: Descriptor{
			ID:            id,
			Type:          agentType,
			Capabilities:  append([]string{agentType}, tc.Capabilities...),
			State:         StateIdle,
			PID:           w.PID(),
			MaxConcurrent: tc.MaxConcurrentTasks,
			RestartCount:  restartCount,
			SpawnedAt:     now,
			IdleSince:     now,
		},
		worker:      w,
		typeCfg:     tc,
		heartbeats:  make(map[string]time.Time),
		taskStarted: make(map[string]time.Time),
	}

	m.mu.Lock()
	m.agents[id] = h
	m.mu.Unlock()

	go m.monitor(h)

	m.publishAgent(events.EventAgentSpawned, h.desc, "")
	log.Printf("[agent] spawned %s pid=%d", id, h.desc.PID)
	return h.desc.clone(), nil
}

// monitor drains one worker's messages and reports its exit.
func (m *Manager) monitor(h *handle) {
	for env := range h.worker.Messages() {
		switch env.Op {
		case OpHeartbeat:
			m.mu.Lock()
			h.heartbeats[env.TaskID] = m.now()
			m.mu.Unlock()
		case OpResult:
			m.finishTask(h, env.TaskID)
			m.recordOutcome(h.desc.ID, env.OK)
			m.results <- Result{
				TaskID:    env.TaskID,
				AgentID:   h.desc.ID,
				AgentType: h.desc.Type,
				OK:        env.OK,
				Result:    env.Result,
				ErrMsg:    env.Error,
			}
		}
	}

	<-h.worker.Done()

	m.mu.Lock()
	intentional := h.intentional
	h.desc.State = StateTerminated
	m.mu.Unlock()

	m.publishAgent(events.EventAgentTerminated, h.desc, "")
	if !intentional {
		exitErr := h.worker.ExitErr()
		log.Printf("[agent] %s exited unexpectedly: %v", h.desc.ID, exitErr)
		m.failures <- Failure{
			AgentID:   h.desc.ID,
			AgentType: h.desc.Type,
			Reason:    "agent_crash",
			Err:       exitErr,
		}
	}
}

// finishTask removes a completed task from the agent's load.
func (m *Manager) finishTask(h *handle, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := h.desc.CurrentTaskIDs[:0]
	for _, id := range h.desc.CurrentTaskIDs {
		if id != taskID {
			ids = append(ids, id)
		}
	}
	h.desc.CurrentTaskIDs = ids
	delete(h.heartbeats, taskID)
	delete(h.taskStarted, taskID)
	if len(ids) == 0 && h.desc.State == StateBusy {
		h.desc.State = StateIdle
		h.desc.IdleSince = m.now()
	}
}

// Assign dispatches a task to the agent's execution channel. The agent
// reports completion asynchronously via Results.
func (m *Manager) Assign(agentID string, t *task.Task) error {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %q", agentID)
	}
	if h.desc.State != StateIdle && h.desc.State != StateBusy {
		m.mu.Unlock()
		return fmt.Errorf("agent %s is %s", agentID, h.desc.State)
	}
	if !h.desc.HasCapacity() {
		m.mu.Unlock()
		return fmt.Errorf("agent %s at max_concurrent_tasks", agentID)
	}
	now := m.now()
	h.desc.CurrentTaskIDs = append(h.desc.CurrentTaskIDs, t.ID)
	h.desc.State = StateBusy
	h.heartbeats[t.ID] = now
	h.taskStarted[t.ID] = now
	m.mu.Unlock()

	err := h.worker.Dispatch(Envelope{
		Op:       OpTask,
		TaskID:   t.ID,
		TaskType: t.Type,
		Payload:  t.Payload,
	})
	if err != nil {
		m.finishTask(h, t.ID)
		return fmt.Errorf("dispatching %s to %s: %w", t.ID, agentID, err)
	}
	return nil
}

// Interrupt asks the agent to abandon a task cooperatively.
func (m *Manager) Interrupt(agentID, taskID string) error {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown agent %q", agentID)
	}
	return h.worker.Dispatch(Envelope{Op: OpInterrupt, TaskID: taskID})
}

// Terminate stops an agent. Graceful termination sends SIGTERM to the process
// group and escalates to SIGKILL after the type's grace period.
func (m *Manager) Terminate(agentID string, graceful bool) error {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown agent %q", agentID)
	}
	h.intentional = true
	h.desc.State = StateTerminating
	grace := h.typeCfg.Limits.GracePeriod
	m.mu.Unlock()

	if !graceful {
		return h.worker.Signal(syscall.SIGKILL)
	}

	if err := h.worker.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	go func() {
		select {
		case <-h.worker.Done():
		case <-time.After(grace):
			log.Printf("[agent] %s did not exit within %s, killing", agentID, grace)
			_ = h.worker.Signal(syscall.SIGKILL)
		}
	}()
	return nil
}

// IsAlive reports process-level liveness only, not task progress.
func (m *Manager) IsAlive(agentID string) bool {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok || !h.desc.State.Live() {
		return false
	}
	select {
	case <-h.worker.Done():
		return false
	default:
		return true
	}
}

// Sample reads the agent's current CPU and memory usage from the kernel.
func (m *Manager) Sample(agentID string) (Usage, error) {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return Usage{}, fmt.Errorf("unknown agent %q", agentID)
	}
	return m.sampleHandle(h)
}

func (m *Manager) sampleHandle(h *handle) (Usage, error) {
	jiffies, rss, err := m.proc.read(h.desc.PID)
	if err != nil {
		return Usage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	usage := Usage{
		MemoryMB:  float64(rss) / (1 << 20),
		SampledAt: now,
	}
	if !h.lastSampleAt.IsZero() && jiffies >= h.lastJiffies {
		usage.CPUPercent = cpuPercent(jiffies-h.lastJiffies, now.Sub(h.lastSampleAt))
	}
	h.lastJiffies = jiffies
	h.lastSampleAt = now
	h.desc.Usage = usage
	return usage, nil
}

// RunSampler periodically samples every live agent and terminates agents that
// exceed their configured limits for N consecutive samples.
func (m *Manager) RunSampler(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sampleTick()
		}
	}
}

// sampleTick samples agents whose per-type interval has elapsed.
func (m *Manager) sampleTick() {
	m.mu.Lock()
	due := make([]*handle, 0, len(m.agents))
	now := m.now()
	for _, h := range m.agents {
		if !h.desc.State.Live() {
			continue
		}
		if now.Sub(h.lastSampleAt) >= h.typeCfg.Limits.SampleInterval {
			due = append(due, h)
		}
	}
	m.mu.Unlock()

	for _, h := range due {
		usage, err := m.sampleHandle(h)
		if err != nil {
			continue // process may have just exited; monitor reports it
		}
		m.checkLimits(h, usage)
	}
}

// checkLimits applies the consecutive-violation policy for one sample.
func (m *Manager) checkLimits(h *handle, usage Usage) {
	limits := h.typeCfg.Limits

	m.mu.Lock()
	violated := false
	if limits.CPUPercent > 0 && usage.CPUPercent > limits.CPUPercent {
		violated = true
	}
	if limits.MemoryMB > 0 && usage.MemoryMB > float64(limits.MemoryMB) {
		violated = true
	}
	if limits.WallClockSeconds > 0 {
		budget := time.Duration(limits.WallClockSeconds) * time.Second
		for _, started := range h.taskStarted {
			if m.now().Sub(started) > budget {
				violated = true
			}
		}
	}
	if violated {
		h.violations++
	} else {
		h.violations = 0
	}
	over := h.violations >= limits.ViolationCount
	desc := h.desc.clone()
	m.mu.Unlock()

	if !over {
		return
	}
	log.Printf("[agent] %s exceeded resource limits %d consecutive samples (cpu=%.1f%% mem=%.1fMB)",
		desc.ID, limits.ViolationCount, usage.CPUPercent, usage.MemoryMB)
	_ = m.Terminate(desc.ID, true)
	m.failures <- Failure{
		AgentID:   desc.ID,
		AgentType: desc.Type,
		Reason:    task.ReasonResourceLimit,
	}
}

// Heartbeat returns the last heartbeat time recorded for a task.
func (m *Manager) Heartbeat(agentID, taskID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.agents[agentID]
	if !ok {
		return time.Time{}, false
	}
	ts, ok := h.heartbeats[taskID]
	return ts, ok
}

// recordOutcome appends to the agent's trailing outcome window.
func (m *Manager) recordOutcome(agentID string, ok bool) {
	window := m.cfg().Coordinator.PerformanceWindow
	if window <= 0 {
		window = 20
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ring := append(m.outcomes[agentID], ok)
	if len(ring) > window {
		ring = ring[len(ring)-window:]
	}
	m.outcomes[agentID] = ring
}

// SuccessRate is the trailing success fraction for an agent. Agents with no
// history score a neutral 1.0 so fresh agents are not starved.
func (m *Manager) SuccessRate(agentID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.outcomes[agentID]
	if len(ring) == 0 {
		return 1.0
	}
	good := 0
	for _, ok := range ring {
		if ok {
			good++
		}
	}
	return float64(good) / float64(len(ring))
}

// Get returns a copy of one agent's descriptor.
func (m *Manager) Get(agentID string) (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.agents[agentID]
	if !ok {
		return Descriptor{}, false
	}
	return h.desc.clone(), true
}

// List returns copies of all descriptors, including terminated ones that
// have not yet been pruned.
func (m *Manager) List() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Descriptor, 0, len(m.agents))
	for _, h := range m.agents {
		out = append(out, h.desc.clone())
	}
	return out
}

// LiveCount returns the number of live instances of a type.
func (m *Manager) LiveCount(agentType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, h := range m.agents {
		if h.desc.Type == agentType && h.desc.State.Live() {
			n++
		}
	}
	return n
}

// Prune drops terminated agents from the registry and returns their IDs.
func (m *Manager) Prune() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var gone []string
	for id, h := range m.agents {
		if h.desc.State == StateTerminated {
			delete(m.agents, id)
			gone = append(gone, id)
		}
	}
	return gone
}

// MarkUnhealthy flags an agent as unhealthy. Set by the health monitor; the
// coordinator never assigns to unhealthy agents.
func (m *Manager) MarkUnhealthy(agentID, reason string) {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	if ok && h.desc.State.Live() {
		h.desc.State = StateUnhealthy
	}
	var desc Descriptor
	if ok {
		desc = h.desc.clone()
	}
	m.mu.Unlock()

	if ok {
		m.publishAgent(events.EventAgentUnhealthy, desc, reason)
	}
}

// TouchHealthCheck stamps the descriptor after a health-monitor pass.
func (m *Manager) TouchHealthCheck(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.agents[agentID]; ok {
		h.desc.LastHealthCheck = m.now()
	}
}

// Shutdown gracefully terminates every live agent, force-killing whatever is
// still alive when the grace period expires. Blocks until all exit or the
// deadline passes.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	live := make([]*handle, 0, len(m.agents))
	for _, h := range m.agents {
		if h.desc.State.Live() {
			h.intentional = true
			h.desc.State = StateTerminating
			live = append(live, h)
		}
	}
	m.mu.Unlock()

	for _, h := range live {
		_ = h.worker.Signal(syscall.SIGTERM)
	}

	deadline := time.After(grace)
	for _, h := range live {
		select {
		case <-h.worker.Done():
		case <-deadline:
			_ = h.worker.Signal(syscall.SIGKILL)
		}
	}
}

// KillAll force-kills every live agent's process group. Used on signal exit.
func (m *Manager) KillAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.agents {
		if h.desc.State.Live() {
			h.intentional = true
			_ = h.worker.Signal(syscall.SIGKILL)
		}
	}
}

func (m *Manager) publishAgent(eventType string, d Descriptor, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.AgentEvent{
		Type:      eventType,
		AgentID:   d.ID,
		AgentType: d.Type,
		State:     d.State.String(),
		PID:       d.PID,
		Reason:    reason,
		Timestamp: m.now(),
	})
}
