// Package coordinator bridges the task queue and the agent process manager
// under the assignment policy: periodic scheduling ticks, score-based agent
// selection, and utilization rebalancing.
package coordinator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/agentd/internal/agent"
	"github.com/aristath/agentd/internal/config"
	"github.com/aristath/agentd/internal/health"
	"github.com/aristath/agentd/internal/queue"
	"github.com/aristath/agentd/internal/task"
)

// Coordinator consumes ready tasks and places them on eligible agents.
type Coordinator struct {
	cfg      func() *config.Config
	queue    *queue.Queue
	manager  *agent.Manager
	breakers *health.Breakers
	kick     chan struct{}
	now      func() time.Time
}

// New creates a coordinator.
func New(cfg func() *config.Config, q *queue.Queue, m *agent.Manager, b *health.Breakers) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		queue:    q,
		manager:  m,
		breakers: b,
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// SetClock injects a clock for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Kick requests an immediate scheduling pass in addition to the periodic tick.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run executes the scheduling loop: a periodic tick, event-triggered ticks,
// and consumption of asynchronous task results.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.cfg().Coordinator.TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-c.manager.Results():
			c.handleResult(r)
		case <-c.kick:
			c.Tick(ctx)
		case <-ticker.C:
			c.Tick(ctx)
			if ni := c.cfg().Coordinator.TickInterval; ni != interval && ni > 0 {
				interval = ni
				ticker.Reset(interval)
			}
		}
	}
}

// Tick runs one scheduling pass, placing ready tasks until the queue yields
// nothing assignable. Exported for deterministic tests.
func (c *Coordinator) Tick(ctx context.Context) {
	for {
		caps := c.assignableCapabilities()
		if len(caps) == 0 {
			return
		}
		t := c.queue.Dequeue(caps)
		if t == nil {
			return
		}
		if err := c.place(ctx, t); err != nil {
			// Not an error: backpressure. The task keeps its queue position
			// and the next tick retries.
			if relErr := c.queue.Release(t.ID, err.Error()); relErr != nil {
				log.Printf("[coordinator] releasing %s: %v", t.ID, relErr)
			}
			return
		}
	}
}

// assignableCapabilities returns the set of task types that could be placed
// right now: some capable agent type has a permitted breaker and either spare
// capacity or room to grow. Task types whose only capable type is circuit-open
// are annotated as waiting for recovery.
func (c *Coordinator) assignableCapabilities() []string {
	cfg := c.cfg()

	capSet := make(map[string]bool)
	blocked := make(map[string]bool)
	for name, tc := range cfg.Agents {
		types := append([]string{name}, tc.Capabilities...)
		if !c.breakers.Allow(name) {
			for _, tt := range types {
				if !blocked[tt] {
					blocked[tt] = true
				}
			}
			continue
		}
		if !c.typeHasRoom(name, tc) {
			continue
		}
		for _, tt := range types {
			capSet[tt] = true
		}
	}

	out := make([]string, 0, len(capSet))
	for tt := range capSet {
		out = append(out, tt)
	}
	for tt := range blocked {
		if !capSet[tt] {
			// No alternate capable type: tasks wait rather than fail.
			c.queue.AnnotateWaiting(tt, task.ReasonWaitingForRecovery)
		}
	}
	return out
}

// typeHasRoom reports whether a type has spare task capacity or can spawn.
func (c *Coordinator) typeHasRoom(name string, tc config.AgentTypeConfig) bool {
	live := 0
	for _, d := range c.manager.List() {
		if d.Type != name || !d.State.Live() || d.State == agent.StateUnhealthy {
			continue
		}
		live++
		if d.HasCapacity() {
			return true
		}
	}
	return live < tc.PoolCeiling
}

// place selects the best eligible agent for an already-claimed task, spawning
// a new instance when every eligible agent is occupied and a capable pool has
// room. Returns an error when the task cannot be placed this tick.
func (c *Coordinator) place(ctx context.Context, t *task.Task) error {
	best, ok := c.selectAgent(t)
	if !ok {
		spawned, err := c.spawnFor(ctx, t)
		if err != nil {
			return err
		}
		best = spawned
	}

	if c.breakers.State(best.Type) == gobreaker.StateHalfOpen {
		c.breakers.MarkTrial(best.Type)
	}

	if err := c.manager.Assign(best.ID, t); err != nil {
		return err
	}
	if err := c.queue.MarkRunning(t.ID, best.ID); err != nil {
		log.Printf("[coordinator] marking %s running: %v", t.ID, err)
	}
	log.Printf("[coordinator] task %s -> agent %s", t.ID, best.ID)
	return nil
}

// spawnFor grows the best capable pool for a task that found no seated agent.
func (c *Coordinator) spawnFor(ctx context.Context, t *task.Task) (agent.Descriptor, error) {
	cfg := c.cfg()
	blocked := false
	for name, tc := range cfg.Agents {
		if !tc.CanExecute(name, t.Type) {
			continue
		}
		if !c.breakers.Allow(name) {
			blocked = true
			continue
		}
		if c.manager.LiveCount(name) >= tc.PoolCeiling {
			continue
		}
		d, err := c.manager.Spawn(ctx, name)
		if err != nil {
			if errors.Is(err, agent.ErrPoolCeiling) {
				continue
			}
			c.breakers.Record(name, err)
			return agent.Descriptor{}, err
		}
		return d, nil
	}
	if blocked {
		return agent.Descriptor{}, task.ErrCircuitOpen
	}
	return agent.Descriptor{}, errors.New("no eligible agent and all pools at ceiling")
}

// handleResult settles an asynchronous task outcome reported by an agent.
func (c *Coordinator) handleResult(r agent.Result) {
	cur, ok := c.queue.Get(r.TaskID)
	if !ok {
		log.Printf("[coordinator] result for unknown task %s from %s", r.TaskID, r.AgentID)
		return
	}

	switch {
	case cur.Status == task.StatusCancelRequested:
		// The agent acknowledged the interrupt; the outcome itself is moot.
		_ = c.queue.AckCancel(r.TaskID)
	case r.OK:
		c.breakers.Record(r.AgentType, nil)
		if err := c.queue.Complete(r.TaskID, r.Result); err != nil {
			log.Printf("[coordinator] completing %s: %v", r.TaskID, err)
		}
	default:
		c.breakers.Record(r.AgentType, errors.New(r.ErrMsg))
		if _, err := c.queue.Fail(r.TaskID, r.ErrMsg); err != nil {
			log.Printf("[coordinator] failing %s: %v", r.TaskID, err)
		}
	}

	// Completion may have unblocked dependents; schedule promptly.
	c.Kick()
}
