package coordinator

import (
	"github.com/aristath/agentd/internal/agent"
	"github.com/aristath/agentd/internal/task"
)

// selectAgent picks the best seated agent for a task using the configured
// weighted score. Ties go to the agent idle longest.
func (c *Coordinator) selectAgent(t *task.Task) (agent.Descriptor, bool) {
	cfg := c.cfg()

	var (
		best      agent.Descriptor
		bestScore float64
		found     bool
	)
	for _, d := range c.manager.List() {
		if d.State != agent.StateIdle && d.State != agent.StateBusy {
			continue
		}
		if !d.HasCapacity() {
			continue
		}
		tc, ok := cfg.Agents[d.Type]
		if !ok || !tc.CanExecute(d.Type, t.Type) {
			continue
		}
		if !c.breakers.Allow(d.Type) {
			continue
		}
		s := c.score(d, t)
		if !found || s > bestScore || (s == bestScore && olderIdle(d, best)) {
			best, bestScore, found = d, s, true
		}
	}
	return best, found
}

// score blends spare capacity, type specialization, and historical success.
func (c *Coordinator) score(d agent.Descriptor, t *task.Task) float64 {
	w := c.cfg().Coordinator.Weights

	capacity := 0.0
	if d.MaxConcurrent > 0 {
		capacity = 1.0 - float64(d.Load())/float64(d.MaxConcurrent)
	}

	specialization := 0.5
	if d.Type == t.Type {
		specialization = 1.0
	}

	performance := c.manager.SuccessRate(d.ID)

	return w.Capacity*capacity + w.Specialization*specialization + w.Performance*performance
}

func olderIdle(a, b agent.Descriptor) bool {
	if a.IdleSince.IsZero() {
		return false
	}
	if b.IdleSince.IsZero() {
		return true
	}
	return a.IdleSince.Before(b.IdleSince)
}
