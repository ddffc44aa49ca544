package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/aristath/agentd/internal/task"
)

// RunRebalancer periodically redistributes queued work away from saturated
// agent pools, either by growing the pool or by re-tagging queued tasks to an
// underutilized capable type.
func (c *Coordinator) RunRebalancer(ctx context.Context) error {
	interval := c.cfg().Coordinator.RebalanceInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Rebalance(ctx)
			if ni := c.cfg().Coordinator.RebalanceInterval; ni != interval && ni > 0 {
				interval = ni
				ticker.Reset(interval)
			}
		}
	}
}

// poolStats captures one agent type's live capacity picture.
type poolStats struct {
	live     int
	capacity int
	load     int
	idle     int
}

// Rebalance runs one rebalancing pass. Exported for deterministic tests.
func (c *Coordinator) Rebalance(ctx context.Context) {
	cfg := c.cfg()

	pools := make(map[string]*poolStats, len(cfg.Agents))
	for name := range cfg.Agents {
		pools[name] = &poolStats{}
	}
	for _, d := range c.manager.List() {
		p, ok := pools[d.Type]
		if !ok || !d.State.Live() {
			continue
		}
		p.live++
		p.capacity += d.MaxConcurrent
		p.load += d.Load()
		if d.HasCapacity() {
			p.idle++
		}
	}

	backlog := make(map[string][]*task.Task)
	for _, t := range c.queue.Tasks() {
		if t.Status == task.StatusQueued || t.Status == task.StatusPending {
			backlog[t.Type] = append(backlog[t.Type], t)
		}
	}

	for taskType, waiting := range backlog {
		p, ok := pools[taskType]
		if !ok {
			continue
		}
		saturated := p.idle == 0 && p.load >= p.capacity
		if !saturated {
			continue
		}

		tc := cfg.Agents[taskType]
		if p.live < tc.PoolCeiling && c.breakers.Allow(taskType) {
			if _, err := c.manager.Spawn(ctx, taskType); err != nil {
				log.Printf("[coordinator] rebalance spawn %s: %v", taskType, err)
			} else {
				log.Printf("[coordinator] rebalance: grew %s pool for %d queued tasks", taskType, len(waiting))
				c.Kick()
			}
			continue
		}

		// Pool at ceiling: shift queued work to a capable pool with slack.
		alt, slack := c.slackPool(taskType, pools)
		if alt == "" {
			continue
		}
		moved := 0
		for _, t := range waiting {
			if moved >= slack {
				break
			}
			if t.Status != task.StatusQueued {
				continue
			}
			if err := c.queue.ReTag(t.ID, alt); err != nil {
				continue
			}
			moved++
		}
		if moved > 0 {
			log.Printf("[coordinator] rebalance: moved %d tasks %s -> %s", moved, taskType, alt)
			c.Kick()
		}
	}
}

// slackPool finds the pool with the most spare capacity that can execute the
// given task type, excluding the task's own pool.
func (c *Coordinator) slackPool(taskType string, pools map[string]*poolStats) (string, int) {
	cfg := c.cfg()

	bestName, bestSlack := "", 0
	for name, tc := range cfg.Agents {
		if name == taskType || !tc.CanExecute(name, taskType) || !c.breakers.Allow(name) {
			continue
		}
		p := pools[name]
		slack := p.capacity - p.load
		if slack > bestSlack {
			bestName, bestSlack = name, slack
		}
	}
	return bestName, bestSlack
}
