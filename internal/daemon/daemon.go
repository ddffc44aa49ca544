// Package daemon assembles the queue, agent manager, coordinator, and health
// monitor into a running service and exposes the control-plane operations.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentd/internal/agent"
	"github.com/aristath/agentd/internal/config"
	"github.com/aristath/agentd/internal/coordinator"
	"github.com/aristath/agentd/internal/events"
	"github.com/aristath/agentd/internal/health"
	"github.com/aristath/agentd/internal/queue"
	"github.com/aristath/agentd/internal/store"
	"github.com/aristath/agentd/internal/task"
)

// Daemon owns the component lifecycle. Components run under an errgroup and
// share one cancellable context.
type Daemon struct {
	mu      sync.Mutex
	cfg     *config.Config
	cfgPath string

	bus         *events.Bus
	queue       *queue.Queue
	manager     *agent.Manager
	breakers    *health.Breakers
	coordinator *coordinator.Coordinator
	monitor     *health.Monitor
	store       *store.Store

	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New wires the components together. The store may be nil to run without
// persistence.
func New(cfg *config.Config, cfgPath string, st *store.Store) *Daemon {
	d := &Daemon{cfg: cfg, cfgPath: cfgPath, store: st}

	d.bus = events.NewBus()
	d.queue = queue.New(queue.Config{
		ArchiveLimit:       cfg.Daemon.ArchiveLimit,
		DefaultMaxAttempts: cfg.Coordinator.DefaultMaxAttempts,
		RetryBase:          cfg.Coordinator.TaskRetryBase,
		RetryMultiplier:    cfg.Coordinator.TaskRetryMultiplier,
		RetryCap:           cfg.Coordinator.TaskRetryCap,
	}, d.bus)
	d.manager = agent.NewManager(d.config, agent.ProcSpawner{}, d.bus)
	d.breakers = health.NewBreakers(d.config, d.bus)
	d.coordinator = coordinator.New(d.config, d.queue, d.manager, d.breakers)
	d.monitor = health.NewMonitor(d.config, d.queue, d.manager, d.breakers)
	return d
}

// config returns the current configuration. Components hold this accessor so
// hot reloads take effect without restarts.
func (d *Daemon) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Bus exposes the event bus for dashboards and external observers.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Start recovers persisted state and launches the component loops. It returns
// once everything is running; Wait blocks until shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.recover(ctx); err != nil {
		return fmt.Errorf("recovering persisted state: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	d.mu.Lock()
	d.cancel = cancel
	d.group = g
	d.mu.Unlock()

	g.Go(func() error { return d.coordinator.Run(gctx) })
	g.Go(func() error { return d.coordinator.RunRebalancer(gctx) })
	g.Go(func() error { return d.monitor.Run(gctx) })
	g.Go(func() error { return d.manager.RunSampler(gctx) })
	if d.store != nil {
		g.Go(func() error { return d.runSnapshots(gctx) })
	}
	if d.cfgPath != "" {
		g.Go(func() error { return config.Watch(gctx, d.cfgPath, d.applyConfig) })
	}

	log.Printf("[daemon] started with %d agent types configured", len(d.config().Agents))
	return nil
}

// Wait blocks until every component loop has exited.
func (d *Daemon) Wait() error {
	d.mu.Lock()
	g := d.group
	d.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop shuts the daemon down: stop scheduling, give in-flight tasks the grace
// window, then terminate agents and take a final snapshot.
func (d *Daemon) Stop(grace time.Duration) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return errors.New("daemon not started")
	}

	log.Printf("[daemon] stopping, grace %s", grace)
	cancel()
	_ = d.Wait()

	d.manager.Shutdown(grace)

	// Agents are gone; running tasks go back to queued for the next run.
	for _, id := range d.queue.ResetOrphans(func(string) bool { return false }) {
		log.Printf("[daemon] task %s returned to queue for next run", id)
	}

	if d.store != nil {
		ctx, cancelSnap := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelSnap()
		if err := d.store.SaveSnapshot(ctx, d.queue.Snapshot(), d.manager.List()); err != nil {
			log.Printf("[daemon] final snapshot: %v", err)
		}
	}

	d.bus.Close()
	return nil
}

// Reload re-reads the config file and applies it.
func (d *Daemon) Reload() error {
	if d.cfgPath == "" {
		return errors.New("no config file to reload")
	}
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		return err
	}
	d.applyConfig(cfg)
	return nil
}

// applyConfig swaps the active configuration. Interval changes are picked up
// by the loops on their next tick; breaker settings apply to newly created
// breakers only, matching the reset semantics of Breakers.Reset.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.breakers.Reset()
	d.coordinator.Kick()
	log.Printf("[daemon] configuration reloaded")
}

// recover restores queue state from the snapshot store. Agent processes from
// the previous run are gone, so their tasks are requeued.
func (d *Daemon) recover(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	tasks, err := d.store.LoadTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	d.queue.Restore(tasks)
	requeued := d.queue.ResetOrphans(func(agentID string) bool {
		return d.manager.IsAlive(agentID)
	})
	log.Printf("[daemon] recovered %d tasks, requeued %d orphans", len(tasks), len(requeued))
	return nil
}

// runSnapshots persists queue and agent state on an interval.
func (d *Daemon) runSnapshots(ctx context.Context) error {
	interval := d.config().Daemon.SnapshotInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snapCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := d.store.SaveSnapshot(snapCtx, d.queue.Snapshot(), d.manager.List())
			cancel()
			if err != nil {
				log.Printf("[daemon] snapshot: %v", err)
			}
			if ni := d.config().Daemon.SnapshotInterval; ni != interval && ni > 0 {
				interval = ni
				ticker.Reset(interval)
			}
		}
	}
}

// Submit validates and enqueues a task, returning its ID. Tasks submitted
// without an ID get a generated one.
func (d *Daemon) Submit(t *task.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	id, err := d.queue.Enqueue(t)
	if err != nil {
		return "", err
	}
	d.coordinator.Kick()
	return id, nil
}

// CancelTask requests cancellation. Running tasks get a cooperative interrupt
// first; the health monitor force-kills agents that ignore it past the grace
// window.
func (d *Daemon) CancelTask(id string) error {
	interrupt, agentID, err := d.queue.Cancel(id)
	if err != nil {
		return err
	}
	if interrupt {
		if err := d.manager.Interrupt(agentID, id); err != nil {
			log.Printf("[daemon] interrupt for %s on %s: %v", id, agentID, err)
		}
	}
	return nil
}

// GetTaskStatus returns the task by ID, from the live set or the archive.
func (d *Daemon) GetTaskStatus(id string) (*task.Task, error) {
	t, ok := d.queue.Get(id)
	if !ok {
		return nil, task.ErrNotFound
	}
	return t, nil
}

// GetQueueStats returns aggregate queue counters.
func (d *Daemon) GetQueueStats() queue.Stats { return d.queue.Stats() }

// AgentStatus is the status view of one agent: its descriptor, which carries
// health state and resource usage, plus the circuit state of its type.
type AgentStatus struct {
	agent.Descriptor
	CircuitState string
}

// GetAgentStatus returns the full status for one agent.
func (d *Daemon) GetAgentStatus(id string) (AgentStatus, error) {
	desc, ok := d.manager.Get(id)
	if !ok {
		return AgentStatus{}, fmt.Errorf("agent not found: %s", id)
	}
	return AgentStatus{
		Descriptor:   desc,
		CircuitState: health.StateName(d.breakers.State(desc.Type)),
	}, nil
}

// Agents returns all known agent descriptors.
func (d *Daemon) Agents() []agent.Descriptor { return d.manager.List() }

// Tasks returns a copy of every live task.
func (d *Daemon) Tasks() []*task.Task { return d.queue.Tasks() }

// AllTasks returns every task, live and archived. Used for end-of-run reports.
func (d *Daemon) AllTasks() []*task.Task { return d.queue.Snapshot() }

// WaitIdle blocks until every submitted task has settled or the context ends.
func (d *Daemon) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.queue.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// KillAll force-terminates every agent process. Used on hard shutdown paths.
func (d *Daemon) KillAll() { d.manager.KillAll() }
