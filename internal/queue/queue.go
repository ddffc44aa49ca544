// Package queue implements the durable, priority- and dependency-aware
// holding area for tasks awaiting assignment.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/agentd/internal/events"
	"github.com/aristath/agentd/internal/task"
)

// Config parameterizes retry and archival policy.
type Config struct {
	// ArchiveLimit bounds the history of terminal tasks.
	ArchiveLimit int
	// DefaultMaxAttempts applies to tasks that declare no attempt budget.
	DefaultMaxAttempts int
	// RetryBase/RetryMultiplier/RetryCap shape the per-task retry delay.
	RetryBase       time.Duration
	RetryMultiplier float64
	RetryCap        time.Duration
}

// Queue holds all non-terminal tasks plus a bounded archive of terminal ones.
// Every mutation passes through q.mu; callers only ever see clones.
type Queue struct {
	mu  sync.Mutex
	cfg Config
	bus *events.Bus
	now func() time.Time

	tasks      map[string]*task.Task      // non-terminal tasks by ID
	dependents map[string]map[string]bool // dependency ID -> IDs waiting on it
	completed  map[string]bool            // IDs that reached Completed
	ready      *readyHeap
	locks      *LockTable
	archive    []*task.Task // terminal tasks, oldest first
}

// New creates an empty queue publishing transitions on the given bus.
func New(cfg Config, bus *events.Bus) *Queue {
	if cfg.ArchiveLimit <= 0 {
		cfg.ArchiveLimit = 1000
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMultiplier <= 1 {
		cfg.RetryMultiplier = 2.0
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 2 * time.Minute
	}
	return &Queue{
		cfg:        cfg,
		bus:        bus,
		now:        time.Now,
		tasks:      make(map[string]*task.Task),
		dependents: make(map[string]map[string]bool),
		completed:  make(map[string]bool),
		ready:      newReadyHeap(),
		locks:      NewLockTable(),
	}
}

// SetClock injects a clock for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Locks exposes the lock table for observability.
func (q *Queue) Locks() *LockTable { return q.locks }

// Enqueue validates and admits a task. Returns *task.DuplicateTaskError if the
// ID already denotes a non-terminal task and *task.ValidationError if the task
// is malformed or its dependency set would create a cycle.
func (q *Queue) Enqueue(t *task.Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[t.ID]; exists {
		return "", &task.DuplicateTaskError{ID: t.ID}
	}
	if err := q.checkAcyclic(t); err != nil {
		return "", err
	}

	cp := t.Clone()
	if cp.MaxAttempts == 0 {
		cp.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = q.now()
	}
	cp.Status = task.StatusQueued
	q.tasks[cp.ID] = cp

	for _, dep := range cp.DependsOn {
		if q.dependents[dep] == nil {
			q.dependents[dep] = make(map[string]bool)
		}
		q.dependents[dep][cp.ID] = true
	}

	if q.depsMet(cp) {
		q.ready.push(cp)
	}

	q.publishTask(events.EventTaskQueued, cp)
	return cp.ID, nil
}

// checkAcyclic rejects a submission whose dependency edges would close a cycle
// over the pending+queued graph. Dependencies on not-yet-submitted tasks are
// permitted; they simply keep the task out of the ready set.
func (q *Queue) checkAcyclic(t *task.Task) error {
	var edges []toposort.Edge
	for id, existing := range q.tasks {
		if len(existing.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range existing.DependsOn {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}
	if len(t.DependsOn) == 0 {
		edges = append(edges, toposort.Edge{nil, t.ID})
	}
	for _, dep := range t.DependsOn {
		edges = append(edges, toposort.Edge{dep, t.ID})
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return &task.ValidationError{Reason: fmt.Sprintf("dependency cycle involving %q: %v", t.ID, err)}
	}
	return nil
}

// depsMet reports whether every dependency has reached Completed.
// Caller holds q.mu.
func (q *Queue) depsMet(t *task.Task) bool {
	for _, dep := range t.DependsOn {
		if !q.completed[dep] {
			return false
		}
	}
	return true
}

// Dequeue returns the highest-priority ready task whose type is in the given
// capability filter, atomically acquiring its resource locks and marking it
// Assigned. Tasks whose locks are held elsewhere stay queued for a later tick.
// Returns nil when nothing is ready.
func (q *Queue) Dequeue(capabilities []string) *task.Task {
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var deferred []*task.Task

	for {
		item, ok := q.ready.pop()
		if !ok {
			break
		}
		t, exists := q.tasks[item.id]
		if !exists || t.Status != task.StatusQueued {
			continue // stale heap entry
		}
		if !q.depsMet(t) {
			continue // re-pushed when the last dependency completes
		}
		if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
			deferred = append(deferred, t)
			continue
		}
		if len(caps) > 0 && !caps[t.Type] {
			deferred = append(deferred, t)
			continue
		}
		if err := q.locks.TryAcquireAll(t.LockedResources, t.ID, now); err != nil {
			deferred = append(deferred, t)
			continue
		}

		t.Status = task.StatusAssigned
		for _, d := range deferred {
			q.ready.push(d)
		}
		q.publishTask(events.EventTaskAssigned, t)
		return t.Clone()
	}

	for _, d := range deferred {
		q.ready.push(d)
	}
	return nil
}

// UpdateStatus records a status transition reported from outside the queue.
// Completed and Failed release the task's resource locks and re-evaluate
// dependents; Failed additionally applies the retry policy.
func (q *Queue) UpdateStatus(id string, status task.Status, result, reason string) error {
	switch status {
	case task.StatusRunning:
		return q.MarkRunning(id, "")
	case task.StatusCompleted:
		return q.Complete(id, result)
	case task.StatusFailed:
		_, err := q.Fail(id, reason)
		return err
	case task.StatusCancelled:
		_, _, err := q.Cancel(id)
		return err
	default:
		return fmt.Errorf("unsupported transition to %s", status)
	}
}

// MarkRunning transitions an Assigned task to Running on the given agent.
func (q *Queue) MarkRunning(id, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.StatusAssigned {
		return fmt.Errorf("task %q is %s, expected assigned", id, t.Status)
	}
	t.Status = task.StatusRunning
	if agentID != "" {
		t.AssignedAgentID = agentID
	}
	t.StartedAt = q.now()
	if t.AttemptCount == 0 {
		t.AttemptCount = 1
	}
	q.publishTask(events.EventTaskStarted, t)
	return nil
}

// Release returns an Assigned task to Queued and drops its locks. Used when
// the coordinator claimed a task but could not place it on any agent.
func (q *Queue) Release(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.StatusAssigned {
		return fmt.Errorf("task %q is %s, expected assigned", id, t.Status)
	}
	q.locks.ReleaseHolder(id)
	t.Status = task.StatusQueued
	t.AssignedAgentID = ""
	t.Reason = reason
	q.ready.push(t)
	return nil
}

// Complete settles a task as Completed, releases its locks, archives it, and
// moves any dependents whose last dependency this was into the ready set.
func (q *Queue) Complete(id, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	q.locks.ReleaseHolder(id)
	t.Status = task.StatusCompleted
	t.Result = result
	t.Reason = ""
	q.completed[id] = true
	q.archiveLocked(t)
	q.publishTask(events.EventTaskCompleted, t)

	// Re-check only the tasks that declared this task as a dependency.
	for depID := range q.dependents[id] {
		dep, exists := q.tasks[depID]
		if exists && dep.Status == task.StatusQueued && q.depsMet(dep) {
			q.ready.push(dep)
		}
	}
	delete(q.dependents, id)
	return nil
}

// Fail records a failure and applies the retry policy: requeue with an
// exponential delay while attempts remain, otherwise settle Cancelled and
// emit an escalation event. Returns whether the task was requeued.
func (q *Queue) Fail(id, reason string) (requeued bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return false, task.ErrNotFound
	}
	if t.Status.Terminal() {
		return false, fmt.Errorf("task %q is already %s", id, t.Status)
	}

	q.locks.ReleaseHolder(id)
	t.Status = task.StatusFailed
	t.Reason = reason
	t.AssignedAgentID = ""
	q.publishTask(events.EventTaskFailed, t)

	if t.AttemptCount < t.MaxAttempts {
		t.AttemptCount++
		t.Status = task.StatusRetrying
		t.NotBefore = q.now().Add(q.retryDelay(t.AttemptCount))
		q.publishTask(events.EventTaskRetrying, t)
		t.Status = task.StatusQueued
		if q.depsMet(t) {
			q.ready.push(t)
		}
		return true, nil
	}

	t.Status = task.StatusCancelled
	t.Reason = task.ReasonAttemptsExhausted + ": " + reason
	q.archiveLocked(t)
	q.publishTask(events.EventTaskCancelled, t)
	if q.bus != nil {
		q.bus.Publish(events.EscalationEvent{
			ID:        t.ID,
			TaskType:  t.Type,
			Attempts:  t.AttemptCount,
			Reason:    reason,
			Timestamp: q.now(),
		})
	}
	q.cascadeCancelLocked(id)
	return false, nil
}

// retryDelay is the explicit per-task backoff: base doubled per attempt,
// capped. Attempt 2 (first retry) waits one base interval.
func (q *Queue) retryDelay(attempt int) time.Duration {
	d := q.cfg.RetryBase
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * q.cfg.RetryMultiplier)
		if d >= q.cfg.RetryCap {
			return q.cfg.RetryCap
		}
	}
	if d > q.cfg.RetryCap {
		d = q.cfg.RetryCap
	}
	return d
}

// Cancel requests cancellation of a non-terminal task. A Running task moves to
// CancelRequested and the caller must interrupt the owning agent; any other
// non-terminal task settles Cancelled immediately.
func (q *Queue) Cancel(id string) (interrupt bool, agentID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		if q.findArchived(id) != nil {
			return false, "", task.ErrNotCancellable
		}
		return false, "", task.ErrNotFound
	}

	if t.Status == task.StatusRunning {
		t.Status = task.StatusCancelRequested
		t.CancelRequestedAt = q.now()
		t.Reason = task.ReasonCancelled
		return true, t.AssignedAgentID, nil
	}

	q.settleCancelledLocked(t, task.ReasonCancelled)
	return false, "", nil
}

// AckCancel settles a CancelRequested task once the agent has acknowledged
// the interrupt (or been terminated).
func (q *Queue) AckCancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	q.settleCancelledLocked(t, task.ReasonCancelled)
	return nil
}

// settleCancelledLocked finalizes a cancel: locks released, archived,
// dependents cascaded. Caller holds q.mu.
func (q *Queue) settleCancelledLocked(t *task.Task, reason string) {
	q.locks.ReleaseHolder(t.ID)
	t.Status = task.StatusCancelled
	t.Reason = reason
	t.AssignedAgentID = ""
	q.archiveLocked(t)
	q.publishTask(events.EventTaskCancelled, t)
	q.cascadeCancelLocked(t.ID)
}

// cascadeCancelLocked cancels queued dependents of a cancelled task: their
// dependency can never complete, so leaving them queued would strand them.
func (q *Queue) cascadeCancelLocked(id string) {
	for depID := range q.dependents[id] {
		dep, exists := q.tasks[depID]
		if !exists || dep.Status.Terminal() || dep.Status.InFlight() {
			continue
		}
		q.settleCancelledLocked(dep, "dependency "+id+" cancelled")
	}
	delete(q.dependents, id)
}

// AnnotateWaiting attaches a human-readable wait reason to every queued task
// of the given type. Used when a circuit opens: tasks stay queued, never fail.
func (q *Queue) AnnotateWaiting(taskType, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.tasks {
		if t.Type == taskType && t.Status == task.StatusQueued {
			t.Reason = reason
		}
	}
}

// ReTag changes the type of a queued task. The rebalancer uses this to shift
// backlog onto an underutilized capable agent type.
func (q *Queue) ReTag(id, newType string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.StatusQueued {
		return fmt.Errorf("task %q is %s, only queued tasks can be retagged", id, t.Status)
	}
	t.Type = newType
	return nil
}

// Get returns a copy of the task, searching live tasks then the archive.
func (q *Queue) Get(id string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.tasks[id]; ok {
		return t.Clone(), true
	}
	if t := q.findArchived(id); t != nil {
		return t.Clone(), true
	}
	return nil, false
}

// findArchived scans the archive newest-first. Caller holds q.mu.
func (q *Queue) findArchived(id string) *task.Task {
	for i := len(q.archive) - 1; i >= 0; i-- {
		if q.archive[i].ID == id {
			return q.archive[i]
		}
	}
	return nil
}

// Stats reports task counts by status and by priority.
type Stats struct {
	ByStatus   map[string]int
	ByPriority map[string]int
	Total      int
	Archived   int
	LocksHeld  int
}

// Stats returns a point-in-time census for observability.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
	}
	for _, t := range q.tasks {
		s.ByStatus[t.Status.String()]++
		s.ByPriority[t.Priority.String()]++
		s.Total++
	}
	for _, t := range q.archive {
		s.ByStatus[t.Status.String()]++
	}
	s.Archived = len(q.archive)
	s.LocksHeld = len(q.locks.Held())
	return s
}

// Tasks returns copies of all live (non-terminal) tasks.
func (q *Queue) Tasks() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*task.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// TasksByAgent returns in-flight tasks assigned to the given agent.
func (q *Queue) TasksByAgent(agentID string) []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*task.Task
	for _, t := range q.tasks {
		if t.AssignedAgentID == agentID && t.Status.InFlight() {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Idle reports whether no live task remains (queue drained).
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 0
}

// Snapshot returns copies of every task, live and archived, for persistence.
func (q *Queue) Snapshot() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*task.Task, 0, len(q.tasks)+len(q.archive))
	for _, t := range q.tasks {
		out = append(out, t.Clone())
	}
	for _, t := range q.archive {
		out = append(out, t.Clone())
	}
	return out
}

// Restore rebuilds queue state from a snapshot. In-flight tasks are restored
// as-is; the daemon's restart recovery reconciles them against live agents.
func (q *Queue) Restore(tasks []*task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range tasks {
		cp := t.Clone()
		if cp.Status.Terminal() {
			if cp.Status == task.StatusCompleted {
				q.completed[cp.ID] = true
			}
			q.archiveLocked(cp)
			continue
		}
		q.tasks[cp.ID] = cp
		for _, dep := range cp.DependsOn {
			if q.dependents[dep] == nil {
				q.dependents[dep] = make(map[string]bool)
			}
			q.dependents[dep][cp.ID] = true
		}
		if cp.Status == task.StatusQueued && q.depsMet(cp) {
			q.ready.push(cp)
		}
		if cp.Status.InFlight() && len(cp.LockedResources) > 0 {
			_ = q.locks.TryAcquireAll(cp.LockedResources, cp.ID, q.now())
		}
	}
}

// ResetOrphans fails every in-flight task whose agent is no longer alive.
// Called once on startup after restoring a snapshot.
func (q *Queue) ResetOrphans(isLive func(agentID string) bool) []string {
	q.mu.Lock()
	ids := make([]string, 0)
	for id, t := range q.tasks {
		if t.Status.InFlight() && !isLive(t.AssignedAgentID) {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		_, _ = q.Fail(id, task.ReasonAgentTerminated)
	}
	return ids
}

// archiveLocked moves a terminal task out of the live index, trimming the
// archive to its bound. Caller holds q.mu.
func (q *Queue) archiveLocked(t *task.Task) {
	delete(q.tasks, t.ID)
	q.archive = append(q.archive, t)
	if len(q.archive) > q.cfg.ArchiveLimit {
		q.archive = q.archive[len(q.archive)-q.cfg.ArchiveLimit:]
	}
}

// publishTask emits a task event. Caller holds q.mu; publish never blocks.
func (q *Queue) publishTask(eventType string, t *task.Task) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.TaskEvent{
		Type:      eventType,
		ID:        t.ID,
		TaskType:  t.Type,
		AgentID:   t.AssignedAgentID,
		Status:    t.Status.String(),
		Reason:    t.Reason,
		Attempt:   t.AttemptCount,
		Timestamp: q.now(),
	})
}
