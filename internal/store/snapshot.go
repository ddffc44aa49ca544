package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/agentd/internal/agent"
	"github.com/aristath/agentd/internal/task"
)

// SaveSnapshot atomically replaces the persisted queue and agent state with
// the given view. A replace keeps the snapshot consistent: rows for tasks
// that were archived out of memory must not linger.
func (s *Store) SaveSnapshot(ctx context.Context, tasks []*task.Task, agents []agent.Descriptor) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agents`); err != nil {
		return fmt.Errorf("failed to clear agents: %w", err)
	}

	for _, t := range tasks {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, d := range agents {
		if err := insertAgent(ctx, tx, d); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

func insertTask(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, type, priority, payload, depends_on, status,
			assigned_agent_id, attempt_count, max_attempts,
			cpu_percent, memory_mb, max_duration_ms, locked_resources,
			result, reason, not_before, created_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Type, int(t.Priority), t.Payload, strings.Join(t.DependsOn, ","), int(t.Status),
		t.AssignedAgentID, t.AttemptCount, t.MaxAttempts,
		t.Requirements.CPUPercent, t.Requirements.MemoryMB, t.Requirements.MaxDuration.Milliseconds(),
		strings.Join(t.LockedResources, ","),
		t.Result, t.Reason, nullableTime(t.NotBefore), t.CreatedAt, nullableTime(t.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

func insertAgent(ctx context.Context, tx *sql.Tx, d agent.Descriptor) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, type, state, pid, current_task_ids, restart_count, spawned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Type, int(d.State), d.PID, strings.Join(d.CurrentTaskIDs, ","), d.RestartCount, d.SpawnedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent %s: %w", d.ID, err)
	}
	return nil
}

// LoadTasks returns every persisted task, dependency and lock lists restored.
func (s *Store) LoadTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, priority, payload, depends_on, status,
			assigned_agent_id, attempt_count, max_attempts,
			cpu_percent, memory_mb, max_duration_ms, locked_resources,
			result, reason, not_before, created_at, started_at
		FROM tasks
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t := &task.Task{}
		var (
			priority, status     int
			dependsOn, locked    string
			maxDurationMS        int64
			notBefore, startedAt sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Type, &priority, &t.Payload, &dependsOn, &status,
			&t.AssignedAgentID, &t.AttemptCount, &t.MaxAttempts,
			&t.Requirements.CPUPercent, &t.Requirements.MemoryMB, &maxDurationMS, &locked,
			&t.Result, &t.Reason, &notBefore, &t.CreatedAt, &startedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Priority = task.Priority(priority)
		t.Status = task.Status(status)
		t.DependsOn = splitList(dependsOn)
		t.LockedResources = splitList(locked)
		t.Requirements.MaxDuration = time.Duration(maxDurationMS) * time.Millisecond
		if notBefore.Valid {
			t.NotBefore = notBefore.Time
		}
		if startedAt.Valid {
			t.StartedAt = startedAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadAgents returns the persisted agent descriptors. PIDs are from the
// previous daemon run; the caller must re-verify liveness before trusting them.
func (s *Store) LoadAgents(ctx context.Context) ([]agent.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, state, pid, current_task_ids, restart_count, spawned_at
		FROM agents
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Descriptor
	for rows.Next() {
		var d agent.Descriptor
		var state int
		var taskIDs string
		if err := rows.Scan(&d.ID, &d.Type, &state, &d.PID, &taskIDs, &d.RestartCount, &d.SpawnedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		d.State = agent.State(state)
		d.CurrentTaskIDs = splitList(taskIDs)
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
