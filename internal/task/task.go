package task

import (
	"time"
)

// Status represents the current state of a task.
type Status int

const (
	StatusPending         Status = iota // Submitted, not yet accepted into the queue
	StatusQueued                        // Waiting for dependencies, locks, or an agent
	StatusAssigned                      // Claimed by the coordinator, locks held
	StatusRunning                       // Dispatched to an agent process
	StatusCompleted                     // Finished successfully (terminal)
	StatusFailed                        // Finished with error, retry policy pending
	StatusRetrying                      // Failed with attempts remaining, about to requeue
	StatusCancelRequested               // Cancel sent to the owning agent, awaiting ack
	StatusCancelled                     // Cancelled or attempts exhausted (terminal)
)

// String returns the lowercase name used in logs, events, and the snapshot store.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusQueued:
		return "queued"
	case StatusAssigned:
		return "assigned"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusRetrying:
		return "retrying"
	case StatusCancelRequested:
		return "cancel_requested"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a terminal state.
// Terminal tasks are archived and their IDs may be reused.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// InFlight reports whether the task is currently claimed by an agent.
func (s Status) InFlight() bool {
	return s == StatusAssigned || s == StatusRunning || s == StatusCancelRequested
}

// Priority orders tasks within the ready set. Higher values win.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a config/task-file string to a Priority.
// Unknown values default to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Requirements declares the resource budget a task may consume while running.
// Zero values mean "no limit declared"; the agent type's configured limits
// still apply.
type Requirements struct {
	CPUPercent  float64       `yaml:"cpu_percent" json:"cpu_percent"`
	MemoryMB    int           `yaml:"memory_mb" json:"memory_mb"`
	MaxDuration time.Duration `yaml:"max_duration" json:"max_duration"`
}

// Task is a unit of work with priority, dependencies, and resource declarations.
// The payload is opaque to the daemon; only the declared metadata is interpreted.
type Task struct {
	ID              string
	Type            string // capability tag matched against agent capabilities
	Priority        Priority
	Payload         string // opaque, forwarded verbatim to the agent
	DependsOn       []string
	Status          Status
	CreatedAt       time.Time
	AssignedAgentID string
	AttemptCount    int
	MaxAttempts     int
	Requirements    Requirements
	LockedResources []string // resource keys held exclusively while in flight
	Result          string
	Reason          string // human-readable explanation of the current state

	// NotBefore gates retried tasks: a requeued task is not ready until this
	// instant has passed (per-task exponential retry delay).
	NotBefore time.Time

	// StartedAt is set when the task is dispatched to an agent. Used by the
	// health monitor's progress check against Requirements.MaxDuration.
	StartedAt time.Time

	// CancelRequestedAt is set when a cooperative cancel is sent to the owning
	// agent; the health monitor force-terminates after the grace period.
	CancelRequestedAt time.Time
}

// Clone returns a deep copy so callers never share slices with queue internals.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.LockedResources != nil {
		cp.LockedResources = append([]string(nil), t.LockedResources...)
	}
	return &cp
}

// Validate checks the task's declared metadata. The payload is never inspected.
func (t *Task) Validate() error {
	if t.ID == "" {
		return &ValidationError{Reason: "task id must not be empty"}
	}
	if t.Type == "" {
		return &ValidationError{Reason: "task type must not be empty"}
	}
	if t.MaxAttempts < 0 {
		return &ValidationError{Reason: "max_attempts must not be negative"}
	}
	seen := make(map[string]bool, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return &ValidationError{Reason: "task must not depend on itself"}
		}
		if seen[dep] {
			return &ValidationError{Reason: "duplicate dependency " + dep}
		}
		seen[dep] = true
	}
	for _, key := range t.LockedResources {
		if key == "" {
			return &ValidationError{Reason: "resource key must not be empty"}
		}
	}
	return nil
}
