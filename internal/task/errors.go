package task

import (
	"errors"
	"fmt"
)

// ValidationError is returned synchronously at submission for malformed tasks
// or dependency cycles.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s", e.Reason)
}

// DuplicateTaskError is returned when a submitted ID already denotes a
// non-terminal task.
type DuplicateTaskError struct {
	ID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q already exists and is not terminal", e.ID)
}

// Sentinel errors for scheduling outcomes. Lock conflicts and open circuits
// are backpressure signals, never surfaced to the submitter as task failure.
var (
	ErrNotFound       = errors.New("task not found")
	ErrLockConflict   = errors.New("resource lock held by another task")
	ErrCircuitOpen    = errors.New("circuit breaker open for agent type")
	ErrNotCancellable = errors.New("task is already terminal")
)

// Well-known reason strings attached to task status transitions.
const (
	ReasonAgentTerminated    = "agent_terminated"
	ReasonWaitingForRecovery = "waiting_for_recovery"
	ReasonResourceLimit      = "resource_limit_exceeded"
	ReasonTimeout            = "max_duration_exceeded"
	ReasonAttemptsExhausted  = "attempts_exhausted"
	ReasonCancelled          = "cancelled_by_request"
)
