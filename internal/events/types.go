package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	Topic() string
	EventType() string
}

// Topic constants.
const (
	TopicTask    = "task"
	TopicAgent   = "agent"
	TopicBreaker = "breaker"
)

// Event type constants.
const (
	EventTaskQueued      = "task.queued"
	EventTaskAssigned    = "task.assigned"
	EventTaskStarted     = "task.started"
	EventTaskCompleted   = "task.completed"
	EventTaskFailed      = "task.failed"
	EventTaskRetrying    = "task.retrying"
	EventTaskCancelled   = "task.cancelled"
	EventTaskEscalated   = "task.escalated"
	EventAgentSpawned    = "agent.spawned"
	EventAgentUnhealthy  = "agent.unhealthy"
	EventAgentTerminated = "agent.terminated"
	EventBreakerChanged  = "breaker.changed"
)

// TaskEvent is published on every task status transition.
type TaskEvent struct {
	Type      string
	ID        string
	TaskType  string
	AgentID   string
	Status    string
	Reason    string
	Attempt   int
	Timestamp time.Time
}

func (e TaskEvent) Topic() string     { return TopicTask }
func (e TaskEvent) EventType() string { return e.Type }

// EscalationEvent is emitted when a task exhausts its attempt budget. The
// external submitter owns what happens next; the daemon only reports.
type EscalationEvent struct {
	ID        string
	TaskType  string
	Attempts  int
	Reason    string
	Timestamp time.Time
}

func (e EscalationEvent) Topic() string     { return TopicTask }
func (e EscalationEvent) EventType() string { return EventTaskEscalated }

// AgentEvent is published on agent lifecycle transitions.
type AgentEvent struct {
	Type      string
	AgentID   string
	AgentType string
	State     string
	PID       int
	Reason    string
	Timestamp time.Time
}

func (e AgentEvent) Topic() string     { return TopicAgent }
func (e AgentEvent) EventType() string { return e.Type }

// BreakerEvent is published when a circuit breaker changes state.
type BreakerEvent struct {
	AgentType string
	From      string
	To        string
	Timestamp time.Time
}

func (e BreakerEvent) Topic() string     { return TopicBreaker }
func (e BreakerEvent) EventType() string { return EventBreakerChanged }
