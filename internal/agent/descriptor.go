package agent

import (
	"time"
)

// State represents the lifecycle state of an agent process.
type State int

const (
	StateSpawning State = iota
	StateIdle
	StateBusy
	StateUnhealthy
	StateTerminating
	StateTerminated
)

// String returns the lowercase state name used in logs and the snapshot store.
func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateUnhealthy:
		return "unhealthy"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Live reports whether the agent process is expected to be running.
func (s State) Live() bool {
	return s != StateTerminating && s != StateTerminated
}

// Usage is a point-in-time resource snapshot of an agent process.
type Usage struct {
	CPUPercent float64
	MemoryMB   float64
	SampledAt  time.Time
}

// Descriptor describes one agent worker process.
type Descriptor struct {
	ID           string
	Type         string
	Capabilities []string
	State        State
	PID          int
	// CurrentTaskIDs never exceeds MaxConcurrent.
	CurrentTaskIDs  []string
	MaxConcurrent   int
	RestartCount    int
	Usage           Usage
	SpawnedAt       time.Time
	IdleSince       time.Time
	LastHealthCheck time.Time
}

// Load returns the agent's current task count.
func (d Descriptor) Load() int { return len(d.CurrentTaskIDs) }

// HasCapacity reports whether another task fits on this agent.
func (d Descriptor) HasCapacity() bool { return len(d.CurrentTaskIDs) < d.MaxConcurrent }

// clone deep-copies the descriptor so callers never share the task slice.
func (d Descriptor) clone() Descriptor {
	cp := d
	if d.CurrentTaskIDs != nil {
		cp.CurrentTaskIDs = append([]string(nil), d.CurrentTaskIDs...)
	}
	if d.Capabilities != nil {
		cp.Capabilities = append([]string(nil), d.Capabilities...)
	}
	return cp
}
