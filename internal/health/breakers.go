// Package health implements agent health checking, restart/backoff recovery,
// and per-agent-type circuit breaking.
package health

import (
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/agentd/internal/config"
	"github.com/aristath/agentd/internal/events"
)

// Breakers manages one circuit breaker per agent type. A breaker opens after
// the configured number of consecutive failures, stays open for the cooldown,
// then permits exactly one trial assignment in half-open state.
type Breakers struct {
	mu       sync.Mutex
	cfg      func() *config.Config
	bus      *events.Bus
	breakers map[string]*gobreaker.CircuitBreaker
	trial    map[string]bool // agentType -> half-open trial in flight
}

// NewBreakers creates an empty registry. Breakers are created lazily per type
// with the configuration in effect at first use; Reset applies new settings.
func NewBreakers(cfg func() *config.Config, bus *events.Bus) *Breakers {
	return &Breakers{
		cfg:      cfg,
		bus:      bus,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		trial:    make(map[string]bool),
	}
}

func (b *Breakers) get(agentType string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[agentType]; ok {
		return cb
	}

	bc := b.cfg().Health.Breaker
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentType,
		MaxRequests: 1, // single trial in half-open
		Interval:    0, // never clear counts automatically
		Timeout:     bc.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[health] circuit breaker %q: %s -> %s", name, stateName(from), stateName(to))
			if b.bus != nil {
				b.bus.Publish(events.BreakerEvent{
					AgentType: name,
					From:      stateName(from),
					To:        stateName(to),
					Timestamp: time.Now(),
				})
			}
		},
	})
	b.breakers[agentType] = cb
	return cb
}

// State returns the breaker state for an agent type.
func (b *Breakers) State(agentType string) gobreaker.State {
	return b.get(agentType).State()
}

// Allow reports whether a new assignment to the type is permitted. Open
// rejects everything; half-open admits one trial at a time.
func (b *Breakers) Allow(agentType string) bool {
	switch b.get(agentType).State() {
	case gobreaker.StateOpen:
		return false
	case gobreaker.StateHalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		return !b.trial[agentType]
	default:
		return true
	}
}

// MarkTrial records that the half-open trial assignment is in flight.
func (b *Breakers) MarkTrial(agentType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial[agentType] = true
}

// Record feeds one outcome into the type's breaker. A nil error counts as
// success; success in half-open closes the breaker, failure reopens it and
// restarts the cooldown.
func (b *Breakers) Record(agentType string, opErr error) {
	cb := b.get(agentType)
	// Outcomes arriving while the breaker is open return ErrOpenState and are
	// not counted; the breaker's own cooldown timer governs until half-open.
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, opErr
	})

	b.mu.Lock()
	delete(b.trial, agentType)
	b.mu.Unlock()
}

// Trip forces the type's breaker open by feeding consecutive failures up to
// the threshold. Used when the restart budget for a type is exhausted.
func (b *Breakers) Trip(agentType string, reason error) {
	threshold := int(b.cfg().Health.Breaker.FailureThreshold)
	for i := 0; i < threshold && b.State(agentType) != gobreaker.StateOpen; i++ {
		b.Record(agentType, reason)
	}
}

// Reset discards all breakers so the next use re-creates them with the
// current configuration. Called on Reload.
func (b *Breakers) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakers = make(map[string]*gobreaker.CircuitBreaker)
	b.trial = make(map[string]bool)
}

// stateName maps gobreaker states to the names used in events and status.
func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// StateName exposes stateName for status queries.
func StateName(s gobreaker.State) string { return stateName(s) }
