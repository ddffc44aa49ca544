package health

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/agentd/internal/config"
)

func breakerFixture(cooldown time.Duration) *Breakers {
	cfg := &config.Config{
		Health: config.HealthConfig{
			Breaker: config.BreakerConfig{FailureThreshold: 3, Cooldown: cooldown},
		},
	}
	return NewBreakers(func() *config.Config { return cfg }, nil)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := breakerFixture(15 * time.Minute)
	boom := errors.New("task failed")

	b.Record("build", boom)
	b.Record("build", boom)
	assert.True(t, b.Allow("build"), "below threshold stays closed")

	b.Record("build", boom)
	assert.Equal(t, gobreaker.StateOpen, b.State("build"))
	assert.False(t, b.Allow("build"))

	// Other types are unaffected.
	assert.True(t, b.Allow("review"))
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := breakerFixture(15 * time.Minute)
	boom := errors.New("task failed")

	b.Record("build", boom)
	b.Record("build", boom)
	b.Record("build", nil)
	b.Record("build", boom)
	b.Record("build", boom)
	assert.True(t, b.Allow("build"))
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	b := breakerFixture(50 * time.Millisecond)
	boom := errors.New("task failed")

	for i := 0; i < 3; i++ {
		b.Record("build", boom)
	}
	assert.False(t, b.Allow("build"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, b.State("build"))
	assert.True(t, b.Allow("build"))

	// With the trial in flight, no second assignment is admitted.
	b.MarkTrial("build")
	assert.False(t, b.Allow("build"))

	// Trial success closes the breaker.
	b.Record("build", nil)
	assert.Equal(t, gobreaker.StateClosed, b.State("build"))
	assert.True(t, b.Allow("build"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := breakerFixture(50 * time.Millisecond)
	boom := errors.New("task failed")

	for i := 0; i < 3; i++ {
		b.Record("build", boom)
	}
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, b.State("build"))

	b.MarkTrial("build")
	b.Record("build", boom)
	assert.Equal(t, gobreaker.StateOpen, b.State("build"))
	assert.False(t, b.Allow("build"))
}

func TestTripForcesOpen(t *testing.T) {
	b := breakerFixture(15 * time.Minute)

	b.Trip("build", errors.New("restart budget exhausted"))
	assert.Equal(t, gobreaker.StateOpen, b.State("build"))
}

func TestResetDiscardsState(t *testing.T) {
	b := breakerFixture(15 * time.Minute)

	b.Trip("build", errors.New("restart budget exhausted"))
	assert.False(t, b.Allow("build"))

	b.Reset()
	assert.True(t, b.Allow("build"))
	assert.Equal(t, gobreaker.StateClosed, b.State("build"))
}
