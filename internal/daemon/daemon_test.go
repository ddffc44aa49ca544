package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentd/internal/agent"
	"github.com/aristath/agentd/internal/config"
	"github.com/aristath/agentd/internal/task"
)

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := &config.Config{
		Daemon: config.DaemonConfig{ArchiveLimit: 100, GracefulTimeout: time.Second},
		Coordinator: config.CoordinatorConfig{
			TickInterval:       time.Second,
			Weights:            config.ScoreWeights{Capacity: 0.4, Specialization: 0.3, Performance: 0.3},
			DefaultMaxAttempts: 3,
		},
		Health: config.HealthConfig{
			CheckInterval:    time.Second,
			FailureThreshold: 3,
			Breaker:          config.BreakerConfig{FailureThreshold: 5, Cooldown: 15 * time.Minute},
		},
		Agents: map[string]config.AgentTypeConfig{
			"build": {Command: "/bin/true", MaxConcurrentTasks: 1, PoolCeiling: 1},
		},
	}
	return New(cfg, "", nil)
}

func TestSubmitGeneratesIDWhenMissing(t *testing.T) {
	d := testDaemon(t)

	id, err := d.Submit(&task.Task{Type: "build"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := d.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
}

func TestSubmitRejectsInvalidTask(t *testing.T) {
	d := testDaemon(t)

	_, err := d.Submit(&task.Task{ID: "t1"})
	require.Error(t, err)
	assert.IsType(t, &task.ValidationError{}, err)
}

func TestCancelQueuedTask(t *testing.T) {
	d := testDaemon(t)

	id, err := d.Submit(&task.Task{ID: "t1", Type: "build"})
	require.NoError(t, err)

	require.NoError(t, d.CancelTask(id))

	got, err := d.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
}

func TestGetTaskStatusUnknownID(t *testing.T) {
	d := testDaemon(t)

	_, err := d.GetTaskStatus("nope")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestGetAgentStatusIncludesCircuitState(t *testing.T) {
	d := testDaemon(t)
	d.cfg.Agents["build"] = config.AgentTypeConfig{
		Command: "/bin/sleep", Args: []string{"60"},
		MaxConcurrentTasks: 1, PoolCeiling: 1,
	}

	desc, err := d.manager.Spawn(context.Background(), "build")
	require.NoError(t, err)
	defer d.manager.KillAll()

	st, err := d.GetAgentStatus(desc.ID)
	require.NoError(t, err)
	assert.Equal(t, desc.ID, st.ID)
	assert.Equal(t, agent.StateIdle, st.State)
	assert.Equal(t, "closed", st.CircuitState)

	d.breakers.Trip("build", errors.New("restart budget exhausted"))
	st, err = d.GetAgentStatus(desc.ID)
	require.NoError(t, err)
	assert.Equal(t, "open", st.CircuitState)
}

func TestGetAgentStatusUnknownID(t *testing.T) {
	d := testDaemon(t)

	_, err := d.GetAgentStatus("nope")
	require.Error(t, err)
}

func TestQueueStatsReflectSubmissions(t *testing.T) {
	d := testDaemon(t)

	_, err := d.Submit(&task.Task{ID: "t1", Type: "build", Priority: task.PriorityHigh})
	require.NoError(t, err)
	_, err = d.Submit(&task.Task{ID: "t2", Type: "build"})
	require.NoError(t, err)

	st := d.GetQueueStats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.ByStatus[task.StatusQueued.String()])
	assert.Equal(t, 1, st.ByPriority[task.PriorityHigh.String()])
}
