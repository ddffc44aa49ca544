package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentd/internal/agent"
	"github.com/aristath/agentd/internal/task"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	tasks := []*task.Task{
		{
			ID:              "t1",
			Type:            "build",
			Priority:        task.PriorityHigh,
			Payload:         `{"target":"all"}`,
			DependsOn:       []string{"t0a", "t0b"},
			Status:          task.StatusRunning,
			AssignedAgentID: "build-abc123",
			AttemptCount:    2,
			MaxAttempts:     3,
			Requirements: task.Requirements{
				CPUPercent:  50,
				MemoryMB:    512,
				MaxDuration: 90 * time.Second,
			},
			LockedResources: []string{"repo", "artifact-cache"},
			CreatedAt:       created,
			StartedAt:       created.Add(time.Minute),
		},
		{
			ID:        "t2",
			Type:      "review",
			Priority:  task.PriorityLow,
			Status:    task.StatusQueued,
			Reason:    "released: no capacity",
			NotBefore: created.Add(2 * time.Second),
			CreatedAt: created,
		},
	}
	agents := []agent.Descriptor{
		{
			ID:             "build-abc123",
			Type:           "build",
			State:          agent.StateBusy,
			PID:            4242,
			CurrentTaskIDs: []string{"t1"},
			RestartCount:   1,
			SpawnedAt:      created,
		},
	}

	require.NoError(t, s.SaveSnapshot(ctx, tasks, agents))

	gotTasks, err := s.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, gotTasks, 2)

	byID := make(map[string]*task.Task, len(gotTasks))
	for _, gt := range gotTasks {
		byID[gt.ID] = gt
	}

	t1 := byID["t1"]
	require.NotNil(t, t1)
	assert.Equal(t, "build", t1.Type)
	assert.Equal(t, task.PriorityHigh, t1.Priority)
	assert.Equal(t, `{"target":"all"}`, t1.Payload)
	assert.Equal(t, []string{"t0a", "t0b"}, t1.DependsOn)
	assert.Equal(t, task.StatusRunning, t1.Status)
	assert.Equal(t, "build-abc123", t1.AssignedAgentID)
	assert.Equal(t, 2, t1.AttemptCount)
	assert.Equal(t, 3, t1.MaxAttempts)
	assert.Equal(t, 50.0, t1.Requirements.CPUPercent)
	assert.Equal(t, 512, t1.Requirements.MemoryMB)
	assert.Equal(t, 90*time.Second, t1.Requirements.MaxDuration)
	assert.Equal(t, []string{"repo", "artifact-cache"}, t1.LockedResources)
	assert.True(t, t1.CreatedAt.Equal(created))
	assert.True(t, t1.StartedAt.Equal(created.Add(time.Minute)))

	t2 := byID["t2"]
	require.NotNil(t, t2)
	assert.Nil(t, t2.DependsOn)
	assert.Nil(t, t2.LockedResources)
	assert.True(t, t2.NotBefore.Equal(created.Add(2*time.Second)))
	assert.True(t, t2.StartedAt.IsZero())

	gotAgents, err := s.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, gotAgents, 1)
	assert.Equal(t, "build-abc123", gotAgents[0].ID)
	assert.Equal(t, agent.StateBusy, gotAgents[0].State)
	assert.Equal(t, 4242, gotAgents[0].PID)
	assert.Equal(t, []string{"t1"}, gotAgents[0].CurrentTaskIDs)
	assert.Equal(t, 1, gotAgents[0].RestartCount)
}

func TestSaveSnapshotReplacesPreviousState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	first := []*task.Task{
		{ID: "old-1", Type: "build", Status: task.StatusQueued, CreatedAt: created},
		{ID: "old-2", Type: "build", Status: task.StatusCompleted, CreatedAt: created},
	}
	require.NoError(t, s.SaveSnapshot(ctx, first, []agent.Descriptor{
		{ID: "build-old", Type: "build", State: agent.StateIdle, PID: 1, SpawnedAt: created},
	}))

	// old-2 was archived out of memory between snapshots; its row must go.
	second := []*task.Task{
		{ID: "old-1", Type: "build", Status: task.StatusRunning, CreatedAt: created},
	}
	require.NoError(t, s.SaveSnapshot(ctx, second, nil))

	gotTasks, err := s.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, gotTasks, 1)
	assert.Equal(t, "old-1", gotTasks[0].ID)
	assert.Equal(t, task.StatusRunning, gotTasks[0].Status)

	gotAgents, err := s.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, gotAgents)
}

func TestEmptySnapshotLoadsEmpty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, nil, nil))

	gotTasks, err := s.LoadTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, gotTasks)

	gotAgents, err := s.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, gotAgents)
}

func TestNewCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(ctx, dir+"/nested/state/agentd.db")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveSnapshot(ctx, []*task.Task{
		{ID: "t1", Type: "build", Status: task.StatusQueued, CreatedAt: time.Now().UTC()},
	}, nil))

	got, err := s.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)
}
