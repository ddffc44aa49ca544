package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentd/internal/task"
)

func writeTaskFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadTaskFile(t *testing.T) {
	path := writeTaskFile(t, `
tasks:
  - id: compile
    type: build
    priority: high
    payload: '{"target":"all"}'
    resources: [repo]
    cpu_percent: 50
    memory_mb: 512
    max_duration: 90s
  - id: check
    type: review
    depends_on: [compile]
    max_attempts: 1
`)

	got, err := loadTaskFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	compile := got[0]
	assert.Equal(t, "compile", compile.ID)
	assert.Equal(t, "build", compile.Type)
	assert.Equal(t, task.PriorityHigh, compile.Priority)
	assert.Equal(t, `{"target":"all"}`, compile.Payload)
	assert.Equal(t, []string{"repo"}, compile.LockedResources)
	assert.Equal(t, 50.0, compile.Requirements.CPUPercent)
	assert.Equal(t, 512, compile.Requirements.MemoryMB)
	assert.Equal(t, 90*time.Second, compile.Requirements.MaxDuration)

	check := got[1]
	assert.Equal(t, []string{"compile"}, check.DependsOn)
	assert.Equal(t, 1, check.MaxAttempts)
	// Unspecified priority defaults to medium.
	assert.Equal(t, task.PriorityMedium, check.Priority)
}

func TestLoadTaskFileRejectsMissingType(t *testing.T) {
	path := writeTaskFile(t, `
tasks:
  - id: compile
    priority: high
`)

	_, err := loadTaskFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type is required")
}

func TestLoadTaskFileRejectsEmptyFile(t *testing.T) {
	path := writeTaskFile(t, "tasks: []\n")

	_, err := loadTaskFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares no tasks")
}

func TestLoadTaskFileRejectsBadDuration(t *testing.T) {
	path := writeTaskFile(t, `
tasks:
  - id: compile
    type: build
    max_duration: ninety seconds
`)

	_, err := loadTaskFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_duration")
}

func TestLoadTaskFileRejectsMalformedYAML(t *testing.T) {
	path := writeTaskFile(t, "tasks: [\n")

	_, err := loadTaskFile(path)
	require.Error(t, err)
}
