package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/agentd/internal/task"
)

// taskFile is the YAML document passed to `agentd run --tasks`.
type taskFile struct {
	Tasks []taskSpec `yaml:"tasks"`
}

// taskSpec is one task entry in the file.
type taskSpec struct {
	ID          string   `yaml:"id"`
	Type        string   `yaml:"type"`
	Priority    string   `yaml:"priority"`
	Payload     string   `yaml:"payload"`
	DependsOn   []string `yaml:"depends_on"`
	MaxAttempts int      `yaml:"max_attempts"`
	Resources   []string `yaml:"resources"`
	CPUPercent  float64  `yaml:"cpu_percent"`
	MemoryMB    int      `yaml:"memory_mb"`
	// MaxDuration takes Go duration syntax ("90s", "5m").
	MaxDuration string `yaml:"max_duration"`
}

// loadTaskFile parses a task file into queue-ready tasks, in file order so
// dependency references to earlier entries resolve on enqueue.
func loadTaskFile(path string) ([]*task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}

	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("task file %s declares no tasks", path)
	}

	out := make([]*task.Task, 0, len(tf.Tasks))
	for i, ts := range tf.Tasks {
		if ts.Type == "" {
			return nil, fmt.Errorf("task %d (%q): type is required", i, ts.ID)
		}
		var maxDuration time.Duration
		if ts.MaxDuration != "" {
			maxDuration, err = time.ParseDuration(ts.MaxDuration)
			if err != nil {
				return nil, fmt.Errorf("task %d (%q): parsing max_duration: %w", i, ts.ID, err)
			}
		}
		t := &task.Task{
			ID:              ts.ID,
			Type:            ts.Type,
			Priority:        task.ParsePriority(ts.Priority),
			Payload:         ts.Payload,
			DependsOn:       ts.DependsOn,
			MaxAttempts:     ts.MaxAttempts,
			LockedResources: ts.Resources,
			Requirements: task.Requirements{
				CPUPercent:  ts.CPUPercent,
				MemoryMB:    ts.MemoryMB,
				MaxDuration: maxDuration,
			},
		}
		out = append(out, t)
	}
	return out, nil
}
