// Package config handles configuration loading for agentd.
// It supports a YAML config file, environment variable overrides, and
// live reload through a file watcher.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level daemon configuration.
type Config struct {
	Daemon      DaemonConfig               `mapstructure:"daemon"`
	Coordinator CoordinatorConfig          `mapstructure:"coordinator"`
	Health      HealthConfig               `mapstructure:"health"`
	Agents      map[string]AgentTypeConfig `mapstructure:"agents"`
}

// DaemonConfig holds control-plane settings.
type DaemonConfig struct {
	// SnapshotPath is the SQLite snapshot database. Empty disables persistence.
	SnapshotPath     string        `mapstructure:"snapshot_path"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	// GracefulTimeout bounds Stop(): agents still alive afterwards are killed.
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	// ArchiveLimit bounds the in-memory history of terminal tasks.
	ArchiveLimit int `mapstructure:"archive_limit"`
}

// CoordinatorConfig holds scheduling policy settings.
type CoordinatorConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`
	Weights           ScoreWeights  `mapstructure:"weights"`
	// PerformanceWindow is the number of trailing task outcomes per agent
	// used for the performance score.
	PerformanceWindow int `mapstructure:"performance_window"`
	// TaskRetryBase/Cap parameterize the per-task exponential retry delay.
	TaskRetryBase       time.Duration `mapstructure:"task_retry_base"`
	TaskRetryMultiplier float64       `mapstructure:"task_retry_multiplier"`
	TaskRetryCap        time.Duration `mapstructure:"task_retry_cap"`
	// DefaultMaxAttempts applies to tasks that declare no attempt budget.
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`
}

// ScoreWeights are the agent-selection scoring weights. They must sum to 1.
type ScoreWeights struct {
	Capacity       float64 `mapstructure:"capacity"`
	Specialization float64 `mapstructure:"specialization"`
	Performance    float64 `mapstructure:"performance"`
}

// HealthConfig holds health-check, restart, and circuit-breaker settings.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// FailureThreshold is the number of consecutive failing checks before an
	// agent is declared unhealthy and recovery is triggered.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// HeartbeatGrace is how stale a running task's heartbeat may be before
	// the progress check fails.
	HeartbeatGrace time.Duration `mapstructure:"heartbeat_grace"`
	// CancelGrace bounds how long a cancel request may go unacknowledged
	// before the owning agent is force-terminated.
	CancelGrace time.Duration `mapstructure:"cancel_grace"`

	Restart RestartPolicy `mapstructure:"restart"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// RestartPolicy parameterizes agent respawn after failure.
type RestartPolicy struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	// Window is the rolling window over which restart attempts are counted.
	Window time.Duration `mapstructure:"window"`
}

// BreakerConfig parameterizes the per-agent-type circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// ResourceLimits bound a single agent process.
type ResourceLimits struct {
	CPUPercent       float64 `mapstructure:"cpu_percent"`
	MemoryMB         int     `mapstructure:"memory_mb"`
	WallClockSeconds int     `mapstructure:"wall_clock_seconds"`
	// SampleInterval is how often usage is sampled.
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	// ViolationCount is how many consecutive over-limit samples trigger
	// termination.
	ViolationCount int `mapstructure:"violation_count"`
	// GracePeriod is how long a graceful stop may take before SIGKILL.
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// AgentTypeConfig describes one pool of worker processes.
type AgentTypeConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// Capabilities lists the task types this agent type can execute. The
	// type's own name is always an implicit capability.
	Capabilities       []string `mapstructure:"capabilities"`
	MaxConcurrentTasks int      `mapstructure:"max_concurrent_tasks"`
	// PoolCeiling is the maximum number of live instances of this type.
	PoolCeiling int            `mapstructure:"pool_ceiling"`
	Limits      ResourceLimits `mapstructure:"limits"`
}

// CanExecute reports whether this agent type can run tasks of the given type.
func (a AgentTypeConfig) CanExecute(agentType, taskType string) bool {
	if agentType == taskType {
		return true
	}
	for _, cap := range a.Capabilities {
		if cap == taskType {
			return true
		}
	}
	return false
}

// Load reads configuration from the given path, applying defaults and
// AGENTD_* environment overrides. A missing file is not an error; malformed
// YAML is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("AGENTD")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyAgentDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	sum := c.Coordinator.Weights.Capacity + c.Coordinator.Weights.Specialization + c.Coordinator.Weights.Performance
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("coordinator.weights must sum to 1, got %.3f", sum)
	}
	if c.Coordinator.TickInterval <= 0 {
		return fmt.Errorf("coordinator.tick_interval must be positive")
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1")
	}
	if c.Health.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("health.breaker.failure_threshold must be at least 1")
	}
	for name, a := range c.Agents {
		if a.Command == "" {
			return fmt.Errorf("agents.%s.command must not be empty", name)
		}
		if a.MaxConcurrentTasks < 1 {
			return fmt.Errorf("agents.%s.max_concurrent_tasks must be at least 1", name)
		}
		if a.PoolCeiling < 1 {
			return fmt.Errorf("agents.%s.pool_ceiling must be at least 1", name)
		}
	}
	return nil
}

// setDefaults configures default values. Durations mirror the documented
// defaults: 1s scheduling tick, 2s sampling, 30s rebalance, 5s/x2/5m restart
// backoff, 15m breaker cooldown, 2s/x2/2m task retry delay.
func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.snapshot_interval", 30*time.Second)
	v.SetDefault("daemon.graceful_timeout", 30*time.Second)
	v.SetDefault("daemon.archive_limit", 1000)

	v.SetDefault("coordinator.tick_interval", time.Second)
	v.SetDefault("coordinator.rebalance_interval", 30*time.Second)
	v.SetDefault("coordinator.weights.capacity", 0.4)
	v.SetDefault("coordinator.weights.specialization", 0.3)
	v.SetDefault("coordinator.weights.performance", 0.3)
	v.SetDefault("coordinator.performance_window", 20)
	v.SetDefault("coordinator.task_retry_base", 2*time.Second)
	v.SetDefault("coordinator.task_retry_multiplier", 2.0)
	v.SetDefault("coordinator.task_retry_cap", 2*time.Minute)
	v.SetDefault("coordinator.default_max_attempts", 3)

	v.SetDefault("health.check_interval", 5*time.Second)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.heartbeat_grace", 30*time.Second)
	v.SetDefault("health.cancel_grace", 10*time.Second)
	v.SetDefault("health.restart.max_attempts", 3)
	v.SetDefault("health.restart.backoff_base", 5*time.Second)
	v.SetDefault("health.restart.backoff_multiplier", 2.0)
	v.SetDefault("health.restart.backoff_cap", 5*time.Minute)
	v.SetDefault("health.restart.window", 10*time.Minute)
	v.SetDefault("health.breaker.failure_threshold", 5)
	v.SetDefault("health.breaker.cooldown", 15*time.Minute)
}

// applyAgentDefaults fills per-type zero values that Validate would otherwise
// reject, so a minimal agent entry only needs a command.
func applyAgentDefaults(cfg *Config) {
	for name, a := range cfg.Agents {
		if a.MaxConcurrentTasks == 0 {
			a.MaxConcurrentTasks = 1
		}
		if a.PoolCeiling == 0 {
			a.PoolCeiling = 2
		}
		if a.Limits.SampleInterval == 0 {
			a.Limits.SampleInterval = 2 * time.Second
		}
		if a.Limits.ViolationCount == 0 {
			a.Limits.ViolationCount = 3
		}
		if a.Limits.GracePeriod == 0 {
			a.Limits.GracePeriod = 10 * time.Second
		}
		cfg.Agents[name] = a
	}
}
