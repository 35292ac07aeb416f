package executor

import (
	"time"

	"github.com/Zbehel/Music-Split/internal/config"
)

// Config holds configuration for the worker pool.
type Config struct {
	// Workers is the pool size. Each worker may hold exclusive access to an
	// accelerator, so the default is deliberately small.
	Workers int // default: 2

	// QueueDepth bounds how many tasks may wait for a worker. Submit fails
	// fast with ErrQueueFull beyond this.
	QueueDepth int // default: 8

	// TaskTimeout is the supervisory wall-clock ceiling per task. An expired
	// task's worker is killed and the task goes through the crash path.
	// 0 disables the timeout.
	TaskTimeout time.Duration

	// RestartBurst and RestartEvery throttle automatic pool restarts: at most
	// RestartBurst restarts, refilling one per RestartEvery. A RestartBurst
	// of 0 disables automatic restarts entirely; Restart can still be called
	// explicitly.
	RestartBurst int
	RestartEvery time.Duration // default: 1m
}

// LoadConfigFromEnv loads pool configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Workers:      config.GetIntEnv("EXECUTOR_WORKERS", 2),
		QueueDepth:   config.GetIntEnv("EXECUTOR_QUEUE_DEPTH", 8),
		TaskTimeout:  config.GetDurationEnv("EXECUTOR_TASK_TIMEOUT", 30*time.Minute),
		RestartBurst: config.GetIntEnv("EXECUTOR_RESTART_BURST", 3),
		RestartEvery: config.GetDurationEnv("EXECUTOR_RESTART_EVERY", time.Minute),
	}
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 8
	}
	if c.RestartBurst < 0 {
		c.RestartBurst = 0
	}
	if c.RestartEvery <= 0 {
		c.RestartEvery = time.Minute
	}
	return c
}
