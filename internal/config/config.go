// Package config provides configuration loading from environment variables.
package config

import (
	"path/filepath"
	"time"
)

// ServiceConfig holds configuration for the split service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	DataDir    string // root for session dirs and the job database
	JobsDB     string // SQLite path; ":memory:" keeps records in process only
	ModelsFile string // optional YAML with model definitions, watched for changes

	MaxUploadMB int           // upload size cap
	MaxDuration time.Duration // audio duration cap, enforced for WAV uploads

	RateLimitMax    int           // admitted submissions per client per window
	RateLimitWindow time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	PersistRetryMax        int           // attempts for job-record writes
	PersistRetryDelay      time.Duration
	PersistRetryMultiplier float64

	SessionRetention time.Duration // janitor deletes idle sessions older than this
	CleanupSchedule  string        // cron spec for the janitor
	CleanupBatch     int           // max sessions examined per sweep
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	dataDir := GetEnv("DATA_DIR", "data")
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		DataDir:    dataDir,
		JobsDB:     GetEnv("JOBS_DB", filepath.Join(dataDir, "jobs.db")),
		ModelsFile: GetEnv("MODELS_FILE", ""),

		MaxUploadMB: GetIntEnv("MAX_UPLOAD_MB", 100),
		MaxDuration: GetDurationEnv("MAX_AUDIO_DURATION", 15*time.Minute),

		RateLimitMax:    GetIntEnv("RATE_LIMIT_MAX", 10),
		RateLimitWindow: GetDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		BreakerThreshold: GetIntEnv("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  GetDurationEnv("BREAKER_COOLDOWN", 60*time.Second),

		PersistRetryMax:        GetIntEnv("PERSIST_RETRY_MAX", 3),
		PersistRetryDelay:      GetDurationEnv("PERSIST_RETRY_DELAY", 50*time.Millisecond),
		PersistRetryMultiplier: GetFloatEnv("PERSIST_RETRY_MULTIPLIER", 2),

		SessionRetention: GetDurationEnv("SESSION_RETENTION", time.Hour),
		CleanupSchedule:  GetEnv("CLEANUP_SCHEDULE", "@every 15m"),
		CleanupBatch:     GetIntEnv("CLEANUP_BATCH", 100),
	}
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *ServiceConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}
