// Package housekeeping removes expired session directories on a schedule.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Zbehel/Music-Split/internal/observability"
)

// ActivityChecker reports whether a session still has work in flight.
// Implemented by the job scheduler.
type ActivityChecker interface {
	SessionActive(ctx context.Context, sessionID string) bool
}

// Config controls the retention sweep.
type Config struct {
	SessionsDir string
	Retention   time.Duration // sessions untouched for longer than this are removed
	Batch       int           // max sessions examined per sweep
	Schedule    string        // cron spec, e.g. "@every 15m"
}

// Janitor deletes session directories whose files have not changed within
// the retention window. Sessions with an active job are always skipped.
type Janitor struct {
	cfg     Config
	active  ActivityChecker
	metrics *observability.Metrics
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewJanitor creates a janitor. It does not start sweeping until Start.
func NewJanitor(cfg Config, active ActivityChecker, metrics *observability.Metrics, logger *slog.Logger) *Janitor {
	return &Janitor{
		cfg:     cfg,
		active:  active,
		metrics: metrics,
		logger:  logger.With("component", "janitor"),
	}
}

// Start schedules periodic sweeps.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.Sweep(context.Background()); err != nil {
			j.logger.Error("Retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", j.cfg.Schedule, err)
	}
	c.Start()
	j.cron = c
	j.logger.Info("Housekeeping scheduled", "schedule", j.cfg.Schedule, "retention", j.cfg.Retention)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// Sweep examines up to Batch session directories and removes the expired
// ones. Returns how many were deleted.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.cfg.SessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading sessions dir: %w", err)
	}

	cutoff := time.Now().Add(-j.cfg.Retention)
	examined := 0
	swept := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if j.cfg.Batch > 0 && examined >= j.cfg.Batch {
			break
		}
		examined++

		sessionID := entry.Name()
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if j.active.SessionActive(ctx, sessionID) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(j.cfg.SessionsDir, sessionID)); err != nil {
			j.logger.Warn("Failed to remove expired session", "sessionId", sessionID, "error", err)
			continue
		}
		j.logger.Info("Expired session removed", "sessionId", sessionID, "idleSince", info.ModTime())
		swept++
	}

	if swept > 0 && j.metrics != nil {
		j.metrics.RecordSessionsSwept(ctx, int64(swept))
	}
	return swept, nil
}
