// split-service is the HTTP API server for asynchronous audio source
// separation jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/Zbehel/Music-Split/internal/api"
	"github.com/Zbehel/Music-Split/internal/apperrors"
	"github.com/Zbehel/Music-Split/internal/config"
	"github.com/Zbehel/Music-Split/internal/executor"
	"github.com/Zbehel/Music-Split/internal/health"
	"github.com/Zbehel/Music-Split/internal/housekeeping"
	"github.com/Zbehel/Music-Split/internal/job"
	"github.com/Zbehel/Music-Split/internal/observability"
	"github.com/Zbehel/Music-Split/internal/stems"
	"github.com/Zbehel/Music-Split/internal/store"
	"github.com/Zbehel/Music-Split/pkg/circuitbreaker"
	"github.com/Zbehel/Music-Split/pkg/ratelimit"
	"github.com/Zbehel/Music-Split/pkg/retry"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	execCfg := executor.LoadConfigFromEnv()
	logger := slog.Default()

	sessionsDir := filepath.Join(svcCfg.DataDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Model registry, reloaded when the models file changes
	registry, err := stems.NewRegistry(svcCfg.ModelsFile, logger)
	if err != nil {
		return err
	}
	if svcCfg.ModelsFile != "" {
		go registry.Watch(ctx)
	}

	// Durable job records; jobs interrupted by the previous run become errors
	backend, err := store.NewSQLiteBackend(svcCfg.JobsDB, logger)
	if err != nil {
		return err
	}
	jobStore := store.New(backend, logger)
	if err := jobStore.Load(ctx); err != nil {
		return err
	}
	orphaned, err := jobStore.ReconcileOrphans(ctx)
	if err != nil {
		return err
	}
	if orphaned > 0 {
		slog.Warn("Reconciled orphaned jobs from previous run", "count", orphaned)
	}

	// Worker pool over isolated processes or containers
	runner, cleanup, err := buildRunner(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	pool, err := executor.NewPool(ctx, execCfg, runner, logger, metrics)
	if err != nil {
		return err
	}

	// Admission controls
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: svcCfg.RateLimitMax,
		Window:      svcCfg.RateLimitWindow,
	})
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Threshold: svcCfg.BreakerThreshold,
		Cooldown:  svcCfg.BreakerCooldown,
		IsFailure: func(err error) bool { return errors.Is(err, apperrors.ErrUnavailable) },
	})

	// Create the job scheduler
	jobService := job.NewService(job.Options{
		Store:    jobStore,
		Pool:     pool,
		Registry: registry,
		Limiter:  limiter,
		Breaker:  breaker,
		Persist: retry.Policy{
			MaxAttempts:  svcCfg.PersistRetryMax,
			InitialDelay: svcCfg.PersistRetryDelay,
			Multiplier:   svcCfg.PersistRetryMultiplier,
		},
		Metrics:     metrics,
		Logger:      logger,
		SessionsDir: sessionsDir,
	})

	// Create health checker
	healthChecker := health.NewChecker(pool)

	// Retention sweep for expired sessions
	janitor := housekeeping.NewJanitor(housekeeping.Config{
		SessionsDir: sessionsDir,
		Retention:   svcCfg.SessionRetention,
		Batch:       svcCfg.CleanupBatch,
		Schedule:    svcCfg.CleanupSchedule,
	}, jobService, metrics, logger)
	if err := janitor.Start(); err != nil {
		return err
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
		Handler: api.HandlerConfig{
			SessionsDir:    sessionsDir,
			MaxUploadBytes: svcCfg.MaxUploadBytes(),
			MaxDuration:    svcCfg.MaxDuration,
		},
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Debug("systemd notify skipped", "error", err)
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		slog.Debug("systemd notify skipped", "error", err)
	}

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop background work and the pool
	janitor.Stop()

	poolCtx, poolCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer poolCancel()
	if err := pool.Close(poolCtx); err != nil {
		slog.Warn("Worker pool shutdown error", "error", err)
	}

	if err := jobStore.Close(); err != nil {
		slog.Warn("Job store close error", "error", err)
	}

	stats := pool.Stats()
	slog.Info("Executor stats",
		"submitted", stats.Submitted,
		"completed", stats.Completed,
		"crashes", stats.Crashes,
		"rescued", stats.Rescued,
		"restarts", stats.Restarts,
	)
	slog.Info("Shutdown complete")
	return nil
}

// buildRunner selects the worker isolation backend: plain child processes by
// default, containers when EXECUTOR_ISOLATION=docker.
func buildRunner(logger *slog.Logger) (executor.Runner, func(), error) {
	switch config.GetEnv("EXECUTOR_ISOLATION", "process") {
	case "docker":
		runner, err := executor.NewDockerRunner(executor.LoadDockerConfigFromEnv(), logger)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Connected to Docker daemon", "isolation", "docker")
		return runner, func() { _ = runner.Close() }, nil
	default:
		slog.Info("Using process isolation")
		return executor.LoadProcessRunnerFromEnv(), func() {}, nil
	}
}
