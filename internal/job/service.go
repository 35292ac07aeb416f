package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zbehel/Music-Split/internal/apperrors"
	"github.com/Zbehel/Music-Split/internal/executor"
	"github.com/Zbehel/Music-Split/internal/observability"
	"github.com/Zbehel/Music-Split/internal/stems"
	"github.com/Zbehel/Music-Split/pkg/circuitbreaker"
	"github.com/Zbehel/Music-Split/pkg/ratelimit"
	"github.com/Zbehel/Music-Split/pkg/retry"
)

const maxSessionIDLength = 64

// sessionIDPattern allows alphanumeric, hyphens, and underscores. Session ids
// become directory names, so anything else is rejected outright.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidSessionID reports whether id is usable as a session directory name.
// The transport layer checks this before staging uploads under the id.
func ValidSessionID(id string) bool {
	return len(id) <= maxSessionIDLength && sessionIDPattern.MatchString(id)
}

var validDevices = map[string]bool{
	"auto": true,
	"cpu":  true,
	"cuda": true,
	"mps":  true,
}

// Executor is the slice of the worker pool the scheduler drives.
type Executor interface {
	Submit(executor.Task) (*executor.Handle, error)
	DetectBroken() bool
}

// Store is the record persistence the scheduler needs. Implemented by
// internal/store.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, bool, error)
	List(ctx context.Context) ([]*Record, error)
	ListActive(ctx context.Context) ([]*Record, error)
}

// Service owns the job lifecycle: it admits submissions through the rate
// limiter and circuit breaker, persists records, hands work to the executor,
// and reconciles completion callbacks back into the store.
//
// Execution handles never touch the store. The service keeps them in its own
// runtime index, joined to records by job id, so a durable write can never
// capture one.
type Service struct {
	store    Store
	pool     Executor
	registry *stems.Registry
	limiter  *ratelimit.Limiter
	breaker  *circuitbreaker.Breaker
	persist  retry.Policy
	metrics  *observability.Metrics
	logger   *slog.Logger

	sessionsDir string

	mu      sync.Mutex
	running map[string]*executor.Handle
}

// Options holds the dependencies for a Service. Everything except Metrics
// and Logger is required.
type Options struct {
	Store       Store
	Pool        Executor
	Registry    *stems.Registry
	Limiter     *ratelimit.Limiter
	Breaker     *circuitbreaker.Breaker
	Persist     retry.Policy
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	SessionsDir string
}

// NewService creates the scheduling service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	persist := opts.Persist
	if persist.Retryable == nil {
		// Conflicts and validation failures are deterministic; retrying
		// them only delays the error.
		persist.Retryable = func(err error) bool {
			return !errors.Is(err, apperrors.ErrConflict) && !errors.Is(err, apperrors.ErrNotFound)
		}
	}
	return &Service{
		store:       opts.Store,
		pool:        opts.Pool,
		registry:    opts.Registry,
		limiter:     opts.Limiter,
		breaker:     opts.Breaker,
		persist:     persist,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "scheduler"),
		sessionsDir: opts.SessionsDir,
		running:     make(map[string]*executor.Handle),
	}
}

// Submit admits a separation request. The admission chain runs synchronously
// (validate, rate limit, breaker-guarded executor submit, persist); the
// separation itself runs out of band and is observed by polling Get.
// Rejections never leave a job record behind.
func (s *Service) Submit(ctx context.Context, req *Request) (*Response, error) {
	applyDefaults(req)
	if err := s.validate(req); err != nil {
		return nil, err
	}

	key := req.ClientKey
	if key == "" {
		key = req.SessionID
	}
	if !s.limiter.Allow(key) {
		if s.metrics != nil {
			s.metrics.RecordAdmissionRejected(ctx, "rate_limit")
		}
		return nil, apperrors.RateLimited(s.limiter.Remaining(key))
	}

	model, _ := s.registry.Get(req.Model)

	outputDir := filepath.Join(s.sessionsDir, req.SessionID, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, apperrors.Internal("scheduler.prepare", err)
	}

	id := uuid.NewString()
	task := executor.Task{
		JobID:     id,
		Model:     req.Model,
		Device:    req.Device,
		InputPath: req.InputPath,
		OutputDir: outputDir,
		Rescue: executor.RescuePolicy{
			OutputDir: outputDir,
			Stems:     model.Stems,
			MinStems:  model.MinRescueStems(),
		},
	}

	handle, err := s.acquireSlot(ctx, task)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("jobId", id, "model", req.Model, "sessionId", req.SessionID)

	now := time.Now().UTC()
	rec := &Record{
		ID:          id,
		Status:      StatusPending,
		Model:       req.Model,
		Device:      req.Device,
		SessionID:   req.SessionID,
		Source:      req.Source,
		InputPath:   req.InputPath,
		OutputDir:   outputDir,
		SubmittedAt: now,
	}
	if err := s.persist.Execute(ctx, func() error { return s.store.Create(ctx, rec) }); err != nil {
		// The task is already in flight; all we can do is track the loss.
		logger.Error("Job record creation failed, execution continues untracked", "error", err)
		handle.OnComplete(func(res executor.Result) {
			logger.Error("Untracked job completed", "error", res.Err)
		})
		return nil, err
	}

	running := rec.Clone()
	running.Status = StatusRunning
	started := time.Now().UTC()
	running.StartedAt = &started
	if err := s.persist.Execute(ctx, func() error { return s.store.Update(ctx, running) }); err != nil {
		// Reconcile routes pending records through running before the
		// terminal write, so the job still completes.
		logger.Warn("Running transition not persisted", "error", err)
	}

	s.mu.Lock()
	s.running[id] = handle
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx, rec.Model, rec.Device)
	}

	// Registered after the scheduler's own writes, so the terminal callback
	// never races them even when the task finishes instantly.
	handle.OnComplete(func(res executor.Result) {
		s.reconcile(id, rec.Model, res)
	})

	logger.Info("Job submitted", "device", req.Device, "source", req.Source)
	return &Response{
		JobID:     id,
		Status:    StatusRunning,
		StatusURL: "/v1/jobs/" + id,
	}, nil
}

// acquireSlot submits the task through the circuit breaker. A submission
// failing because the pool is broken or full retries once immediately: an
// automatic restart may already have replaced the pool.
func (s *Service) acquireSlot(ctx context.Context, task executor.Task) (*executor.Handle, error) {
	handle, err := circuitbreaker.Guard(s.breaker, func() (*executor.Handle, error) {
		h, err := s.pool.Submit(task)
		if errors.Is(err, executor.ErrBroken) || errors.Is(err, executor.ErrQueueFull) {
			h, err = s.pool.Submit(task)
		}
		if err != nil {
			return nil, apperrors.Unavailable("executor.submit", err)
		}
		return h, nil
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			if s.metrics != nil {
				s.metrics.RecordAdmissionRejected(ctx, "circuit_open")
			}
			return nil, apperrors.CircuitOpen("separation backend")
		}
		if s.metrics != nil {
			s.metrics.RecordAdmissionRejected(ctx, "backend_unavailable")
		}
		return nil, err
	}
	return handle, nil
}

// reconcile is the single terminal writer for a job: it maps the executor
// outcome onto the record, persists it, feeds the breaker, and drops the
// runtime index entry.
func (s *Service) reconcile(id, model string, res executor.Result) {
	ctx := context.Background()
	logger := s.logger.With("jobId", id)

	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	rec, found, err := s.store.Get(ctx, id)
	if err != nil || !found {
		logger.Error("Completed job has no record", "error", err)
		return
	}

	if rec.Status == StatusPending {
		// The running write was lost; route through running so the terminal
		// transition stays legal.
		mid := rec.Clone()
		mid.Status = StatusRunning
		started := rec.SubmittedAt
		mid.StartedAt = &started
		if err := s.persist.Execute(ctx, func() error { return s.store.Update(ctx, mid) }); err != nil {
			logger.Error("Failed to repair running transition", "error", err)
			return
		}
		rec = mid
	}

	final := rec.Clone()
	now := time.Now().UTC()
	final.FinishedAt = &now

	var outcome string
	switch {
	case res.Err != nil:
		final.Status = StatusError
		final.Error = res.Err.Error()
		outcome = "error"
	case res.Rescued:
		final.Status = StatusDone
		final.Stems = res.Stems
		final.Outcome = OutcomeRescued
		outcome = OutcomeRescued
	default:
		final.Status = StatusDone
		final.Stems = res.Stems
		final.Outcome = OutcomeCompleted
		outcome = OutcomeCompleted
	}

	if err := s.persist.Execute(ctx, func() error { return s.store.Update(ctx, final) }); err != nil {
		logger.Error("Failed to persist terminal status", "status", final.Status, "error", err)
	}

	// A crash counts against the breaker even when rescue salvaged the job.
	crashed := res.Rescued || errors.Is(res.Err, executor.ErrCrashed)
	switch {
	case crashed:
		s.breaker.RecordFailure()
	case res.Err == nil:
		s.breaker.RecordSuccess()
	}

	if s.metrics != nil {
		s.metrics.RecordJobCompleted(ctx, model, outcome, res.Duration.Seconds())
	}
	logger.Info("Job finished", "status", final.Status, "outcome", outcome, "duration", res.Duration)
}

// Get returns the record for a job id.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	rec, found, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.NotFound("job", id)
	}
	return rec, nil
}

// List returns all job records.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return &ListResponse{Jobs: recs}, nil
}

// StemPath resolves the on-disk artifact for one stem of a finished job.
func (s *Service) StemPath(ctx context.Context, id, stem string) (string, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Status != StatusDone {
		return "", apperrors.Conflict("job", id, fmt.Sprintf("job %s is not done (status: %s)", id, rec.Status))
	}
	path, ok := rec.Stems[stem]
	if !ok {
		return "", apperrors.NotFound("stem", stem)
	}
	if _, err := os.Stat(path); err != nil {
		return "", apperrors.NotFound("artifact", stem)
	}
	return path, nil
}

// Models returns the available separation models.
func (s *Service) Models() []stems.Model {
	return s.registry.List()
}

// Model returns one model by name.
func (s *Service) Model(name string) (stems.Model, error) {
	m, ok := s.registry.Get(name)
	if !ok {
		return stems.Model{}, apperrors.NotFound("model", name)
	}
	return m, nil
}

// SessionActive reports whether any non-terminal job belongs to the session.
func (s *Service) SessionActive(ctx context.Context, sessionID string) bool {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return true // fail safe: don't let housekeeping delete under us
	}
	for _, rec := range active {
		if rec.SessionID == sessionID {
			return true
		}
	}
	return false
}

// DeleteSession removes a session's staged input and output files. Sessions
// with active jobs cannot be deleted. Job records are kept; record cleanup
// is not this service's concern.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return apperrors.Validation("sessionId", "invalid session id")
	}
	if s.SessionActive(ctx, sessionID) {
		return apperrors.Conflict("session", sessionID, fmt.Sprintf("session %s has active jobs", sessionID))
	}

	dir := filepath.Join(s.sessionsDir, sessionID)
	if _, err := os.Stat(dir); err != nil {
		return apperrors.NotFound("session", sessionID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return apperrors.Internal("scheduler.deleteSession", err)
	}
	s.logger.Info("Session deleted", "sessionId", sessionID)
	return nil
}

// applyDefaults sets default values for unspecified request fields.
func applyDefaults(req *Request) {
	if req.Device == "" {
		req.Device = "auto"
	}
	if req.Source == "" {
		req.Source = SourceUpload
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
}

// validate checks a submission. Does not modify the request.
func (s *Service) validate(req *Request) error {
	if req.Model == "" {
		return apperrors.Validation("model", "model is required")
	}
	if !s.registry.Contains(req.Model) {
		return apperrors.Validation("model", fmt.Sprintf("unknown model %q", req.Model))
	}
	if !validDevices[req.Device] {
		return apperrors.Validation("device", fmt.Sprintf("unknown device %q (want auto, cpu, cuda, or mps)", req.Device))
	}
	if req.Source != SourceUpload && req.Source != SourceURL {
		return apperrors.Validation("sourceKind", fmt.Sprintf("unknown source kind %q", req.Source))
	}
	if len(req.SessionID) > maxSessionIDLength {
		return apperrors.Validation("sessionId", fmt.Sprintf("session id exceeds maximum length of %d", maxSessionIDLength))
	}
	if !sessionIDPattern.MatchString(req.SessionID) {
		return apperrors.Validation("sessionId", "session id must be alphanumeric (hyphens and underscores allowed)")
	}
	if req.InputPath == "" {
		return apperrors.Validation("inputPath", "input path is required")
	}
	if _, err := os.Stat(req.InputPath); err != nil {
		return apperrors.Validation("inputPath", "input file does not exist")
	}
	return nil
}
