// Package store persists separation job records. An in-memory index always
// holds the most recent value for every job; when a durable backend is
// configured each write also lands there atomically, so job state survives a
// service restart.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Zbehel/Music-Split/internal/apperrors"
	"github.com/Zbehel/Music-Split/internal/job"
)

// Backend is the durable side of the store. Implementations must make Put
// all-or-nothing for a single record: a partially written job must never be
// readable.
type Backend interface {
	// Put writes the record, replacing any previous value for its id.
	Put(ctx context.Context, rec *job.Record) error

	// Get returns the record, or (nil, nil) when the id is unknown.
	// A row that cannot be decoded is an error, never a zero record.
	Get(ctx context.Context, id string) (*job.Record, error)

	// List returns every stored record.
	List(ctx context.Context) ([]*job.Record, error)

	// Delete removes a record. Unknown ids are not an error.
	Delete(ctx context.Context, id string) error

	Close() error
}

// Store tracks job records. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]*job.Record

	backend Backend
	logger  *slog.Logger
}

// New creates a store. A nil backend keeps records in memory only.
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: make(map[string]*job.Record),
		backend: backend,
		logger:  logger.With("component", "store"),
	}
}

// Create inserts a new record. The id must be unused.
func (s *Store) Create(ctx context.Context, rec *job.Record) error {
	s.mu.Lock()
	if _, exists := s.records[rec.ID]; exists {
		s.mu.Unlock()
		return apperrors.Conflict("job", rec.ID, fmt.Sprintf("job %s already exists", rec.ID))
	}
	s.records[rec.ID] = rec.Clone()
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Put(ctx, rec); err != nil {
			s.mu.Lock()
			delete(s.records, rec.ID)
			s.mu.Unlock()
			return apperrors.Internal("store.create", err)
		}
	}
	return nil
}

// Update replaces a record. Status may only advance along
// pending → running → {done, error}; any other transition is rejected.
func (s *Store) Update(ctx context.Context, rec *job.Record) error {
	s.mu.Lock()
	current, exists := s.records[rec.ID]
	if !exists {
		s.mu.Unlock()
		return apperrors.NotFound("job", rec.ID)
	}
	if rec.Status != current.Status && !current.Status.CanTransition(rec.Status) {
		s.mu.Unlock()
		return apperrors.Conflict("job", rec.ID,
			fmt.Sprintf("invalid status transition %s -> %s", current.Status, rec.Status))
	}
	prev := current
	s.records[rec.ID] = rec.Clone()
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Put(ctx, rec); err != nil {
			s.mu.Lock()
			s.records[rec.ID] = prev
			s.mu.Unlock()
			return apperrors.Internal("store.update", err)
		}
	}
	return nil
}

// Get returns the record for the id. The durable record is preferred when a
// backend is configured so that reads reflect what would survive a restart;
// an undecodable row fails loudly rather than resurrecting a stale state.
func (s *Store) Get(ctx context.Context, id string) (*job.Record, bool, error) {
	if s.backend != nil {
		rec, err := s.backend.Get(ctx, id)
		if err != nil {
			return nil, false, apperrors.Internal("store.get", err)
		}
		if rec != nil {
			return rec, true, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, exists := s.records[id]
	if !exists {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

// Contains reports whether the id is known.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.records[id]
	return exists
}

// List returns every record.
func (s *Store) List(ctx context.Context) ([]*job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*job.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// ListActive returns records that have not reached a terminal status.
func (s *Store) ListActive(ctx context.Context) ([]*job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Record
	for _, rec := range s.records {
		if !rec.Status.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Load seeds the in-memory index from the backend. Call once at startup,
// before the store is shared.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	recs, err := s.backend.List(ctx)
	if err != nil {
		return apperrors.Internal("store.load", err)
	}

	s.mu.Lock()
	for _, rec := range recs {
		s.records[rec.ID] = rec
	}
	s.mu.Unlock()

	s.logger.Info("Job records loaded", "count", len(recs))
	return nil
}

// ReconcileOrphans marks every non-terminal record as failed. A pending or
// running job found at startup lost its execution handle with the previous
// process and can never complete, so leaving it would strand clients polling
// forever. Returns how many records were reconciled.
func (s *Store) ReconcileOrphans(ctx context.Context) (int, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, rec := range active {
		orphan := rec.Clone()
		if orphan.Status == job.StatusPending {
			// pending cannot reach error directly; route through running
			now := orphan.SubmittedAt
			orphan.Status = job.StatusRunning
			orphan.StartedAt = &now
			if err := s.Update(ctx, orphan); err != nil {
				return count, err
			}
		}
		finished := orphan.SubmittedAt
		if orphan.StartedAt != nil {
			finished = *orphan.StartedAt
		}
		orphan.Status = job.StatusError
		orphan.Error = "orphaned by service restart"
		orphan.FinishedAt = &finished
		if err := s.Update(ctx, orphan); err != nil {
			return count, err
		}
		count++
		s.logger.Warn("Orphaned job reconciled", "jobId", orphan.ID, "sessionId", orphan.SessionID)
	}
	return count, nil
}

// Close releases the backend, if any.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
