// Package job defines the separation job record and the scheduling service
// that owns the job lifecycle.
package job

import (
	"time"
)

// Status represents the lifecycle state of a job. Transitions are monotonic:
// pending → running → {done, error}.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// CanTransition reports whether a job may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusDone || next == StatusError
	default:
		return false
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// SourceKind describes where a job's input audio came from.
type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceURL    SourceKind = "url"
)

// Outcome labels recorded on done jobs.
const (
	OutcomeCompleted = "completed"
	OutcomeRescued   = "rescued"
)

// Record is the tracked state of one separation job. It deliberately carries
// no execution handle: handles live only in the scheduler's in-memory runtime
// index, so every field here is safe to persist.
type Record struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Model       string            `json:"model"`
	Device      string            `json:"device"`
	SessionID   string            `json:"sessionId"`
	Source      SourceKind        `json:"source"`
	InputPath   string            `json:"inputPath"`
	OutputDir   string            `json:"outputDir"`
	SubmittedAt time.Time         `json:"submittedAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	FinishedAt  *time.Time        `json:"finishedAt,omitempty"`
	Outcome     string            `json:"outcome,omitempty"`
	Stems       map[string]string `json:"stems,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate shared state in place.
func (r *Record) Clone() *Record {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	if r.Stems != nil {
		cp.Stems = make(map[string]string, len(r.Stems))
		for k, v := range r.Stems {
			cp.Stems[k] = v
		}
	}
	return &cp
}

// Request represents a submission for separation.
type Request struct {
	Model     string     `json:"model"`
	Device    string     `json:"device,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	Source    SourceKind `json:"sourceKind,omitempty"`
	InputPath string     `json:"inputPath,omitempty"`

	// ClientKey identifies the submitter for rate limiting. Filled by the
	// transport layer, never by clients.
	ClientKey string `json:"-"`
}

// Response acknowledges an accepted submission.
type Response struct {
	JobID     string `json:"jobId"`
	Status    Status `json:"status"`
	StatusURL string `json:"statusUrl"`
}

// ListResponse wraps the job listing.
type ListResponse struct {
	Jobs []*Record `json:"jobs"`
}
