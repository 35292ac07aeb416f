// Package executor runs crash-prone separation work in a bounded pool of
// isolated worker processes.
//
// The separation engine can take down its whole execution context (native
// libraries abort on some inputs), so each worker is a separate OS process
// or container rather than a goroutine. A worker dying is observed as a
// task-level crash, the pool is marked broken, the crashed task goes through
// the rescue policy, and a throttled automatic restart replaces the pool.
package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Sentinel errors returned by Submit and task results.
var (
	// ErrQueueFull means the pool's admission queue has no capacity.
	// Submit never blocks waiting for a slot.
	ErrQueueFull = errors.New("executor queue full")

	// ErrBroken means a worker crashed and the pool has not been restarted
	// yet. Callers should retry once: a racing restart may already have
	// replaced the pool.
	ErrBroken = errors.New("executor pool broken")

	// ErrClosed means the pool has been shut down.
	ErrClosed = errors.New("executor closed")

	// ErrCrashed marks task results whose worker terminated abnormally and
	// whose output could not be rescued.
	ErrCrashed = errors.New("worker terminated abnormally")
)

// Task is one unit of separation work.
type Task struct {
	JobID     string
	Model     string
	Device    string
	InputPath string
	OutputDir string
	Rescue    RescuePolicy
}

// Result is the terminal outcome of a task. Either Stems or Err is set.
type Result struct {
	JobID    string
	Stems    map[string]string
	Rescued  bool // stems were reconstructed from disk after a crash
	Err      error
	Duration time.Duration
}

// Handle is the in-memory reference to one in-flight task. It is never
// persisted.
type Handle struct {
	jobID string

	mu        sync.Mutex
	completed bool
	result    Result
	callback  func(Result)
}

func newHandle(jobID string) *Handle {
	return &Handle{jobID: jobID}
}

// JobID returns the id of the task this handle tracks.
func (h *Handle) JobID() string {
	return h.jobID
}

// OnComplete registers the completion callback. It fires exactly once, on a
// pool-owned goroutine, never from inside Submit. Registering after the task
// already completed still fires the callback with the latched result.
func (h *Handle) OnComplete(fn func(Result)) {
	h.mu.Lock()
	if h.completed {
		res := h.result
		h.mu.Unlock()
		go fn(res)
		return
	}
	h.callback = fn
	h.mu.Unlock()
}

// Done reports whether the task has completed.
func (h *Handle) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// complete latches the result and fires the callback. Subsequent calls are
// no-ops, so a task completes at most once.
func (h *Handle) complete(res Result) {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return
	}
	h.completed = true
	h.result = res
	fn := h.callback
	h.mu.Unlock()

	if fn != nil {
		fn(res)
	}
}

// Proc is one isolated execution unit. The pool talks to it over the
// JSON-lines protocol on stdin/stdout.
type Proc interface {
	// Name identifies the worker in logs.
	Name() string

	// Stdin accepts task request lines.
	Stdin() io.Writer

	// Stdout yields task result lines.
	Stdout() io.Reader

	// Exited is signalled when the process terminates for any reason.
	Exited() <-chan error

	// Kill forcefully terminates the process. Idempotent.
	Kill() error
}

// Runner starts isolated workers. Implementations provide the isolation
// boundary: an OS process, a container, or an in-memory fake in tests.
type Runner interface {
	Start(ctx context.Context, name string) (Proc, error)
}
