// Package health implements the liveness and readiness probes. Liveness is
// unconditional; readiness reflects the worker pool and flips to unhealthy
// during shutdown so load balancers drain the instance.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker reports whether the execution backend can take work.
// Implemented by the executor pool.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status is a component health level.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the probe payload.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

const (
	checkTimeout = 5 * time.Second
	cacheTTL     = time.Second
)

// Checker evaluates readiness against the executor pool. Results are cached
// for cacheTTL so probe traffic does not hammer the pool.
type Checker struct {
	executor ReadinessChecker

	mu           sync.RWMutex
	checkedAt    time.Time
	cached       *Response
	shuttingDown bool
}

func NewChecker(executor ReadinessChecker) *Checker {
	return &Checker{executor: executor}
}

// Liveness always reports healthy. A failing liveness probe means the process
// itself is wedged, which this code path cannot observe about itself.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness reports whether the service should receive traffic. Shutdown
// short-circuits everything else.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cached != nil && time.Since(c.checkedAt) < cacheTTL {
		cached := c.cached
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	executorCheck := c.checkExecutor(ctx)
	response := &Response{
		Status: executorCheck.Status,
		Checks: map[string]CheckResult{"executor": executorCheck},
	}

	c.mu.Lock()
	c.cached = response
	c.checkedAt = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) checkExecutor(ctx context.Context) CheckResult {
	if c.executor == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "executor not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := c.executor.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown makes every later readiness probe fail, which tells load
// balancers to stop routing here while in-flight requests finish.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}
