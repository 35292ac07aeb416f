// Package retry provides bounded re-invocation with exponential backoff.
//
// A Policy retries a fallible operation up to MaxAttempts times, sleeping
// between attempts with exponentially growing delays. Errors rejected by the
// Retryable predicate propagate immediately without consuming attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zbehel/Music-Split/pkg/backoff"
)

// ErrExhausted is returned when every attempt failed. It wraps the last
// underlying error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how an operation is retried. Zero values use defaults.
type Policy struct {
	MaxAttempts  int           // total invocations, not counting rejections (default: 3)
	InitialDelay time.Duration // sleep after the first failure (default: 100ms)
	Multiplier   float64       // delay growth per attempt (default: 2)
	MaxDelay     time.Duration // delay ceiling (default: 30s)

	// Retryable classifies errors. Only errors for which it returns true are
	// retried; everything else propagates immediately. Default: every error.
	Retryable func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Retryable == nil {
		p.Retryable = func(error) bool { return true }
	}
	return p
}

// Execute runs op under the policy. See Do.
func (p Policy) Execute(ctx context.Context, op func() error) error {
	_, err := Do(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Do runs op under the policy and returns its result. After MaxAttempts
// retryable failures it returns ErrExhausted wrapping the last error.
// Context cancellation interrupts the sleep between attempts and returns
// the context's error.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	p = p.withDefaults()
	cfg := &backoff.Config{
		Initial: p.InitialDelay,
		Max:     p.MaxDelay,
		Factor:  p.Multiplier,
	}

	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := op()
		if err == nil {
			return result, nil
		}
		if !p.Retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff.Exponential(attempt, cfg)):
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}
