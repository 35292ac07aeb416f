// Package testutil holds shared helpers for tests that wait on background
// work, such as pool workers finishing a task or a janitor sweep landing.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions bounds a poll loop.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption adjusts WaitOptions.
type WaitOption func(*WaitOptions)

// WithTimeout caps the total wait (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets how often the condition is re-checked (default: 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 20 * time.Millisecond,
	}
}

// WaitFor re-checks condition until it holds or the timeout expires. The
// condition is checked once immediately, so an already-true condition never
// sleeps. Reports whether the condition held.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if condition() {
		return true
	}

	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			return false
		case <-tick.C:
			if condition() {
				return true
			}
		}
	}
}

// WaitForCount waits until the counter reaches at least target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}
