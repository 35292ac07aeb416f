package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	start := time.Now()
	if !WaitFor(t, func() bool { return true }, WithTimeout(time.Second)) {
		t.Error("expected true for an already-met condition")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("immediate condition took %v, should not have slept", elapsed)
	}
}

func TestWaitFor_EventualSuccess(t *testing.T) {
	t.Parallel()
	checks := 0
	ok := WaitFor(t, func() bool {
		checks++
		return checks >= 3
	}, WithTimeout(time.Second), WithInterval(5*time.Millisecond))

	if !ok {
		t.Error("expected condition to be met")
	}
	if checks < 3 {
		t.Errorf("condition checked %d times, want at least 3", checks)
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	t.Parallel()
	ok := WaitFor(t, func() bool { return false },
		WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond))
	if ok {
		t.Error("expected false on timeout")
	}
}

func TestWaitForCount(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(5 * time.Millisecond)
			counter.Add(1)
		}
	}()

	if !WaitForCount(t, &counter, 5, WithTimeout(time.Second), WithInterval(5*time.Millisecond)) {
		t.Error("expected counter to reach 5")
	}
}

func TestWaitForCount_Timeout(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	counter.Store(2)

	if WaitForCount(t, &counter, 10, WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond)) {
		t.Error("expected false, counter never reaches 10")
	}
}

func TestMustVariantsPassWhenMet(t *testing.T) {
	t.Parallel()
	MustWaitFor(t, func() bool { return true }, WithTimeout(time.Second))

	var counter atomic.Int64
	counter.Store(5)
	MustWaitForCount(t, &counter, 5, WithTimeout(time.Second))
}

func TestOptions(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()
	if opts.Timeout != 10*time.Second || opts.Interval != 20*time.Millisecond {
		t.Errorf("unexpected defaults: %+v", opts)
	}

	WithTimeout(5 * time.Second)(&opts)
	WithInterval(50 * time.Millisecond)(&opts)
	if opts.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", opts.Timeout)
	}
	if opts.Interval != 50*time.Millisecond {
		t.Errorf("Interval = %v, want 50ms", opts.Interval)
	}
}
