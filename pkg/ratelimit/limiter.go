// Package ratelimit implements per-key sliding-window admission control.
//
// Each key tracks the timestamps of its admitted requests within a trailing
// window. A request is admitted when fewer than the configured maximum fall
// inside the window; denied requests do not consume quota. Keys are
// independent: entries lock individually so unrelated clients never
// serialize on each other.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds configuration for a limiter.
type Config struct {
	MaxRequests int           // admitted requests per key per window (default: 10)
	Window      time.Duration // trailing window length (default: 60s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 10,
		Window:      60 * time.Second,
	}
}

// Limiter is a sliding-window rate limiter keyed by client identity.
type Limiter struct {
	mu      sync.RWMutex
	entries map[string]*entry
	max     int
	window  time.Duration
}

type entry struct {
	mu    sync.Mutex
	times []time.Time
}

// New creates a limiter. Zero or negative config values use defaults.
func New(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &Limiter{
		entries: make(map[string]*entry),
		max:     cfg.MaxRequests,
		window:  cfg.Window,
	}
}

// Allow reports whether a request for key is admitted. Admission appends the
// current timestamp to the key's window; denial leaves the window untouched.
func (l *Limiter) Allow(key string) bool {
	e := l.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.prune(now, l.window)

	if len(e.times) >= l.max {
		return false
	}
	e.times = append(e.times, now)
	return true
}

// Remaining returns how many requests the key may still make within the
// current window. Always in [0, MaxRequests].
func (l *Limiter) Remaining(key string) int {
	e := l.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.prune(time.Now(), l.window)

	remaining := l.max - len(e.times)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Purge drops keys whose windows hold no live timestamps and returns how
// many were removed. Intended for periodic housekeeping.
func (l *Limiter) Purge() int {
	cutoff := time.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		e.mu.Lock()
		live := false
		for _, ts := range e.times {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		e.mu.Unlock()
		if !live {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// entry returns the window for a key, creating it if needed.
func (l *Limiter) entry(key string) *entry {
	l.mu.RLock()
	e, exists := l.entries[key]
	l.mu.RUnlock()

	if exists {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if e, exists = l.entries[key]; exists {
		return e
	}

	e = &entry{}
	l.entries[key] = e
	return e
}

// prune discards timestamps older than the window. Caller holds e.mu.
func (e *entry) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	live := e.times[:0]
	for _, ts := range e.times {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	e.times = live
}
