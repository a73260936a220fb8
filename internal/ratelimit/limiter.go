// Package ratelimit provides a fixed-window rate limiter bounding the call
// rate to named external resources. The window is fixed, not sliding: a
// burst of maxRequests right before a window boundary followed by another
// burst right after it is allowed by design.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fraiseql/resilience-core/internal/metrics"
)

// DefaultMaxWait caps how long AcquireWait is willing to sleep for the
// current window to roll over.
const DefaultMaxWait = 30 * time.Second

// Config holds the request budget for one resource.
type Config struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// LimitedError is returned when the budget is exhausted and the wait for
// the next window would exceed the tolerated cap.
type LimitedError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.Resource, e.RetryAfter)
}

// Limiter bounds calls to one named resource. It is safe for concurrent
// use by any number of goroutines.
type Limiter struct {
	mu sync.Mutex

	key     string
	cfg     Config
	maxWait time.Duration
	clock   clockwork.Clock

	remaining   int
	windowStart time.Time
}

// NewLimiter creates a limiter for the given resource with a full budget.
func NewLimiter(key string, cfg Config, maxWait time.Duration, clock clockwork.Clock) *Limiter {
	return &Limiter{
		key:         key,
		cfg:         cfg,
		maxWait:     maxWait,
		clock:       clock,
		remaining:   cfg.MaxRequests,
		windowStart: clock.Now(),
	}
}

// Acquire takes one token if the current window has budget left. On denial
// it reports how long until the window rolls over.
func (l *Limiter) Acquire() (ok bool, retryIn time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	elapsed := now.Sub(l.windowStart)
	if elapsed >= l.cfg.Window {
		// Fresh window: reset the budget and take the first token.
		l.windowStart = now
		l.remaining = l.cfg.MaxRequests - 1
		return true, 0
	}
	if l.remaining > 0 {
		l.remaining--
		return true, 0
	}

	metrics.RateLimitThrottled.WithLabelValues(l.key).Inc()
	return false, l.cfg.Window - elapsed
}

// AcquireWait takes one token, sleeping across window boundaries until one
// is available. When a single wait would exceed the configured cap it
// returns LimitedError immediately instead, carrying the retry hint.
func (l *Limiter) AcquireWait(ctx context.Context) error {
	for {
		ok, retryIn := l.Acquire()
		if ok {
			return nil
		}
		if limit := l.maxWaitCap(); limit > 0 && retryIn > limit {
			return &LimitedError{Resource: l.key, RetryAfter: retryIn}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(retryIn):
		}
	}
}

func (l *Limiter) maxWaitCap() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxWait
}

// Key returns the resource name this limiter guards.
func (l *Limiter) Key() string {
	return l.key
}

// Reconfigure swaps the budget. The remaining count is clamped so it never
// exceeds the new maximum.
func (l *Limiter) Reconfigure(cfg Config, maxWait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.maxWait = maxWait
	if l.remaining > cfg.MaxRequests {
		l.remaining = cfg.MaxRequests
	}
}

// Snapshot is a point-in-time view of one limiter for the admin API.
type Snapshot struct {
	Resource    string        `json:"resource"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	Remaining   int           `json:"remaining"`
	WindowReset time.Time     `json:"window_reset"`
}

// Snapshot reports the budget left in the current window. A window that
// has already elapsed is reported as full.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.remaining
	resetAt := l.windowStart.Add(l.cfg.Window)
	if l.clock.Since(l.windowStart) >= l.cfg.Window {
		remaining = l.cfg.MaxRequests
		resetAt = l.clock.Now()
	}
	return Snapshot{
		Resource:    l.key,
		MaxRequests: l.cfg.MaxRequests,
		Window:      l.cfg.Window,
		Remaining:   remaining,
		WindowReset: resetAt,
	}
}
