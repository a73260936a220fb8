// Package breaker provides a three-state circuit breaker protecting calls
// to a named external provider. The breaker fails fast while a provider is
// presumed unhealthy and admits a single probe call to test recovery.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fraiseql/resilience-core/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; a single call tests recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds and timeouts for one breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the breaker open.
	FailureThreshold int `json:"failure_threshold"`

	// ResetTimeout is how long the breaker stays open before admitting a
	// recovery probe.
	ResetTimeout time.Duration `json:"reset_timeout"`

	// SuccessThreshold is the number of consecutive probe successes in the
	// half-open state required to close the breaker again.
	SuccessThreshold int `json:"success_threshold"`

	// CallTimeout bounds each wrapped call. Zero disables the bound.
	CallTimeout time.Duration `json:"call_timeout"`
}

// Operation is a call protected by the breaker. It should honor ctx
// cancellation; the breaker cancels ctx when the call times out.
type Operation func(ctx context.Context) error

// OpenError is returned when the circuit rejects a call without invoking
// the operation. RetryAfter hints when the provider may next be probed.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry after %s", e.Name, e.RetryAfter)
}

// TimeoutError is returned when the wrapped operation exceeded the
// configured call timeout. It counts as a failure for the state machine
// and is distinct from any error the operation itself returns.
type TimeoutError struct {
	Name  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation on %q timed out after %s", e.Name, e.After)
}

// Breaker is a circuit breaker for one named provider. It is safe for
// concurrent use by any number of goroutines.
type Breaker struct {
	mu sync.Mutex

	name   string
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	state          State
	failures       int
	successes      int
	lastTransition time.Time

	// probing is true while a half-open recovery probe is outstanding.
	// Concurrent callers are rejected until the probe resolves.
	probing bool
}

// New creates a closed breaker for the given provider name.
func New(name string, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Breaker {
	b := &Breaker{
		name:           name,
		cfg:            cfg,
		clock:          clock,
		logger:         logger,
		state:          StateClosed,
		lastTransition: clock.Now(),
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Execute runs op under the breaker's protection. It returns OpenError
// without invoking op when the circuit rejects the call, TimeoutError when
// op exceeds the call timeout, ctx.Err() when the caller's context is
// canceled first, and otherwise op's own error.
func (b *Breaker) Execute(ctx context.Context, op Operation) error {
	if err := b.admit(); err != nil {
		metrics.BreakerRejected.WithLabelValues(b.name).Inc()
		return err
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so an abandoned operation can still complete its send.
	done := make(chan error, 1)
	go func() { done <- op(opCtx) }()

	var timeout <-chan time.Time
	if b.cfg.CallTimeout > 0 {
		timeout = b.clock.After(b.cfg.CallTimeout)
	}

	select {
	case err := <-done:
		if err != nil {
			b.recordFailure()
			return err
		}
		b.recordSuccess()
		return nil
	case <-timeout:
		cancel()
		b.recordFailure()
		return &TimeoutError{Name: b.name, After: b.cfg.CallTimeout}
	case <-ctx.Done():
		// The caller gave up; the provider was not proven unhealthy, so
		// this does not count as a failure. A probe slot is freed so a
		// later caller can retry the recovery probe.
		cancel()
		b.releaseProbe()
		return ctx.Err()
	}
}

// admit decides whether a call may proceed, performing any eligible
// open-to-half-open transition. The successful caller in the half-open
// state becomes the recovery probe.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.clock.Since(b.lastTransition)
		if elapsed < b.cfg.ResetTimeout {
			return &OpenError{Name: b.name, RetryAfter: b.cfg.ResetTimeout - elapsed}
		}
		b.transitionTo(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			retry := b.cfg.ResetTimeout - b.clock.Since(b.lastTransition)
			if retry < 0 {
				retry = 0
			}
			return &OpenError{Name: b.name, RetryAfter: retry}
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// One probe failure is enough to reopen.
		b.probing = false
		b.transitionTo(StateOpen)
	}
}

// releaseProbe frees the half-open probe slot after an abandoned call.
func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the protected provider name.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

// Reconfigure swaps the breaker's thresholds. The new values take effect
// on the next admission or outcome decision; the current state is kept.
func (b *Breaker) Reconfigure(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

// Snapshot is a point-in-time view of one breaker for the admin API.
type Snapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Failures       int       `json:"failures"`
	Successes      int       `json:"successes"`
	LastTransition time.Time `json:"last_transition"`
	Config         Config    `json:"config"`
}

// Snapshot returns the breaker's current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:           b.name,
		State:          b.state.String(),
		Failures:       b.failures,
		Successes:      b.successes,
		LastTransition: b.lastTransition,
		Config:         b.cfg,
	}
}

// transitionTo changes the breaker state, resetting counters and emitting
// metrics and logging. Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.lastTransition = b.clock.Now()

	metrics.BreakerTransitions.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"provider", b.name,
		"from", from.String(),
		"to", newState.String(),
	)
}
