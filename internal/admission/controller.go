// Package admission bounds the number of concurrently admitted units of
// work and converts overload into explicit, fast rejections instead of
// unbounded queueing.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/fraiseql/resilience-core/internal/metrics"
)

// Rejection reasons carried by RejectedError.
const (
	ReasonQueueFull = "queue_full"
	ReasonDraining  = "draining"
)

// Config sizes the controller.
type Config struct {
	// MaxConcurrent is the number of permits: work items that may be
	// in progress at once.
	MaxConcurrent int

	// MaxQueueDepth bounds work that is admitted or waiting for a permit.
	// It must be at least MaxConcurrent to leave any waiting room.
	MaxQueueDepth int
}

// StopSignal reports whether the process has begun draining. The shutdown
// coordinator satisfies it; new work is rejected once draining starts.
type StopSignal interface {
	ShuttingDown() bool
}

// RejectedError is returned when admission fails fast, either because the
// queue is at capacity or the process is draining.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("admission rejected: %s", e.Reason)
}

// TimeoutError is returned when a bounded wait for a permit expired.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("admission wait timed out after %s", e.Waited)
}

// Controller is the admission gate. It is safe for concurrent use by any
// number of goroutines.
type Controller struct {
	cfg   Config
	clock clockwork.Clock
	stop  StopSignal

	permits  chan struct{}
	queued   atomic.Int64
	rejected atomic.Int64
	timeouts atomic.Int64
}

// New creates a controller. stop may be nil when no drain coordination is
// wired in (tests, standalone use).
func New(cfg Config, stop StopSignal, clock clockwork.Clock) *Controller {
	return &Controller{
		cfg:     cfg,
		clock:   clock,
		stop:    stop,
		permits: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Acquire admits one unit of work. It fails fast with RejectedError when
// the process is draining or the queue is at capacity; otherwise the
// caller occupies a queue slot and waits for a permit until ctx is done.
// The returned permit must be released when the work completes.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	return c.acquire(ctx, 0)
}

// AcquireTimeout is Acquire with the wait additionally bounded by d.
// On expiry the queue slot is reverted and a TimeoutError returned.
func (c *Controller) AcquireTimeout(ctx context.Context, d time.Duration) (*Permit, error) {
	return c.acquire(ctx, d)
}

func (c *Controller) acquire(ctx context.Context, maxWait time.Duration) (*Permit, error) {
	if c.stop != nil && c.stop.ShuttingDown() {
		c.rejected.Inc()
		metrics.AdmissionRejected.WithLabelValues(ReasonDraining).Inc()
		return nil, &RejectedError{Reason: ReasonDraining}
	}
	if !c.reserveSlot() {
		c.rejected.Inc()
		metrics.AdmissionRejected.WithLabelValues(ReasonQueueFull).Inc()
		return nil, &RejectedError{Reason: ReasonQueueFull}
	}

	// Fast path: a free permit means no suspension at all.
	select {
	case c.permits <- struct{}{}:
		metrics.AdmissionInFlight.Set(float64(len(c.permits)))
		return &Permit{c: c}, nil
	default:
	}

	var timeout <-chan time.Time
	if maxWait > 0 {
		timeout = c.clock.After(maxWait)
	}
	start := c.clock.Now()

	select {
	case c.permits <- struct{}{}:
		metrics.AdmissionInFlight.Set(float64(len(c.permits)))
		return &Permit{c: c}, nil
	case <-timeout:
		c.releaseSlot()
		c.timeouts.Inc()
		metrics.AdmissionTimeouts.Inc()
		return nil, &TimeoutError{Waited: c.clock.Since(start)}
	case <-ctx.Done():
		// The abandoned wait must leak no bookkeeping.
		c.releaseSlot()
		return nil, ctx.Err()
	}
}

// reserveSlot claims a queue slot without ever overshooting the bound.
func (c *Controller) reserveSlot() bool {
	for {
		depth := c.queued.Load()
		if depth >= int64(c.cfg.MaxQueueDepth) {
			return false
		}
		if c.queued.CompareAndSwap(depth, depth+1) {
			metrics.AdmissionQueueDepth.Set(float64(depth + 1))
			return true
		}
	}
}

func (c *Controller) releaseSlot() {
	metrics.AdmissionQueueDepth.Set(float64(c.queued.Dec()))
}

// InFlight returns the number of permits currently held.
func (c *Controller) InFlight() int {
	return len(c.permits)
}

// QueueDepth returns the number of work items admitted or waiting.
func (c *Controller) QueueDepth() int64 {
	return c.queued.Load()
}

// Rejected returns the total number of fast rejections.
func (c *Controller) Rejected() int64 {
	return c.rejected.Load()
}

// Timeouts returns the total number of waits abandoned at their deadline.
func (c *Controller) Timeouts() int64 {
	return c.timeouts.Load()
}

// Snapshot is a point-in-time view of the controller for the admin API.
type Snapshot struct {
	MaxConcurrent int   `json:"max_concurrent"`
	MaxQueueDepth int   `json:"max_queue_depth"`
	InFlight      int   `json:"in_flight"`
	QueueDepth    int64 `json:"queue_depth"`
	Rejected      int64 `json:"rejected"`
	Timeouts      int64 `json:"timeouts"`
}

// Snapshot returns current occupancy and counters.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		MaxConcurrent: c.cfg.MaxConcurrent,
		MaxQueueDepth: c.cfg.MaxQueueDepth,
		InFlight:      c.InFlight(),
		QueueDepth:    c.QueueDepth(),
		Rejected:      c.Rejected(),
		Timeouts:      c.Timeouts(),
	}
}

// Permit represents one admitted unit of work. Release must run on every
// exit path; deferring it right after a successful acquire guarantees the
// permit and queue slot are returned exactly once.
type Permit struct {
	c        *Controller
	released atomic.Bool
}

// Release returns the permit and queue slot. Calling it more than once is
// safe; only the first call has an effect.
func (p *Permit) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	<-p.c.permits
	metrics.AdmissionInFlight.Set(float64(len(p.c.permits)))
	p.c.releaseSlot()
}
