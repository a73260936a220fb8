// Package shutdown coordinates graceful drain: readiness is withdrawn
// first so load balancers deregister the instance, then a stop signal is
// broadcast to background workers, and finally the process waits, bounded,
// for in-flight work to finish.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/fraiseql/resilience-core/internal/metrics"
)

// ErrDrainTimeout is returned when the drain window elapsed with requests
// still in flight and the process is terminating anyway.
var ErrDrainTimeout = errors.New("drain timed out with requests in flight")

// Config holds the drain windows.
type Config struct {
	// DrainTimeout bounds the wait for in-flight work after the stop
	// broadcast. Shutdown never blocks longer than this.
	DrainTimeout time.Duration

	// PreShutdownDelay is how long to keep admitting work after readiness
	// is withdrawn, so load balancer deregistration can propagate.
	PreShutdownDelay time.Duration
}

// Coordinator tracks in-flight work and runs the shutdown sequence. It is
// safe for concurrent use by any number of goroutines.
type Coordinator struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	ready    atomic.Bool
	draining atomic.Bool
	started  atomic.Bool

	inflight atomic.Int64

	stopCh      chan struct{}
	drainedCh   chan struct{}
	drainedOnce sync.Once
}

// NewCoordinator creates a ready coordinator.
func NewCoordinator(cfg Config, clock clockwork.Clock, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		stopCh:    make(chan struct{}),
		drainedCh: make(chan struct{}),
	}
	c.ready.Store(true)
	metrics.Ready.Set(1)
	return c
}

// RequestStarted registers one unit of in-flight work. It returns nil once
// draining has begun; the caller must then refuse the work. The returned
// guard must be completed on every exit path.
func (c *Coordinator) RequestStarted() *Guard {
	if c.draining.Load() {
		return nil
	}
	c.incInflight()
	if c.draining.Load() {
		// Drain began between the check and the increment; back out so
		// the drain waiter is not held up by a request that never ran.
		c.decInflight()
		return nil
	}
	return &Guard{c: c}
}

// Ready reports whether the process should accept new traffic. It flips
// false at the start of the shutdown sequence, before admission is cut off.
func (c *Coordinator) Ready() bool {
	return c.ready.Load()
}

// ShuttingDown reports whether draining has begun. It satisfies the
// admission controller's StopSignal.
func (c *Coordinator) ShuttingDown() bool {
	return c.draining.Load()
}

// InFlight returns the number of guards not yet completed.
func (c *Coordinator) InFlight() int64 {
	return c.inflight.Load()
}

// StopChan returns a channel closed when draining begins. Any number of
// background workers may select on it; the close is a broadcast.
func (c *Coordinator) StopChan() <-chan struct{} {
	return c.stopCh
}

// Shutdown runs the drain sequence: withdraw readiness, sleep the
// pre-shutdown delay, broadcast stop, then wait for in-flight work bounded
// by the drain timeout. It returns ErrDrainTimeout when the bound is hit,
// and nil on a clean drain. Later calls are no-ops returning nil.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	c.ready.Store(false)
	metrics.Ready.Set(0)
	c.logger.Info("shutdown initiated, readiness withdrawn",
		"pre_shutdown_delay", c.cfg.PreShutdownDelay)

	if c.cfg.PreShutdownDelay > 0 {
		c.clock.Sleep(c.cfg.PreShutdownDelay)
	}

	c.draining.Store(true)
	close(c.stopCh)

	if c.inflight.Load() == 0 {
		c.logger.Info("drain complete", "in_flight", 0)
		return nil
	}

	c.logger.Info("draining in-flight requests",
		"in_flight", c.inflight.Load(),
		"drain_timeout", c.cfg.DrainTimeout)

	select {
	case <-c.drainedCh:
		c.logger.Info("drain complete")
		return nil
	case <-c.clock.After(c.cfg.DrainTimeout):
		c.logger.Warn("drain timeout elapsed, forcing termination",
			"in_flight", c.inflight.Load())
		return ErrDrainTimeout
	case <-ctx.Done():
		c.logger.Warn("shutdown context canceled before drain completed",
			"in_flight", c.inflight.Load())
		return ctx.Err()
	}
}

func (c *Coordinator) incInflight() {
	metrics.ShutdownInFlight.Set(float64(c.inflight.Inc()))
}

func (c *Coordinator) decInflight() {
	n := c.inflight.Dec()
	metrics.ShutdownInFlight.Set(float64(n))
	if n == 0 && c.draining.Load() {
		c.drainedOnce.Do(func() { close(c.drainedCh) })
	}
}

// Guard represents one tracked unit of in-flight work.
type Guard struct {
	c    *Coordinator
	done atomic.Bool
}

// Done marks the work complete. Calling it more than once is safe; only
// the first call has an effect. When the last guard completes during a
// drain, the waiter in Shutdown is woken.
func (g *Guard) Done() {
	if !g.done.CompareAndSwap(false, true) {
		return
	}
	g.c.decInflight()
}
