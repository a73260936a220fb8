// Package upstream proxies matched requests to their configured backends.
// Each forwarded call passes through the resilience sandwich: the resource
// rate limiter first (so throttled calls never count against the breaker),
// then the circuit breaker around every individual attempt. Retries on
// 502/503/504 with exponential backoff live here, in the caller, never in
// the breaker or limiter themselves.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fraiseql/resilience-core/internal/apierror"
	"github.com/fraiseql/resilience-core/internal/breaker"
	"github.com/fraiseql/resilience-core/internal/config"
	"github.com/fraiseql/resilience-core/internal/metrics"
	"github.com/fraiseql/resilience-core/internal/ratelimit"
	"github.com/fraiseql/resilience-core/internal/routing"
)

// Router matches incoming requests to configured upstreams and forwards
// them with the per-upstream protections applied.
type Router struct {
	routes   []config.UpstreamConfig
	proxies  map[string]*httputil.ReverseProxy
	breakers *breaker.Registry
	limiters *ratelimit.Registry
	logger   *slog.Logger
}

// New creates a Router from the given upstream configurations. Upstreams
// are sorted by path prefix length (longest first) for correct matching.
func New(upstreams []config.UpstreamConfig, breakers *breaker.Registry, limiters *ratelimit.Registry, logger *slog.Logger) (*Router, error) {
	sorted := make([]config.UpstreamConfig, len(upstreams))
	copy(sorted, upstreams)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})

	proxies := make(map[string]*httputil.ReverseProxy, len(upstreams))
	for _, route := range sorted {
		target, err := url.Parse(route.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL %q for upstream %q: %w", route.URL, route.Name, err)
		}
		rte := route // capture for closure
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream error", "error", err, "upstream", rte.Name, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, apierror.MsgUpstreamUnavailable)
		}
		proxies[route.PathPrefix] = proxy
	}

	return &Router{
		routes:   sorted,
		proxies:  proxies,
		breakers: breakers,
		limiters: limiters,
		logger:   logger,
	}, nil
}

// ServeHTTP implements http.Handler. It matches the request to an upstream,
// validates the HTTP method, and forwards through the limiter and breaker.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	route, ok := rt.matchRoute(r.URL.Path)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, apierror.MsgRouteNotFound)
		return
	}

	if len(route.Methods) > 0 && !methodAllowed(r.Method, route.Methods) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, route.PathPrefix))
		return
	}

	// Every response from here on goes through the recorder (status for
	// metrics) and the latency writer (X-Gateway-Latency before commit).
	recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	lw := &latencyWriter{ResponseWriter: recorder, start: start}

	rt.forward(lw, r, route)

	latency := time.Since(start)

	statusStr := strconv.Itoa(recorder.statusCode)
	metrics.RequestsTotal.WithLabelValues(route.PathPrefix, r.Method, statusStr).Inc()
	metrics.RequestDuration.WithLabelValues(route.PathPrefix, r.Method).Observe(latency.Seconds())

	if recorder.statusCode >= 500 {
		metrics.UpstreamErrors.WithLabelValues(route.PathPrefix, route.Name, statusStr).Inc()
	}
}

// forward applies the resilience sandwich and the retry loop, writing
// exactly one response to w.
func (rt *Router) forward(w http.ResponseWriter, r *http.Request, route config.UpstreamConfig) {
	if route.RateLimit != "" {
		if err := rt.limiters.Get(route.RateLimit).AcquireWait(r.Context()); err != nil {
			rt.writeRejection(w, r, route, err)
			return
		}
	}

	for k, v := range route.Headers {
		r.Header.Set(k, v)
	}

	originalPath := r.URL.Path
	if route.StripPrefix {
		r.URL.Path = strings.TrimPrefix(r.URL.Path, route.PathPrefix)
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
	}

	proxy := rt.proxies[route.PathPrefix]

	var br *breaker.Breaker
	if route.Breaker.Enabled {
		br = rt.breakers.Get(route.BreakerName())
	}

	maxAttempts := route.RetryAttempts + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Each attempt gets a fresh buffer. The buffer is only replayed
		// when the attempt completed; an attempt abandoned by the breaker
		// call timeout keeps writing into its own orphaned buffer.
		buf := &responseBuffer{header: make(http.Header), statusCode: http.StatusOK}
		err := rt.attempt(r, route, proxy, br, buf)

		if err == nil {
			buf.replayTo(w)
			return
		}

		var se *statusError
		if !errors.As(err, &se) {
			// Breaker rejection, breaker call timeout, or caller gone.
			// None of these are worth retrying.
			rt.writeRejection(w, r, route, err)
			return
		}

		if attempt == maxAttempts {
			// Out of attempts; surface what the last attempt produced
			// (the upstream's own 502/503/504 or our bad-gateway body).
			buf.replayTo(w)
			return
		}

		metrics.UpstreamRetries.WithLabelValues(route.PathPrefix, route.Name).Inc()

		rt.logger.Warn("retrying request",
			"path", originalPath,
			"upstream", route.Name,
			"attempt", attempt,
			"status", se.status,
		)

		backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
		time.Sleep(backoff)
	}
}

// attempt runs one proxied call, through the breaker when the upstream has
// one. The attempt is considered failed when it produced a retryable status;
// the breaker counts exactly those failures toward tripping.
func (rt *Router) attempt(r *http.Request, route config.UpstreamConfig, proxy *httputil.ReverseProxy, br *breaker.Breaker, buf *responseBuffer) error {
	op := func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, route.Timeout)
		defer cancel()

		proxy.ServeHTTP(buf, r.WithContext(attemptCtx))

		if isRetryable(buf.statusCode) {
			return &statusError{status: buf.statusCode}
		}
		return nil
	}

	if br != nil {
		return br.Execute(r.Context(), op)
	}
	return op(r.Context())
}

// writeRejection maps limiter and breaker errors onto the canonical
// responses. Retry-After carries the hint from the rejecting component.
func (rt *Router) writeRejection(w http.ResponseWriter, r *http.Request, route config.UpstreamConfig, err error) {
	var oe *breaker.OpenError
	var te *breaker.TimeoutError
	var le *ratelimit.LimitedError

	switch {
	case errors.As(err, &oe):
		rt.logger.Warn("circuit open, rejecting request",
			"upstream", route.Name,
			"breaker", oe.Name,
			"retry_after", oe.RetryAfter,
		)
		apierror.WriteRetryAfter(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, apierror.MsgCircuitOpen, oe.RetryAfter)
	case errors.As(err, &te):
		rt.logger.Warn("upstream call timed out",
			"upstream", route.Name,
			"breaker", te.Name,
			"after", te.After,
		)
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamTimeout, te.Error())
	case errors.As(err, &le):
		apierror.WriteRetryAfter(w, r, http.StatusTooManyRequests, apierror.RateLimited, apierror.MsgRateLimited, le.RetryAfter)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, apierror.MsgRequestCancelled)
	default:
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, apierror.MsgUpstreamUnavailable)
	}
}

func (rt *Router) matchRoute(path string) (config.UpstreamConfig, bool) {
	for _, route := range rt.routes {
		if routing.MatchesPrefix(path, route.PathPrefix) {
			return route, true
		}
	}
	return config.UpstreamConfig{}, false
}

// MatchRoute exposes route matching for use by other packages.
func (rt *Router) MatchRoute(path string) (config.UpstreamConfig, bool) {
	return rt.matchRoute(path)
}

// PathPrefixes returns the configured path prefixes, longest first.
func (rt *Router) PathPrefixes() []string {
	prefixes := make([]string, len(rt.routes))
	for i, route := range rt.routes {
		prefixes[i] = route.PathPrefix
	}
	return prefixes
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}

func isRetryable(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

// statusError marks a completed attempt whose status says the upstream is
// unavailable. The retry loop and the breaker both treat it as a failure.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

// latencyWriter wraps an http.ResponseWriter and injects the
// X-Gateway-Latency header just before the first WriteHeader call.
// This ensures the header is set before the response is committed.
type latencyWriter struct {
	http.ResponseWriter
	start   time.Time
	written bool
}

func (lw *latencyWriter) WriteHeader(code int) {
	if !lw.written {
		lw.written = true
		lw.ResponseWriter.Header().Set("X-Gateway-Latency", time.Since(lw.start).String())
	}
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *latencyWriter) Write(b []byte) (int, error) {
	if !lw.written {
		lw.written = true
		lw.ResponseWriter.Header().Set("X-Gateway-Latency", time.Since(lw.start).String())
	}
	return lw.ResponseWriter.Write(b)
}

// responseRecorder wraps http.ResponseWriter to capture the status code
// while still writing to the real client. Used for metrics reporting.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.written {
		rr.statusCode = code
		rr.written = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.written {
		rr.statusCode = http.StatusOK
		rr.written = true
	}
	return rr.ResponseWriter.Write(b)
}

// responseBuffer captures the full response (status, headers, body) in
// memory so the attempt can be replayed to the real client only once its
// outcome is known. Forwarding never hits the backend twice for one
// response, and an abandoned attempt never touches the real writer.
type responseBuffer struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
	written    bool
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(code int) {
	if !b.written {
		b.statusCode = code
		b.written = true
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if !b.written {
		b.statusCode = http.StatusOK
		b.written = true
	}
	return b.body.Write(p)
}

// replayTo copies the buffered response (headers, status, body) to the
// real ResponseWriter.
func (b *responseBuffer) replayTo(w http.ResponseWriter) {
	for k, vals := range b.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.statusCode)
	w.Write(b.body.Bytes()) //nolint:errcheck
}
