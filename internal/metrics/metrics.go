// Package metrics provides Prometheus instrumentation for the resilience
// control plane. All metric collectors are registered on init via the Init
// function and exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by route, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by route and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilience_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// AdmissionInFlight tracks requests currently holding an admission permit.
	AdmissionInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_admission_inflight",
			Help: "Requests currently holding an admission permit",
		},
	)

	// AdmissionQueueDepth tracks requests admitted or waiting for a permit.
	AdmissionQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_admission_queue_depth",
			Help: "Requests admitted or waiting for an admission permit",
		},
	)

	// AdmissionRejected counts admission rejections by reason.
	AdmissionRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_admission_rejected_total",
			Help: "Total admission rejections",
		},
		[]string{"reason"},
	)

	// AdmissionTimeouts counts admission waits abandoned at their deadline.
	AdmissionTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resilience_admission_timeouts_total",
			Help: "Total admission waits that timed out before a permit freed",
		},
	)

	// BreakerState reports the current circuit state per provider
	// (0 = closed, 1 = open, 2 = half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	// BreakerTransitions counts circuit state transitions by provider and edge.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	// BreakerRejected counts calls rejected without invoking the operation.
	BreakerRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_breaker_rejected_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"provider"},
	)

	// RateLimitThrottled counts fixed-window denials by resource.
	RateLimitThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_ratelimit_throttled_total",
			Help: "Total rate limiter denials",
		},
		[]string{"resource"},
	)

	// ClientRateLimited counts per-client rejections at the edge by route.
	ClientRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_client_ratelimit_rejected_total",
			Help: "Total per-client rate limit rejections",
		},
		[]string{"route"},
	)

	// ShutdownInFlight tracks guards issued by the shutdown coordinator.
	ShutdownInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_shutdown_inflight",
			Help: "In-flight requests tracked by the shutdown coordinator",
		},
	)

	// Ready reports readiness (1 = accepting traffic, 0 = draining).
	Ready = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_ready",
			Help: "Whether the process is accepting new work (1) or draining (0)",
		},
	)

	// UpstreamErrors counts upstream error responses by route, upstream, and status.
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_upstream_errors_total",
			Help: "Total upstream error responses (5xx)",
		},
		[]string{"route", "upstream", "status"},
	)

	// UpstreamRetries counts retry attempts by route and upstream.
	UpstreamRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_upstream_retries_total",
			Help: "Total upstream retry attempts",
		},
		[]string{"route", "upstream"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// PanicsRecovered counts handler panics caught by the recovery middleware.
	PanicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resilience_panics_recovered_total",
			Help: "Total handler panics recovered",
		},
	)

	// ConfigReloads counts configuration reload attempts by outcome.
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_config_reloads_total",
			Help: "Total configuration reload attempts",
		},
		[]string{"outcome"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		AdmissionInFlight,
		AdmissionQueueDepth,
		AdmissionRejected,
		AdmissionTimeouts,
		BreakerState,
		BreakerTransitions,
		BreakerRejected,
		RateLimitThrottled,
		ClientRateLimited,
		ShutdownInFlight,
		Ready,
		UpstreamErrors,
		UpstreamRetries,
		AuthFailures,
		PanicsRecovered,
		ConfigReloads,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
