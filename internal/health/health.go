// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fraiseql/resilience-core/internal/breaker"
	"github.com/fraiseql/resilience-core/internal/shutdown"
)

// Handler provides /healthz and /readyz endpoints.
type Handler struct {
	coord    *shutdown.Coordinator
	breakers *breaker.Registry
	logger   *slog.Logger
	started  time.Time
}

// New creates a health Handler. breakers may be nil when no circuit
// breakers are configured; readiness then omits the per-provider detail.
func New(coord *shutdown.Coordinator, breakers *breaker.Registry, logger *slog.Logger) *Handler {
	return &Handler{coord: coord, breakers: breakers, logger: logger, started: time.Now()}
}

// RegisterRoutes adds the probe routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.liveness)
	mux.HandleFunc("/readyz", h.readiness)
}

// liveness reports that the process is up. It stays 200 through shutdown;
// only readiness is withdrawn, so orchestrators drain instead of killing.
func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	body, _ := json.Marshal(map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// readiness reports whether the process should receive traffic. Shutdown is
// the only condition that fails readiness; an open circuit breaker degrades
// the reported status but keeps the instance in rotation, since other
// providers are still servable.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	httpStatus := http.StatusOK

	states := map[string]string{}
	if h.breakers != nil {
		for _, snap := range h.breakers.Snapshots() {
			states[snap.Name] = snap.State
			if snap.State == "open" {
				status = "degraded"
			}
		}
	}

	if !h.coord.Ready() {
		status = "shutting down"
		httpStatus = http.StatusServiceUnavailable
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":    status,
		"in_flight": h.coord.InFlight(),
		"breakers":  states,
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
