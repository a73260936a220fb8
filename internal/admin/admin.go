// Package admin provides the operator API: runtime inspection of admission,
// breaker, and limiter state, plus manual breaker reset and drain trigger.
// All endpoints are protected by an IP allowlist and, when configured, JWT.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fraiseql/resilience-core/internal/admission"
	"github.com/fraiseql/resilience-core/internal/apierror"
	"github.com/fraiseql/resilience-core/internal/auth"
	"github.com/fraiseql/resilience-core/internal/breaker"
	"github.com/fraiseql/resilience-core/internal/config"
	"github.com/fraiseql/resilience-core/internal/ratelimit"
	"github.com/fraiseql/resilience-core/internal/shutdown"
)

// Handler provides the admin API endpoints.
type Handler struct {
	reloader  ConfigProvider
	coord     *shutdown.Coordinator
	admission *admission.Controller
	breakers  *breaker.Registry
	limiters  *ratelimit.Registry

	// drain is invoked by POST {prefix}/drain; the daemon wires it to the
	// same path as SIGTERM so the server exits once the drain completes.
	drain func()

	prefix      string
	allowedNets []*net.IPNet
	authCfg     config.AuthConfig
	logger      *slog.Logger
	started     time.Time
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). An empty allowlist denies everything.
func New(
	reloader ConfigProvider,
	coord *shutdown.Coordinator,
	ctrl *admission.Controller,
	breakers *breaker.Registry,
	limiters *ratelimit.Registry,
	drain func(),
	cfg config.AdminConfig,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(cfg.AllowedIPs))
	for _, cidr := range cfg.AllowedIPs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		coord:       coord,
		admission:   ctrl,
		breakers:    breakers,
		limiters:    limiters,
		drain:       drain,
		prefix:      cfg.PathPrefix,
		allowedNets: nets,
		authCfg:     cfg.Auth,
		logger:      logger,
		started:     time.Now(),
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	authn := auth.Middleware(h.authCfg, h.logger)
	handle := func(pattern, method string, fn http.HandlerFunc) {
		mux.Handle(pattern, h.guard(method, authn(fn)))
	}

	handle(h.prefix+"/status", http.MethodGet, h.statusHandler)
	handle(h.prefix+"/breakers", http.MethodGet, h.breakersHandler)
	handle(h.prefix+"/breakers/", http.MethodPost, h.resetHandler)
	handle(h.prefix+"/limiters", http.MethodGet, h.limitersHandler)
	handle(h.prefix+"/config", http.MethodGet, h.configHandler)
	handle(h.prefix+"/drain", http.MethodPost, h.drainHandler)
}

// guard wraps a handler with method and IP allowlist checking. Token
// validation runs after the allowlist so secrets are never evaluated for
// peers outside it.
func (h *Handler) guard(method string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed,
				apierror.MethodNotAllowed, "method not allowed")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden,
				apierror.AdminForbidden, "administrative access restricted")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"ready":          h.coord.Ready(),
		"shutting_down":  h.coord.ShuttingDown(),
		"in_flight":      h.coord.InFlight(),
		"admission":      h.admission.Snapshot(),
	})
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": h.breakers.Snapshots(),
	})
}

// resetHandler handles POST {prefix}/breakers/{name}/reset.
func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, h.prefix+"/breakers/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "reset" {
		apierror.WriteJSON(w, r, http.StatusNotFound,
			apierror.RouteNotFound, apierror.MsgRouteNotFound)
		return
	}
	name := parts[0]

	if err := h.breakers.Reset(name); err != nil {
		apierror.WriteJSON(w, r, http.StatusNotFound,
			apierror.RouteNotFound, err.Error())
		return
	}

	h.logger.Info("circuit breaker reset via admin API", "provider", name)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "reset",
		"name":   name,
	})
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"limiters": h.limiters.Snapshots(),
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Admin.Auth.JWTSecret != "" {
		redacted.Admin.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

// drainHandler kicks off the shutdown sequence without waiting for it.
// The drain callback signals the daemon's main loop, which runs the
// coordinator sequence and stops the server.
func (h *Handler) drainHandler(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("drain requested via admin API", "client_ip", extractIP(r.RemoteAddr))
	h.drain()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "draining",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
