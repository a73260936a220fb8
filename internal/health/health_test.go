package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fraiseql/resilience-core/internal/breaker"
	"github.com/fraiseql/resilience-core/internal/metrics"
	"github.com/fraiseql/resilience-core/internal/shutdown"
)

func init() {
	metrics.Init()
}

func newTestCoordinator() *shutdown.Coordinator {
	return shutdown.NewCoordinator(shutdown.Config{DrainTimeout: time.Second}, clockwork.NewRealClock(), slog.Default())
}

func TestLiveness_AlwaysReturns200(t *testing.T) {
	h := New(newTestCoordinator(), nil, slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Error("expected uptime_seconds in body")
	}
}

func TestLiveness_SurvivesShutdown(t *testing.T) {
	coord := newTestCoordinator()
	h := New(coord, nil, slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected liveness to stay 200 through shutdown, got %d", rec.Code)
	}
}

func TestReadiness_ReadyByDefault(t *testing.T) {
	h := New(newTestCoordinator(), nil, slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected ready, got %v", body["status"])
	}
}

func TestReadiness_ReportsInFlight(t *testing.T) {
	coord := newTestCoordinator()
	h := New(coord, nil, slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	g := coord.RequestStarted()
	defer g.Done()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["in_flight"] != float64(1) {
		t.Errorf("expected in_flight 1, got %v", body["in_flight"])
	}
}

func TestReadiness_ShutdownReturns503(t *testing.T) {
	coord := newTestCoordinator()
	h := New(coord, nil, slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	if err := coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "shutting down" {
		t.Errorf("expected 'shutting down', got %v", body["status"])
	}
}

func TestReadiness_OpenBreakerDegradesButStaysReady(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
	}, nil, clockwork.NewRealClock(), slog.Default())

	// Trip the payments breaker open.
	b := reg.Get("payments")
	if err := b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("provider down")
	}); err == nil {
		t.Fatal("expected the failing call to return its error")
	}

	h := New(newTestCoordinator(), reg, slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected open breaker to keep readiness 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "degraded" {
		t.Errorf("expected degraded, got %v", body["status"])
	}
	breakers, ok := body["breakers"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected breakers map, got %v", body["breakers"])
	}
	if breakers["payments"] != "open" {
		t.Errorf("expected payments breaker open, got %v", breakers["payments"])
	}
}

func TestReadiness_JSONContentType(t *testing.T) {
	h := New(newTestCoordinator(), nil, slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}
