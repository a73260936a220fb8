//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// --- Probes ---

func TestHealthEndpoint(t *testing.T) {
	resp, body, err := httpGet(daemonURL+"/healthz", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, `"status":"ok"`)
}

func TestReadyEndpoint(t *testing.T) {
	resp, body, err := httpGet(daemonURL+"/readyz", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, `"status":"ready"`)
}

// --- Routing ---

func TestRouting_NotFound(t *testing.T) {
	resp, body, err := httpGet(daemonURL+"/nonexistent/path", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 404)
	assertErrorCode(t, body, "RESILIENCE_ROUTE_NOT_FOUND")
}

func TestRouting_MethodNotAllowed(t *testing.T) {
	// /public only allows GET
	resp, body, err := httpDo("DELETE", daemonURL+"/public/test", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 405)
	assertErrorCode(t, body, "RESILIENCE_METHOD_NOT_ALLOWED")
}

func TestRouting_PathBoundary(t *testing.T) {
	// /api/usersextra must NOT match the /api/users prefix.
	resp, _, err := httpGet(daemonURL+"/api/usersextra/steal", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 404)
}

func TestRouting_PrefixStripping(t *testing.T) {
	resp, body, err := httpGet(daemonURL+"/api/users/mypath", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	// The backend should see the stripped path
	m := parseJSON(t, body)
	if path, ok := m["path"].(string); ok {
		if path != "/mypath" {
			t.Errorf("expected backend to see path /mypath, got %q", path)
		}
	} else {
		t.Error("expected 'path' field in backend response")
	}
}

func TestRouting_HeaderInjection(t *testing.T) {
	resp, body, err := httpGet(daemonURL+"/api/users/test", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	m := parseJSON(t, body)
	headers, ok := m["headers"].(map[string]interface{})
	if !ok {
		t.Fatal("expected 'headers' map in backend response")
	}
	xSource, _ := headers["X-Source"].(string)
	if xSource != "resilienced" {
		t.Errorf("expected X-Source=resilienced in backend headers, got %q", xSource)
	}
}

// --- Rate Limiting ---

func TestRateLimiting_WindowExhaustion(t *testing.T) {
	// The orders resource allows 5 requests per second and the acquire
	// cap is 50ms, so requests beyond the budget fail fast with 429.
	got200 := 0
	got429 := 0
	total := 15

	for i := 0; i < total; i++ {
		resp, body, err := httpGet(daemonURL+"/api/orders/item", nil)
		if err != nil {
			t.Fatal(err)
		}
		switch resp.StatusCode {
		case http.StatusOK:
			got200++
		case http.StatusTooManyRequests:
			got429++
			assertErrorCode(t, body, "RESILIENCE_RATE_LIMITED")
			if resp.Header.Get("Retry-After") == "" {
				t.Error("expected Retry-After header on 429")
			}
		default:
			t.Errorf("unexpected status %d", resp.StatusCode)
		}
	}

	if got200 < 5 {
		t.Errorf("expected at least 5 requests inside the window budget, got %d", got200)
	}
	if got429 == 0 {
		t.Error("expected at least one 429 after exhausting the window")
	}
	t.Logf("%d passed, %d rate-limited out of %d", got200, got429, total)
}

// --- Retries ---

func TestRetry_UpstreamStatusPassthrough(t *testing.T) {
	// Let the orders window refill so later tests start clean.
	time.Sleep(1100 * time.Millisecond)

	// /__status/502 makes the backend answer 502 on every attempt. With
	// retry_attempts=1 the daemon retries once and then surfaces the
	// backend's own status.
	resp, _, err := httpGet(daemonURL+"/api/users/__status/502", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 502 {
		t.Errorf("expected 502 after retries exhausted, got %d", resp.StatusCode)
	}

	// A healthy follow-up succeeds and clears the failure streak, so the
	// two failed attempts above never trip the users breaker.
	resp2, _, err := httpGet(daemonURL+"/api/users/after", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp2, 200)
}

// --- Circuit Breaker ---

func TestCircuitBreaker_TripAndRecover(t *testing.T) {
	setBackendHealth(t, false)
	defer setBackendHealth(t, true)

	// failure_threshold=3 and the flaky route has no retries, so three
	// failing requests trip the breaker.
	for i := 0; i < 3; i++ {
		resp, _, err := httpGet(daemonURL+"/api/flaky/item", nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != 503 {
			t.Fatalf("request %d: expected 503 from failing backend, got %d", i, resp.StatusCode)
		}
	}

	// The next request is rejected without reaching the backend.
	resp, body, err := httpGet(daemonURL+"/api/flaky/item", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 503)
	assertErrorCode(t, body, "RESILIENCE_CIRCUIT_OPEN")
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header on circuit rejection")
	}

	if state := breakerState(t, "flaky"); state != "open" {
		t.Errorf("expected flaky breaker open, got %q", state)
	}

	// Heal the backend and wait past reset_timeout; the half-open probe
	// should succeed and close the breaker.
	setBackendHealth(t, true)
	time.Sleep(2500 * time.Millisecond)

	resp2, _, err := httpGet(daemonURL+"/api/flaky/item", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp2, 200)

	if state := breakerState(t, "flaky"); state != "closed" {
		t.Errorf("expected flaky breaker closed after recovery, got %q", state)
	}
}

func breakerState(t *testing.T, name string) string {
	t.Helper()
	_, body, err := httpGet(daemonURL+"/admin/breakers", authHeader(adminToken()))
	if err != nil {
		t.Fatal(err)
	}
	var result struct {
		Breakers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"breakers"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse /admin/breakers: %v\nbody: %s", err, string(body))
	}
	for _, b := range result.Breakers {
		if b.Name == name {
			return b.State
		}
	}
	t.Fatalf("breaker %q not found in %s", name, string(body))
	return ""
}

// --- Metrics ---

func TestMetricsEndpoint(t *testing.T) {
	resp, body, err := httpGet(daemonURL+"/metrics", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, "resilience_requests_total")
	assertBodyContains(t, body, "resilience_request_duration_seconds")
	assertBodyContains(t, body, "resilience_breaker_state")
}

// --- Admin API ---

func TestAdmin_RequiresToken(t *testing.T) {
	resp, body, err := httpGet(daemonURL+"/admin/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 401)
	assertErrorCode(t, body, "RESILIENCE_AUTH_MISSING_TOKEN")
}

func TestAdmin_InsufficientScope(t *testing.T) {
	token := generateJWT("operator", "read write", time.Hour)
	resp, body, err := httpGet(daemonURL+"/admin/status", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 403)
	assertErrorCode(t, body, "RESILIENCE_AUTH_INSUFFICIENT_SCOPE")
}

func TestAdmin_ExpiredToken(t *testing.T) {
	token := generateJWT("operator", "resilience:admin", -time.Hour)
	resp, body, err := httpGet(daemonURL+"/admin/status", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 401)
	assertErrorCode(t, body, "RESILIENCE_AUTH_INVALID_TOKEN")
}

func TestAdmin_Status(t *testing.T) {
	resp, body, err := httpGet(daemonURL+"/admin/status", authHeader(adminToken()))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	m := parseJSON(t, body)
	if ready, ok := m["ready"].(bool); !ok || !ready {
		t.Errorf("expected ready=true in admin status, got %v", m["ready"])
	}
	if _, ok := m["admission"]; !ok {
		t.Error("expected 'admission' snapshot in admin status")
	}
}

func TestAdmin_Limiters(t *testing.T) {
	resp, body, err := httpGet(daemonURL+"/admin/limiters", authHeader(adminToken()))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	m := parseJSON(t, body)
	if _, ok := m["limiters"]; !ok {
		t.Error("expected 'limiters' field in /admin/limiters response")
	}
}

func TestAdmin_ConfigRedacted(t *testing.T) {
	resp, body, err := httpGet(daemonURL+"/admin/config", authHeader(adminToken()))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, `"***"`)
	if strings.Contains(string(body), jwtSecret) {
		t.Error("admin config response leaked the JWT secret")
	}
}

func TestAdmin_BreakerReset(t *testing.T) {
	resp, body, err := httpDo("POST", daemonURL+"/admin/breakers/users/reset", nil,
		authHeader(adminToken()))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, `"status":"reset"`)
}

func TestAdmin_ResetUnknownBreaker(t *testing.T) {
	resp, _, err := httpDo("POST", daemonURL+"/admin/breakers/nosuch/reset", nil,
		authHeader(adminToken()))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 404)
}

// --- Response Headers ---

func TestSecurityHeaders(t *testing.T) {
	resp, _, err := httpGet(daemonURL+"/public/hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertHeader(t, resp, "X-Content-Type-Options", "nosniff")
	assertHeader(t, resp, "X-Frame-Options", "DENY")
	assertHeader(t, resp, "X-Xss-Protection", "0")
}

func TestRequestID_Generated(t *testing.T) {
	resp, _, err := httpGet(daemonURL+"/public/hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	id := resp.Header.Get("X-Request-ID")
	if id == "" {
		t.Error("expected X-Request-ID header to be auto-generated")
	}
	// Basic UUID format check: 8-4-4-4-12 (36 chars with dashes)
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Errorf("X-Request-ID %q doesn't look like a UUID", id)
	}
}

func TestRequestID_Preserved(t *testing.T) {
	customID := "custom-request-id-12345"
	resp, _, err := httpGet(daemonURL+"/public/hello", map[string]string{
		"X-Request-ID": customID,
	})
	if err != nil {
		t.Fatal(err)
	}
	assertHeader(t, resp, "X-Request-ID", customID)
}

// --- Error Response Consistency ---

func TestErrorResponseFormat(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		method     string
		headers    map[string]string
		wantStatus int
	}{
		{"404 not found", daemonURL + "/nonexistent", "GET", nil, 404},
		{"405 method not allowed", daemonURL + "/public/test", "DELETE", nil, 405},
		{"401 missing admin token", daemonURL + "/admin/status", "GET", nil, 401},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body, err := httpDo(tt.method, tt.url, nil, tt.headers)
			if err != nil {
				t.Fatal(err)
			}
			assertStatusCode(t, resp, tt.wantStatus)

			var m map[string]interface{}
			if err := json.Unmarshal(body, &m); err != nil {
				t.Fatalf("error response not valid JSON: %v", err)
			}
			for _, field := range []string{"error", "error_code", "message"} {
				if _, ok := m[field]; !ok {
					t.Errorf("missing field %q in error response: %s", field, string(body))
				}
			}
		})
	}
}

func TestErrorResponse_IncludesRequestID(t *testing.T) {
	customID := "trace-error-test-id"
	resp, body, err := httpGet(daemonURL+"/nonexistent", map[string]string{
		"X-Request-ID": customID,
	})
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 404)

	m := parseJSON(t, body)
	requestID, ok := m["request_id"].(string)
	if !ok || requestID != customID {
		t.Errorf("expected request_id %q in error response, got: %s", customID, string(body))
	}
}

// --- Admission ---

// TestAdmissionCeiling runs a daemon with two permits and one slot of
// waiting room in front of a slow backend. A parallel burst larger than
// the budget must come back as exactly two 200s plus admission
// rejections, never hung requests.
func TestAdmissionCeiling(t *testing.T) {
	slowBackend, err := startProcess(backendBin, "admission-backend.log",
		"-port", "3380", "-name", "admission-integration", "-latency", "800ms")
	if err != nil {
		t.Fatal(err)
	}
	defer stopProcess(slowBackend)

	cfg := `
server:
  listen_addr: "127.0.0.1:8480"
admission:
  max_concurrent: 2
  max_queue_depth: 3
  acquire_timeout: 100ms
logging:
  level: info
upstreams:
  - name: slow
    path_prefix: /api/slow
    url: http://127.0.0.1:3380
    strip_prefix: true
    timeout: 3s
`
	cfgPath := filepath.Join(binDir, "admission.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	cmd, err := startProcess(daemonBin, "admission-daemon.log", "-config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	defer stopProcess(cmd)
	base := "http://127.0.0.1:8480"
	if err := waitForReady(base+"/healthz", 15*time.Second); err != nil {
		dumpLog("admission-daemon.log")
		t.Fatal(err)
	}

	type outcome struct {
		status int
		code   string
		err    error
	}
	total := 8
	results := make(chan outcome, total)
	for i := 0; i < total; i++ {
		go func() {
			resp, body, err := httpGet(base+"/api/slow/burst", nil)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			var m map[string]interface{}
			code := ""
			if json.Unmarshal(body, &m) == nil {
				code, _ = m["error_code"].(string)
			}
			results <- outcome{status: resp.StatusCode, code: code}
		}()
	}

	got200 := 0
	gotRejected := 0
	for i := 0; i < total; i++ {
		res := <-results
		if res.err != nil {
			t.Errorf("request error: %v", res.err)
			continue
		}
		switch res.status {
		case 200:
			got200++
		case 503:
			gotRejected++
			if res.code != "RESILIENCE_ADMISSION_REJECTED" && res.code != "RESILIENCE_ADMISSION_TIMEOUT" {
				t.Errorf("unexpected 503 code %q", res.code)
			}
		default:
			t.Errorf("unexpected status %d (code %q)", res.status, res.code)
		}
	}

	// Two permits, and the 800ms backend latency means no permit frees up
	// while the burst is being admitted.
	if got200 != 2 {
		t.Errorf("expected exactly 2 requests through the ceiling, got %d", got200)
	}
	if gotRejected != total-got200 {
		t.Errorf("expected %d admission rejections, got %d", total-got200, gotRejected)
	}
}

// --- Graceful Shutdown ---

// TestGracefulShutdown runs a dedicated daemon in front of a slow backend,
// sends SIGTERM while a request is in flight, and verifies the sequence:
// readiness drops first, new work is refused, the in-flight request still
// completes, and the process exits cleanly.
func TestGracefulShutdown(t *testing.T) {
	slowBackend, err := startProcess(backendBin, "slow-backend.log",
		"-port", "3280", "-name", "slow-integration", "-latency", "800ms")
	if err != nil {
		t.Fatal(err)
	}
	defer stopProcess(slowBackend)

	cfg := `
server:
  listen_addr: "127.0.0.1:8280"
shutdown:
  drain_timeout: 5s
  pre_shutdown_delay: 200ms
logging:
  level: info
upstreams:
  - name: slow
    path_prefix: /api/slow
    url: http://127.0.0.1:3280
    strip_prefix: true
    timeout: 3s
`
	cfgPath := filepath.Join(binDir, "shutdown.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	cmd, err := startProcess(daemonBin, "shutdown-daemon.log", "-config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	base := "http://127.0.0.1:8280"
	if err := waitForReady(base+"/healthz", 15*time.Second); err != nil {
		cmd.Process.Kill()
		dumpLog("shutdown-daemon.log")
		t.Fatal(err)
	}

	// Put a slow request in flight, then signal shutdown while it runs.
	type result struct {
		status int
		err    error
	}
	inflight := make(chan result, 1)
	go func() {
		resp, _, err := httpGet(base+"/api/slow/echo", nil)
		if err != nil {
			inflight <- result{err: err}
			return
		}
		inflight <- result{status: resp.StatusCode}
	}()

	time.Sleep(150 * time.Millisecond)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}

	// Readiness is withdrawn immediately, while the listener stays up
	// through the pre-shutdown delay.
	time.Sleep(50 * time.Millisecond)
	resp, body, err := httpGet(base+"/readyz", nil)
	if err != nil {
		t.Fatalf("readyz during drain: %v", err)
	}
	assertStatusCode(t, resp, 503)
	assertBodyContains(t, body, "shutting down")

	// After the stop broadcast, new requests are refused while the
	// in-flight one keeps draining.
	time.Sleep(300 * time.Millisecond)
	resp2, body2, err := httpGet(base+"/api/slow/late", nil)
	if err == nil {
		assertStatusCode(t, resp2, 503)
		assertErrorCode(t, body2, "RESILIENCE_SHUTTING_DOWN")
	}

	select {
	case res := <-inflight:
		if res.err != nil {
			t.Errorf("in-flight request failed during drain: %v", res.err)
		} else if res.status != 200 {
			t.Errorf("in-flight request got %d, want 200", res.status)
		}
	case <-time.After(5 * time.Second):
		t.Error("in-flight request did not complete during drain")
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			dumpLog("shutdown-daemon.log")
			t.Errorf("daemon exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		t.Error("daemon did not exit after SIGTERM")
	}
}

// TestAdminDrain verifies that POST /admin/drain runs the same shutdown
// sequence as SIGTERM and the process exits on its own.
func TestAdminDrain(t *testing.T) {
	cfg := fmt.Sprintf(`
server:
  listen_addr: "127.0.0.1:8380"
shutdown:
  drain_timeout: 5s
  pre_shutdown_delay: 500ms
logging:
  level: info
admin:
  enabled: true
  path_prefix: /admin
  allowed_ips: ["127.0.0.1/32", "::1/128"]
  auth:
    enabled: true
    jwt_secret: "%s"
    issuer: "%s"
    audience: "%s"
upstreams:
  - name: users
    path_prefix: /api/users
    url: %s
    strip_prefix: true
    timeout: 2s
`, jwtSecret, jwtIssuer, jwtAud, backendURL)
	cfgPath := filepath.Join(binDir, "drain.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	cmd, err := startProcess(daemonBin, "drain-daemon.log", "-config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	base := "http://127.0.0.1:8380"
	if err := waitForReady(base+"/healthz", 15*time.Second); err != nil {
		cmd.Process.Kill()
		dumpLog("drain-daemon.log")
		t.Fatal(err)
	}

	resp, body, err := httpDo("POST", base+"/admin/drain", nil, authHeader(adminToken()))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 202)
	assertBodyContains(t, body, `"status":"draining"`)

	// Inside the pre-shutdown delay the listener is still up but
	// readiness is already withdrawn.
	resp2, _, err := httpGet(base+"/readyz", nil)
	if err == nil {
		assertStatusCode(t, resp2, 503)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			dumpLog("drain-daemon.log")
			t.Errorf("daemon exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		t.Error("daemon did not exit after drain request")
	}
}
