package apierror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWriteJSON_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	WriteJSON(w, r, http.StatusNotFound, RouteNotFound, "no matching route")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "Not Found" {
		t.Errorf("error = %q, want %q", resp.Error, "Not Found")
	}
	if resp.ErrorCode != "RESILIENCE_ROUTE_NOT_FOUND" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "RESILIENCE_ROUTE_NOT_FOUND")
	}
	if resp.Message != "no matching route" {
		t.Errorf("message = %q, want %q", resp.Message, "no matching route")
	}
}

func TestWriteJSON_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "test-req-123")

	WriteJSON(w, r, http.StatusUnauthorized, AuthMissingToken, MsgAuthMissingToken)

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "test-req-123" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "test-req-123")
	}
	if resp.ErrorCode != "RESILIENCE_AUTH_MISSING_TOKEN" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "RESILIENCE_AUTH_MISSING_TOKEN")
	}
}

func TestWriteJSON_OmitsEmptyRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// No X-Request-ID header set

	WriteJSON(w, r, http.StatusTooManyRequests, RateLimited, MsgRateLimited)

	// The pre-serialized path should not include request_id at all.
	var raw map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, exists := raw["request_id"]; exists {
		t.Error("request_id should be omitted when empty")
	}
}

func TestWriteJSON_NilRequest(t *testing.T) {
	w := httptest.NewRecorder()

	WriteJSON(w, nil, http.StatusInternalServerError, InternalError, "an unexpected error occurred")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrorCode != "RESILIENCE_INTERNAL_ERROR" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "RESILIENCE_INTERNAL_ERROR")
	}
}

func TestWriteJSON_NonPreserializedPath(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "custom-id")

	// Custom message won't match any pre-serialized body.
	WriteJSON(w, r, http.StatusForbidden, AuthInsufficientScope, "missing required scope: resilience:admin")

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "Forbidden" {
		t.Errorf("error = %q, want %q", resp.Error, "Forbidden")
	}
	if resp.ErrorCode != "RESILIENCE_AUTH_INSUFFICIENT_SCOPE" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "RESILIENCE_AUTH_INSUFFICIENT_SCOPE")
	}
	if resp.Message != "missing required scope: resilience:admin" {
		t.Errorf("message = %q, want %q", resp.Message, "missing required scope: resilience:admin")
	}
	if resp.RequestID != "custom-id" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "custom-id")
	}
}

func TestWriteRetryAfter_SetsHeader(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/send", nil)

	WriteRetryAfter(w, r, http.StatusServiceUnavailable, CircuitOpen, MsgCircuitOpen, 17*time.Second)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if got := w.Header().Get("Retry-After"); got != "17" {
		t.Errorf("Retry-After = %q, want %q", got, "17")
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrorCode != "RESILIENCE_CIRCUIT_OPEN" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "RESILIENCE_CIRCUIT_OPEN")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"whole seconds", 30 * time.Second, "30"},
		{"rounds up", 1500 * time.Millisecond, "2"},
		{"sub-second floors to one", 20 * time.Millisecond, "1"},
		{"zero floors to one", 0, "1"},
		{"negative floors to one", -5 * time.Second, "1"},
		{"minutes", 2 * time.Minute, "120"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RetryAfterSeconds(tc.d); got != tc.want {
				t.Errorf("RetryAfterSeconds(%v) = %q, want %q", tc.d, got, tc.want)
			}
		})
	}
}

func TestAllErrorCodes(t *testing.T) {
	// Verify all error codes have the RESILIENCE_ prefix.
	codes := []ErrorCode{
		RouteNotFound, MethodNotAllowed, AdmissionRejected,
		AdmissionTimeout, ShuttingDown, CircuitOpen,
		RateLimited, ClientRateLimited, UpstreamUnavailable,
		UpstreamTimeout, RequestCancelled, AuthMissingToken,
		AuthInvalidToken, AuthInsufficientScope, AdminForbidden,
		InternalError, BodyTooLarge, DeadlineExceeded,
	}
	for _, code := range codes {
		if len(code) < 11 || code[:11] != "RESILIENCE_" {
			t.Errorf("code %q does not have RESILIENCE_ prefix", code)
		}
	}
	if len(codes) != 18 {
		t.Errorf("expected 18 error codes, got %d", len(codes))
	}
}

func TestPreSerializedMatchesEncoder(t *testing.T) {
	// The fast path must produce the same body as the slow path.
	w1 := httptest.NewRecorder()
	WriteJSON(w1, nil, http.StatusServiceUnavailable, ShuttingDown, MsgShuttingDown)

	w2 := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "force-slow-path")
	WriteJSON(w2, r, http.StatusServiceUnavailable, ShuttingDown, MsgShuttingDown)

	var fast, slow ErrorResponse
	if err := json.Unmarshal(w1.Body.Bytes(), &fast); err != nil {
		t.Fatalf("unmarshal fast path: %v", err)
	}
	if err := json.Unmarshal(w2.Body.Bytes(), &slow); err != nil {
		t.Fatalf("unmarshal slow path: %v", err)
	}
	if fast.Error != slow.Error || fast.ErrorCode != slow.ErrorCode || fast.Message != slow.Message {
		t.Errorf("fast path body %+v differs from slow path %+v", fast, slow)
	}
}
