// Package apierror provides a centralized error response format for the
// resilience daemon. All components use WriteJSON to produce consistent,
// machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Error codes. These form a public API contract — clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	RouteNotFound         ErrorCode = "RESILIENCE_ROUTE_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "RESILIENCE_METHOD_NOT_ALLOWED"
	AdmissionRejected     ErrorCode = "RESILIENCE_ADMISSION_REJECTED"
	AdmissionTimeout      ErrorCode = "RESILIENCE_ADMISSION_TIMEOUT"
	ShuttingDown          ErrorCode = "RESILIENCE_SHUTTING_DOWN"
	CircuitOpen           ErrorCode = "RESILIENCE_CIRCUIT_OPEN"
	RateLimited           ErrorCode = "RESILIENCE_RATE_LIMITED"
	ClientRateLimited     ErrorCode = "RESILIENCE_CLIENT_RATE_LIMITED"
	UpstreamUnavailable   ErrorCode = "RESILIENCE_UPSTREAM_UNAVAILABLE"
	UpstreamTimeout       ErrorCode = "RESILIENCE_UPSTREAM_TIMEOUT"
	RequestCancelled      ErrorCode = "RESILIENCE_REQUEST_CANCELLED"
	AuthMissingToken      ErrorCode = "RESILIENCE_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "RESILIENCE_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "RESILIENCE_AUTH_INSUFFICIENT_SCOPE"
	AdminForbidden        ErrorCode = "RESILIENCE_ADMIN_FORBIDDEN"
	InternalError         ErrorCode = "RESILIENCE_INTERNAL_ERROR"
	BodyTooLarge          ErrorCode = "RESILIENCE_BODY_TOO_LARGE"
	DeadlineExceeded      ErrorCode = "RESILIENCE_DEADLINE_EXCEEDED"
)

// Canonical messages for the common rejection paths. Handlers that pass
// these exact strings hit the pre-serialized fast path in WriteJSON.
const (
	MsgRouteNotFound       = "no matching route"
	MsgAdmissionRejected   = "server at capacity, retry later"
	MsgAdmissionTimeout    = "timed out waiting for admission"
	MsgShuttingDown        = "server is shutting down"
	MsgCircuitOpen         = "circuit breaker open"
	MsgRateLimited         = "rate limit exceeded, retry later"
	MsgClientRateLimited   = "client rate limit exceeded, retry later"
	MsgUpstreamUnavailable = "upstream service unavailable"
	MsgRequestCancelled    = "request cancelled"
	MsgAuthMissingToken    = "missing or malformed Authorization header"
	MsgInternalError       = "internal server error"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every rejection in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preRouteNotFound       = mustMarshal(http.StatusNotFound, RouteNotFound, MsgRouteNotFound)
	preAdmissionRejected   = mustMarshal(http.StatusServiceUnavailable, AdmissionRejected, MsgAdmissionRejected)
	preAdmissionTimeout    = mustMarshal(http.StatusServiceUnavailable, AdmissionTimeout, MsgAdmissionTimeout)
	preShuttingDown        = mustMarshal(http.StatusServiceUnavailable, ShuttingDown, MsgShuttingDown)
	preCircuitOpen         = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, MsgCircuitOpen)
	preRateLimited         = mustMarshal(http.StatusTooManyRequests, RateLimited, MsgRateLimited)
	preClientRateLimited   = mustMarshal(http.StatusTooManyRequests, ClientRateLimited, MsgClientRateLimited)
	preUpstreamUnavailable = mustMarshal(http.StatusBadGateway, UpstreamUnavailable, MsgUpstreamUnavailable)
	preRequestCancelled    = mustMarshal(http.StatusGatewayTimeout, RequestCancelled, MsgRequestCancelled)
	preAuthMissingToken    = mustMarshal(http.StatusUnauthorized, AuthMissingToken, MsgAuthMissingToken)
	preInternalError       = mustMarshal(http.StatusInternalServerError, InternalError, MsgInternalError)
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-ID header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Fast path: use pre-serialized body for common errors when there is
	// no request ID to include (avoids allocation).
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// WriteRetryAfter writes a structured JSON error response plus a
// Retry-After header telling the client when the rejection is worth
// retrying. The header must be set before WriteJSON commits the status.
func WriteRetryAfter(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string, retryAfter time.Duration) {
	w.Header().Set("Retry-After", RetryAfterSeconds(retryAfter))
	WriteJSON(w, r, status, code, message)
}

// RetryAfterSeconds renders a duration as a whole-second Retry-After
// value. Fractions round up, and the floor is one second so clients
// never retry immediately.
func RetryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RouteNotFound && status == http.StatusNotFound && message == MsgRouteNotFound:
		return preRouteNotFound
	case code == AdmissionRejected && status == http.StatusServiceUnavailable && message == MsgAdmissionRejected:
		return preAdmissionRejected
	case code == AdmissionTimeout && status == http.StatusServiceUnavailable && message == MsgAdmissionTimeout:
		return preAdmissionTimeout
	case code == ShuttingDown && status == http.StatusServiceUnavailable && message == MsgShuttingDown:
		return preShuttingDown
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == MsgCircuitOpen:
		return preCircuitOpen
	case code == RateLimited && status == http.StatusTooManyRequests && message == MsgRateLimited:
		return preRateLimited
	case code == ClientRateLimited && status == http.StatusTooManyRequests && message == MsgClientRateLimited:
		return preClientRateLimited
	case code == UpstreamUnavailable && status == http.StatusBadGateway && message == MsgUpstreamUnavailable:
		return preUpstreamUnavailable
	case code == RequestCancelled && status == http.StatusGatewayTimeout && message == MsgRequestCancelled:
		return preRequestCancelled
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == MsgAuthMissingToken:
		return preAuthMissingToken
	case code == InternalError && status == http.StatusInternalServerError && message == MsgInternalError:
		return preInternalError
	}
	return nil
}
