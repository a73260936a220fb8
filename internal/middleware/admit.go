package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fraiseql/resilience-core/internal/admission"
	"github.com/fraiseql/resilience-core/internal/apierror"
	"github.com/fraiseql/resilience-core/internal/shutdown"
)

// Admit returns middleware that gates every request behind the shutdown
// coordinator and the admission controller. Requests arriving while the
// server is draining get 503 with Connection: close so clients re-resolve;
// requests that cannot get an admission slot within acquireTimeout get 503
// with Retry-After.
func Admit(coord *shutdown.Coordinator, ctrl *admission.Controller, acquireTimeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guard := coord.RequestStarted()
			if guard == nil {
				writeDraining(w, r)
				return
			}
			defer guard.Done()

			permit, err := ctrl.AcquireTimeout(r.Context(), acquireTimeout)
			if err != nil {
				writeAdmissionError(w, r, err)
				return
			}
			defer permit.Release()

			next.ServeHTTP(w, r)
		})
	}
}

func writeDraining(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.ShuttingDown, apierror.MsgShuttingDown)
}

func writeAdmissionError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *admission.RejectedError
	if errors.As(err, &rejected) {
		if rejected.Reason == admission.ReasonDraining {
			writeDraining(w, r)
			return
		}
		apierror.WriteRetryAfter(w, r, http.StatusServiceUnavailable, apierror.AdmissionRejected, apierror.MsgAdmissionRejected, time.Second)
		return
	}

	var timedOut *admission.TimeoutError
	if errors.As(err, &timedOut) {
		apierror.WriteRetryAfter(w, r, http.StatusServiceUnavailable, apierror.AdmissionTimeout, apierror.MsgAdmissionTimeout, time.Second)
		return
	}

	// Context errors mean the client gave up while queued; there is nobody
	// left to answer.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, apierror.MsgInternalError)
}
