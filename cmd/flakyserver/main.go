// Package main provides a deliberately unreliable backend for exercising
// resilienced. It echoes request details as JSON and injects failures on
// demand: a fixed failure rate, artificial latency, and a runtime health
// toggle for watching circuit breakers trip and recover.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flaky", "service name")
	failRate := flag.Float64("fail-rate", 0, "probability in [0,1] of responding 503")
	latency := flag.Duration("latency", 0, "artificial delay added to every response")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}
	if f := os.Getenv("FAIL_RATE"); f != "" {
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			*failRate = v
		}
	}
	if l := os.Getenv("LATENCY"); l != "" {
		if d, err := time.ParseDuration(l); err == nil {
			*latency = d
		}
	}

	var healthy atomic.Bool
	healthy.Store(true)

	withLatency := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if *latency > 0 {
				time.Sleep(*latency)
			}
			h(w, r)
		}
	}

	// /__status/{code} returns an arbitrary HTTP status code.
	// Useful for testing error handling, retries, and metrics.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", withLatency(func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	}))

	// /__health/up and /__health/down flip the server between healthy and
	// failing without restarting it. Marking it down trips breakers routed
	// through resilienced; marking it up lets the half-open probe recover.
	http.HandleFunc("/__health/", func(w http.ResponseWriter, r *http.Request) {
		state := strings.TrimPrefix(r.URL.Path, "/__health/")
		switch state {
		case "up":
			healthy.Store(true)
		case "down":
			healthy.Store(false)
		default:
			http.Error(w, "use /__health/up or /__health/down", http.StatusBadRequest)
			return
		}
		log.Printf("%s health set to %s", *name, state)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service": *name,
			"healthy": healthy.Load(),
		})
	})

	http.HandleFunc("/", withLatency(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"service": *name,
				"error":   "service marked down",
			})
			return
		}

		if *failRate > 0 && rand.Float64() < *failRate {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"service": *name,
				"error":   "injected failure",
			})
			return
		}

		resp := map[string]interface{}{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}))

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail-rate=%.2f, latency=%s)", *name, addr, *failRate, *latency)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
