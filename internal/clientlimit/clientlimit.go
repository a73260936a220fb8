// Package clientlimit provides per-client-IP token bucket limiting at the
// edge, in front of admission. It protects against a single misbehaving
// client exhausting the shared concurrency budget.
package clientlimit

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fraiseql/resilience-core/internal/apierror"
	"github.com/fraiseql/resilience-core/internal/config"
	"github.com/fraiseql/resilience-core/internal/metrics"
	"github.com/fraiseql/resilience-core/internal/routing"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks per-client token buckets and performs periodic cleanup of
// stale entries.
type Limiter struct {
	mu           sync.RWMutex
	clients      map[string]*client
	rate         rate.Limit
	burst        int
	skipPaths    []string
	routePrefix  []string
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
}

// New creates a Limiter from the client rate limit settings. routePrefixes
// are the configured upstream path prefixes, used only to label rejection
// metrics. trusted X-Forwarded-For handling follows cfg.TrustedProxies.
// A background goroutine evicts idle clients every minute until Stop.
func New(cfg config.ClientRateLimitConfig, routePrefixes []string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients:      make(map[string]*client),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.Burst,
		skipPaths:    cfg.SkipPaths,
		routePrefix:  routePrefixes,
		trustedCIDRs: parseCIDRs(cfg.TrustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// Reconfigure hot-reloads the limit settings. Existing per-client buckets
// are cleared so new limits take effect immediately.
func (l *Limiter) Reconfigure(cfg config.ClientRateLimitConfig, routePrefixes []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.Burst
	l.skipPaths = cfg.SkipPaths
	l.routePrefix = routePrefixes
	l.trustedCIDRs = parseCIDRs(cfg.TrustedProxies, l.logger)

	l.clients = make(map[string]*client)
}

// Middleware returns an HTTP middleware that enforces the per-client limit.
// Requests to a configured skip path pass through uncounted.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.skipped(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ip := l.clientIP(r)
			if !l.getLimiter(ip).Allow() {
				l.logger.Warn("client rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.ClientRateLimited.WithLabelValues(l.routeLabel(r.URL.Path)).Inc()
				apierror.WriteRetryAfter(w, r, http.StatusTooManyRequests,
					apierror.ClientRateLimited, apierror.MsgClientRateLimited, l.refillInterval())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) skipped(path string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.skipPaths {
		if routing.MatchesPrefix(path, p) {
			return true
		}
	}
	return false
}

// routeLabel returns the longest configured route prefix matching path, to
// keep the metric label bounded. Paths outside any route label as unknown.
func (l *Limiter) routeLabel(path string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	best := "unknown"
	bestLen := 0
	for _, prefix := range l.routePrefix {
		if routing.MatchesPrefix(path, prefix) && len(prefix) > bestLen {
			best = prefix
			bestLen = len(prefix)
		}
	}
	return best
}

// refillInterval is the time until one token is available again, used as
// the Retry-After hint.
func (l *Limiter) refillInterval() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.rate <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(l.rate))
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer (RemoteAddr) is in the trusted proxies list.
func (l *Limiter) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return first non-trusted IP
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

// isTrusted must be called with l.mu held.
func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
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

// getLimiter returns or creates the bucket for the given client IP. Uses
// RWMutex: read-lock for existing clients (common path), write-lock only
// for new insertions. rate.Limiter is internally goroutine-safe so Allow()
// does not need to be called under our lock.
func (l *Limiter) getLimiter(ip string) *rate.Limiter {
	// Fast path: read-lock for existing clients (the common case).
	l.mu.RLock()
	if c, exists := l.clients[ip]; exists {
		// Avoid time.Now() on every hit — only update lastSeen if stale.
		// The cleanup threshold is 3 minutes; refreshing once per minute
		// is sufficient to prevent eviction.
		if time.Since(c.lastSeen) > 1*time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	// Slow path: need write lock to insert new client.
	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if c, exists := l.clients[ip]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[ip] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for ip, c := range l.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
