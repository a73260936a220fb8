// Package main is the entry point for resilienced. It loads configuration,
// builds the resilience core (shutdown coordinator, admission controller,
// breaker and limiter registries), assembles the middleware stack around the
// upstream router, and runs the HTTP server with graceful drain on
// SIGINT/SIGTERM and config reload on SIGHUP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fraiseql/resilience-core/internal/admin"
	"github.com/fraiseql/resilience-core/internal/admission"
	"github.com/fraiseql/resilience-core/internal/breaker"
	"github.com/fraiseql/resilience-core/internal/clientlimit"
	"github.com/fraiseql/resilience-core/internal/config"
	"github.com/fraiseql/resilience-core/internal/health"
	"github.com/fraiseql/resilience-core/internal/logging"
	"github.com/fraiseql/resilience-core/internal/metrics"
	"github.com/fraiseql/resilience-core/internal/middleware"
	"github.com/fraiseql/resilience-core/internal/ratelimit"
	"github.com/fraiseql/resilience-core/internal/routing"
	"github.com/fraiseql/resilience-core/internal/shutdown"
	"github.com/fraiseql/resilience-core/internal/tlsutil"
	"github.com/fraiseql/resilience-core/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/resilienced.yaml", "path to configuration file")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		for _, w := range cfg.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		fmt.Printf("configuration valid: %s\n", *configPath)
		return
	}

	logger, logLevel, logWriter, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup: %v\n", err)
		os.Exit(1)
	}
	if logWriter != nil {
		defer logWriter.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"listen_addr", cfg.Server.ListenAddr,
		"upstreams", len(cfg.Upstreams),
		"max_concurrent", cfg.Admission.MaxConcurrent,
		"max_queue_depth", cfg.Admission.MaxQueueDepth,
		"drain_timeout", cfg.Shutdown.DrainTimeout,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	clock := clockwork.NewRealClock()

	// The resilience core: shutdown coordinator, admission controller,
	// breaker registry, and per-resource rate limiter registry.
	coord := shutdown.NewCoordinator(shutdown.Config{
		DrainTimeout:     cfg.Shutdown.DrainTimeout,
		PreShutdownDelay: cfg.Shutdown.PreShutdownDelay,
	}, clock, logger)

	ctrl := admission.New(admission.Config{
		MaxConcurrent: cfg.Admission.MaxConcurrent,
		MaxQueueDepth: cfg.Admission.MaxQueueDepth,
	}, coord, clock)

	breakerDefaults, breakerOverrides := cfg.Breakers.Resolved()
	breakers := breaker.NewRegistry(breakerDefaults, breakerOverrides, clock, logger)

	// Fallback for resources looked up without a declared limit. Config
	// validation keeps upstream references declared, so this only guards
	// programmatic lookups.
	limitFallback := ratelimit.Config{MaxRequests: 100, Window: time.Second}
	limiters := ratelimit.NewRegistry(limitFallback, cfg.RateLimits.Resolved(), cfg.RateLimits.MaxWait, clock)

	router, err := upstream.New(cfg.Upstreams, breakers, limiters, logger)
	if err != nil {
		logger.Error("failed to build upstream router", "error", err)
		os.Exit(1)
	}

	var clientLimiter *clientlimit.Limiter
	if cfg.ClientRateLimit.Enabled {
		clientLimiter = clientlimit.New(cfg.ClientRateLimit, router.PathPrefixes(), logger)
		go func() {
			<-coord.StopChan()
			clientLimiter.Stop()
		}()
	}

	// Assemble middleware stack:
	// Recovery → RequestID → Logging → Headers → BodyLimit → Deadline →
	// ClientLimit → Admit → Router
	var handler http.Handler = router
	handler = middleware.Admit(coord, ctrl, cfg.Admission.AcquireTimeout)(handler)
	if clientLimiter != nil {
		handler = clientLimiter.Middleware()(handler)
	}
	if cfg.Server.RequestTimeout > 0 {
		handler = middleware.Deadline(cfg.Server.RequestTimeout)(handler)
	}
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Headers(middleware.DefaultHeadersConfig())(handler)
	handler = middleware.Logging(logger, &middleware.LoggingConfig{
		BodyLogging:     cfg.Logging.BodyLogging,
		MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
	})(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	reloader := config.NewReloader(*configPath, cfg, logger)

	// The admin drain endpoint and SIGTERM share one shutdown path.
	drainCh := make(chan struct{})
	var drainOnce sync.Once
	drain := func() { drainOnce.Do(func() { close(drainCh) }) }

	// Operational surface: health, metrics, and the admin API live on a
	// separate mux that bypasses admission so they stay reachable while
	// the server drains.
	opsMux := http.NewServeMux()
	health.New(coord, breakers, logger).RegisterRoutes(opsMux)

	if cfg.Metrics.IsEnabled() {
		opsMux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, coord, ctrl, breakers, limiters, drain, cfg.Admin, logger)
		adminHandler.RegisterRoutes(opsMux)
		logger.Info("admin API registered", "prefix", cfg.Admin.PathPrefix)
	}

	var opsHandler http.Handler = opsMux
	opsHandler = middleware.Logging(logger, &middleware.LoggingConfig{
		SkipPaths: []string{"/healthz", "/readyz", cfg.Metrics.Path},
	})(opsHandler)
	opsHandler = middleware.RequestID(opsHandler)
	opsHandler = middleware.Recovery(logger)(opsHandler)

	isOpsPath := opsPathMatcher(cfg)
	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpsPath(r.URL.Path) {
			opsHandler.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	// Breaker and limiter budgets and the log level follow the config file;
	// upstream routes and server sizing need a restart.
	reloader.OnReload(func(newCfg *config.Config) {
		defaults, overrides := newCfg.Breakers.Resolved()
		breakers.Reconfigure(defaults, overrides)
		limiters.Reconfigure(limitFallback, newCfg.RateLimits.Resolved(), newCfg.RateLimits.MaxWait)
		if clientLimiter != nil {
			clientLimiter.Reconfigure(newCfg.ClientRateLimit, router.PathPrefixes())
		}
		logLevel.Set(middleware.ParseLogLevel(newCfg.Logging.Level))
	})
	reloader.Start()
	defer reloader.Stop()

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("TLS setup failed", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()

		tlsCfg, err := tlsutil.ServerConfig(certLoader, cfg.Server.TLS.MinVersion)
		if err != nil {
			logger.Error("TLS setup failed", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = tlsCfg
	}

	go func() {
		var err error
		if cfg.Server.TLS.Enabled {
			logger.Info("starting resilienced", "addr", srv.Addr, "tls", true)
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("starting resilienced", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	if logWriter != nil {
		rotateCh := make(chan os.Signal, 1)
		signal.Notify(rotateCh, syscall.SIGUSR1)
		go func() {
			for range rotateCh {
				logger.Info("SIGUSR1 received, rotating log file")
				if err := logWriter.Rotate(); err != nil {
					logger.Error("log rotation failed", "error", err)
				}
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-drainCh:
		logger.Info("drain requested via admin API")
	}

	// Budget: readiness withdrawal delay plus the in-flight drain, with
	// headroom for the listener close.
	budget := cfg.Shutdown.PreShutdownDelay + cfg.Shutdown.DrainTimeout + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if err := coord.Shutdown(ctx); err != nil {
		logger.Error("drain incomplete, closing anyway", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("resilienced stopped gracefully")
}

// buildLogger constructs the process logger from config: JSON or text
// handlers, stdout or a size-rotated file. The returned LevelVar lets the
// reloader adjust verbosity at runtime; the writer is non-nil only for
// file output.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar, *logging.RotatingWriter, error) {
	var out io.Writer = os.Stdout
	var rw *logging.RotatingWriter
	if cfg.File != "" {
		var err error
		rw, err = logging.NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, nil, err
		}
		out = rw
	}

	level := new(slog.LevelVar)
	level.Set(middleware.ParseLogLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), level, rw, nil
}

// opsPathMatcher reports whether a path belongs to the operational surface
// (health, metrics, admin) that bypasses the admission-gated stack.
func opsPathMatcher(cfg *config.Config) func(string) bool {
	metricsEnabled := cfg.Metrics.IsEnabled()
	metricsPath := cfg.Metrics.Path
	adminEnabled := cfg.Admin.Enabled
	adminPrefix := cfg.Admin.PathPrefix

	return func(path string) bool {
		if path == "/healthz" || path == "/readyz" {
			return true
		}
		if metricsEnabled && path == metricsPath {
			return true
		}
		if adminEnabled && routing.MatchesPrefix(path, adminPrefix) {
			return true
		}
		return false
	}
}
