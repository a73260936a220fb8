// Package config provides YAML configuration loading with validation and
// environment variable substitution for the resilience daemon.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fraiseql/resilience-core/internal/breaker"
	"github.com/fraiseql/resilience-core/internal/ratelimit"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server          ServerConfig          `yaml:"server" json:"server"`
	Logging         LoggingConfig         `yaml:"logging" json:"logging"`
	Metrics         MetricsConfig         `yaml:"metrics" json:"metrics"`
	Admission       AdmissionConfig       `yaml:"admission" json:"admission"`
	Shutdown        ShutdownConfig        `yaml:"shutdown" json:"shutdown"`
	Breakers        BreakersConfig        `yaml:"breakers" json:"breakers"`
	RateLimits      RateLimitsConfig      `yaml:"rate_limits" json:"rate_limits"`
	ClientRateLimit ClientRateLimitConfig `yaml:"client_rate_limit" json:"client_rate_limit"`
	Admin           AdminConfig           `yaml:"admin" json:"admin"`
	Upstreams       []UpstreamConfig      `yaml:"upstreams" json:"upstreams"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"` // 0 disables the per-request deadline
	MaxBodyBytes   int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	TLS            TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output and verbosity settings.
type LoggingConfig struct {
	Level           string `yaml:"level" json:"level"`                           // "debug", "info", "warn", "error"; default: "info"
	Format          string `yaml:"format" json:"format"`                         // "json" or "text"; default: "json"
	File            string `yaml:"file" json:"file"`                             // empty means stdout
	MaxSizeMB       int    `yaml:"max_size_mb" json:"max_size_mb"`               // max log file size before rotation; default: 100
	MaxBackups      int    `yaml:"max_backups" json:"max_backups"`               // number of rotated files to keep; default: 3
	MaxAgeDays      int    `yaml:"max_age_days" json:"max_age_days"`             // max days to retain rotated files; default: 30
	BodyLogging     bool   `yaml:"body_logging" json:"body_logging"`             // log request/response bodies; default: false
	MaxBodyLogBytes int    `yaml:"max_body_log_bytes" json:"max_body_log_bytes"` // max bytes of body to log; default: 4096
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// AdmissionConfig bounds concurrent request handling.
type AdmissionConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent" json:"max_concurrent"`
	MaxQueueDepth  int           `yaml:"max_queue_depth" json:"max_queue_depth"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
}

// ShutdownConfig controls the graceful shutdown sequence.
type ShutdownConfig struct {
	DrainTimeout     time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	PreShutdownDelay time.Duration `yaml:"pre_shutdown_delay" json:"pre_shutdown_delay"`
}

// BreakerSettings mirrors breaker.Config in YAML form. In a provider
// entry, zero-valued fields inherit from breakers.defaults.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	CallTimeout      time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// BreakersConfig holds circuit breaker defaults plus per-provider overrides.
type BreakersConfig struct {
	Defaults  BreakerSettings            `yaml:"defaults" json:"defaults"`
	Providers map[string]BreakerSettings `yaml:"providers" json:"providers,omitempty"`
}

// Resolved converts the YAML settings into breaker configs, filling
// zero-valued provider fields from the defaults.
func (b BreakersConfig) Resolved() (breaker.Config, map[string]breaker.Config) {
	defaults := breaker.Config{
		FailureThreshold: b.Defaults.FailureThreshold,
		ResetTimeout:     b.Defaults.ResetTimeout,
		SuccessThreshold: b.Defaults.SuccessThreshold,
		CallTimeout:      b.Defaults.CallTimeout,
	}
	overrides := make(map[string]breaker.Config, len(b.Providers))
	for name, p := range b.Providers {
		cfg := defaults
		if p.FailureThreshold > 0 {
			cfg.FailureThreshold = p.FailureThreshold
		}
		if p.ResetTimeout > 0 {
			cfg.ResetTimeout = p.ResetTimeout
		}
		if p.SuccessThreshold > 0 {
			cfg.SuccessThreshold = p.SuccessThreshold
		}
		if p.CallTimeout > 0 {
			cfg.CallTimeout = p.CallTimeout
		}
		overrides[name] = cfg
	}
	return defaults, overrides
}

// ResourceLimit configures the rate limit for one named resource.
// Either Preset or the explicit pair must be set, not both.
type ResourceLimit struct {
	Preset      string        `yaml:"preset" json:"preset,omitempty"`
	MaxRequests int           `yaml:"max_requests" json:"max_requests,omitempty"`
	Window      time.Duration `yaml:"window" json:"window,omitempty"`
}

// RateLimitsConfig holds per-resource fixed-window rate limits.
type RateLimitsConfig struct {
	MaxWait   time.Duration            `yaml:"max_wait" json:"max_wait"`
	Resources map[string]ResourceLimit `yaml:"resources" json:"resources,omitempty"`
}

// Resolved converts the resource entries into limiter configs. Preset
// names have already been checked by validate.
func (r RateLimitsConfig) Resolved() map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config, len(r.Resources))
	for name, res := range r.Resources {
		if res.Preset != "" {
			if cfg, ok := ratelimit.Preset(res.Preset); ok {
				out[name] = cfg
			}
			continue
		}
		out[name] = ratelimit.Config{MaxRequests: res.MaxRequests, Window: res.Window}
	}
	return out
}

// ClientRateLimitConfig holds the per-client edge rate limiter settings.
type ClientRateLimitConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64  `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int      `yaml:"burst" json:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies" json:"trusted_proxies,omitempty"`
	SkipPaths         []string `yaml:"skip_paths" json:"skip_paths,omitempty"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled    bool       `yaml:"enabled" json:"enabled"` // default: false
	PathPrefix string     `yaml:"path_prefix" json:"path_prefix"`
	AllowedIPs []string   `yaml:"allowed_ips" json:"allowed_ips"` // CIDR notation
	Auth       AuthConfig `yaml:"auth" json:"auth"`
}

// AuthConfig holds JWT authentication settings for the admin API.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"` // default: ["resilience:admin"]
}

// BreakerRef enables circuit breaking for an upstream. The YAML value is
// either a bool (true = dedicated breaker named after the upstream) or a
// string naming a breaker shared with other upstreams.
type BreakerRef struct {
	Enabled bool   `json:"enabled"`
	Name    string `json:"name,omitempty"`
}

// UnmarshalYAML accepts `breaker: true` and `breaker: email`.
func (b *BreakerRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Tag {
	case "!!bool":
		var v bool
		if err := node.Decode(&v); err != nil {
			return err
		}
		b.Enabled = v
		b.Name = ""
		return nil
	case "!!str":
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		b.Enabled = s != ""
		b.Name = s
		return nil
	}
	return fmt.Errorf("breaker must be a bool or a breaker name, got %s", node.Tag)
}

// UpstreamConfig defines a single proxied upstream.
type UpstreamConfig struct {
	Name          string            `yaml:"name" json:"name"`
	PathPrefix    string            `yaml:"path_prefix" json:"path_prefix"`
	URL           string            `yaml:"url" json:"url"`
	StripPrefix   bool              `yaml:"strip_prefix" json:"strip_prefix"`
	Methods       []string          `yaml:"methods" json:"methods,omitempty"`
	Breaker       BreakerRef        `yaml:"breaker" json:"breaker"`
	RateLimit     string            `yaml:"rate_limit" json:"rate_limit,omitempty"` // resource name from rate_limits.resources
	RetryAttempts int               `yaml:"retry_attempts" json:"retry_attempts"`
	Timeout       time.Duration     `yaml:"timeout" json:"timeout"`
	Headers       map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// BreakerName returns the breaker this upstream should use: the named
// shared breaker when configured, otherwise one dedicated to the upstream.
func (u UpstreamConfig) BreakerName() string {
	if u.Breaker.Name != "" {
		return u.Breaker.Name
	}
	return u.Name
}

var validLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	// TLS defaults
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.MaxBodyLogBytes == 0 {
		cfg.Logging.MaxBodyLogBytes = 4096
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Admission defaults
	if cfg.Admission.MaxConcurrent == 0 {
		cfg.Admission.MaxConcurrent = 64
	}
	if cfg.Admission.MaxQueueDepth == 0 {
		cfg.Admission.MaxQueueDepth = 2 * cfg.Admission.MaxConcurrent
	}
	if cfg.Admission.AcquireTimeout == 0 {
		cfg.Admission.AcquireTimeout = 5 * time.Second
	}

	// Shutdown defaults
	if cfg.Shutdown.DrainTimeout == 0 {
		cfg.Shutdown.DrainTimeout = 30 * time.Second
	}
	if cfg.Shutdown.PreShutdownDelay == 0 {
		cfg.Shutdown.PreShutdownDelay = 5 * time.Second
	}

	// Breaker defaults
	bd := &cfg.Breakers.Defaults
	if bd.FailureThreshold == 0 {
		bd.FailureThreshold = 5
	}
	if bd.ResetTimeout == 0 {
		bd.ResetTimeout = 30 * time.Second
	}
	if bd.SuccessThreshold == 0 {
		bd.SuccessThreshold = 2
	}
	if bd.CallTimeout == 0 {
		bd.CallTimeout = 30 * time.Second
	}

	if cfg.RateLimits.MaxWait == 0 {
		cfg.RateLimits.MaxWait = ratelimit.DefaultMaxWait
	}

	if cfg.ClientRateLimit.RequestsPerSecond == 0 {
		cfg.ClientRateLimit.RequestsPerSecond = 100
	}
	if cfg.ClientRateLimit.Burst == 0 {
		cfg.ClientRateLimit.Burst = 50
	}

	// Admin defaults
	if cfg.Admin.PathPrefix == "" {
		cfg.Admin.PathPrefix = "/admin"
	}
	if cfg.Admin.Auth.Enabled && len(cfg.Admin.Auth.Scopes) == 0 {
		cfg.Admin.Auth.Scopes = []string{"resilience:admin"}
	}

	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].Timeout == 0 {
			cfg.Upstreams[i].Timeout = 30 * time.Second
		}
		for j, m := range cfg.Upstreams[i].Methods {
			cfg.Upstreams[i].Methods[j] = strings.ToUpper(m)
		}
	}
}

func validate(cfg *Config) error {
	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		return fmt.Errorf("server.listen_addr: invalid address %q: %w", cfg.Server.ListenAddr, err)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must be non-negative")
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Logging validation
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", cfg.Logging.Format)
	}
	if cfg.Logging.File != "" && cfg.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
	}
	if cfg.Logging.BodyLogging && cfg.Logging.MaxBodyLogBytes < 1 {
		return fmt.Errorf("logging.max_body_log_bytes must be positive when body_logging is enabled")
	}

	// Admission validation
	if cfg.Admission.MaxConcurrent < 1 {
		return fmt.Errorf("admission.max_concurrent must be positive")
	}
	if cfg.Admission.MaxQueueDepth < cfg.Admission.MaxConcurrent {
		return fmt.Errorf("admission.max_queue_depth must be at least max_concurrent (the queue counts admitted requests too), got %d < %d",
			cfg.Admission.MaxQueueDepth, cfg.Admission.MaxConcurrent)
	}
	if cfg.Admission.AcquireTimeout <= 0 {
		return fmt.Errorf("admission.acquire_timeout must be positive")
	}

	// Shutdown validation
	if cfg.Shutdown.DrainTimeout <= 0 {
		return fmt.Errorf("shutdown.drain_timeout must be positive")
	}
	if cfg.Shutdown.PreShutdownDelay < 0 {
		return fmt.Errorf("shutdown.pre_shutdown_delay must be non-negative")
	}

	// Breaker validation
	bd := cfg.Breakers.Defaults
	if bd.FailureThreshold < 1 {
		return fmt.Errorf("breakers.defaults.failure_threshold must be positive")
	}
	if bd.ResetTimeout <= 0 {
		return fmt.Errorf("breakers.defaults.reset_timeout must be positive")
	}
	if bd.SuccessThreshold < 1 {
		return fmt.Errorf("breakers.defaults.success_threshold must be positive")
	}
	if bd.CallTimeout <= 0 {
		return fmt.Errorf("breakers.defaults.call_timeout must be positive")
	}
	for _, name := range sortedKeys(cfg.Breakers.Providers) {
		p := cfg.Breakers.Providers[name]
		if p.FailureThreshold < 0 || p.SuccessThreshold < 0 || p.ResetTimeout < 0 || p.CallTimeout < 0 {
			return fmt.Errorf("breakers.providers[%s]: fields must be non-negative (zero inherits the default)", name)
		}
	}

	// Rate limit validation
	if cfg.RateLimits.MaxWait <= 0 {
		return fmt.Errorf("rate_limits.max_wait must be positive")
	}
	for _, name := range sortedKeys(cfg.RateLimits.Resources) {
		res := cfg.RateLimits.Resources[name]
		if name == "" {
			return fmt.Errorf("rate_limits.resources: resource name must not be empty")
		}
		explicit := res.MaxRequests != 0 || res.Window != 0
		if res.Preset != "" && explicit {
			return fmt.Errorf("rate_limits.resources[%s]: preset and explicit limits are mutually exclusive", name)
		}
		if res.Preset != "" {
			if _, ok := ratelimit.Preset(res.Preset); !ok {
				return fmt.Errorf("rate_limits.resources[%s]: unknown preset %q (valid: %s)",
					name, res.Preset, strings.Join(ratelimit.PresetNames(), ", "))
			}
			continue
		}
		if res.MaxRequests < 1 {
			return fmt.Errorf("rate_limits.resources[%s]: max_requests must be positive", name)
		}
		if res.Window <= 0 {
			return fmt.Errorf("rate_limits.resources[%s]: window must be positive", name)
		}
	}

	// Client rate limit validation
	if cfg.ClientRateLimit.Enabled {
		if cfg.ClientRateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("client_rate_limit.requests_per_second must be positive")
		}
		if cfg.ClientRateLimit.Burst < 1 {
			return fmt.Errorf("client_rate_limit.burst must be positive")
		}
		for i, cidr := range cfg.ClientRateLimit.TrustedProxies {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("client_rate_limit.trusted_proxies[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if !strings.HasPrefix(cfg.Admin.PathPrefix, "/") {
			return fmt.Errorf("admin.path_prefix must start with /")
		}
		if len(cfg.Admin.AllowedIPs) == 0 {
			return fmt.Errorf("admin.allowed_ips is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.AllowedIPs {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.allowed_ips[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
		if cfg.Admin.Auth.Enabled {
			if cfg.Admin.Auth.JWTSecret == "" {
				return fmt.Errorf("admin.auth.jwt_secret is required when admin auth is enabled")
			}
			if cfg.Admin.Auth.Issuer == "" {
				return fmt.Errorf("admin.auth.issuer is required when admin auth is enabled")
			}
			if cfg.Admin.Auth.Audience == "" {
				return fmt.Errorf("admin.auth.audience is required when admin auth is enabled")
			}
		}
	}

	if len(cfg.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream must be configured")
	}

	seenNames := make(map[string]bool)
	seenPrefixes := make(map[string]bool)
	for i, u := range cfg.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("upstreams[%d].name is required", i)
		}
		if seenNames[u.Name] {
			return fmt.Errorf("duplicate upstream name: %s", u.Name)
		}
		seenNames[u.Name] = true

		if u.PathPrefix == "" {
			return fmt.Errorf("upstreams[%d].path_prefix is required", i)
		}
		if !strings.HasPrefix(u.PathPrefix, "/") {
			return fmt.Errorf("upstreams[%d].path_prefix must start with /", i)
		}
		if seenPrefixes[u.PathPrefix] {
			return fmt.Errorf("duplicate upstream path_prefix: %s", u.PathPrefix)
		}
		seenPrefixes[u.PathPrefix] = true

		if u.URL == "" {
			return fmt.Errorf("upstreams[%d].url is required", i)
		}
		parsed, err := url.Parse(u.URL)
		if err != nil {
			return fmt.Errorf("upstreams[%d].url: invalid URL: %w", i, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("upstreams[%d].url: scheme must be http or https, got %q", i, parsed.Scheme)
		}
		if parsed.Host == "" {
			return fmt.Errorf("upstreams[%d].url: host is required", i)
		}

		if u.RetryAttempts < 0 || u.RetryAttempts > 10 {
			return fmt.Errorf("upstreams[%d].retry_attempts must be between 0 and 10", i)
		}
		if u.Timeout <= 0 {
			return fmt.Errorf("upstreams[%d].timeout must be positive", i)
		}
		if u.RateLimit != "" {
			if _, ok := cfg.RateLimits.Resources[u.RateLimit]; !ok {
				return fmt.Errorf("upstreams[%d].rate_limit references undeclared resource %q", i, u.RateLimit)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Auth.Enabled && strings.Contains(cfg.Admin.Auth.JWTSecret, "${") {
		warnings = append(warnings, "admin.auth.jwt_secret contains unresolved environment variable")
	}

	referencedBreakers := make(map[string]bool)
	referencedResources := make(map[string]bool)
	for _, u := range cfg.Upstreams {
		if u.Breaker.Enabled {
			referencedBreakers[u.BreakerName()] = true
		}
		if u.RateLimit != "" {
			referencedResources[u.RateLimit] = true
		}
	}
	for _, name := range sortedKeys(cfg.Breakers.Providers) {
		if !referencedBreakers[name] {
			warnings = append(warnings, fmt.Sprintf("breakers.providers[%s] is not referenced by any upstream", name))
		}
	}
	for _, name := range sortedKeys(cfg.RateLimits.Resources) {
		if !referencedResources[name] {
			warnings = append(warnings, fmt.Sprintf("rate_limits.resources[%s] is not referenced by any upstream", name))
		}
	}
	return warnings
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
