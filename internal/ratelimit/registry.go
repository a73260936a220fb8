package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Presets are the budgets for known classes of external resources.
// Configuration may reference them by name instead of spelling out
// max_requests and window.
var presets = map[string]Config{
	"provider_standard": {MaxRequests: 100, Window: time.Minute},
	"provider_strict":   {MaxRequests: 50, Window: time.Minute},
	"provider_minimal":  {MaxRequests: 10, Window: time.Minute},
	"auth_probe":        {MaxRequests: 5, Window: time.Hour},
}

// Preset returns the named preset config.
func Preset(name string) (Config, bool) {
	cfg, ok := presets[name]
	return cfg, ok
}

// PresetNames returns the known preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds one limiter per resource name, created lazily on first
// use. Resources without an explicit config fall back to the default.
type Registry struct {
	mu       sync.RWMutex
	fallback Config
	configs  map[string]Config
	maxWait  time.Duration
	limiters map[string]*Limiter

	clock clockwork.Clock
}

// NewRegistry creates a registry. Resources not present in configs use the
// fallback budget; maxWait caps AcquireWait sleeps for every limiter.
func NewRegistry(fallback Config, configs map[string]Config, maxWait time.Duration, clock clockwork.Clock) *Registry {
	cp := make(map[string]Config, len(configs))
	for name, cfg := range configs {
		cp[name] = cfg
	}
	return &Registry{
		fallback: fallback,
		configs:  cp,
		maxWait:  maxWait,
		limiters: make(map[string]*Limiter),
		clock:    clock,
	}
}

// Get returns the limiter for the given resource, creating it on first use.
func (r *Registry) Get(name string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[name]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[name]; ok {
		return l
	}

	l = NewLimiter(name, r.configFor(name), r.maxWait, r.clock)
	r.limiters[name] = l
	return l
}

// configFor resolves the budget for a resource. Must be called with at
// least a read lock held.
func (r *Registry) configFor(name string) Config {
	if cfg, ok := r.configs[name]; ok {
		return cfg
	}
	return r.fallback
}

// Reconfigure replaces the budgets and re-applies them to every existing
// limiter. Used by config hot reload.
func (r *Registry) Reconfigure(fallback Config, configs map[string]Config, maxWait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fallback = fallback
	r.configs = make(map[string]Config, len(configs))
	for name, cfg := range configs {
		r.configs[name] = cfg
	}
	r.maxWait = maxWait
	for name, l := range r.limiters {
		l.Reconfigure(r.configFor(name), maxWait)
	}
}

// Snapshots returns a snapshot of every limiter, sorted by resource name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(limiters))
	for _, l := range limiters {
		snaps = append(snaps, l.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Resource < snaps[j].Resource })
	return snaps
}
