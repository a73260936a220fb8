package breaker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Registry holds one breaker per provider name, created lazily on first
// use. Per-provider config overrides take precedence over the defaults.
type Registry struct {
	mu        sync.RWMutex
	defaults  Config
	overrides map[string]Config
	breakers  map[string]*Breaker

	clock  clockwork.Clock
	logger *slog.Logger
}

// NewRegistry creates a registry with the given default config and
// per-provider overrides.
func NewRegistry(defaults Config, overrides map[string]Config, clock clockwork.Clock, logger *slog.Logger) *Registry {
	ov := make(map[string]Config, len(overrides))
	for name, cfg := range overrides {
		ov[name] = cfg
	}
	return &Registry{
		defaults:  defaults,
		overrides: ov,
		breakers:  make(map[string]*Breaker),
		clock:     clock,
		logger:    logger,
	}
}

// Get returns the breaker for the given provider, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check: another goroutine may have created it while we
	// upgraded the lock.
	if b, ok := r.breakers[name]; ok {
		return b
	}

	b = New(name, r.configFor(name), r.clock, r.logger)
	r.breakers[name] = b
	return b
}

// configFor resolves the config for a provider. Must be called with at
// least a read lock held.
func (r *Registry) configFor(name string) Config {
	if cfg, ok := r.overrides[name]; ok {
		return cfg
	}
	return r.defaults
}

// Reconfigure replaces the defaults and overrides and re-applies the
// resolved config to every existing breaker. Used by config hot reload.
func (r *Registry) Reconfigure(defaults Config, overrides map[string]Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults = defaults
	r.overrides = make(map[string]Config, len(overrides))
	for name, cfg := range overrides {
		r.overrides[name] = cfg
	}
	for name, b := range r.breakers {
		b.Reconfigure(r.configFor(name))
	}
}

// Reset forces the named breaker back to closed. It returns an error when
// no breaker exists for the name.
func (r *Registry) Reset(name string) error {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no circuit breaker for provider %q", name)
	}
	b.Reset()
	return nil
}

// Snapshots returns a snapshot of every breaker, sorted by provider name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}
