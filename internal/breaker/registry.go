package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type RegistryConfig struct {
	Defaults Settings
	// Services overrides non-zero fields of Defaults per service name.
	Services  map[string]Settings
	IsFailure func(error) bool
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// Registry owns one Breaker per external service. It is built once per
// process and passed to the components that make external calls.
type Registry struct {
	defaults  Settings
	services  map[string]Settings
	isFailure func(error) bool
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	services := make(map[string]Settings, len(cfg.Services))
	for name, settings := range cfg.Services {
		services[name] = settings
	}
	return &Registry{
		defaults:  cfg.Defaults,
		services:  services,
		isFailure: cfg.IsFailure,
		now:       cfg.Clock,
		logger:    cfg.Logger,
		breakers:  make(map[string]*Breaker),
	}
}

// Call runs fn through the named service's breaker.
func (r *Registry) Call(ctx context.Context, service string, fn func(context.Context) error) error {
	return r.breaker(service).Call(ctx, fn)
}

func (r *Registry) Snapshot(service string) Snapshot {
	return r.breaker(service).Snapshot()
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, r.Snapshot(name))
	}
	return out
}

func (r *Registry) breaker(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.breakers[service]; ok {
		return existing
	}
	created := newBreaker(service, r.settingsFor(service), r.now, r.isFailure, r.logTransition)
	r.breakers[service] = created
	return created
}

func (r *Registry) settingsFor(service string) Settings {
	settings := r.defaults
	override, ok := r.services[service]
	if !ok {
		return settings
	}
	if override.FailureThreshold > 0 {
		settings.FailureThreshold = override.FailureThreshold
	}
	if override.Window > 0 {
		settings.Window = override.Window
	}
	if override.Cooldown > 0 {
		settings.Cooldown = override.Cooldown
	}
	if override.Timeout > 0 {
		settings.Timeout = override.Timeout
	}
	return settings
}

func (r *Registry) logTransition(service string, from, to State) {
	event := r.logger.Info()
	if to == StateOpen {
		event = r.logger.Warn()
	}
	event.
		Str("service", service).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("circuit state changed")
}

// Execute is Call for functions that produce a value.
func Execute[T any](
	ctx context.Context,
	registry *Registry,
	service string,
	fn func(context.Context) (T, error),
) (T, error) {
	var result T
	err := registry.Call(ctx, service, func(callCtx context.Context) error {
		value, err := fn(callCtx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}
