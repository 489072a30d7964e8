package modhost

import (
	"time"

	"github.com/GoCodeAlone/modhost/apiclient"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry, its event bus (unless
// one is supplied with WithEventBus) and the module API clients.
func WithLogger(logger Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventBus makes the registry publish on an existing bus.
func WithEventBus(bus *EventBus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithFactory registers the constructor Load uses for a module id.
func WithFactory(id string, factory Factory) Option {
	return func(r *Registry) {
		r.factories[id] = factory
	}
}

// WithFactories registers several constructors at once.
func WithFactories(factories map[string]Factory) Option {
	return func(r *Registry) {
		for id, f := range factories {
			r.factories[id] = f
		}
	}
}

// WithClientOptions adds options to every module API client the registry
// builds.
func WithClientOptions(opts ...apiclient.Option) Option {
	return func(r *Registry) {
		r.clientOpts = append(r.clientOpts, opts...)
	}
}

// WithCacheFactory gives each module API client its own cache engine,
// typically a RedisCache with a per-module key prefix.
func WithCacheFactory(fn func(moduleID string) apiclient.CacheEngine) Option {
	return func(r *Registry) {
		r.cacheFactory = fn
	}
}

// WithClock overrides time.Now for instance timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithHealthTimeout bounds each module's check during Health.
func WithHealthTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.healthTimeout = d
		}
	}
}
