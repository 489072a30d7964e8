package modhost

import (
	"context"
	"errors"
	"fmt"
)

// Load returns an active instance of the module.
//
// A loaded instance is activated (emitting activate if it was inactive).
// Anything else is constructed through the factory registered for id.
// Concurrent calls for one id share a single construction and observe the
// same outcome. A failed construction leaves an error instance behind that
// Get reports without failing; the next Load tries again.
//
// A caller whose ctx ends stops waiting. The shared construction is not
// cancelled, so other callers still receive its result.
func (r *Registry) Load(ctx context.Context, id string) (ModuleInstance, error) {
	if inst, ok, err := r.activate(ctx, id); ok {
		return inst, err
	}

	ch := r.loads.DoChan(id, func() (any, error) {
		return r.construct(context.WithoutCancel(ctx), id)
	})

	select {
	case <-ctx.Done():
		return ModuleInstance{}, ctx.Err()
	case res := <-ch:
		inst, _ := res.Val.(ModuleInstance)
		return inst, res.Err
	}
}

// Loading reports whether a construction for id is in flight.
func (r *Registry) Loading(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loading[id]
	return ok
}

// HasFactory reports whether Load can construct id through a factory.
func (r *Registry) HasFactory(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// activate handles ids that are already loaded. A module whose Init failed
// is not activated; the stored init error is returned until Initialize
// succeeds.
func (r *Registry) activate(ctx context.Context, id string) (ModuleInstance, bool, error) {
	r.mu.Lock()
	rec, ok := r.modules[id]
	if !ok || !rec.loaded {
		r.mu.Unlock()
		return ModuleInstance{}, false, nil
	}
	if rec.err != nil && !rec.initialized {
		inst, err := rec.snapshot(), rec.err
		r.mu.Unlock()
		return inst, true, fmt.Errorf("module '%s' failed to initialize: %w", id, err)
	}
	wasActive := rec.active
	rec.active = true
	rec.lastActivity = r.now()
	inst := rec.snapshot()
	r.mu.Unlock()

	if !wasActive {
		r.logger.Debug("Module activated", "module", id)
		r.bus.Emit(ctx, EventActivate, id, nil)
	}
	return inst, true, nil
}

func (r *Registry) construct(ctx context.Context, id string) (ModuleInstance, error) {
	// another caller may have finished between the fast path and DoChan
	if inst, ok, err := r.activate(ctx, id); ok {
		return inst, err
	}

	r.mu.Lock()
	r.loading[id] = struct{}{}
	factory := r.factories[id]
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.loading, id)
		r.mu.Unlock()
	}()

	r.logger.Debug("Constructing module", "module", id)
	cfg, component, err := r.resolve(ctx, id, factory)
	if err != nil {
		return r.failConstruction(ctx, id, cfg, err)
	}

	client, err := r.buildClient(cfg)
	if err != nil {
		return r.failConstruction(ctx, id, cfg, err)
	}

	now := r.now()
	rec := &record{
		config:       cfg.Clone(),
		component:    component,
		client:       client,
		loaded:       true,
		active:       true,
		loadedAt:     now,
		lastActivity: now,
	}

	r.mu.Lock()
	if _, exists := r.modules[id]; !exists {
		r.order = append(r.order, id)
	}
	r.modules[id] = rec
	missing := r.missingDependenciesLocked(cfg)
	inst := rec.snapshot()
	r.mu.Unlock()

	for _, dep := range missing {
		r.logger.Warn("Module dependency not registered yet", "module", id, "dependency", dep)
	}
	r.logger.Info("Module loaded", "module", id, "version", cfg.Version)
	r.bus.Emit(ctx, EventActivate, id, map[string]any{"version": cfg.Version})
	return inst, nil
}

// resolve runs the factory, turning panics into errors.
func (r *Registry) resolve(ctx context.Context, id string, factory Factory) (cfg ModuleConfig, component Component, err error) {
	cfg.ID = id
	if factory == nil {
		return cfg, nil, ErrNoFactory
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("factory panicked: %v", p)
		}
	}()

	cfg, component, err = factory(ctx)
	if cfg.ID == "" {
		cfg.ID = id
	}
	if err != nil {
		return cfg, nil, err
	}
	if cfg.ID != id {
		return cfg, nil, fmt.Errorf("factory returned config for %q", cfg.ID)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	if component == nil {
		return cfg, nil, ErrNoComponent
	}
	return cfg, component, nil
}

func (r *Registry) failConstruction(ctx context.Context, id string, cfg ModuleConfig, cause error) (ModuleInstance, error) {
	err := &ModuleConstructionError{ModuleID: id, Err: cause}
	// An error instance declares no dependencies, so it never blocks
	// Unregister of the modules it would have used.
	stored := ModuleConfig{ID: id}
	if cfg.ID == id {
		stored.Version = cfg.Version
	}

	r.mu.Lock()
	rec, exists := r.modules[id]
	if !exists {
		rec = &record{}
		r.modules[id] = rec
		r.order = append(r.order, id)
	}
	rec.config = stored
	rec.component = nil
	rec.client = nil
	rec.initialized = false
	rec.loaded = false
	rec.active = false
	rec.err = err
	rec.lastActivity = r.now()
	inst := rec.snapshot()
	r.mu.Unlock()

	r.logger.Error("Module construction failed", "module", id, "error", cause)
	r.bus.Emit(ctx, EventError, id, map[string]any{"error": err.Error(), "phase": "load"})
	return inst, err
}

// IsConstructionError reports whether err came from a failed Load.
func IsConstructionError(err error) bool {
	var cerr *ModuleConstructionError
	return errors.As(err, &cerr)
}
