package modhost

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost/apiclient"
	"golang.org/x/sync/singleflight"
)

// record is the mutable runtime state behind a ModuleInstance.
type record struct {
	config       ModuleConfig
	component    Component
	client       *apiclient.Client
	loaded       bool
	active       bool
	initialized  bool
	err          error
	loadedAt     time.Time
	lastActivity time.Time
}

func (rec *record) snapshot() ModuleInstance {
	return ModuleInstance{
		Config:        rec.config.Clone(),
		Component:     rec.component,
		Client:        rec.client,
		IsLoaded:      rec.loaded,
		IsActive:      rec.active,
		IsInitialized: rec.initialized,
		Error:         rec.err,
		LoadedAt:      rec.loadedAt,
		LastActivity:  rec.lastActivity,
	}
}

// Registry is the single source of truth for which modules exist, how they
// depend on each other and whether they are active.
//
// A Registry is safe for concurrent use. It never holds its lock while
// calling module hooks, factories or event listeners, so those may call
// back into the registry.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*record
	order   []string
	loading map[string]struct{}

	// initMu serializes Initialize so hooks run at most once per module.
	initMu sync.Mutex
	loads  singleflight.Group

	factories    map[string]Factory
	clientOpts   []apiclient.Option
	cacheFactory func(moduleID string) apiclient.CacheEngine
	bus          *EventBus
	logger       Logger
	now          func() time.Time

	healthTimeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		modules:   make(map[string]*record),
		loading:   make(map[string]struct{}),
		factories: make(map[string]Factory),
		logger:    nopLogger{},
		now:       time.Now,

		healthTimeout: DefaultHealthTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = NewEventBus(BusLogger(r.logger), BusClock(r.now))
	}
	return r
}

// Events returns the bus the registry publishes lifecycle events on.
func (r *Registry) Events() *EventBus {
	return r.bus
}

// Register adds a statically known module. The instance starts loaded but
// inactive. Dependencies that are not registered yet are only logged, since
// they may be registered later.
func (r *Registry) Register(ctx context.Context, cfg ModuleConfig, component Component) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if component == nil {
		return fmt.Errorf("%w: %s", ErrNoComponent, cfg.ID)
	}

	r.mu.RLock()
	_, exists := r.modules[cfg.ID]
	r.mu.RUnlock()
	if exists {
		return &DuplicateModuleError{ModuleID: cfg.ID}
	}

	client, err := r.buildClient(cfg)
	if err != nil {
		return fmt.Errorf("register module %s: %w", cfg.ID, err)
	}

	r.mu.Lock()
	if _, exists := r.modules[cfg.ID]; exists {
		r.mu.Unlock()
		return &DuplicateModuleError{ModuleID: cfg.ID}
	}
	now := r.now()
	r.modules[cfg.ID] = &record{
		config:       cfg.Clone(),
		component:    component,
		client:       client,
		loaded:       true,
		loadedAt:     now,
		lastActivity: now,
	}
	r.order = append(r.order, cfg.ID)
	missing := r.missingDependenciesLocked(cfg)
	r.mu.Unlock()

	for _, dep := range missing {
		r.logger.Warn("Module dependency not registered yet", "module", cfg.ID, "dependency", dep)
	}
	r.logger.Info("Module registered", "module", cfg.ID, "version", cfg.Version)
	r.bus.Emit(ctx, EventLoad, cfg.ID, map[string]any{"version": cfg.Version})
	return nil
}

// Unregister removes a module nobody depends on, running its cleanup hook
// first.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.RLock()
	rec, ok := r.modules[id]
	if !ok {
		r.mu.RUnlock()
		return &ModuleNotFoundError{ModuleID: id}
	}
	dependents := r.dependentsLocked(id)
	component := rec.component
	r.mu.RUnlock()

	if len(dependents) > 0 {
		return &DependentModulesExistError{ModuleID: id, Dependents: dependents}
	}

	r.cleanup(ctx, id, component)
	r.delete(id)

	r.logger.Info("Module unregistered", "module", id)
	r.bus.Emit(ctx, EventUnload, id, nil)
	return nil
}

// Unload deactivates a module without removing it; its state and cache
// survive. Unknown ids are logged and ignored.
func (r *Registry) Unload(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("Unload of unknown module", "module", id)
		return nil
	}
	rec.active = false
	rec.lastActivity = r.now()
	r.mu.Unlock()

	r.logger.Debug("Module deactivated", "module", id)
	r.bus.Emit(ctx, EventDeactivate, id, nil)
	return nil
}

// Remove unloads a module, runs its cleanup hook and deletes it.
// Unknown ids are logged and ignored.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if !r.Has(id) {
		r.logger.Warn("Remove of unknown module", "module", id)
		return nil
	}
	if err := r.Unload(ctx, id); err != nil {
		return err
	}

	r.mu.RLock()
	var component Component
	if rec, ok := r.modules[id]; ok {
		component = rec.component
	}
	r.mu.RUnlock()

	r.cleanup(ctx, id, component)
	r.delete(id)

	r.logger.Info("Module removed", "module", id)
	r.bus.Emit(ctx, EventUnload, id, nil)
	return nil
}

// UpdateConfig replaces the config of a registered module and reconfigures
// its API client in place.
func (r *Registry) UpdateConfig(ctx context.Context, cfg ModuleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	rec, ok := r.modules[cfg.ID]
	var client *apiclient.Client
	if ok {
		client = rec.client
	}
	r.mu.RUnlock()
	if !ok {
		return &ModuleNotFoundError{ModuleID: cfg.ID}
	}

	switch {
	case !cfg.HasEndpoints():
		client = nil
	case client == nil:
		c, err := r.buildClient(cfg)
		if err != nil {
			return fmt.Errorf("update module %s: %w", cfg.ID, err)
		}
		client = c
	default:
		partial := cfg.APIClientConfig()
		if partial.Fallback == nil {
			partial.Fallback = []string{}
		}
		if err := client.UpdateConfig(partial); err != nil {
			return fmt.Errorf("update module %s: %w", cfg.ID, err)
		}
		client.SetCacheEnabled(cfg.Features.CacheEnabled)
	}

	r.mu.Lock()
	rec, ok = r.modules[cfg.ID]
	if !ok {
		r.mu.Unlock()
		return &ModuleNotFoundError{ModuleID: cfg.ID}
	}
	diff := DiffConfigs(rec.config, cfg)
	rec.config = cfg.Clone()
	rec.client = client
	rec.lastActivity = r.now()
	missing := r.missingDependenciesLocked(cfg)
	r.mu.Unlock()

	for _, dep := range missing {
		r.logger.Warn("Module dependency not registered yet", "module", cfg.ID, "dependency", dep)
	}
	changed := diff.Fields()
	r.logger.Info("Module config updated", "module", cfg.ID, "version", cfg.Version, "changed", changed)
	r.bus.Emit(ctx, EventUpdate, cfg.ID, map[string]any{"version": cfg.Version, "changed": changed})
	return nil
}

// Refresh runs the module's Refresher hook with its API client.
// Modules that do not implement Refresher are left alone.
func (r *Registry) Refresh(ctx context.Context, id string) error {
	r.mu.RLock()
	rec, ok := r.modules[id]
	var (
		component Component
		client    *apiclient.Client
	)
	if ok {
		component, client = rec.component, rec.client
	}
	r.mu.RUnlock()
	if !ok {
		return &ModuleNotFoundError{ModuleID: id}
	}

	refresher, ok := component.(Refresher)
	if !ok {
		r.logger.Debug("Module does not implement Refresher, skipping", "module", id)
		return nil
	}
	if err := refresher.Refresh(ctx, client); err != nil {
		r.logger.Error("Module refresh failed", "module", id, "error", err)
		r.bus.Emit(ctx, EventError, id, map[string]any{"error": err.Error(), "phase": "refresh"})
		return fmt.Errorf("refresh module %s: %w", id, err)
	}

	r.touch(id)
	r.bus.Emit(ctx, EventUpdate, id, map[string]any{"refreshed": true})
	return nil
}

// Get returns a snapshot of the module. A failed Load leaves an error
// instance behind, which is returned with its stored Error rather than as a
// failure of Get.
func (r *Registry) Get(id string) (ModuleInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.modules[id]
	if !ok {
		return ModuleInstance{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of every module in registration order.
func (r *Registry) List() []ModuleInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleInstance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.modules[id].snapshot())
	}
	return out
}

// IDs returns the module ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Has reports whether a module with the id exists.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[id]
	return ok
}

// Dependencies returns the declared dependencies of a module.
func (r *Registry) Dependencies(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.modules[id]
	if !ok {
		return nil
	}
	return slices.Clone(rec.config.Dependencies)
}

// Dependents returns every module listing id as a dependency.
func (r *Registry) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dependentsLocked(id)
}

func (r *Registry) dependentsLocked(id string) []string {
	var out []string
	for _, other := range r.order {
		if slices.Contains(r.modules[other].config.Dependencies, id) {
			out = append(out, other)
		}
	}
	return out
}

func (r *Registry) missingDependenciesLocked(cfg ModuleConfig) []string {
	var missing []string
	for _, dep := range cfg.Dependencies {
		if _, ok := r.modules[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (r *Registry) buildClient(cfg ModuleConfig) (*apiclient.Client, error) {
	if !cfg.HasEndpoints() {
		return nil, nil
	}
	opts := []apiclient.Option{apiclient.WithLogger(r.logger), apiclient.WithClock(r.now)}
	if r.cacheFactory != nil {
		opts = append(opts, apiclient.WithCache(r.cacheFactory(cfg.ID)))
	}
	opts = append(opts, r.clientOpts...)
	client, err := apiclient.New(cfg.APIClientConfig(), opts...)
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}
	return client, nil
}

func (r *Registry) cleanup(ctx context.Context, id string, component Component) {
	cleaner, ok := component.(Cleaner)
	if !ok {
		return
	}
	if err := cleaner.Cleanup(ctx); err != nil {
		r.logger.Error("Module cleanup failed", "module", id, "error", err)
	}
}

func (r *Registry) delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, id)
	r.order = slices.DeleteFunc(r.order, func(other string) bool { return other == id })
}

func (r *Registry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.modules[id]; ok {
		rec.lastActivity = r.now()
	}
}
