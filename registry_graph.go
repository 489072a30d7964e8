package modhost

import (
	"context"
	"fmt"
	"slices"
)

// Initialize initializes a module after all of its not yet initialized
// dependencies, depth first. It is a no-op for an initialized module.
//
// The whole order is computed before any hook runs, so a dependency cycle
// reachable from id fails with a *CircularDependencyError without invoking
// any Initializer.
func (r *Registry) Initialize(ctx context.Context, id string, ictx InitContext) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.RLock()
	order, err := r.initOrderLocked(id)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return nil
	}
	r.logger.Debug("Module initialization order", "module", id, "order", order)

	for _, mid := range order {
		if err := r.initOne(ctx, mid, ictx); err != nil {
			return err
		}
	}
	return nil
}

// InitializeAll initializes every registered module in registration order.
// Error instances left by a failed Load are skipped and keep their error.
func (r *Registry) InitializeAll(ctx context.Context, ictx InitContext) error {
	for _, id := range r.IDs() {
		r.mu.RLock()
		rec, ok := r.modules[id]
		skip := !ok || !rec.loaded
		r.mu.RUnlock()
		if skip {
			continue
		}
		if err := r.Initialize(ctx, id, ictx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) initOne(ctx context.Context, id string, ictx InitContext) error {
	r.mu.RLock()
	rec, ok := r.modules[id]
	if !ok {
		r.mu.RUnlock()
		return &ModuleNotFoundError{ModuleID: id}
	}
	if rec.initialized {
		r.mu.RUnlock()
		return nil
	}
	if !rec.loaded {
		err := notLoaded(id, rec.err)
		r.mu.RUnlock()
		return err
	}
	component, client := rec.component, rec.client
	r.mu.RUnlock()

	if initializer, ok := component.(Initializer); ok {
		ictx.Registry = r
		ictx.Client = client
		if err := initializer.Init(ctx, ictx); err != nil {
			r.setError(id, err)
			r.logger.Error("Module initialization failed", "module", id, "error", err)
			r.bus.Emit(ctx, EventError, id, map[string]any{"error": err.Error(), "phase": "init"})
			return fmt.Errorf("failed to initialize module '%s': %w", id, err)
		}
	}

	r.mu.Lock()
	if rec, ok := r.modules[id]; ok && rec.loaded {
		rec.initialized = true
		rec.err = nil
		rec.lastActivity = r.now()
	}
	r.mu.Unlock()

	r.logger.Info("Module initialized", "module", id)
	return nil
}

// notLoaded reports an error instance met during initialization. The
// stored construction error is returned as is so errors.Is still matches.
func notLoaded(id string, stored error) error {
	if stored != nil {
		return fmt.Errorf("module '%s' is not loaded: %w", id, stored)
	}
	return fmt.Errorf("%w: %s is not loaded", ErrModuleNotFound, id)
}

// initOrderLocked returns the post-order of id and its uninitialized
// dependencies, using a visiting set and a visited set.
func (r *Registry) initOrderLocked(id string) ([]string, error) {
	if _, ok := r.modules[id]; !ok {
		return nil, &ModuleNotFoundError{ModuleID: id}
	}

	var (
		result  []string
		stack   []string
		visited = make(map[string]bool)
		temp    = make(map[string]bool)
	)

	var visit func(string) error
	visit = func(node string) error {
		if temp[node] {
			return &CircularDependencyError{ModuleID: node, Path: cyclePath(stack, node)}
		}
		if visited[node] {
			return nil
		}
		rec := r.modules[node]
		if rec.initialized {
			visited[node] = true
			return nil
		}
		if !rec.loaded {
			return notLoaded(node, rec.err)
		}
		temp[node] = true
		stack = append(stack, node)

		for _, dep := range rec.config.Dependencies {
			if _, exists := r.modules[dep]; !exists {
				return fmt.Errorf("%w: %s depends on non-existent module %s",
					ErrModuleDependencyMissing, node, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		visited[node] = true
		temp[node] = false
		result = append(result, node)
		return nil
	}

	if err := visit(id); err != nil {
		return nil, err
	}
	return result, nil
}

// Sort returns ids reordered so every module comes after those of its
// dependencies that are also in ids. Dependencies outside the set are
// ignored. Relative input order is kept where the graph allows.
func (r *Registry) Sort(ids []string) ([]string, error) {
	r.mu.RLock()
	graph := make(map[string][]string, len(ids))
	for _, id := range ids {
		graph[id] = nil
	}
	for _, id := range ids {
		rec, ok := r.modules[id]
		if !ok {
			continue
		}
		for _, dep := range rec.config.Dependencies {
			if _, in := graph[dep]; in {
				graph[id] = append(graph[id], dep)
			}
		}
	}
	r.mu.RUnlock()

	return topoSort(ids, graph)
}

// SortConfigs orders module ids so every module comes after those of its
// dependencies that are also in configs, without a registry.
func SortConfigs(configs []ModuleConfig) ([]string, error) {
	ids := make([]string, 0, len(configs))
	graph := make(map[string][]string, len(configs))
	for _, cfg := range configs {
		ids = append(ids, cfg.ID)
		graph[cfg.ID] = nil
	}
	for _, cfg := range configs {
		for _, dep := range cfg.Dependencies {
			if _, in := graph[dep]; in {
				graph[cfg.ID] = append(graph[cfg.ID], dep)
			}
		}
	}
	return topoSort(ids, graph)
}

func topoSort(ids []string, graph map[string][]string) ([]string, error) {
	var (
		result  = make([]string, 0, len(ids))
		stack   []string
		visited = make(map[string]bool)
		temp    = make(map[string]bool)
	)

	var visit func(string) error
	visit = func(node string) error {
		if temp[node] {
			return &CircularDependencyError{ModuleID: node, Path: cyclePath(stack, node)}
		}
		if visited[node] {
			return nil
		}
		temp[node] = true
		stack = append(stack, node)

		for _, dep := range graph[node] {
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		visited[node] = true
		temp[node] = false
		result = append(result, node)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// cyclePath returns the part of the visiting stack that forms the cycle,
// closed with the repeated node.
func cyclePath(stack []string, node string) []string {
	i := slices.Index(stack, node)
	if i < 0 {
		return nil
	}
	path := slices.Clone(stack[i:])
	return append(path, node)
}

func (r *Registry) setError(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.modules[id]; ok {
		rec.err = err
		rec.lastActivity = r.now()
	}
}
