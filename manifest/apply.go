package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/modhost"
)

// ErrUnknownKind is returned when no constructor exists for a module kind.
var ErrUnknownKind = errors.New("unknown component kind")

// ComponentConstructor builds the component of a manifest module.
type ComponentConstructor func(cfg modhost.ModuleConfig) (modhost.Component, error)

// Kinds maps a module kind to its constructor.
type Kinds map[string]ComponentConstructor

// ApplyResult reports what Apply changed.
type ApplyResult struct {
	Registered []string
	Updated    []string
	Unchanged  []string

	// Stale lists registered modules the manifest no longer mentions.
	// They are left in place.
	Stale []string
}

// Apply registers new manifest modules and pushes changed configs of known
// ones through Registry.UpdateConfig. Modules are processed in dependency
// order so that registration does not warn about dependencies listed later
// in the same manifest.
func Apply(ctx context.Context, reg *modhost.Registry, m *Manifest, kinds Kinds) (ApplyResult, error) {
	var res ApplyResult
	if err := m.Validate(); err != nil {
		return res, err
	}

	list, err := m.Configs()
	if err != nil {
		return res, err
	}
	order, err := modhost.SortConfigs(list)
	if err != nil {
		return res, err
	}
	configs := make(map[string]modhost.ModuleConfig, len(list))
	for _, cfg := range list {
		configs[cfg.ID] = cfg
	}

	var errs []error
	for _, id := range order {
		cfg := configs[id]
		if current, ok := reg.Get(id); ok {
			if sameConfig(current.Config, cfg) {
				res.Unchanged = append(res.Unchanged, id)
				continue
			}
			if err := reg.UpdateConfig(ctx, cfg); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Updated = append(res.Updated, id)
			continue
		}

		spec, _ := m.Spec(id)
		construct, ok := kinds[spec.ComponentKind()]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: module %s: %q", ErrUnknownKind, id, spec.ComponentKind()))
			continue
		}
		component, err := construct(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("build module %s: %w", id, err))
			continue
		}
		if err := reg.Register(ctx, cfg, component); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Registered = append(res.Registered, id)
	}

	for _, id := range reg.IDs() {
		if _, ok := configs[id]; !ok {
			res.Stale = append(res.Stale, id)
		}
	}
	return res, errors.Join(errs...)
}

// Order returns the manifest module ids in dependency order.
func (m *Manifest) Order() ([]string, error) {
	configs, err := m.Configs()
	if err != nil {
		return nil, err
	}
	return modhost.SortConfigs(configs)
}

func sameConfig(a, b modhost.ModuleConfig) bool {
	return modhost.DiffConfigs(a, b).IsEmpty()
}
