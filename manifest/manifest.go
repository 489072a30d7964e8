// Package manifest reads module manifests and applies them to a registry.
//
// A manifest lists the modules a dashboard hosts. It can be written in
// YAML, TOML, JSON or HCL; the format is chosen by file extension:
//
//	modules:
//	  - id: tasks
//	    version: 1.4.0
//	    kind: remote
//	    dependencies: [auth]
//	    endpoints:
//	      primary: https://api.example.com/tasks
//	      fallback: [https://backup.example.com/tasks]
//	    features:
//	      cacheEnabled: true
//	      autoRefreshInterval: 30s
//	    ui:
//	      title: Tasks
//
// The same manifest in HCL:
//
//	module "tasks" {
//	  version      = "1.4.0"
//	  dependencies = ["auth"]
//	  endpoints {
//	    primary = "https://api.example.com/tasks"
//	  }
//	  features {
//	    cache_enabled         = true
//	    auto_refresh_interval = "30s"
//	  }
//	  ui = { title = "Tasks" }
//	}
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/internal/jsoncodec"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v3"
)

// DefaultKind is the component kind of modules that do not name one.
const DefaultKind = "remote"

var (
	// ErrUnsupportedFormat is returned for unknown manifest extensions.
	ErrUnsupportedFormat = errors.New("unsupported manifest format")

	// ErrDuplicateModuleID is returned when a manifest lists an id twice.
	ErrDuplicateModuleID = errors.New("duplicate module id in manifest")

	// ErrInvalidDuration is returned for unparsable refresh intervals.
	ErrInvalidDuration = errors.New("invalid duration")
)

// Manifest is the decoded manifest file.
type Manifest struct {
	Modules []ModuleSpec `yaml:"modules" toml:"modules" json:"modules" hcl:"module,block" validate:"dive"`
}

// ModuleSpec describes one module.
type ModuleSpec struct {
	ID           string            `yaml:"id" toml:"id" json:"id" hcl:"id,label" validate:"required"`
	Version      string            `yaml:"version" toml:"version" json:"version" hcl:"version,optional"`
	Kind         string            `yaml:"kind" toml:"kind" json:"kind" hcl:"kind,optional"`
	Dependencies []string          `yaml:"dependencies" toml:"dependencies" json:"dependencies" hcl:"dependencies,optional" validate:"dive,required"`
	Endpoints    *EndpointsSpec    `yaml:"endpoints" toml:"endpoints" json:"endpoints" hcl:"endpoints,block"`
	Features     *FeaturesSpec     `yaml:"features" toml:"features" json:"features" hcl:"features,block"`
	Permissions  *PermissionsSpec  `yaml:"permissions" toml:"permissions" json:"permissions" hcl:"permissions,block"`
	UI           map[string]string `yaml:"ui" toml:"ui" json:"ui" hcl:"ui,optional"`
}

// EndpointsSpec lists backend base URLs.
type EndpointsSpec struct {
	Primary  string   `yaml:"primary" toml:"primary" json:"primary" hcl:"primary,optional" validate:"omitempty,url"`
	Fallback []string `yaml:"fallback" toml:"fallback" json:"fallback" hcl:"fallback,optional" validate:"dive,url"`
}

// FeaturesSpec are the feature flags. AutoRefreshInterval is a Go duration
// string such as "30s".
type FeaturesSpec struct {
	Realtime            bool   `yaml:"realtime" toml:"realtime" json:"realtime" hcl:"realtime,optional"`
	CacheEnabled        bool   `yaml:"cacheEnabled" toml:"cacheEnabled" json:"cacheEnabled" hcl:"cache_enabled,optional"`
	AutoRefreshInterval string `yaml:"autoRefreshInterval" toml:"autoRefreshInterval" json:"autoRefreshInterval" hcl:"auto_refresh_interval,optional"`
}

// PermissionsSpec are capability strings.
type PermissionsSpec struct {
	Required []string `yaml:"required" toml:"required" json:"required" hcl:"required,optional"`
	Optional []string `yaml:"optional" toml:"optional" json:"optional" hcl:"optional,optional"`
}

// Load reads and decodes the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes data using the format implied by the filename extension.
func Parse(filename string, data []byte) (*Manifest, error) {
	var m Manifest
	var err error

	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	case ".toml":
		_, err = toml.Decode(string(data), &m)
	case ".json":
		err = jsoncodec.Unmarshal(data, &m)
	case ".hcl":
		err = hclsimple.Decode(filepath.Base(filename), data, nil, &m)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", filepath.Base(filename), err)
	}
	return &m, nil
}

// Validate checks struct rules, id uniqueness and every module config.
func (m *Manifest) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(m); err != nil {
		return fmt.Errorf("manifest validation failed: %w", err)
	}

	seen := make(map[string]struct{}, len(m.Modules))
	var errs []error
	for _, spec := range m.Modules {
		if _, dup := seen[spec.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateModuleID, spec.ID))
			continue
		}
		seen[spec.ID] = struct{}{}

		cfg, err := spec.Config()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Configs converts every module spec.
func (m *Manifest) Configs() ([]modhost.ModuleConfig, error) {
	out := make([]modhost.ModuleConfig, 0, len(m.Modules))
	for _, spec := range m.Modules {
		cfg, err := spec.Config()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// IDs returns the module ids in manifest order.
func (m *Manifest) IDs() []string {
	ids := make([]string, 0, len(m.Modules))
	for _, spec := range m.Modules {
		ids = append(ids, spec.ID)
	}
	return ids
}

// Spec returns the spec of a module.
func (m *Manifest) Spec(id string) (ModuleSpec, bool) {
	for _, spec := range m.Modules {
		if spec.ID == id {
			return spec, true
		}
	}
	return ModuleSpec{}, false
}

// ComponentKind returns the kind, defaulting to DefaultKind.
func (s ModuleSpec) ComponentKind() string {
	if s.Kind == "" {
		return DefaultKind
	}
	return s.Kind
}

// Config converts the spec to a module config.
func (s ModuleSpec) Config() (modhost.ModuleConfig, error) {
	cfg := modhost.ModuleConfig{
		ID:           s.ID,
		Version:      s.Version,
		Dependencies: append([]string(nil), s.Dependencies...),
	}
	if s.Endpoints != nil {
		cfg.Endpoints = modhost.Endpoints{
			Primary:  s.Endpoints.Primary,
			Fallback: append([]string(nil), s.Endpoints.Fallback...),
		}
	}
	if s.Features != nil {
		cfg.Features.Realtime = s.Features.Realtime
		cfg.Features.CacheEnabled = s.Features.CacheEnabled
		if s.Features.AutoRefreshInterval != "" {
			d, err := time.ParseDuration(s.Features.AutoRefreshInterval)
			if err != nil {
				return cfg, fmt.Errorf("%w: module %s: autoRefreshInterval %q", ErrInvalidDuration, s.ID, s.Features.AutoRefreshInterval)
			}
			cfg.Features.AutoRefreshInterval = d
		}
	}
	if s.Permissions != nil {
		cfg.Permissions = modhost.Permissions{
			Required: append([]string(nil), s.Permissions.Required...),
			Optional: append([]string(nil), s.Permissions.Optional...),
		}
	}
	if len(s.UI) > 0 {
		cfg.UI = make(map[string]any, len(s.UI))
		for k, v := range s.UI {
			cfg.UI[k] = v
		}
	}
	return cfg, nil
}
