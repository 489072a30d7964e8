package modhost

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost/apiclient"
	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Endpoints lists the backend base URLs of a module.
type Endpoints struct {
	Primary  string   `json:"primary" yaml:"primary" validate:"omitempty,url"`
	Fallback []string `json:"fallback,omitempty" yaml:"fallback,omitempty" validate:"dive,url"`
}

// Features are the per-module feature flags.
type Features struct {
	Realtime     bool `json:"realtime" yaml:"realtime"`
	CacheEnabled bool `json:"cacheEnabled" yaml:"cacheEnabled"`

	// AutoRefreshInterval schedules Registry.Refresh when positive.
	AutoRefreshInterval time.Duration `json:"autoRefreshInterval" yaml:"autoRefreshInterval" validate:"gte=0"`
}

// Permissions are capability strings, opaque to the runtime.
type Permissions struct {
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
	Optional []string `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// ModuleConfig is the identity and policy of one module.
type ModuleConfig struct {
	ID           string         `json:"id" yaml:"id" validate:"required"`
	Version      string         `json:"version" yaml:"version"`
	Endpoints    Endpoints      `json:"endpoints" yaml:"endpoints"`
	Features     Features       `json:"features" yaml:"features"`
	Permissions  Permissions    `json:"permissions" yaml:"permissions"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"dive,required"`
	UI           map[string]any `json:"ui,omitempty" yaml:"ui,omitempty"`
}

// Validate checks the struct rules and rejects a module depending on itself.
func (c ModuleConfig) Validate() error {
	if err := configValidator().Struct(c); err != nil {
		return &InvalidConfigError{ModuleID: c.ID, Err: err}
	}
	if slices.Contains(c.Dependencies, c.ID) {
		return fmt.Errorf("%w: %s", ErrSelfDependency, c.ID)
	}
	return nil
}

// HasEndpoints reports whether the module talks to a backend.
func (c ModuleConfig) HasEndpoints() bool {
	return c.Endpoints.Primary != ""
}

// APIClientConfig derives the API client settings of the module.
func (c ModuleConfig) APIClientConfig() apiclient.Config {
	return apiclient.Config{
		ModuleID:      c.ID,
		ModuleVersion: c.Version,
		Primary:       c.Endpoints.Primary,
		Fallback:      slices.Clone(c.Endpoints.Fallback),
		CacheEnabled:  c.Features.CacheEnabled,
	}
}

// Clone returns a deep enough copy that callers cannot mutate registry state.
func (c ModuleConfig) Clone() ModuleConfig {
	c.Endpoints.Fallback = slices.Clone(c.Endpoints.Fallback)
	c.Permissions.Required = slices.Clone(c.Permissions.Required)
	c.Permissions.Optional = slices.Clone(c.Permissions.Optional)
	c.Dependencies = slices.Clone(c.Dependencies)
	c.UI = maps.Clone(c.UI)
	return c
}
