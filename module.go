// Package modhost provides the module runtime of a business dashboard.
//
// A Registry holds independently versioned feature modules (widgets, task
// lists, chat, reports), resolves the dependency graph between them, drives
// their lifecycle and hands each module a resilient API client. Lifecycle
// transitions are announced on an EventBus owned by the Registry.
//
// Basic usage:
//
//	reg := modhost.NewRegistry(modhost.WithLogger(logger))
//	if err := reg.Register(ctx, cfg, &TaskList{}); err != nil {
//		return err
//	}
//	if err := reg.InitializeAll(ctx, modhost.InitContext{}); err != nil {
//		return err
//	}
package modhost

import (
	"context"
	"time"

	"github.com/GoCodeAlone/modhost/apiclient"
)

// Component is the renderable unit of a module.
//
// Render produces the module's output for the given props. The runtime never
// interprets the returned value; it is handed to the consumer as is.
type Component interface {
	Render(ctx context.Context, props Props) (any, error)
}

// ComponentFunc adapts a plain function to Component.
type ComponentFunc func(ctx context.Context, props Props) (any, error)

// Render calls f.
func (f ComponentFunc) Render(ctx context.Context, props Props) (any, error) {
	return f(ctx, props)
}

// Initializer is implemented by components that need to prepare before use.
// Init is called once, after every dependency of the module is initialized.
type Initializer interface {
	Init(ctx context.Context, ictx InitContext) error
}

// Cleaner is implemented by components holding resources that must be
// released when the module is unregistered or removed.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Refresher is implemented by components that can reload their data on a
// schedule. The client is the module's own API client and may be nil for
// modules without endpoints.
type Refresher interface {
	Refresh(ctx context.Context, client *apiclient.Client) error
}

// Factory resolves the config and component of a module that is not
// registered up front. Factories are looked up by module id in Registry.Load.
type Factory func(ctx context.Context) (ModuleConfig, Component, error)

// InitContext is passed to Initializer.Init.
type InitContext struct {
	// Registry is the registry running the initialization.
	Registry *Registry

	// Client is the module's own API client. The registry fills it in.
	Client *apiclient.Client

	// Values carries application supplied settings, opaque to the runtime.
	Values map[string]any
}

// Props are handed to Component.Render.
type Props struct {
	Config ModuleConfig

	// Settings is the module UI map overlaid with consumer overrides.
	Settings map[string]any

	Client *apiclient.Client
}

// ModuleInstance is a read-only snapshot of a module's runtime record.
// Only the Registry mutates the record behind it.
type ModuleInstance struct {
	Config        ModuleConfig      `json:"config"`
	Component     Component         `json:"-"`
	Client        *apiclient.Client `json:"-"`
	IsLoaded      bool              `json:"isLoaded"`
	IsActive      bool              `json:"isActive"`
	IsInitialized bool              `json:"isInitialized"`
	Error         error             `json:"-"`
	LoadedAt      time.Time         `json:"loadedAt"`
	LastActivity  time.Time         `json:"lastActivity"`
}

// Failed reports whether the instance carries a stored error.
func (m ModuleInstance) Failed() bool {
	return m.Error != nil
}

// ErrorMessage returns the stored error text, or "" when healthy.
func (m ModuleInstance) ErrorMessage() string {
	if m.Error == nil {
		return ""
	}
	return m.Error.Error()
}

// ViewKind tells a consumer which of the loader states a View represents.
type ViewKind string

const (
	ViewLoading ViewKind = "loading"
	ViewError   ViewKind = "error"
	ViewContent ViewKind = "content"
)

// View is what a consumer renders for one module mount.
type View struct {
	Kind      ViewKind `json:"kind"`
	ModuleID  string   `json:"moduleId"`
	Content   any      `json:"content,omitempty"`
	Message   string   `json:"message,omitempty"`
	Retryable bool     `json:"retryable"`
	Attempts  int      `json:"attempts"`
}
