package loader

import (
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/isolation"
)

// Defaults applied by New.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

type options struct {
	autoLoad     bool
	retryOnError bool
	maxRetries   int
	baseDelay    time.Duration
	fallback     func(moduleID string) modhost.View
	onLoad       func(modhost.ModuleInstance)
	onError      func(error)
	overrides    map[string]any
	logger       modhost.Logger
	boundaryOpts []isolation.Option
}

func defaultOptions() options {
	return options{
		autoLoad:   true,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		logger:     nopLogger{},
	}
}

// Option configures a Loader.
type Option func(*options)

// WithAutoLoad controls whether Mount starts loading. Default true.
func WithAutoLoad(enabled bool) Option {
	return func(o *options) {
		o.autoLoad = enabled
	}
}

// WithRetryOnError schedules automatic retries after a failed load.
func WithRetryOnError(enabled bool) Option {
	return func(o *options) {
		o.retryOnError = enabled
	}
}

// WithMaxRetries bounds automatic retries. Default 3.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithBaseDelay sets the delay multiplied by 2^attempt between retries.
// Default 1s.
func WithBaseDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.baseDelay = d
		}
	}
}

// WithFallback replaces the default loading view.
func WithFallback(fn func(moduleID string) modhost.View) Option {
	return func(o *options) {
		o.fallback = fn
	}
}

// WithOnLoad is called once per successful load.
func WithOnLoad(fn func(modhost.ModuleInstance)) Option {
	return func(o *options) {
		o.onLoad = fn
	}
}

// WithOnError is called for every failed load attempt.
func WithOnError(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// WithOverrides overlays consumer settings on the module UI map.
func WithOverrides(overrides map[string]any) Option {
	return func(o *options) {
		o.overrides = overrides
	}
}

// WithLogger sets the logger
func WithLogger(logger modhost.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBoundaryOptions configures the isolation boundary around Render.
func WithBoundaryOptions(opts ...isolation.Option) Option {
	return func(o *options) {
		o.boundaryOpts = append(o.boundaryOpts, opts...)
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
