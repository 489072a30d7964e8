package apiclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrModuleIDRequired is returned when a client is configured without a module id.
	ErrModuleIDRequired = errors.New("module id is required")

	// ErrPrimaryEndpointRequired is returned when no primary endpoint is configured.
	ErrPrimaryEndpointRequired = errors.New("primary endpoint is required")
)

// Default policy values applied by Config.Validate.
const (
	DefaultCacheTTL       = 5 * time.Minute
	DefaultTimeout        = 10 * time.Second
	DefaultRetryAttempts  = 3
	DefaultBackoffBase    = time.Second
	DefaultMaxIdleConns   = 100
	DefaultIdleConnTimout = 90 * time.Second
)

// Config defines how one module talks to its backend.
//
// Example YAML configuration (as embedded in a module manifest):
//
//	endpoints:
//	  primary: https://api.example.com/tasks
//	  fallback:
//	    - https://api-backup.example.com/tasks
//	features:
//	  cacheEnabled: true
type Config struct {
	// ModuleID is sent as X-Module-ID and labels errors and metrics.
	ModuleID string `yaml:"moduleId" json:"moduleId"`

	// ModuleVersion is sent as X-Module-Version.
	ModuleVersion string `yaml:"moduleVersion" json:"moduleVersion"`

	// Primary is the first base URL tried for every request.
	Primary string `yaml:"primary" json:"primary"`

	// Fallback lists base URLs tried in order after Primary is exhausted.
	Fallback []string `yaml:"fallback" json:"fallback"`

	// CacheEnabled turns on response caching for GET requests.
	CacheEnabled bool `yaml:"cacheEnabled" json:"cacheEnabled"`

	// CacheTTL is how long a cached response stays valid.
	// Default: 5 minutes
	CacheTTL time.Duration `yaml:"cacheTTL" json:"cacheTTL"`

	// Timeout bounds each individual attempt, not the whole request.
	// Default: 10 seconds
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// RetryAttempts is the default number of attempts per endpoint.
	// Default: 3
	RetryAttempts int `yaml:"retryAttempts" json:"retryAttempts"`

	// BackoffBase is multiplied by 2^attempt between attempts on one endpoint.
	// Default: 1 second
	BackoffBase time.Duration `yaml:"backoffBase" json:"backoffBase"`

	// Headers are added to every request, before caller supplied headers.
	Headers map[string]string `yaml:"headers" json:"headers"`

	// MaxIdleConns controls the idle connection pool of the underlying transport.
	// Default: 100
	MaxIdleConns int `yaml:"maxIdleConns" json:"maxIdleConns"`

	// IdleConnTimeout closes pooled connections idle for longer than this.
	// Default: 90 seconds
	IdleConnTimeout time.Duration `yaml:"idleConnTimeout" json:"idleConnTimeout"`

	// Verbose logs every attempt with its status and duration.
	Verbose bool `yaml:"verbose" json:"verbose"`
}

// Validate checks the configuration values and sets sensible defaults.
func (c *Config) Validate() error {
	if c.ModuleID == "" {
		return fmt.Errorf("config validation error: %w", ErrModuleIDRequired)
	}
	if c.Primary == "" {
		return fmt.Errorf("config validation error: %w", ErrPrimaryEndpointRequired)
	}

	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = DefaultIdleConnTimout
	}

	return nil
}

// Endpoints returns the ordered list of base URLs: primary first, then fallbacks.
func (c Config) Endpoints() []string {
	endpoints := make([]string, 0, 1+len(c.Fallback))
	if c.Primary != "" {
		endpoints = append(endpoints, c.Primary)
	}
	for _, fb := range c.Fallback {
		if fb != "" {
			endpoints = append(endpoints, fb)
		}
	}
	return endpoints
}

// merge overlays the non-zero fields of partial onto c.
// CacheEnabled and Verbose can only be switched on this way; use
// Client.SetCacheEnabled to turn caching off.
func (c Config) merge(partial Config) Config {
	if partial.ModuleID != "" {
		c.ModuleID = partial.ModuleID
	}
	if partial.ModuleVersion != "" {
		c.ModuleVersion = partial.ModuleVersion
	}
	if partial.Primary != "" {
		c.Primary = partial.Primary
	}
	if partial.Fallback != nil {
		c.Fallback = append([]string(nil), partial.Fallback...)
	}
	if partial.CacheEnabled {
		c.CacheEnabled = true
	}
	if partial.CacheTTL > 0 {
		c.CacheTTL = partial.CacheTTL
	}
	if partial.Timeout > 0 {
		c.Timeout = partial.Timeout
	}
	if partial.RetryAttempts > 0 {
		c.RetryAttempts = partial.RetryAttempts
	}
	if partial.BackoffBase > 0 {
		c.BackoffBase = partial.BackoffBase
	}
	if len(partial.Headers) > 0 {
		headers := make(map[string]string, len(c.Headers)+len(partial.Headers))
		for k, v := range c.Headers {
			headers[k] = v
		}
		for k, v := range partial.Headers {
			headers[k] = v
		}
		c.Headers = headers
	}
	if partial.Verbose {
		c.Verbose = true
	}
	return c
}
