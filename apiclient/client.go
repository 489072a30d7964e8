// Package apiclient provides the resilient HTTP client each dashboard module
// uses to reach its backend.
//
// A Client tries the module's primary endpoint and then every fallback
// endpoint in order. Each endpoint gets a bounded number of attempts with
// exponential backoff between them, and every attempt runs under its own
// timeout. Successful GET responses can be cached per module.
//
// Basic usage:
//
//	client, err := apiclient.New(apiclient.Config{
//		ModuleID:      "task-list",
//		ModuleVersion: "1.4.0",
//		Primary:       "https://api.example.com",
//		Fallback:      []string{"https://backup.example.com"},
//		CacheEnabled:  true,
//	})
//	res, err := client.Get(ctx, "/tasks", url.Values{"status": {"open"}})
//	var tasks []Task
//	err = res.Decode(&tasks)
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost/internal/jsoncodec"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/GoCodeAlone/modhost/apiclient"

// Standard request headers.
const (
	HeaderContentType   = "Content-Type"
	HeaderModuleID      = "X-Module-ID"
	HeaderModuleVersion = "X-Module-Version"
	contentTypeJSON     = "application/json"
)

// Attempt outcomes reported to Metrics.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeStatus  = "status"
	OutcomeTimeout = "timeout"
)

// maxErrorBody bounds how much of a failed response body is kept in errors.
const maxErrorBody = 512

// ErrInvalidResponse is returned when a 2xx response body is not JSON.
var ErrInvalidResponse = errors.New("response body is not valid JSON")

// Logger is the structured key/value logger used by the client.
// modhost.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics receives per-attempt and cache observations.
type Metrics interface {
	ObserveAttempt(moduleID, outcome string, duration time.Duration)
	ObserveCache(moduleID string, hit bool)
}

// RequestOptions describes one logical request.
type RequestOptions struct {
	// Method defaults to GET.
	Method string

	// Query is encoded onto the URL.
	Query url.Values

	// Body is JSON encoded unless it already is []byte or json.RawMessage.
	Body any

	// Headers override the client defaults.
	Headers map[string]string

	// NoCache skips both cache lookup and cache store.
	NoCache bool
}

func (o RequestOptions) method() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(o.Method)
}

// Metadata describes how a Result was obtained.
type Metadata struct {
	ModuleID   string        `json:"moduleId"`
	Endpoint   string        `json:"endpoint"`
	URL        string        `json:"url,omitempty"`
	StatusCode int           `json:"statusCode,omitempty"`
	Attempt    int           `json:"attempt"`
	Cached     bool          `json:"cached"`
	Duration   time.Duration `json:"duration"`
}

// Result is a successful response.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  Metadata        `json:"metadata"`
}

// Decode unmarshals the response data into v.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return jsoncodec.Unmarshal(r.Data, v)
}

// Client is a module-scoped resilient HTTP client. It is safe for
// concurrent use.
type Client struct {
	mu      sync.RWMutex
	config  Config
	http    *http.Client
	cache   CacheEngine
	logger  Logger
	metrics Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled default transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCache replaces the default memory cache.
func WithCache(engine CacheEngine) Option {
	return func(c *Client) {
		if engine != nil {
			c.cache = engine
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracerProvider sets the provider used for request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithClock overrides time.Now, mainly for cache expiry tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New validates cfg, applies defaults and builds a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:  cfg,
		cache:   NewMemoryCache(),
		logger:  nopLogger{},
		metrics: nopMetrics{},
		tracer:  otel.GetTracerProvider().Tracer(instrumentationName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    cfg.MaxIdleConns,
				IdleConnTimeout: cfg.IdleConnTimeout,
			},
		}
	}
	return c, nil
}

// Config returns a copy of the current configuration.
func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg := c.config
	cfg.Fallback = append([]string(nil), c.config.Fallback...)
	return cfg
}

// UpdateConfig merges the non-zero fields of partial into the current
// configuration without rebuilding the client.
func (c *Client) UpdateConfig(partial Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.config.merge(partial)
	if err := next.Validate(); err != nil {
		return err
	}
	c.config = next
	return nil
}

// SetCacheEnabled switches response caching on or off.
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.CacheEnabled = enabled
}

// ClearCache drops every cached response.
func (c *Client) ClearCache(ctx context.Context) error {
	if err := c.cache.Flush(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// HealthCheck issues a single uncached GET /health and reports whether it
// succeeded. Errors are not returned.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.Request(ctx, "/health", RequestOptions{NoCache: true}, 1)
	if err != nil {
		c.logger.Debug("Health check failed", "module", c.Config().ModuleID, "error", err)
		return false
	}
	return true
}

// Get issues a GET with the given query parameters.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (*Result, error) {
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodGet, Query: query}, 0)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (*Result, error) {
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodPost, Body: body}, 0)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, endpoint string, body any) (*Result, error) {
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodPut, Body: body}, 0)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, endpoint string, body any) (*Result, error) {
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodPatch, Body: body}, 0)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, endpoint string) (*Result, error) {
	return c.Request(ctx, endpoint, RequestOptions{Method: http.MethodDelete}, 0)
}

// Request performs endpoint against the primary and fallback base URLs.
// retryAttempts <= 0 uses the configured default. Only total exhaustion
// is reported, as a *ModuleError with code REQUEST_FAILED.
func (c *Client) Request(ctx context.Context, endpoint string, opts RequestOptions, retryAttempts int) (*Result, error) {
	cfg := c.Config()
	if retryAttempts <= 0 {
		retryAttempts = cfg.RetryAttempts
	}
	method := opts.method()

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, c.requestFailed(cfg, err)
	}

	ctx, span := c.tracer.Start(ctx, "apiclient.request", trace.WithAttributes(
		attribute.String("module.id", cfg.ModuleID),
		attribute.String("http.request.method", method),
		attribute.String("apiclient.endpoint", endpoint),
	))
	defer span.End()

	cacheable := cfg.CacheEnabled && !opts.NoCache && method == http.MethodGet
	key := cacheKey(method, endpoint, opts.Query, body, opts.Headers)
	if cacheable {
		if res, ok := c.lookup(ctx, cfg, key, endpoint); ok {
			span.SetAttributes(attribute.Bool("apiclient.cached", true))
			return res, nil
		}
	}

	endpoints := cfg.Endpoints()
	if len(endpoints) == 0 {
		merr := c.requestFailed(cfg, ErrNoEndpoints)
		span.SetStatus(codes.Error, merr.Error())
		return nil, merr
	}

	res, lastErr := c.tryEndpoints(ctx, cfg, endpoints, endpoint, method, opts, body, retryAttempts)
	if lastErr != nil {
		merr := c.requestFailed(cfg, lastErr)
		span.RecordError(merr)
		span.SetStatus(codes.Error, merr.Error())
		c.logger.Error("Request failed on all endpoints",
			"module", cfg.ModuleID,
			"endpoint", endpoint,
			"endpoints", len(endpoints),
			"attempts", retryAttempts,
			"error", lastErr,
		)
		return nil, merr
	}

	if cacheable {
		c.store(ctx, cfg, key, res)
	}
	return res, nil
}

func (c *Client) tryEndpoints(ctx context.Context, cfg Config, endpoints []string, endpoint, method string, opts RequestOptions, body []byte, retryAttempts int) (*Result, error) {
	var lastErr error
	for _, base := range endpoints {
		for attempt := 0; attempt < retryAttempts; attempt++ {
			res, err := c.attempt(ctx, cfg, base, endpoint, method, opts, body, attempt)
			if err == nil {
				return res, nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return nil, lastErr
			}
			if attempt < retryAttempts-1 {
				if err := c.sleep(ctx, backoff(cfg.BackoffBase, attempt)); err != nil {
					return nil, lastErr
				}
			}
		}
		c.logger.Warn("Endpoint exhausted", "module", cfg.ModuleID, "base", base, "attempts", retryAttempts, "error", lastErr)
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, cfg Config, base, endpoint, method string, opts RequestOptions, body []byte, attempt int) (*Result, error) {
	target := joinURL(base, endpoint, opts.Query)

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	attemptCtx, span := c.tracer.Start(attemptCtx, "apiclient.attempt", trace.WithAttributes(
		attribute.String("url.full", target),
		attribute.Int("apiclient.attempt", attempt),
	))
	defer span.End()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(HeaderContentType, contentTypeJSON)
	req.Header.Set(HeaderModuleID, cfg.ModuleID)
	req.Header.Set(HeaderModuleVersion, cfg.ModuleVersion)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	start := c.now()
	res, err := c.do(req, cfg, base, target, attempt)
	duration := c.now().Sub(start)

	outcome := OutcomeSuccess
	var statusErr *StatusError
	switch {
	case err == nil:
		res.Metadata.Duration = duration
		span.SetAttributes(attribute.Int("http.response.status_code", res.Metadata.StatusCode))
	case errors.As(err, &statusErr):
		outcome = OutcomeStatus
		span.SetAttributes(attribute.Int("http.response.status_code", statusErr.StatusCode))
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		outcome = OutcomeTimeout
	default:
		outcome = OutcomeError
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.metrics.ObserveAttempt(cfg.ModuleID, outcome, duration)

	if cfg.Verbose {
		c.logger.Debug("API attempt",
			"module", cfg.ModuleID,
			"method", method,
			"url", target,
			"attempt", attempt,
			"outcome", outcome,
			"duration_ms", duration.Milliseconds(),
		)
	}
	return res, err
}

func (c *Client) do(req *http.Request, cfg Config, base, target string, attempt int) (*Result, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &StatusError{URL: target, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		data = []byte("null")
	case !jsoncodec.Valid(data):
		return nil, fmt.Errorf("%s: %w", target, ErrInvalidResponse)
	}

	return &Result{
		Success:   true,
		Data:      json.RawMessage(data),
		Timestamp: c.now(),
		Metadata: Metadata{
			ModuleID:   cfg.ModuleID,
			Endpoint:   base,
			URL:        target,
			StatusCode: resp.StatusCode,
			Attempt:    attempt,
		},
	}, nil
}

func (c *Client) lookup(ctx context.Context, cfg Config, key, endpoint string) (*Result, bool) {
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("Cache lookup failed", "module", cfg.ModuleID, "error", err)
		}
		c.metrics.ObserveCache(cfg.ModuleID, false)
		return nil, false
	}
	if !entry.Valid(c.now()) {
		c.metrics.ObserveCache(cfg.ModuleID, false)
		return nil, false
	}

	c.metrics.ObserveCache(cfg.ModuleID, true)
	return &Result{
		Success:   true,
		Data:      entry.Data,
		Timestamp: entry.Timestamp,
		Metadata: Metadata{
			ModuleID: cfg.ModuleID,
			Endpoint: endpoint,
			Cached:   true,
		},
	}, true
}

func (c *Client) store(ctx context.Context, cfg Config, key string, res *Result) {
	entry := CacheEntry{
		Data:      res.Data,
		Timestamp: c.now(),
		TTL:       cfg.CacheTTL,
	}
	if err := c.cache.Set(ctx, key, entry); err != nil {
		c.logger.Warn("Cache store failed", "module", cfg.ModuleID, "error", err)
	}
}

func (c *Client) requestFailed(cfg Config, lastErr error) *ModuleError {
	msg := "request failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return &ModuleError{
		ModuleID:  cfg.ModuleID,
		Code:      CodeRequestFailed,
		Message:   msg,
		Timestamp: c.now(),
		Err:       lastErr,
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff returns 2^attempt × base.
func backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<uint(attempt))
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		data, err := jsoncodec.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return data, nil
	}
}

func joinURL(base, endpoint string, query url.Values) string {
	target := strings.TrimRight(base, "/")
	if endpoint != "" {
		target += "/" + strings.TrimLeft(endpoint, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}
	return target
}

// cacheKey is deterministic for equal requests: url.Values.Encode sorts by
// key and headers are sorted explicitly.
func cacheKey(method, endpoint string, query url.Values, body []byte, headers map[string]string) string {
	var sb strings.Builder
	sb.WriteString(method)
	sb.WriteByte(' ')
	sb.WriteString(endpoint)
	if len(query) > 0 {
		sb.WriteByte('?')
		sb.WriteString(query.Encode())
	}
	sb.WriteByte('|')
	sb.Write(body)
	if len(headers) > 0 {
		names := make([]string, 0, len(headers))
		for k := range headers {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			sb.WriteByte('|')
			sb.WriteString(http.CanonicalHeaderKey(k))
			sb.WriteByte('=')
			sb.WriteString(headers[k])
		}
	}
	return sb.String()
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type nopMetrics struct{}

func (nopMetrics) ObserveAttempt(string, string, time.Duration) {}
func (nopMetrics) ObserveCache(string, bool)                    {}
