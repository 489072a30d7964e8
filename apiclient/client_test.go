package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newServer(t *testing.T, handler http.HandlerFunc) *countingServer {
	t.Helper()
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func failingHandler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", status)
	}
}

func testConfig(primary string, fallback ...string) Config {
	return Config{
		ModuleID:      "task-list",
		ModuleVersion: "1.2.0",
		Primary:       primary,
		Fallback:      fallback,
		BackoffBase:   time.Millisecond,
		Timeout:       time.Second,
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	c, err := New(Config{ModuleID: "chat", Primary: "http://localhost"})
	require.NoError(t, err)

	cfg := c.Config()
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultRetryAttempts, cfg.RetryAttempts)
	assert.Equal(t, DefaultBackoffBase, cfg.BackoffBase)
}

func TestNew_RequiresModuleIDAndPrimary(t *testing.T) {
	_, err := New(Config{Primary: "http://localhost"})
	assert.ErrorIs(t, err, ErrModuleIDRequired)

	_, err = New(Config{ModuleID: "chat"})
	assert.ErrorIs(t, err, ErrPrimaryEndpointRequired)
}

func TestRequest_SendsStandardHeaders(t *testing.T) {
	var got http.Header
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		jsonHandler(`{"ok":true}`)(w, r)
	})

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = c.Request(context.Background(), "/tasks", RequestOptions{Headers: map[string]string{"X-Trace": "abc"}}, 1)
	require.NoError(t, err)

	assert.Equal(t, "application/json", got.Get(HeaderContentType))
	assert.Equal(t, "task-list", got.Get(HeaderModuleID))
	assert.Equal(t, "1.2.0", got.Get(HeaderModuleVersion))
	assert.Equal(t, "abc", got.Get("X-Trace"))
}

func TestGet_SerializesQuery(t *testing.T) {
	var gotQuery url.Values
	var gotPath string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotPath = r.URL.Path
		jsonHandler(`[{"id":1}]`)(w, r)
	})

	c, err := New(testConfig(srv.URL + "/api/"))
	require.NoError(t, err)

	res, err := c.Get(context.Background(), "tasks", url.Values{"status": {"open"}, "page": {"2"}})
	require.NoError(t, err)

	assert.Equal(t, "/api/tasks", gotPath)
	assert.Equal(t, "open", gotQuery.Get("status"))
	assert.Equal(t, "2", gotQuery.Get("page"))

	var tasks []struct {
		ID int `json:"id"`
	}
	require.NoError(t, res.Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].ID)
}

func TestRequest_CacheHonoursTTL(t *testing.T) {
	srv := newServer(t, jsonHandler(`{"count":3}`))
	clock := newFakeClock()

	cfg := testConfig(srv.URL)
	cfg.CacheEnabled = true
	c, err := New(cfg, WithClock(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	first, err := c.Get(ctx, "/summary", nil)
	require.NoError(t, err)
	assert.False(t, first.Metadata.Cached)

	clock.Advance(4 * time.Minute)
	second, err := c.Get(ctx, "/summary", nil)
	require.NoError(t, err)
	assert.True(t, second.Metadata.Cached)
	assert.JSONEq(t, `{"count":3}`, string(second.Data))
	assert.Equal(t, int32(1), srv.calls.Load(), "live entry must not hit the network")

	clock.Advance(time.Minute + time.Second)
	third, err := c.Get(ctx, "/summary", nil)
	require.NoError(t, err)
	assert.False(t, third.Metadata.Cached)
	assert.Equal(t, int32(2), srv.calls.Load(), "expired entry must be refetched")
}

func TestRequest_CacheKeyIncludesQuery(t *testing.T) {
	srv := newServer(t, jsonHandler(`{}`))
	cfg := testConfig(srv.URL)
	cfg.CacheEnabled = true
	c, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Get(ctx, "/tasks", url.Values{"page": {"1"}})
	require.NoError(t, err)
	_, err = c.Get(ctx, "/tasks", url.Values{"page": {"2"}})
	require.NoError(t, err)
	_, err = c.Get(ctx, "/tasks", url.Values{"page": {"1"}})
	require.NoError(t, err)

	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestRequest_WritesAreNotCached(t *testing.T) {
	srv := newServer(t, jsonHandler(`{"id":9}`))
	cfg := testConfig(srv.URL)
	cfg.CacheEnabled = true
	c, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Post(ctx, "/tasks", map[string]string{"title": "a"})
	require.NoError(t, err)
	_, err = c.Post(ctx, "/tasks", map[string]string{"title": "a"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestClearCache_ForcesRefetch(t *testing.T) {
	srv := newServer(t, jsonHandler(`{}`))
	cfg := testConfig(srv.URL)
	cfg.CacheEnabled = true
	c, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Get(ctx, "/x", nil)
	require.NoError(t, err)
	require.NoError(t, c.ClearCache(ctx))
	_, err = c.Get(ctx, "/x", nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestRequest_FailsOverAfterExhaustingPrimary(t *testing.T) {
	primary := newServer(t, failingHandler(http.StatusBadGateway))
	fallback := newServer(t, jsonHandler(`{"source":"fallback"}`))

	c, err := New(testConfig(primary.URL, fallback.URL))
	require.NoError(t, err)

	res, err := c.Request(context.Background(), "/reports", RequestOptions{}, 3)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, int32(3), primary.calls.Load())
	assert.Equal(t, int32(1), fallback.calls.Load())
	assert.Equal(t, fallback.URL, res.Metadata.Endpoint)
	assert.Equal(t, 0, res.Metadata.Attempt)
	assert.JSONEq(t, `{"source":"fallback"}`, string(res.Data))
}

func TestRequest_SucceedsOnLaterAttempt(t *testing.T) {
	var n atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			failingHandler(http.StatusServiceUnavailable)(w, r)
			return
		}
		jsonHandler(`{}`)(w, r)
	})

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	res, err := c.Request(context.Background(), "/tasks", RequestOptions{}, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Metadata.Attempt)
}

func TestRequest_AllEndpointsFail(t *testing.T) {
	primary := newServer(t, failingHandler(http.StatusInternalServerError))
	fallback := newServer(t, failingHandler(http.StatusServiceUnavailable))

	c, err := New(testConfig(primary.URL, fallback.URL))
	require.NoError(t, err)

	_, err = c.Request(context.Background(), "/chat", RequestOptions{}, 2)
	require.Error(t, err)

	var merr *ModuleError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeRequestFailed, merr.Code)
	assert.Equal(t, "task-list", merr.ModuleID)
	assert.False(t, merr.Timestamp.IsZero())
	assert.ErrorIs(t, err, ErrRequestFailed)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)

	assert.Equal(t, int32(2), primary.calls.Load())
	assert.Equal(t, int32(2), fallback.calls.Load())
}

func TestRequest_TimeoutAbortsOnlyThatAttempt(t *testing.T) {
	var n atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		jsonHandler(`{"late":false}`)(w, r)
	})

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)

	res, err := c.Request(context.Background(), "/slow", RequestOptions{}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metadata.Attempt)
}

func TestRequest_InvalidJSONIsAFailure(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>")
	})

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = c.Request(context.Background(), "/", RequestOptions{}, 1)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestRequest_CancelledContextStopsRetrying(t *testing.T) {
	srv := newServer(t, failingHandler(http.StatusInternalServerError))

	cfg := testConfig(srv.URL)
	cfg.BackoffBase = time.Second
	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Request(ctx, "/tasks", RequestOptions{}, 5)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestHealthCheck(t *testing.T) {
	healthy := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		jsonHandler(`{"status":"ok"}`)(w, r)
	})
	down := newServer(t, failingHandler(http.StatusServiceUnavailable))

	up, err := New(testConfig(healthy.URL))
	require.NoError(t, err)
	assert.True(t, up.HealthCheck(context.Background()))

	dead, err := New(testConfig(down.URL))
	require.NoError(t, err)
	assert.False(t, dead.HealthCheck(context.Background()))
	assert.Equal(t, int32(1), down.calls.Load())
}

func TestUpdateConfig_MergesWithoutRebuild(t *testing.T) {
	oldSrv := newServer(t, failingHandler(http.StatusInternalServerError))
	newSrv := newServer(t, jsonHandler(`{}`))

	c, err := New(testConfig(oldSrv.URL))
	require.NoError(t, err)

	require.NoError(t, c.UpdateConfig(Config{Primary: newSrv.URL, CacheTTL: time.Minute, Headers: map[string]string{"X-Tenant": "acme"}}))

	cfg := c.Config()
	assert.Equal(t, newSrv.URL, cfg.Primary)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, "task-list", cfg.ModuleID, "unset fields keep their values")
	assert.Equal(t, "acme", cfg.Headers["X-Tenant"])

	_, err = c.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), oldSrv.calls.Load())
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	hits     int
	misses   int
}

func (m *recordingMetrics) ObserveAttempt(_ string, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) ObserveCache(_ string, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func TestRequest_ReportsMetrics(t *testing.T) {
	var n atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			failingHandler(http.StatusInternalServerError)(w, r)
			return
		}
		jsonHandler(`{}`)(w, r)
	})

	m := &recordingMetrics{}
	cfg := testConfig(srv.URL)
	cfg.CacheEnabled = true
	c, err := New(cfg, WithMetrics(m))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Get(ctx, "/a", nil)
	require.NoError(t, err)
	_, err = c.Get(ctx, "/a", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{OutcomeStatus, OutcomeSuccess}, m.outcomes)
	assert.Equal(t, 1, m.hits)
	assert.Equal(t, 1, m.misses)
}

func TestBackoff(t *testing.T) {
	for attempt, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		assert.Equal(t, want, backoff(time.Second, attempt), fmt.Sprintf("attempt %d", attempt))
	}
}

func TestCacheKey_Deterministic(t *testing.T) {
	a := cacheKey("GET", "/tasks", url.Values{"b": {"2"}, "a": {"1"}}, nil, map[string]string{"x-one": "1", "X-Two": "2"})
	b := cacheKey("GET", "/tasks", url.Values{"a": {"1"}, "b": {"2"}}, nil, map[string]string{"X-Two": "2", "x-one": "1"})
	assert.Equal(t, a, b)

	c := cacheKey("GET", "/tasks", url.Values{"a": {"1"}}, nil, nil)
	assert.NotEqual(t, a, c)
}

func TestModuleError_Unwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	err := &ModuleError{ModuleID: "chat", Code: CodeRequestFailed, Message: inner.Error(), Err: inner}

	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "REQUEST_FAILED")
}
