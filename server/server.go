// Package server exposes a registry over HTTP.
//
// Routes:
//
//	GET  /healthz
//	GET  /modules
//	GET  /modules/{id}
//	GET  /modules/{id}/view
//	POST /modules/{id}/load
//	POST /modules/{id}/unload
//	POST /modules/{id}/refresh
//	POST /modules/{id}/retry
//	GET  /status
//	GET  /health
//	GET  /diagnose
//	GET  /events
//	GET  /metrics
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/loader"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger modhost.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLoaderOptions adds options to the per-module loaders behind the view
// routes.
func WithLoaderOptions(opts ...loader.Option) Option {
	return func(s *Server) {
		s.loaderOpts = append(s.loaderOpts, opts...)
	}
}

// Server is the HTTP surface of a registry.
type Server struct {
	registry   *modhost.Registry
	logger     modhost.Logger
	gatherer   prometheus.Gatherer
	loaderOpts []loader.Option
	addr       string

	mux *chi.Mux
	srv *http.Server

	// ctx bounds the background work of mounted loaders.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	loaders map[string]*loader.Loader
	sub     modhost.Subscription
}

// New builds the router for reg.
func New(reg *modhost.Registry, opts ...Option) *Server {
	s := &Server{
		registry: reg,
		logger:   nopLogger{},
		gatherer: prometheus.DefaultGatherer,
		addr:     DefaultAddr,
		loaders:  make(map[string]*loader.Loader),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.mux = chi.NewRouter()
	s.mux.Use(middleware.RequestID)
	s.mux.Use(middleware.RealIP)
	s.mux.Use(s.logRequests)
	s.mux.Use(middleware.Recoverer)
	s.routes()

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// a removed module takes its loader with it
	s.sub = reg.Events().On(modhost.EventUnload, func(_ context.Context, ev modhost.ModuleEvent) error {
		if !reg.Has(ev.ModuleID) {
			s.dropLoader(ev.ModuleID)
		}
		return nil
	})
	return s
}

func (s *Server) routes() {
	s.mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	s.mux.Route("/modules", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/view", s.handleView)
			r.Post("/load", s.handleLoad)
			r.Post("/unload", s.handleUnload)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/retry", s.handleRetry)
		})
	})

	s.mux.Get("/status", s.handleStatus)
	s.mux.Get("/health", s.handleHealth)
	s.mux.Get("/diagnose", s.handleDiagnose)
	s.mux.Get("/events", s.handleEvents)
	s.mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Run listens until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("HTTP server listening", "addr", s.addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones and releases
// every loader.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.Close()
	return err
}

// Close releases the loaders and detaches from the registry without
// touching the listener. Handler users call it instead of Shutdown.
func (s *Server) Close() {
	s.cancel()
	s.registry.Events().Off(s.sub)

	s.mu.Lock()
	loaders := s.loaders
	s.loaders = make(map[string]*loader.Loader)
	s.mu.Unlock()
	for _, l := range loaders {
		l.Release()
	}
}

// loaderFor returns the mounted loader of a module, creating it on first
// use. Loading is left to the caller.
func (s *Server) loaderFor(id string) (*loader.Loader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loaders[id]; ok {
		return l, nil
	}
	opts := append([]loader.Option{
		loader.WithAutoLoad(false),
		loader.WithLogger(s.logger),
	}, s.loaderOpts...)
	l := loader.New(s.registry, id, opts...)
	if err := l.Mount(s.ctx); err != nil {
		return nil, err
	}
	s.loaders[id] = l
	return l, nil
}

func (s *Server) dropLoader(id string) {
	s.mu.Lock()
	l, ok := s.loaders[id]
	delete(s.loaders, id)
	s.mu.Unlock()
	if ok {
		l.Release()
	}
}

// known reports whether id is registered or can be constructed.
func (s *Server) known(id string) bool {
	return s.registry.Has(id) || s.registry.HasFactory(id)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
