// Package refresh periodically refreshes modules that declare
// features.autoRefreshInterval.
//
// The Scheduler keeps one cron entry per module and follows the registry's
// lifecycle events, so modules registered, reconfigured or removed at
// runtime are picked up without a restart.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/robfig/cron/v3"
)

// DefaultTimeout bounds one refresh run.
const DefaultTimeout = 30 * time.Second

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger modhost.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeout bounds each refresh run.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithActiveOnly restricts refreshes to active modules.
func WithActiveOnly(activeOnly bool) Option {
	return func(s *Scheduler) {
		s.activeOnly = activeOnly
	}
}

type entry struct {
	id       cron.EntryID
	interval time.Duration
}

// Scheduler drives Registry.Refresh on each module's refresh interval.
type Scheduler struct {
	registry   *modhost.Registry
	logger     modhost.Logger
	timeout    time.Duration
	activeOnly bool

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]entry
	subs    []modhost.Subscription
	started bool
}

// New creates a scheduler for reg. Call Start to begin refreshing.
func New(reg *modhost.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry: reg,
		logger:   nopLogger{},
		timeout:  DefaultTimeout,
		entries:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	return s
}

// Start schedules every registered module and follows registry events.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	bus := s.registry.Events()
	resync := func(context.Context, modhost.ModuleEvent) error {
		s.Sync()
		return nil
	}
	s.subs = []modhost.Subscription{
		bus.On(modhost.EventLoad, resync),
		bus.On(modhost.EventUpdate, resync),
		bus.On(modhost.EventUnload, resync),
		bus.On(modhost.EventActivate, resync),
	}
	s.mu.Unlock()

	s.Sync()
	s.cron.Start()
	s.logger.Info("Refresh scheduler started", "modules", s.Scheduled())
}

// Stop stops scheduling and waits for running refreshes to finish or ctx
// to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	for _, sub := range s.subs {
		s.registry.Events().Off(sub)
	}
	s.subs = nil
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Refresh scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync reconciles the cron entries with the registry: modules with a
// positive refresh interval get an entry, changed intervals are
// rescheduled and entries of removed modules are dropped.
func (s *Scheduler) Sync() {
	want := make(map[string]time.Duration)
	for _, inst := range s.registry.List() {
		if d := inst.Config.Features.AutoRefreshInterval; d > 0 {
			want[inst.Config.ID] = d
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if d, ok := want[id]; !ok || d != e.interval {
			s.cron.Remove(e.id)
			delete(s.entries, id)
			s.logger.Debug("Refresh unscheduled", "module", id)
		}
	}
	for id, d := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		moduleID := id
		eid := s.cron.Schedule(cron.Every(d), cron.FuncJob(func() { s.run(moduleID) }))
		s.entries[id] = entry{id: eid, interval: d}
		s.logger.Debug("Refresh scheduled", "module", id, "interval", d.String())
	}
}

// Scheduled returns the number of modules with a refresh entry.
func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Interval returns the interval a module is scheduled with.
func (s *Scheduler) Interval(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e.interval, ok
}

// Next returns the next planned refresh of a module. It is zero until the
// scheduler is started.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(e.id).Next, true
}

func (s *Scheduler) run(id string) {
	if s.activeOnly {
		inst, ok := s.registry.Get(id)
		if !ok || !inst.IsActive {
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.registry.Refresh(ctx, id); err != nil {
		s.logger.Warn("Scheduled refresh failed", "module", id, "error", err)
	}
}

// cronLogger adapts modhost.Logger to cron.Logger.
type cronLogger struct {
	logger modhost.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
