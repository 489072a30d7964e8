package manifest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a change is applied.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger
func WithWatcherLogger(logger modhost.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithOnApply is called after every reload attempt.
func WithOnApply(fn func(ApplyResult, error)) WatcherOption {
	return func(w *Watcher) {
		w.onApply = fn
	}
}

// WithInitContext makes Reload initialize the modules it registers with
// ictx, so modules added while running pass through the same Init checks as
// those present at startup.
func WithInitContext(ictx modhost.InitContext) WatcherOption {
	return func(w *Watcher) {
		w.ictx = &ictx
	}
}

// Watcher re-applies a manifest file to a registry whenever it changes.
// The parent directory is watched so that editors replacing the file by
// rename are followed.
type Watcher struct {
	path     string
	registry *modhost.Registry
	kinds    Kinds
	debounce time.Duration
	logger   modhost.Logger
	onApply  func(ApplyResult, error)
	ictx     *modhost.InitContext

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the manifest at path.
func NewWatcher(path string, reg *modhost.Registry, kinds Kinds, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		registry: reg,
		kinds:    kinds,
		debounce: DefaultDebounce,
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("Watching manifest", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Manifest watcher error", "path", w.path, "error", err)
		}
	}
}

// Reload reads the manifest and applies it immediately. With an init
// context, newly registered modules are initialized afterwards; init
// failures are joined into the returned error and stay stored on the
// instances.
func (w *Watcher) Reload(ctx context.Context) (ApplyResult, error) {
	m, err := Load(w.path)
	if err != nil {
		return ApplyResult{}, err
	}
	res, err := Apply(ctx, w.registry, m, w.kinds)
	if w.ictx == nil {
		return res, err
	}

	errs := []error{err}
	for _, id := range res.Registered {
		if err := w.registry.Initialize(ctx, id, *w.ictx); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		res, err := w.Reload(ctx)
		if err != nil {
			w.logger.Error("Manifest reload failed", "path", w.path, "error", err)
		} else {
			w.logger.Info("Manifest reloaded", "path", w.path,
				"registered", res.Registered, "updated", res.Updated, "stale", res.Stale)
		}
		if w.onApply != nil {
			w.onApply(res, err)
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
