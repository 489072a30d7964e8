// Package loader drives the loading, retry and error state of one module
// mount on top of a modhost.Registry.
//
// States move from idle to loading and then to success, or to error. With
// retry on error enabled a failure moves to retrying and, after a delay of
// 2^attempt × base delay, back to loading. Once the retry bound is reached
// the loader stays exhausted until Reload is called.
package loader

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/isolation"
)

// State is the state of a Loader.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateSuccess   State = "success"
	StateError     State = "error"
	StateRetrying  State = "retrying"
	StateExhausted State = "exhausted"
)

// ErrReleased is returned by operations on a released loader.
var ErrReleased = errors.New("loader released")

// Loader manages one module mount. It is safe for concurrent use.
type Loader struct {
	id       string
	registry *modhost.Registry
	opts     options
	boundary *isolation.Boundary

	// cbMu is held for reading while a callback runs and for writing while
	// Release marks the loader released.
	cbMu sync.RWMutex

	mu        sync.Mutex
	state     State
	instance  modhost.ModuleInstance
	loaded    bool
	err       error
	retries   int
	gen       uint64
	timer     *time.Timer
	mountCtx  context.Context
	cancel    context.CancelFunc
	subs      []modhost.Subscription
	released  bool
	lastDelay time.Duration
}

// New creates an idle loader for the module id.
func New(registry *modhost.Registry, id string, opts ...Option) *Loader {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Loader{
		id:       id,
		registry: registry,
		opts:     o,
		boundary: isolation.New(id, o.boundaryOpts...),
		state:    StateIdle,
	}
}

// ModuleID returns the id of the loaded module.
func (l *Loader) ModuleID() string {
	return l.id
}

// Mount ties the loader to ctx, subscribes to the registry events of the
// module and, with auto load on, starts loading in the background.
func (l *Loader) Mount(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrReleased
	}
	if l.mountCtx != nil {
		l.mu.Unlock()
		return nil
	}
	l.mountCtx, l.cancel = context.WithCancel(ctx)
	mountCtx := l.mountCtx
	l.mu.Unlock()

	bus := l.registry.Events()
	subs := []modhost.Subscription{
		bus.On(modhost.EventUnload, l.onUnload),
		bus.On(modhost.EventUpdate, l.onUpdate),
	}
	l.mu.Lock()
	l.subs = subs
	l.mu.Unlock()

	if l.opts.autoLoad {
		go func() {
			_ = l.Load(mountCtx)
		}()
	}
	return nil
}

// Load performs one load attempt and waits for it. On failure a retry may
// be scheduled; the returned error is the failure of this attempt.
//
// A Load supersedes any pending retry and any attempt still in flight; only
// the latest attempt updates the state and fires callbacks.
func (l *Loader) Load(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrReleased
	}
	l.stopTimerLocked()
	l.gen++
	l.state = StateLoading
	gen := l.gen
	l.mu.Unlock()

	l.opts.logger.Debug("Loading module", "module", l.id)
	inst, err := l.registry.Load(ctx, l.id)

	l.mu.Lock()
	if l.released || gen != l.gen {
		l.mu.Unlock()
		return err
	}

	if err == nil {
		l.state = StateSuccess
		l.instance = inst
		l.loaded = true
		l.err = nil
		l.retries = 0
		onLoad := l.opts.onLoad
		l.mu.Unlock()

		if onLoad != nil {
			l.fire(gen, func() { onLoad(inst) })
		}
		return nil
	}

	if ctx.Err() != nil {
		l.state = StateIdle
		l.mu.Unlock()
		return err
	}

	l.err = err
	l.state = StateError
	if l.opts.retryOnError {
		if l.retries < l.opts.maxRetries {
			l.scheduleRetryLocked(gen)
		} else {
			l.state = StateExhausted
		}
	}
	state := l.state
	onError := l.opts.onError
	l.mu.Unlock()

	l.opts.logger.Warn("Module load failed", "module", l.id, "state", state, "error", err)
	if onError != nil {
		l.fire(gen, func() { onError(err) })
	}
	return err
}

// fire runs a callback unless the loader was released or a newer attempt
// started. Callbacks must not call Release synchronously.
func (l *Loader) fire(gen uint64, fn func()) {
	l.cbMu.RLock()
	defer l.cbMu.RUnlock()
	l.mu.Lock()
	live := !l.released && gen == l.gen
	l.mu.Unlock()
	if live {
		fn()
	}
}

func (l *Loader) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// scheduleRetryLocked arms the retry timer with a delay of
// 2^retries × base delay.
func (l *Loader) scheduleRetryLocked(gen uint64) {
	delay := l.opts.baseDelay << l.retries
	l.retries++
	l.state = StateRetrying
	l.lastDelay = delay

	ctx := l.mountCtx
	if ctx == nil {
		ctx = context.Background()
	}
	l.stopTimerLocked()
	l.timer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		stale := l.released || gen != l.gen || ctx.Err() != nil
		l.mu.Unlock()
		if stale {
			return
		}
		_ = l.Load(ctx)
	})
}

// Reload clears the error and retry state and loads again.
func (l *Loader) Reload(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrReleased
	}
	l.resetLocked()
	l.mu.Unlock()

	l.boundary.Reset()
	return l.Load(ctx)
}

// Release detaches the loader. Pending retries are cancelled and no
// callback fires afterwards.
func (l *Loader) Release() {
	l.cbMu.Lock()
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		l.cbMu.Unlock()
		return
	}
	l.released = true
	l.gen++
	l.stopTimerLocked()
	if l.cancel != nil {
		l.cancel()
	}
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	l.cbMu.Unlock()

	bus := l.registry.Events()
	for _, sub := range subs {
		bus.Off(sub)
	}
}

// RetryRender clears a render failure caught by the isolation boundary.
func (l *Loader) RetryRender() error {
	return l.boundary.Retry()
}

// RenderFailure returns the render failure the boundary is holding, if any.
func (l *Loader) RenderFailure() *isolation.RenderFailure {
	return l.boundary.Failure()
}

// State returns the current state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the error of the last failed attempt.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Retries returns how many automatic retries have been scheduled since the
// last success or reset.
func (l *Loader) Retries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retries
}

// RetryDelay returns the delay of the most recently scheduled retry.
func (l *Loader) RetryDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastDelay
}

// Instance returns the loaded module snapshot.
func (l *Loader) Instance() (modhost.ModuleInstance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.instance, l.loaded
}

// Render returns the view for the current state. Content is rendered inside
// the loader's isolation boundary with the module UI settings overlaid by
// the configured overrides.
func (l *Loader) Render(ctx context.Context) modhost.View {
	l.mu.Lock()
	state, inst, loaded, err, retries := l.state, l.instance, l.loaded, l.err, l.retries
	l.mu.Unlock()

	switch state {
	case StateSuccess:
		if loaded {
			return l.renderContent(ctx, inst, retries)
		}
	case StateError, StateExhausted:
		return modhost.View{
			Kind:      modhost.ViewError,
			ModuleID:  l.id,
			Message:   fmt.Sprintf("module loading failed: %v", err),
			Retryable: true,
			Attempts:  retries,
		}
	}

	if l.opts.fallback != nil {
		return l.opts.fallback(l.id)
	}
	return modhost.View{
		Kind:     modhost.ViewLoading,
		ModuleID: l.id,
		Message:  fmt.Sprintf("Loading %s...", l.id),
		Attempts: retries,
	}
}

func (l *Loader) renderContent(ctx context.Context, inst modhost.ModuleInstance, retries int) modhost.View {
	props := modhost.Props{
		Config:   inst.Config,
		Settings: mergeSettings(inst.Config.UI, l.opts.overrides),
		Client:   inst.Client,
	}
	res := l.boundary.Render(ctx, func(ctx context.Context) (any, error) {
		if inst.Component == nil {
			return nil, modhost.ErrNoComponent
		}
		return inst.Component.Render(ctx, props)
	})
	if res.Failed() {
		l.opts.logger.Error("Module render failed", "module", l.id, "error", res.Failure.Message, "panicked", res.Failure.Panicked)
		return modhost.View{
			Kind:      modhost.ViewError,
			ModuleID:  l.id,
			Message:   res.Message,
			Retryable: res.CanRetry,
			Attempts:  res.Retries,
		}
	}
	return modhost.View{
		Kind:     modhost.ViewContent,
		ModuleID: l.id,
		Content:  res.Content,
		Attempts: retries,
	}
}

func (l *Loader) onUnload(_ context.Context, ev modhost.ModuleEvent) error {
	if ev.ModuleID != l.id {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
	l.state = StateIdle
	l.loaded = false
	l.instance = modhost.ModuleInstance{}
	return nil
}

func (l *Loader) onUpdate(_ context.Context, ev modhost.ModuleEvent) error {
	if ev.ModuleID != l.id {
		return nil
	}
	inst, ok := l.registry.Get(l.id)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		l.instance = inst
	}
	return nil
}

func (l *Loader) resetLocked() {
	l.gen++
	l.stopTimerLocked()
	l.err = nil
	l.retries = 0
}

func mergeSettings(ui, overrides map[string]any) map[string]any {
	settings := maps.Clone(ui)
	if settings == nil {
		settings = make(map[string]any, len(overrides))
	}
	maps.Copy(settings, overrides)
	return settings
}
