// Package isolation contains render failures so that one broken dashboard
// module never takes its siblings down with it.
//
// A Boundary wraps the render of a single module. Errors and panics raised
// by the render are captured as a RenderFailure, and the boundary keeps
// returning a fallback Result until it is reset through Retry. Retries are
// bounded; once exhausted the fallback asks the user to reload the page or
// contact support.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultMaxRetries bounds Retry when no explicit limit is configured.
const DefaultMaxRetries = 3

// ErrRetriesExhausted is returned by Retry once the bound is reached.
var ErrRetriesExhausted = errors.New("render retries exhausted")

// RenderFunc produces a module's output.
type RenderFunc func(ctx context.Context) (any, error)

// RenderFailure is the structured record of a caught render failure.
type RenderFailure struct {
	Module    string    `json:"module"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Details carries the error type or, for panics, the stack.
	Details string `json:"details,omitempty"`

	// Panicked is true when the render panicked instead of returning an error.
	Panicked bool `json:"panicked"`

	Err error `json:"-"`
}

func (f *RenderFailure) Error() string {
	return fmt.Sprintf("module %s render failed: %s", f.Module, f.Message)
}

func (f *RenderFailure) Unwrap() error {
	return f.Err
}

// Result is what a Boundary renders: either the module content or a
// fallback describing the failure.
type Result struct {
	Content  any            `json:"content,omitempty"`
	Failure  *RenderFailure `json:"failure,omitempty"`
	CanRetry bool           `json:"canRetry"`
	Retries  int            `json:"retries"`
	Message  string         `json:"message,omitempty"`
}

// Failed reports whether the result is a fallback.
func (r Result) Failed() bool {
	return r.Failure != nil
}

// Option configures a Boundary.
type Option func(*Boundary)

// WithMaxRetries sets the retry bound. Values below zero are ignored.
func WithMaxRetries(n int) Option {
	return func(b *Boundary) {
		if n >= 0 {
			b.maxRetries = n
		}
	}
}

// WithOnError registers a hook invoked for every captured failure.
func WithOnError(fn func(*RenderFailure)) Option {
	return func(b *Boundary) {
		b.onError = fn
	}
}

// WithOnReset registers a hook invoked whenever a retry clears the failure.
func WithOnReset(fn func(retries int)) Option {
	return func(b *Boundary) {
		b.onReset = fn
	}
}

// WithAutoReset makes the boundary retry on its own once a failure is at
// least d old. Automatic retries count against the same bound.
func WithAutoReset(d time.Duration) Option {
	return func(b *Boundary) {
		b.autoReset = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Boundary) {
		if now != nil {
			b.now = now
		}
	}
}

// Boundary is a stateful render-time fault barrier for one module.
type Boundary struct {
	mu         sync.Mutex
	module     string
	maxRetries int
	retries    int
	failure    *RenderFailure
	autoReset  time.Duration
	onError    func(*RenderFailure)
	onReset    func(int)
	now        func() time.Time
}

// New creates a boundary for the named module.
func New(module string, opts ...Option) *Boundary {
	b := &Boundary{
		module:     module,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Render runs fn unless a failure is pending, in which case the fallback
// is returned without invoking fn.
func (b *Boundary) Render(ctx context.Context, fn RenderFunc) Result {
	b.mu.Lock()
	if b.failure != nil && b.autoReset > 0 && b.retries < b.maxRetries &&
		b.now().Sub(b.failure.Timestamp) >= b.autoReset {
		b.resetLocked()
	}
	if b.failure != nil {
		res := b.fallbackLocked()
		b.mu.Unlock()
		return res
	}
	retries := b.retries
	b.mu.Unlock()

	content, failure := b.run(ctx, fn)
	if failure == nil {
		return Result{Content: content, Retries: retries}
	}

	b.mu.Lock()
	b.failure = failure
	res := b.fallbackLocked()
	onError := b.onError
	b.mu.Unlock()

	if onError != nil {
		onError(failure)
	}
	return res
}

// Retry clears the captured failure so the next Render runs the content
// again. It fails with ErrRetriesExhausted once the bound is reached.
func (b *Boundary) Retry() error {
	b.mu.Lock()
	if b.retries >= b.maxRetries {
		b.mu.Unlock()
		return ErrRetriesExhausted
	}
	retries := b.resetLocked()
	onReset := b.onReset
	b.mu.Unlock()

	if onReset != nil {
		onReset(retries)
	}
	return nil
}

// CanRetry reports whether a retry is still allowed.
func (b *Boundary) CanRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retries < b.maxRetries
}

// Failure returns the pending failure, if any.
func (b *Boundary) Failure() *RenderFailure {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}

// Retries returns how many retries have been used.
func (b *Boundary) Retries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retries
}

// Reset clears the failure and the retry counter, as a full reload would.
func (b *Boundary) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failure = nil
	b.retries = 0
}

func (b *Boundary) resetLocked() int {
	b.failure = nil
	b.retries++
	return b.retries
}

func (b *Boundary) fallbackLocked() Result {
	canRetry := b.retries < b.maxRetries
	msg := fmt.Sprintf("%s could not be displayed: %s", b.module, b.failure.Message)
	if !canRetry {
		msg = fmt.Sprintf("%s could not be displayed after %d retries; reload the page or contact support", b.module, b.retries)
	}
	return Result{
		Failure:  b.failure,
		CanRetry: canRetry,
		Retries:  b.retries,
		Message:  msg,
	}
}

func (b *Boundary) run(ctx context.Context, fn RenderFunc) (content any, failure *RenderFailure) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			failure = &RenderFailure{
				Module:    b.module,
				Message:   err.Error(),
				Timestamp: b.now(),
				Details:   string(debug.Stack()),
				Panicked:  true,
				Err:       err,
			}
			content = nil
		}
	}()

	content, err := fn(ctx)
	if err != nil {
		return nil, &RenderFailure{
			Module:    b.module,
			Message:   err.Error(),
			Timestamp: b.now(),
			Details:   fmt.Sprintf("%T", err),
			Err:       err,
		}
	}
	return content, nil
}
