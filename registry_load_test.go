package modhost

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedFactory blocks construction until release is closed.
type gatedFactory struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
	comp    Component
}

func newGatedFactory() *gatedFactory {
	return &gatedFactory{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		comp:    &testComponent{},
	}
}

func (f *gatedFactory) build(ctx context.Context) (ModuleConfig, Component, error) {
	f.calls.Add(1)
	f.started <- struct{}{}
	<-f.release
	if f.err != nil {
		return ModuleConfig{}, nil, f.err
	}
	return ModuleConfig{ID: "widget", Version: "2.0.0"}, f.comp, nil
}

func TestLoad_ActivatesRegistered(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	events := recordEvents(reg.Events())
	require.NoError(t, reg.Register(ctx, ModuleConfig{ID: "tasks"}, &testComponent{}))

	inst, err := reg.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.True(t, inst.IsActive)

	_, err = reg.Load(ctx, "tasks")
	require.NoError(t, err)

	assert.Equal(t, []EventType{EventLoad, EventActivate}, events.types("tasks"), "re-activation of an active module is silent")
}

func TestLoad_ConstructsThroughFactory(t *testing.T) {
	ctx := context.Background()
	comp := &testComponent{}
	reg := NewRegistry(WithFactory("widget", func(context.Context) (ModuleConfig, Component, error) {
		return ModuleConfig{Version: "2.0.0"}, comp, nil
	}))
	events := recordEvents(reg.Events())

	inst, err := reg.Load(ctx, "widget")
	require.NoError(t, err)

	assert.Equal(t, "widget", inst.Config.ID, "empty config id defaults to the requested id")
	assert.True(t, inst.IsLoaded)
	assert.True(t, inst.IsActive)
	assert.Same(t, comp, inst.Component)
	assert.Equal(t, []EventType{EventActivate}, events.types("widget"))
	assert.Equal(t, []string{"widget"}, reg.IDs())
}

func TestLoad_ConcurrentCallsShareConstruction(t *testing.T) {
	factory := newGatedFactory()
	reg := NewRegistry(WithFactory("widget", factory.build))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]ModuleInstance, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = reg.Load(context.Background(), "widget")
		}(i)
	}

	<-factory.started
	require.Eventually(t, func() bool { return reg.Loading("widget") }, time.Second, time.Millisecond)
	assert.Equal(t, 1, reg.Summary().Loading)
	// give the other callers time to join the in-flight construction
	time.Sleep(20 * time.Millisecond)
	close(factory.release)
	wg.Wait()

	assert.Equal(t, int32(1), factory.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, factory.comp, results[i].Component)
		assert.Equal(t, results[0].LoadedAt, results[i].LoadedAt)
	}
	assert.False(t, reg.Loading("widget"))
}

func TestLoad_ConcurrentCallsShareFailure(t *testing.T) {
	factory := newGatedFactory()
	factory.err = errors.New("bundle 404")
	reg := NewRegistry(WithFactory("widget", factory.build))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Load(context.Background(), "widget")
		}(i)
	}
	<-factory.started
	time.Sleep(20 * time.Millisecond)
	close(factory.release)
	wg.Wait()

	assert.Equal(t, int32(1), factory.calls.Load())
	for _, err := range errs {
		assert.Same(t, errs[0], err)
		assert.ErrorIs(t, err, ErrModuleConstruction)
	}
}

func TestLoad_FailureLeavesErrorInstance(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	reg := NewRegistry(WithFactory("reports", func(context.Context) (ModuleConfig, Component, error) {
		attempts++
		if attempts == 1 {
			return ModuleConfig{}, nil, errors.New("network unreachable")
		}
		return ModuleConfig{ID: "reports"}, &testComponent{}, nil
	}))
	events := recordEvents(reg.Events())

	_, err := reg.Load(ctx, "reports")
	var cerr *ModuleConstructionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "reports", cerr.ModuleID)
	assert.True(t, IsConstructionError(err))

	inst, ok := reg.Get("reports")
	require.True(t, ok, "error instance is stored")
	assert.False(t, inst.IsLoaded)
	assert.False(t, inst.IsActive)
	assert.ErrorIs(t, inst.Error, ErrModuleConstruction)
	assert.Equal(t, "module construction failed: reports: network unreachable", inst.ErrorMessage())

	// the next load retries construction
	inst, err = reg.Load(ctx, "reports")
	require.NoError(t, err)
	assert.True(t, inst.IsActive)
	assert.NoError(t, inst.Error)
	assert.Equal(t, []EventType{EventError, EventActivate}, events.types("reports"))
	assert.Equal(t, []string{"reports"}, reg.IDs())
}

func TestLoad_ErrorInstanceSurvivesInitializeAll(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(WithFactory("reports", func(context.Context) (ModuleConfig, Component, error) {
		return ModuleConfig{ID: "reports", Dependencies: []string{"warehouse"}}, nil, errors.New("bundle unavailable")
	}))
	require.NoError(t, reg.Register(ctx, ModuleConfig{ID: "auth"}, &testComponent{}))
	_, err := reg.Load(ctx, "reports")
	require.Error(t, err)

	require.NoError(t, reg.InitializeAll(ctx, InitContext{}), "error instances are skipped")

	inst, ok := reg.Get("reports")
	require.True(t, ok)
	assert.False(t, inst.IsInitialized)
	assert.ErrorIs(t, inst.Error, ErrModuleConstruction)
	assert.Equal(t, 1, reg.Summary().Failed)
	assert.Contains(t, reg.Diagnose(), "reports")

	auth, _ := reg.Get("auth")
	assert.True(t, auth.IsInitialized)

	err = reg.Initialize(ctx, "reports", InitContext{})
	assert.ErrorIs(t, err, ErrModuleConstruction)
	inst, _ = reg.Get("reports")
	assert.ErrorIs(t, inst.Error, ErrModuleConstruction)
}

func TestLoad_ErrorInstanceHasNoDependencies(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(WithFactory("reports", func(context.Context) (ModuleConfig, Component, error) {
		return ModuleConfig{ID: "reports", Version: "2.0.0", Dependencies: []string{"auth"}}, nil, errors.New("bundle unavailable")
	}))
	require.NoError(t, reg.Register(ctx, ModuleConfig{ID: "auth"}, &testComponent{}))
	_, err := reg.Load(ctx, "reports")
	require.Error(t, err)

	inst, _ := reg.Get("reports")
	assert.Equal(t, "2.0.0", inst.Config.Version)
	assert.Empty(t, inst.Config.Dependencies)
	assert.Empty(t, reg.Dependents("auth"))
	assert.NoError(t, reg.Unregister(ctx, "auth"))
}

func TestLoad_FactoryFailures(t *testing.T) {
	tests := []struct {
		name    string
		factory Factory
		wantErr error
	}{
		{
			name:    "no factory",
			wantErr: ErrNoFactory,
		},
		{
			name: "nil component",
			factory: func(context.Context) (ModuleConfig, Component, error) {
				return ModuleConfig{}, nil, nil
			},
			wantErr: ErrNoComponent,
		},
		{
			name: "invalid config",
			factory: func(context.Context) (ModuleConfig, Component, error) {
				return ModuleConfig{Dependencies: []string{"m"}}, &testComponent{}, nil
			},
			wantErr: ErrSelfDependency,
		},
		{
			name: "panic",
			factory: func(context.Context) (ModuleConfig, Component, error) {
				panic("nil pointer")
			},
			wantErr: ErrModuleConstruction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.factory != nil {
				opts = append(opts, WithFactory("m", tt.factory))
			}
			reg := NewRegistry(opts...)

			_, err := reg.Load(context.Background(), "m")

			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrModuleConstruction)
		})
	}
}

func TestLoad_CallerCancellation(t *testing.T) {
	factory := newGatedFactory()
	reg := NewRegistry(WithFactory("widget", factory.build))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := reg.Load(ctx, "widget")
		done <- err
	}()
	<-factory.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// the construction keeps going for later callers
	second := make(chan error, 1)
	go func() {
		_, err := reg.Load(context.Background(), "widget")
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(factory.release)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), factory.calls.Load())
}
