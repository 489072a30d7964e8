package modhost

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus := NewEventBus()
	var got []string
	for i := 1; i <= 3; i++ {
		i := i
		bus.On(EventLoad, func(context.Context, ModuleEvent) error {
			got = append(got, fmt.Sprintf("l%d", i))
			return nil
		})
	}
	bus.On(EventUnload, func(context.Context, ModuleEvent) error {
		got = append(got, "unload")
		return nil
	})

	bus.Emit(context.Background(), EventLoad, "tasks", nil)

	assert.Equal(t, []string{"l1", "l2", "l3"}, got)
}

func TestEventBus_FailingListenersDoNotStopDelivery(t *testing.T) {
	logger := newRecordingLogger()
	bus := NewEventBus(BusLogger(logger))
	delivered := 0

	bus.On(EventError, func(context.Context, ModuleEvent) error {
		panic("listener bug")
	})
	bus.On(EventError, func(context.Context, ModuleEvent) error {
		return errors.New("listener error")
	})
	bus.On(EventError, func(context.Context, ModuleEvent) error {
		delivered++
		return nil
	})

	assert.NotPanics(t, func() {
		bus.Emit(context.Background(), EventError, "chat", nil)
	})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"Event listener panicked", "Event listener failed"}, logger.messages("error"))
}

func TestEventBus_Off(t *testing.T) {
	bus := NewEventBus()
	calls := 0
	sub := bus.On(EventUpdate, func(context.Context, ModuleEvent) error {
		calls++
		return nil
	})

	bus.Emit(context.Background(), EventUpdate, "tasks", nil)
	bus.Off(sub)
	bus.Emit(context.Background(), EventUpdate, "tasks", nil)
	bus.Off(sub)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.ListenerCount(EventUpdate))
}

func TestEventBus_OffFromInsideListener(t *testing.T) {
	bus := NewEventBus()
	calls := 0
	var sub Subscription
	sub = bus.On(EventLoad, func(context.Context, ModuleEvent) error {
		calls++
		bus.Off(sub)
		return nil
	})

	bus.Emit(context.Background(), EventLoad, "a", nil)
	bus.Emit(context.Background(), EventLoad, "b", nil)

	assert.Equal(t, 1, calls)
}

func TestEventBus_Once(t *testing.T) {
	bus := NewEventBus()
	var modules []string
	bus.Once(EventActivate, func(_ context.Context, ev ModuleEvent) error {
		modules = append(modules, ev.ModuleID)
		return nil
	})

	bus.Emit(context.Background(), EventActivate, "a", nil)
	bus.Emit(context.Background(), EventActivate, "b", nil)

	assert.Equal(t, []string{"a"}, modules)
	assert.Equal(t, 0, bus.ListenerCount(EventActivate))
}

func TestEventBus_EventFields(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	bus := NewEventBus(BusClock(func() time.Time { return now }))

	ev := bus.Emit(context.Background(), EventUpdate, "tasks", map[string]any{"version": "1.1.0"})

	id, err := uuid.Parse(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, EventUpdate, ev.Type)
	assert.Equal(t, "tasks", ev.ModuleID)
	assert.Equal(t, now, ev.Timestamp)
	assert.Equal(t, map[string]any{"version": "1.1.0"}, ev.Data)
}

func TestEventBus_HistoryIsBounded(t *testing.T) {
	bus := NewEventBus(BusHistorySize(3))
	for i := 0; i < 5; i++ {
		bus.Emit(context.Background(), EventLoad, fmt.Sprintf("m%d", i), nil)
	}

	history := bus.History()
	require.Len(t, history, 3)
	assert.Equal(t, "m2", history[0].ModuleID)
	assert.Equal(t, "m4", history[2].ModuleID)

	disabled := NewEventBus(BusHistorySize(0))
	disabled.Emit(context.Background(), EventLoad, "m", nil)
	assert.Empty(t, disabled.History())
}

func TestEventBus_Observe(t *testing.T) {
	bus := NewEventBus()
	var received []cloudevents.Event
	observer := NewFunctionalObserver("audit", func(_ context.Context, ev cloudevents.Event) error {
		received = append(received, ev)
		return nil
	})

	bus.Observe(observer, EventError, EventActivate)
	bus.Emit(context.Background(), EventLoad, "tasks", nil)
	emitted := bus.Emit(context.Background(), EventError, "tasks", map[string]any{"error": "boom"})

	require.Len(t, received, 1)
	ce := received[0]
	assert.Equal(t, emitted.ID, ce.ID())
	assert.Equal(t, "com.modhost.module.error", ce.Type())
	assert.Equal(t, "modhost/tasks", ce.Source())
	assert.Equal(t, "tasks", ce.Extensions()["moduleid"])

	var data map[string]string
	require.NoError(t, ce.DataAs(&data))
	assert.Equal(t, "boom", data["error"])

	infos := bus.Observers()
	require.Len(t, infos, 1)
	assert.Equal(t, "audit", infos[0].ID)
	assert.Equal(t, []EventType{EventError, EventActivate}, infos[0].EventTypes)
}

func TestEventBus_ObserveAllTypes(t *testing.T) {
	bus := NewEventBus()
	count := 0
	bus.Observe(NewFunctionalObserver("all", func(context.Context, cloudevents.Event) error {
		count++
		return nil
	}))

	for _, typ := range EventTypes() {
		bus.Emit(context.Background(), typ, "tasks", nil)
	}

	assert.Equal(t, len(EventTypes()), count)
}

func TestModuleEvent_CloudEventWithoutData(t *testing.T) {
	ev := ModuleEvent{ID: "e-1", Type: EventUnload, ModuleID: "chat", Timestamp: time.Now()}

	ce, err := ev.CloudEvent()
	require.NoError(t, err)
	assert.Empty(t, ce.Data())
	assert.Equal(t, cloudevents.VersionV1, ce.SpecVersion())
}
