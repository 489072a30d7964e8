package modhost

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHistorySize bounds the event history kept by an EventBus.
const DefaultHistorySize = 256

// Listener handles one lifecycle event. A returned error is reported to the
// bus logger and never stops delivery to the remaining listeners.
type Listener func(ctx context.Context, event ModuleEvent) error

// Subscription identifies a registered listener. It is a comparable value
// and can be passed to Off at any time, including from inside a listener.
type Subscription struct {
	id string
}

// ID returns the subscription id.
func (s Subscription) ID() string {
	return s.id
}

type subscriber struct {
	id       string
	types    map[EventType]struct{} // nil matches every type
	fn       Listener
	once     bool
	fired    atomic.Bool
	observer *ObserverInfo
}

func (s *subscriber) matches(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// BusLogger sets the diagnostic sink for listener failures.
func BusLogger(logger Logger) BusOption {
	return func(b *EventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// BusHistorySize sets how many events History keeps. Zero disables history.
func BusHistorySize(n int) BusOption {
	return func(b *EventBus) {
		if n >= 0 {
			b.historySize = n
		}
	}
}

// BusClock overrides time.Now for event timestamps.
func BusClock(now func() time.Time) BusOption {
	return func(b *EventBus) {
		if now != nil {
			b.now = now
		}
	}
}

// EventBus is a synchronous publish/subscribe channel for ModuleEvents.
//
// Delivery of one event happens on the emitting goroutine, in subscription
// order. Each listener call is guarded, so a listener that fails or panics
// does not prevent delivery to the listeners after it.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	history     []ModuleEvent
	historySize int
	logger      Logger
	now         func() time.Time
}

// NewEventBus creates an empty bus.
func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{
		historySize: DefaultHistorySize,
		logger:      nopLogger{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers listener for events of the given type.
func (b *EventBus) On(eventType EventType, listener Listener) Subscription {
	return b.subscribe(&subscriber{types: typeSet(eventType), fn: listener})
}

// OnAny registers listener for every event type.
func (b *EventBus) OnAny(listener Listener) Subscription {
	return b.subscribe(&subscriber{fn: listener})
}

// Once registers listener for the next event of the given type only.
func (b *EventBus) Once(eventType EventType, listener Listener) Subscription {
	return b.subscribe(&subscriber{types: typeSet(eventType), fn: listener, once: true})
}

// Off removes a subscription. Removing an unknown subscription is a no-op.
func (b *EventBus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = slices.DeleteFunc(b.subscribers, func(s *subscriber) bool {
		return s.id == sub.id
	})
}

// Observe attaches a CloudEvents observer. With no types the observer
// receives every event.
func (b *EventBus) Observe(observer Observer, types ...EventType) Subscription {
	info := &ObserverInfo{
		ID:           observer.ObserverID(),
		EventTypes:   slices.Clone(types),
		RegisteredAt: b.now(),
	}
	return b.subscribe(&subscriber{
		types:    typeSet(types...),
		observer: info,
		fn: func(ctx context.Context, event ModuleEvent) error {
			ce, err := event.CloudEvent()
			if err != nil {
				return err
			}
			return observer.OnEvent(ctx, ce)
		},
	})
}

// Observers describes the attached observers.
func (b *EventBus) Observers() []ObserverInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var infos []ObserverInfo
	for _, s := range b.subscribers {
		if s.observer != nil {
			infos = append(infos, *s.observer)
		}
	}
	return infos
}

// Emit records an event and delivers it to the matching listeners.
func (b *EventBus) Emit(ctx context.Context, eventType EventType, moduleID string, data any) ModuleEvent {
	event := ModuleEvent{
		ID:        generateEventID(),
		Type:      eventType,
		ModuleID:  moduleID,
		Timestamp: b.now(),
		Data:      data,
	}

	b.mu.Lock()
	if b.historySize > 0 {
		b.history = append(b.history, event)
		if over := len(b.history) - b.historySize; over > 0 {
			b.history = slices.Delete(b.history, 0, over)
		}
	}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.matches(eventType) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			b.Off(Subscription{id: s.id})
		}
		b.dispatch(ctx, s, event)
	}
	return event
}

// History returns the recorded events, oldest first.
func (b *EventBus) History() []ModuleEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.history)
}

// ListenerCount returns the number of subscriptions matching eventType.
func (b *EventBus) ListenerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subscribers {
		if s.matches(eventType) {
			n++
		}
	}
	return n
}

func (b *EventBus) subscribe(s *subscriber) Subscription {
	s.id = generateEventID()
	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()
	return Subscription{id: s.id}
}

func (b *EventBus) dispatch(ctx context.Context, s *subscriber, event ModuleEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				"event", event.Type, "module", event.ModuleID, "subscription", s.id, "panic", fmt.Sprint(r))
		}
	}()
	if err := s.fn(ctx, event); err != nil {
		attrs := []any{"event", event.Type, "module", event.ModuleID, "subscription", s.id, "error", err}
		if s.observer != nil {
			attrs = append(attrs, "observer", s.observer.ID)
		}
		b.logger.Error("Event listener failed", attrs...)
	}
}

func typeSet(types ...EventType) map[EventType]struct{} {
	if len(types) == 0 {
		return nil
	}
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}
