package modhost

import (
	"context"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEvent type prefix and source prefix used when lifecycle events leave
// the process.
const (
	CloudEventTypePrefix = "com.modhost.module."
	CloudEventSource     = "modhost"

	// cloudEventModuleExtension carries the module id as a CloudEvents extension.
	cloudEventModuleExtension = "moduleid"
)

// Observer receives lifecycle events in CloudEvents form. Observers are
// attached with EventBus.Observe and are the hook for external logging,
// metrics or forwarding.
type Observer interface {
	// OnEvent is called synchronously for every matching event.
	// Observers should return quickly; a returned error is logged.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	ObserverID() string
}

// ObserverInfo describes an attached observer.
type ObserverInfo struct {
	ID           string      `json:"id"`
	EventTypes   []EventType `json:"eventTypes"`
	RegisteredAt time.Time   `json:"registeredAt"`
}

// FunctionalObserver turns a function into an Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an Observer from a handler function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent calls the handler.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID returns the observer id.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

// CloudEvent converts the event to the CloudEvents format.
// The id and timestamp are preserved so that observers can correlate with
// the bus history.
func (e ModuleEvent) CloudEvent() (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(e.ID)
	event.SetSource(CloudEventSource + "/" + e.ModuleID)
	event.SetType(CloudEventTypePrefix + string(e.Type))
	event.SetTime(e.Timestamp)
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetExtension(cloudEventModuleExtension, e.ModuleID)

	if e.Data != nil {
		if err := event.SetData(cloudevents.ApplicationJSON, e.Data); err != nil {
			return event, fmt.Errorf("encode event data: %w", err)
		}
	}

	if err := event.Validate(); err != nil {
		return event, fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return event, nil
}
