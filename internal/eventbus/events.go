package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Loop lifecycle event types
const (
	// Query events
	EventQueryStarted   EventType = "query_started"
	EventQueryDone      EventType = "query_done"
	EventQueryFailed    EventType = "query_failed"
	EventQueryCancelled EventType = "query_cancelled"

	// Async run events
	EventAsyncStarted   EventType = "async_started"
	EventAsyncCancelled EventType = "async_cancelled"

	// Retrieval events
	EventDatasetsRetrieved EventType = "datasets_retrieved"
	EventNoRelevantData    EventType = "no_relevant_data"

	// Planning events
	EventOracleRequested EventType = "oracle_requested"
	EventOracleResponded EventType = "oracle_responded"
	EventOracleFailed    EventType = "oracle_failed"

	// Tool events
	EventToolStarted   EventType = "tool_started"
	EventToolSucceeded EventType = "tool_succeeded"
	EventToolFailed    EventType = "tool_failed"
	EventToolRetried   EventType = "tool_retried"
	EventToolDiscarded EventType = "tool_discarded"

	// Store events
	EventLayerReplaced EventType = "layer_replaced"
	EventLayerRemoved  EventType = "layer_removed"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the engine
type Event interface {
	// Type returns the event type
	Type() EventType

	// RunID returns the id of the query run that produced the event, if any
	RunID() string

	// Payload returns the event data
	Payload() interface{}

	// Metadata returns additional information about the event
	Metadata() map[string]interface{}

	// Timestamp returns when the event occurred
	Timestamp() time.Time

	// Source returns the component that generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish queues an event for all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types and returns a subscription ID
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for every event type
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID
	Unsubscribe(subscriptionID string) error

	// Close drains queued events and shuts the bus down
	Close() error
}

// BaseEvent is the default Event implementation
type BaseEvent struct {
	eventType EventType
	runID     string
	payload   interface{}
	metadata  map[string]interface{}
	timestamp time.Time
	source    string
}

// NewEvent creates a new BaseEvent
func NewEvent(eventType EventType, runID string, payload interface{}, source string, metadata map[string]interface{}) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &BaseEvent{
		eventType: eventType,
		runID:     runID,
		payload:   payload,
		metadata:  metadata,
		timestamp: time.Now(),
		source:    source,
	}
}

func (e *BaseEvent) Type() EventType                  { return e.eventType }
func (e *BaseEvent) RunID() string                    { return e.runID }
func (e *BaseEvent) Payload() interface{}             { return e.payload }
func (e *BaseEvent) Metadata() map[string]interface{} { return e.metadata }
func (e *BaseEvent) Timestamp() time.Time             { return e.timestamp }
func (e *BaseEvent) Source() string                   { return e.source }

// WithMetadata adds a metadata entry and returns the same event
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata[key] = value
	return e
}
