// Package eventbus provides the engine's in-process event bus
package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelEventBus dispatches events to subscribers from a fixed worker pool
type ChannelEventBus struct {
	subscribers    map[EventType]map[string]EventHandler
	allSubscribers map[string]EventHandler
	mutex          sync.RWMutex

	eventChan chan queuedEvent
	wg        sync.WaitGroup

	closed   bool
	closedMu sync.RWMutex

	bufferSize    int
	workerCount   int
	maxRetries    int
	retryInterval time.Duration
}

// queuedEvent bundles an event with the context its handlers run under
type queuedEvent struct {
	ctx   context.Context
	event Event
}

// ChannelEventBusOption configures the channel-based event bus
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.bufferSize = size
	}
}

// WithWorkerCount sets the number of dispatch workers
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.workerCount = count
	}
}

// WithRetries configures handler retries
func WithRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.maxRetries = maxRetries
		eb.retryInterval = retryInterval
	}
}

// NewChannelEventBus creates a channel-based event bus and starts its workers
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subscribers:    make(map[EventType]map[string]EventHandler),
		allSubscribers: make(map[string]EventHandler),
		bufferSize:     256,
		workerCount:    2,
		maxRetries:     1,
		retryInterval:  50 * time.Millisecond,
	}
	for _, option := range options {
		option(eb)
	}
	if eb.workerCount < 1 {
		eb.workerCount = 1
	}

	eb.eventChan = make(chan queuedEvent, eb.bufferSize)
	for i := 0; i < eb.workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

// worker dispatches queued events until the channel is closed
func (eb *ChannelEventBus) worker() {
	defer eb.wg.Done()
	for evt := range eb.eventChan {
		eb.dispatch(evt)
	}
}

// dispatch copies the relevant handlers under the read lock and runs them unlocked,
// so handlers may subscribe or unsubscribe without deadlocking.
func (eb *ChannelEventBus) dispatch(evt queuedEvent) {
	eb.mutex.RLock()
	handlers := make([]EventHandler, 0, len(eb.allSubscribers)+len(eb.subscribers[evt.event.Type()]))
	for _, handler := range eb.subscribers[evt.event.Type()] {
		handlers = append(handlers, handler)
	}
	for _, handler := range eb.allSubscribers {
		handlers = append(handlers, handler)
	}
	eb.mutex.RUnlock()

	for _, handler := range handlers {
		eb.executeHandler(evt.ctx, evt.event, handler)
	}
}

// executeHandler runs a handler with retries
func (eb *ChannelEventBus) executeHandler(ctx context.Context, event Event, handler EventHandler) {
	var err error
	for attempt := 0; attempt <= eb.maxRetries; attempt++ {
		if err = handler(ctx, event); err == nil {
			return
		}
		if attempt < eb.maxRetries {
			time.Sleep(eb.retryInterval)
		}
	}
	log.Printf("Event handler error (event_type: %s, run_id: %s, retries: %d): %v",
		event.Type(), event.RunID(), eb.maxRetries, err)
}

// Publish queues an event. Handlers run detached from ctx's cancellation so that
// terminal events for a cancelled query are still delivered.
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	eb.closedMu.RLock()
	defer eb.closedMu.RUnlock()
	if eb.closed {
		return fmt.Errorf("event bus is closed")
	}

	queued := queuedEvent{ctx: context.WithoutCancel(ctx), event: event}
	select {
	case eb.eventChan <- queued:
		return nil
	default:
	}

	// Buffer is full: wait for room unless the publisher gives up.
	select {
	case eb.eventChan <- queued:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for specific event types
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return "", fmt.Errorf("at least one event type is required")
	}
	if eb.isClosed() {
		return "", fmt.Errorf("event bus is closed")
	}

	subscriptionID := uuid.New().String()

	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	for _, eventType := range eventTypes {
		if _, exists := eb.subscribers[eventType]; !exists {
			eb.subscribers[eventType] = make(map[string]EventHandler)
		}
		eb.subscribers[eventType][subscriptionID] = handler
	}
	return subscriptionID, nil
}

// SubscribeAll registers a handler for all event types
func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if eb.isClosed() {
		return "", fmt.Errorf("event bus is closed")
	}

	subscriptionID := uuid.New().String()

	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	eb.allSubscribers[subscriptionID] = handler
	return subscriptionID, nil
}

// Unsubscribe removes a subscription by ID
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	delete(eb.allSubscribers, subscriptionID)
	for eventType := range eb.subscribers {
		delete(eb.subscribers[eventType], subscriptionID)
	}
	return nil
}

// Close stops accepting events, drains the queue and waits for the workers
func (eb *ChannelEventBus) Close() error {
	eb.closedMu.Lock()
	if eb.closed {
		eb.closedMu.Unlock()
		return nil
	}
	eb.closed = true
	close(eb.eventChan)
	eb.closedMu.Unlock()

	eb.wg.Wait()
	return nil
}

func (eb *ChannelEventBus) isClosed() bool {
	eb.closedMu.RLock()
	defer eb.closedMu.RUnlock()
	return eb.closed
}
