package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrBusClosed indicates the event bus has been stopped.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the asynchronous queue cannot take more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handler is subscribed to the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event is a notification raised by a workflow instance.
type Event struct {
	Type       string
	InstanceID uint64
	Activity   string   // activity whose completion raised the event
	Current    []string // frontier ids after the event
	Data       map[string]interface{}
}

// EventHandler consumes events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus dispatches events to subscribed handlers, either through a
// buffered queue drained by one goroutine or synchronously.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]subscription
	nextID     uint64
	eventCh    chan Event
	errHandler func(event Event, err error)
	logger     *slog.Logger
	wg         sync.WaitGroup
	closeMu    sync.RWMutex
	closed     bool
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the asynchronous queue size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler replaces the handler receiving errors of queued events.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.logger = logger
	}
}

// NewEventBus starts a bus with a queue of 100 events unless configured otherwise.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]subscription),
		eventCh:  make(chan Event, 100),
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(eb)
	}
	if eb.errHandler == nil {
		eb.errHandler = eb.logError
	}

	eb.wg.Add(1)
	go eb.processEvents()
	return eb
}

// Subscribe registers handler for eventType and returns a function removing it.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})
	return func() { eb.unsubscribe(eventType, id) }
}

// SubscribeFunc registers a function handler.
func (eb *EventBus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) (unsubscribe func()) {
	return eb.Subscribe(eventType, EventHandlerFunc(fn))
}

func (eb *EventBus) unsubscribe(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		rest := make([]subscription, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(eb.handlers, eventType)
		} else {
			eb.handlers[eventType] = rest
		}
		return
	}
}

// HasSubscribers reports whether any handler listens to eventType.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0
}

// Publish queues event for asynchronous delivery. It never blocks.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers event to every handler in subscription order on the
// calling goroutine and returns the handler errors.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.snapshot(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	return dispatch(ctx, handlers, event)
}

// Stop discards queued events and waits for the dispatcher to exit.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()
	eb.wg.Wait()
}

func (eb *EventBus) snapshot(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.handlers[eventType]
	out := make([]EventHandler, len(subs))
	for i, s := range subs {
		out[i] = s.handler
	}
	return out
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()
	for event := range eb.eventCh {
		for _, err := range dispatch(context.Background(), eb.snapshot(event.Type), event) {
			eb.errHandler(event, err)
		}
	}
}

func dispatch(ctx context.Context, handlers []EventHandler, event Event) []error {
	var errs []error
	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return append(errs, err)
		}
		if err := h.Handle(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		slog.String("event", event.Type),
		slog.Uint64("instance_id", event.InstanceID),
		slog.String("activity", event.Activity),
		slog.Any("error", err))
}
