package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one delivery lifecycle event.
type Event struct {
	Type      string         // e.g. "delivery.stream_started"
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Events is a synchronous topic-based pub/sub for delivery lifecycle events.
// Subscribers must not block; handlers run inline on the emitting goroutine.
type Events struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	logger   *slog.Logger
}

func NewEvents(logger *slog.Logger) *Events {
	return &Events{
		handlers: make(map[string][]EventHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type. Use "*" for all events.
func (e *Events) On(eventType string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], handler)
}

// Emit publishes an event to all matching handlers. A panicking handler is
// logged and does not take down the emitter.
func (e *Events) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.handlers[event.Type])+len(e.handlers["*"]))
	handlers = append(handlers, e.handlers[event.Type]...)
	handlers = append(handlers, e.handlers["*"]...)
	e.mu.RUnlock()

	for _, h := range handlers {
		func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event handler panic", "event", event.Type, "panic", r)
				}
			}()
			h(event)
		}(h)
	}
}

// --- Well-known event types ---
const (
	EventStreamStarted  = "delivery.stream_started"
	EventStreamFallback = "delivery.stream_fallback"
	EventReplyDelivered = "delivery.reply_delivered"
	EventReplyDropped   = "delivery.reply_dropped"
	EventResponseDone   = "delivery.response_done"
)
