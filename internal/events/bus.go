package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives published events. Handlers must not block; slow
// consumers (like SSE streams) should buffer internally and drop.
type Handler func(event *Event)

// Bus is a synchronous in-process publish/subscribe fan-out.
// Publish calls every subscribed handler on the publisher's goroutine,
// so ordering is preserved per publisher. Subscribe is safe to call
// concurrently with Publish.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers the event to all handlers subscribed to its type.
// A panicking handler is logged and does not affect other handlers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.safeCall(handler, event)
	}
}

func (b *Bus) safeCall(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
