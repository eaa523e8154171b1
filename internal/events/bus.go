package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an asynchronous publish-subscribe hub. Channel loops emit
// into it; telemetry, the session journal and the status API subscribe.
// Handlers never run on the emitting goroutine, so a slow subscriber
// cannot stall a channel.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	counts   map[EventType]uint64
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		counts:   make(map[EventType]uint64),
	}
}

// Subscribe registers handler under name for each of the given types.
func (eb *EventBus) Subscribe(name string, handler HandlerFunc, types ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, t := range types {
		eb.handlers[t] = append(eb.handlers[t], handlerEntry{
			name:    name,
			handler: handler,
		})

		log.Debug().
			Str("event", string(t)).
			Str("handler", name).
			Msg("subscribed to event")
	}
}

// Unsubscribe removes every handler registered under name.
func (eb *EventBus) Unsubscribe(name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for t, handlers := range eb.handlers {
		filtered := handlers[:0:0]
		for _, h := range handlers {
			if h.name != name {
				filtered = append(filtered, h)
			}
		}
		eb.handlers[t] = filtered
	}
}

// Emit publishes an event to all subscribed handlers, each in its own
// goroutine.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	handlers := eb.snapshot(event.Type, true)
	if handlers == nil {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		h := h
		go func() {
			defer eb.wg.Done()
			eb.run(ctx, h, event)
		}()
	}
}

// EmitSync publishes an event and waits for all handlers to complete.
// Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	handlers := eb.snapshot(event.Type, false)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, h := range handlers {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eb.run(ctx, h, event); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}()
	}

	wg.Wait()
	return firstErr
}

// snapshot counts the event and copies its handler list. It returns nil
// once the bus is stopped. With track set the handlers are added to the
// in-flight group that Stop waits for.
func (eb *EventBus) snapshot(t EventType, track bool) []handlerEntry {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return nil
	}
	eb.counts[t]++

	handlers := eb.handlers[t]
	if len(handlers) == 0 {
		return nil
	}
	if track {
		eb.wg.Add(len(handlers))
	}
	return append([]handlerEntry(nil), handlers...)
}

func (eb *EventBus) run(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Counts returns how many events of each type have been emitted.
func (eb *EventBus) Counts() map[EventType]uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	result := make(map[EventType]uint64, len(eb.counts))
	for t, n := range eb.counts {
		result[t] = n
	}
	return result
}

// Stop stops accepting new events and waits for in-flight handlers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	eb.stopped = true
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}
