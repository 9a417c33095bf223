// Package eventbus delivers named events to callbacks registered by application code.
package eventbus

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/empirekit/internal/telemetry"
)

// Handler receives the payload of a triggered event.
type Handler func(payload any)

// Bus maps event names to ordered handler lists.
// Handlers run synchronously on the triggering goroutine, in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	triggeredCounter  metric.Int64Counter
	mismatchedCounter metric.Int64Counter
}

// New constructs an empty bus.
func New() *Bus {
	bus := new(Bus)
	bus.handlers = make(map[string][]Handler)

	meter := otel.Meter("eventbus")
	bus.triggeredCounter, _ = meter.Int64Counter("eventbus.events.triggered",
		metric.WithDescription("Number of events triggered on the bus"),
		metric.WithUnit("{event}"))
	bus.mismatchedCounter, _ = meter.Int64Counter("eventbus.delivery.mismatched",
		metric.WithDescription("Number of deliveries skipped by typed subscribers due to payload type"),
		metric.WithUnit("{event}"))
	return bus
}

// On appends handler to the subscriber list of name. Registering the same
// handler twice makes it fire twice per trigger.
func (b *Bus) On(name string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], handler)
	b.mu.Unlock()
}

// Trigger invokes every handler registered for name with payload.
// Without subscribers it does nothing.
func (b *Bus) Trigger(name string, payload any) {
	b.mu.RLock()
	registered := b.handlers[name]
	handlers := make([]Handler, len(registered))
	copy(handlers, registered)
	b.mu.RUnlock()

	if b.triggeredCounter != nil {
		b.triggeredCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrEventName.String(name)))
	}
	for _, handler := range handlers {
		handler(payload)
	}
}

// Len returns how many handlers are registered for name.
func (b *Bus) Len(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Names returns the event names with at least one handler.
func (b *Bus) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.handlers))
	for name, list := range b.handlers {
		if len(list) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Subscribe registers a typed handler. Payloads that are not a T are skipped.
func Subscribe[T any](b *Bus, name string, fn func(T)) {
	if b == nil || fn == nil {
		return
	}
	b.On(name, func(payload any) {
		typed, ok := payload.(T)
		if !ok {
			if b.mismatchedCounter != nil {
				b.mismatchedCounter.Add(context.Background(), 1, metric.WithAttributes(
					telemetry.AttrEventName.String(name)))
			}
			return
		}
		fn(typed)
	})
}
