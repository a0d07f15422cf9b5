package fleet

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventDeviceUpdate = "device_update"
	EventDeviceAlert  = "device_alert"
)

// Payload is the data of an Event. Update and Alert are the only payloads.
type Payload interface {
	eventType() string
}

func (Update) eventType() string { return EventDeviceUpdate }

func (Alert) eventType() string { return EventDeviceAlert }

// Event is the envelope delivered to OnAll handlers and WebSocket clients.
type Event struct {
	Type string  `json:"type"`
	Data Payload `json:"data"`
}

// NewEvent wraps p with its event type.
func NewEvent(p Payload) Event {
	return Event{Type: p.eventType(), Data: p}
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id uint64
	fn EventHandler
}

// EventBus fans fleet events out to handlers in registration order. It
// implements Sink so the monitor and the alert engine publish to every
// transport at once.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// OnAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, fn: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, s := range eb.subs {
			if s.id == id {
				eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
				return
			}
		}
	}
}

// OnUpdate registers a handler for device updates.
func (eb *EventBus) OnUpdate(handler func(Update)) func() {
	return eb.OnAll(func(e Event) {
		if u, ok := e.Data.(Update); ok {
			handler(u)
		}
	})
}

// OnAlert registers a handler for fired alerts.
func (eb *EventBus) OnAlert(handler func(Alert)) func() {
	return eb.OnAll(func(e Event) {
		if a, ok := e.Data.(Alert); ok {
			handler(a)
		}
	})
}

// Emit delivers p to every handler synchronously. A panicking handler is
// recovered and does not stop delivery to the rest.
func (eb *EventBus) Emit(p Payload) {
	event := NewEvent(p)

	eb.mu.RLock()
	subs := make([]subscription, len(eb.subs))
	copy(subs, eb.subs)
	eb.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			s.fn(event)
		}()
	}
}

// DeviceUpdated implements Sink.
func (eb *EventBus) DeviceUpdated(u Update) { eb.Emit(u) }

// AlertFired implements Sink.
func (eb *EventBus) AlertFired(a Alert) { eb.Emit(a) }
