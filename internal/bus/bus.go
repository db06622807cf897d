// Package bus provides the in-process coordination event bus and the durable
// NDJSON coordination log.
//
// Emit fans out synchronously to all subscribers; subscribers must not block.
// Subscriber panics are isolated so a bad handler cannot take down the
// emitting goroutine. Each event is also appended to the coordination log as
// a single JSON line (best effort, no fsync).
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a structured fact broadcast in-process and persisted to the
// coordination log.
type Event struct {
	Type    string         `json:"type"`
	AgentID string         `json:"agentId,omitempty"`
	TS      time.Time      `json:"ts"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handler receives broadcast events. Handlers run synchronously on the
// emitter's goroutine and must return quickly.
type Handler func(Event)

// Publisher abstracts event emission + subscription so components can
// decouple from the concrete Bus.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Emit(event Event)
}

// Bus is the in-process fan-out implementation of Publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *CoordinationLog // optional
}

func New() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// AttachLog wires a coordination log so every emitted event is persisted.
func (b *Bus) AttachLog(log *CoordinationLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = log
}

func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Emit broadcasts an event to all subscribers in caller order and appends it
// to the coordination log. A zero TS is stamped with the current time.
// Subscribers receive a shallow copy of the event's Data map.
func (b *Bus) Emit(event Event) {
	if event.TS.IsZero() {
		event.TS = time.Now()
	}

	b.mu.RLock()
	log := b.log
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if log != nil {
		if err := log.Append(event); err != nil {
			slog.Warn("bus: coordination log append failed", "type", event.Type, "error", err)
		}
	}

	for _, h := range handlers {
		b.safeDeliver(h, event)
	}
}

func (b *Bus) safeDeliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: subscriber panicked", "type", event.Type, "panic", r)
		}
	}()
	h(copyEvent(event))
}

func copyEvent(e Event) Event {
	if e.Data == nil {
		return e
	}
	data := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		data[k] = v
	}
	e.Data = data
	return e
}
