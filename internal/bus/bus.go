package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Handler receives broadcast events. Handlers run on the broadcaster's
// goroutine and must not block.
type Handler func(Event)

// Bus is an in-process broadcast bus. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

// Subscribe registers a handler under an id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = h
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers the event to every subscriber. A panicking handler is
// recovered and logged; remaining subscribers still receive the event.
func (b *Bus) Broadcast(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	ids := make([]string, 0, len(b.subs))
	for id, h := range b.subs {
		handlers = append(handlers, h)
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for i, h := range handlers {
		func(id string) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus handler panic", "subscriber", id, "event", ev.Name, "panic", r)
				}
			}()
			h(ev)
		}(ids[i])
	}
}
