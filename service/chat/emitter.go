package chat

import (
	"encoding/json"
	"sync"
)

// HandlerFunc consumes the data payload of one frame.
type HandlerFunc func(data json.RawMessage)

type subscriber struct {
	id int
	fn HandlerFunc
}

// Emitter dispatches frames to subscribers by event name. Registration is
// additive: multiple subscribers per event run in registration order, so
// internal store-routing handlers registered at construction always run
// before UI handlers subscribed later.
type Emitter struct {
	mu   sync.RWMutex
	subs map[string][]subscriber
	next int
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[string][]subscriber)}
}

// On registers a handler and returns its detach func.
func (e *Emitter) On(event string, fn HandlerFunc) func() {
	e.mu.Lock()
	e.next++
	id := e.next
	e.subs[event] = append(e.subs[event], subscriber{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			list := e.subs[event]
			for i, s := range list {
				if s.id == id {
					e.subs[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			e.mu.Unlock()
		})
	}
}

// Off removes every subscriber of an event.
func (e *Emitter) Off(event string) {
	e.mu.Lock()
	delete(e.subs, event)
	e.mu.Unlock()
}

// Reset detaches all subscribers of all events (logout teardown).
func (e *Emitter) Reset() {
	e.mu.Lock()
	e.subs = make(map[string][]subscriber)
	e.mu.Unlock()
}

// Emit dispatches to a snapshot of current subscribers and returns how many
// ran. Handlers must not block: they run on the read-loop goroutine, which
// preserves the transport's delivery order.
func (e *Emitter) Emit(event string, data json.RawMessage) int {
	e.mu.RLock()
	list := append([]subscriber(nil), e.subs[event]...)
	e.mu.RUnlock()

	for _, s := range list {
		s.fn(data)
	}
	return len(list)
}
