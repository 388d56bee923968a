// Package dispatch fans events out to in-process subscribers keyed by event
// name. It knows nothing about the transport the events came from.
package dispatch

import (
	"sync"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Handler[T any] func(T)

// Subscription identifies one registered handler. Funcs are not comparable in
// Go, so the handle stands in for handler identity when unsubscribing.
type Subscription struct {
	event string
	id    uint64
}

func (s Subscription) Event() string {
	return s.event
}

type entry[T any] struct {
	id      uint64
	handler Handler[T]
}

type Dispatcher[T any] struct {
	logger Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]entry[T]
}

func New[T any](logger Logger) *Dispatcher[T] {
	return &Dispatcher[T]{
		logger:   logger,
		handlers: map[string][]entry[T]{},
	}
}

func (d *Dispatcher[T]) Subscribe(event string, handler Handler[T]) Subscription {
	if handler == nil {
		return Subscription{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[event] = append(d.handlers[event], entry[T]{id: d.nextID, handler: handler})
	return Subscription{event: event, id: d.nextID}
}

// Unsubscribe removes the handler behind sub. It reports false, and does
// nothing else, when sub is not registered.
func (d *Dispatcher[T]) Unsubscribe(sub Subscription) bool {
	if sub.id == 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[sub.event]
	for i, e := range entries {
		if e.id != sub.id {
			continue
		}
		kept := make([]entry[T], 0, len(entries)-1)
		kept = append(kept, entries[:i]...)
		kept = append(kept, entries[i+1:]...)
		if len(kept) == 0 {
			delete(d.handlers, sub.event)
		} else {
			d.handlers[sub.event] = kept
		}
		return true
	}
	return false
}

// Dispatch calls every handler registered for event in registration order and
// returns how many ran to completion. A panicking handler is logged and does
// not stop the rest. Handlers registered or removed during the call take
// effect on the next dispatch.
func (d *Dispatcher[T]) Dispatch(event string, payload T) int {
	d.mu.RLock()
	entries := d.handlers[event]
	d.mu.RUnlock()

	completed := 0
	for _, e := range entries {
		if d.invoke(event, e.handler, payload) {
			completed++
		}
	}
	return completed
}

func (d *Dispatcher[T]) Len(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

func (d *Dispatcher[T]) invoke(event string, handler Handler[T], payload T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logf("handler for %s panicked: %v", event, r)
			ok = false
		}
	}()
	handler(payload)
	return true
}

func (d *Dispatcher[T]) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
