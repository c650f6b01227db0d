// Package events provides a small typed publish/subscribe bus.
//
// Handlers run synchronously on the publishing goroutine, in subscription
// order. A publisher that returns after Publish therefore knows every
// subscriber has observed the event.
package events

import "sync"

// Bus delivers values of type T to subscribed handlers.
type Bus[T any] struct {
	mu       sync.RWMutex
	next     int
	handlers []subscription[T]
}

type subscription[T any] struct {
	id int
	fn func(T)
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.handlers = append(b.handlers, subscription[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.handlers {
		if s.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Publish calls every handler with v.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	handlers := make([]subscription[T], len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, s := range handlers {
		s.fn(v)
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
