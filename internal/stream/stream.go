// Package stream fans events out to live subscribers such as SSE clients.
package stream

import (
	"context"
	"sync"
)

// Hub fan-outs events to all active subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	next   int
	buffer int
}

// New returns a hub whose subscriber channels hold up to buffer pending events.
func New[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every subscriber with room and reports how many got it.
func (h *Hub[T]) Publish(evt T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.subs {
		select {
		case ch <- evt:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of active subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
