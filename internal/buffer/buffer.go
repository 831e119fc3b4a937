// Package buffer holds a bounded, thread-safe ring of recent items. The event
// stream uses it to replay a short backlog to late subscribers.
package buffer

import (
	"sync"
)

// Ring keeps the most recent capacity items, dropping the oldest on overflow.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // index of the oldest item
	size  int
}

// New creates a ring with the given capacity (minimum 1).
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends an item. If the ring is full, the oldest item is dropped and
// returned with true.
func (r *Ring[T]) Push(item T) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped T
	overflow := r.size == len(r.items)
	if overflow {
		dropped = r.items[r.head]
		r.items[r.head] = item
		r.head = (r.head + 1) % len(r.items)
		return dropped, true
	}
	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++
	return dropped, false
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return item, true
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
