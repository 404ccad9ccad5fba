package memory

import (
	"context"
	"fmt"
	"sync"
)

// FIFO is an unbounded first-in first-out queue. Push never blocks, so a
// consumer can resubmit work into it without deadlocking against the
// producer side.
type FIFO[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// NewFIFO returns an empty FIFO.
func NewFIFO[T any]() *FIFO[T] {
	return &FIFO[T]{notify: make(chan struct{})}
}

// Push appends an item to the tail.
func (f *FIFO[T]) Push(item T) {
	f.mu.Lock()
	f.items = append(f.items, item)
	f.wakeLocked()
	f.mu.Unlock()
}

// PushFront puts an item back at the head, ahead of everything queued.
func (f *FIFO[T]) PushFront(item T) {
	f.mu.Lock()
	f.items = append([]T{item}, f.items...)
	f.wakeLocked()
	f.mu.Unlock()
}

// Pop removes the head item, blocking until one is available or ctx ends.
func (f *FIFO[T]) Pop(ctx context.Context) (T, error) {
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			item := f.items[0]
			var zero T
			f.items[0] = zero
			f.items = f.items[1:]
			f.mu.Unlock()
			return item, nil
		}
		wait := f.notify
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("pop canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Len reports the number of queued items.
func (f *FIFO[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *FIFO[T]) wakeLocked() {
	close(f.notify)
	f.notify = make(chan struct{})
}
