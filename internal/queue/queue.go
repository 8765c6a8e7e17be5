// Package queue provides the unbounded FIFO connecting the control loop, the
// extraction worker and the network callbacks. Producers never block.
package queue

import (
	"context"
	"sync"

	equeue "github.com/eapache/queue"
)

type FIFO[T any] struct {
	mu    sync.Mutex
	q     *equeue.Queue
	ready chan struct{}
}

func New[T any]() *FIFO[T] {
	return &FIFO[T]{q: equeue.New(), ready: make(chan struct{}, 1)}
}

// Push appends v and wakes one waiter.
func (f *FIFO[T]) Push(v T) {
	f.mu.Lock()
	f.q.Add(v)
	f.mu.Unlock()
	f.signal()
}

func (f *FIFO[T]) signal() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *FIFO[T]) Pop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if f.q.Length() == 0 {
		return zero, false
	}
	return f.q.Remove().(T), true
}

// Drain removes and returns every queued element in order.
func (f *FIFO[T]) Drain() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for f.q.Length() > 0 {
		out = append(out, f.q.Remove().(T))
	}
	return out
}

func (f *FIFO[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.q.Length()
}

// Ready fires after a Push. A receive does not guarantee an element is still
// queued; callers drain and wait again.
func (f *FIFO[T]) Ready() <-chan struct{} { return f.ready }

// Next blocks until an element is available or ctx is done.
func (f *FIFO[T]) Next(ctx context.Context) (T, error) {
	for {
		if v, ok := f.Pop(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-f.ready:
		}
	}
}
