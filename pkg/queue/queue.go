// Package queue contains a bounded producer/consumer queue.
package queue

import (
	"context"

	"github.com/tuneport/raop/pkg/liberrors"
)

// Queue is a bounded FIFO shared between one or more producers and a
// consumer. Producers never stall the caller unless they ask to block:
// TryAdd on a full queue drops the item instead of waiting. Consumers
// block until an item arrives or their context is cancelled; cancellation
// consumes nothing and leaves the queue consistent.
type Queue[T any] struct {
	name string
	ch   chan T

	chClosed chan struct{}
}

// New allocates a Queue with the given capacity.
func New[T any](name string, capacity int) *Queue[T] {
	return &Queue[T]{
		name:     name,
		ch:       make(chan T, capacity),
		chClosed: make(chan struct{}),
	}
}

// Name returns the queue's name, for diagnostics.
func (q *Queue[T]) Name() string {
	return q.name
}

// Cap returns the queue's capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// TryAdd enqueues an item without waiting. On a full queue it returns
// liberrors.ErrQueueFull and the item is not enqueued.
func (q *Queue[T]) TryAdd(item T) error {
	select {
	case <-q.chClosed:
		return liberrors.ErrQueueClosed{}
	default:
	}

	select {
	case q.ch <- item:
		return nil
	default:
		return liberrors.ErrQueueFull{}
	}
}

// Add enqueues an item, waiting for space if necessary.
func (q *Queue[T]) Add(item T) error {
	select {
	case <-q.chClosed:
		return liberrors.ErrQueueClosed{}
	default:
	}

	select {
	case q.ch <- item:
		return nil
	case <-q.chClosed:
		return liberrors.ErrQueueClosed{}
	}
}

// Get dequeues an item, waiting until one is available or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	select {
	case item := <-q.ch:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet dequeues an item without waiting. It is used to drain the queue
// during cleanup.
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case item := <-q.ch:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Close marks the queue closed. Queued items remain available to TryGet.
func (q *Queue[T]) Close() {
	select {
	case <-q.chClosed:
	default:
		close(q.chClosed)
	}
}
