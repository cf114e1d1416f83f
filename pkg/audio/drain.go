package audio

import (
	"context"
	"sync/atomic"
)

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when you don't need the data from a
// streaming channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// Queue is a bounded FIFO backed by a buffered channel. It is designed for one
// producing goroutine and one consuming goroutine; a third party may call
// [Queue.Drain] concurrently on a best-effort basis.
//
// Push never blocks. When the queue is full the oldest element is discarded to
// make room.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// NewQueue creates a Queue holding at most capacity elements. capacity must be
// positive.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("audio: queue capacity must be positive")
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push enqueues v, evicting the oldest element if the queue is full. It
// reports whether an element was evicted.
func (q *Queue[T]) Push(v T) (evicted bool) {
	for {
		select {
		case q.ch <- v:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

// Pop blocks until an element is available or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryPop returns the head element without blocking. ok is false when the
// queue is empty.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	select {
	case v = <-q.ch:
		return v, true
	default:
		return v, false
	}
}

// Drain removes every element currently queued without blocking and returns
// how many were removed. Draining an empty queue returns 0 immediately. An
// element pushed concurrently with Drain may survive it.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		if _, ok := q.TryPop(); !ok {
			return n
		}
		n++
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Dropped returns the total number of elements evicted by Push overflow.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }
