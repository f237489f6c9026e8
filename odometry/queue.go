// Package odometry samples drivetrain sensors faster than the control loop runs and hands
// the samples over through bounded single-producer single-consumer queues.
package odometry

import "time"

// Stamped is one sample of a signal. Samples taken on the same sampler tick share Tick
// and Timestamp.
type Stamped[T any] struct {
	Tick      uint64
	Timestamp time.Time
	Value     T
}

// Queue is a bounded queue with one producer and one consumer. Push never blocks: when the
// queue is full the oldest element is discarded to make room.
type Queue[T any] struct {
	ch chan T
}

// NewQueue returns a queue holding at most capacity elements.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push appends v and reports whether an older element had to be dropped.
func (q *Queue[T]) Push(v T) (dropped bool) {
	for {
		select {
		case q.ch <- v:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped = true
		default:
		}
	}
}

// Drain removes and returns everything queued at the time of the call, oldest first.
// Elements pushed while draining are left for the next call.
func (q *Queue[T]) Drain() []T {
	n := len(q.ch)
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		select {
		case v := <-q.ch:
			out = append(out, v)
		default:
			return out
		}
	}
	return out
}
