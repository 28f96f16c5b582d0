// Package queue hands segments from the capture path to the storage worker.
//
// The default queue is unbounded: Push never blocks and never drops, so if
// storage falls behind capture indefinitely memory grows without limit. This
// trades bounded memory for zero audio loss. A positive limit switches to a
// drop-oldest policy instead.
package queue

import (
	"sync"
	"time"

	"github.com/petems/mic-segmenter/internal/audio"
)

// DropFunc is called, outside the queue lock, with every segment evicted by
// the drop-oldest policy.
type DropFunc func(seg audio.Segment)

// Queue is a FIFO of segments safe for concurrent producers and consumers.
type Queue struct {
	mu     sync.Mutex
	items  []audio.Segment
	head   int
	closed bool
	limit  int
	onDrop DropFunc

	// ready holds a token while items may be available or the queue closed.
	ready chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLimit bounds the queue to limit segments, evicting the oldest segment
// when a push would exceed it. limit <= 0 keeps the queue unbounded.
func WithLimit(limit int) Option {
	return func(q *Queue) {
		q.limit = limit
	}
}

// WithDropFunc registers a callback for evicted segments.
func WithDropFunc(fn DropFunc) Option {
	return func(q *Queue) {
		q.onDrop = fn
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{ready: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push appends seg without blocking. It returns false if the queue is closed.
func (q *Queue) Push(seg audio.Segment) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	var (
		dropped audio.Segment
		didDrop bool
	)
	if q.limit > 0 && q.lenLocked() >= q.limit {
		dropped, didDrop = q.popLocked(), true
	}
	q.items = append(q.items, seg)
	q.mu.Unlock()

	q.signal()
	if didDrop && q.onDrop != nil {
		q.onDrop(dropped)
	}
	return true
}

// Pop removes the oldest segment, waiting up to timeout for one to arrive.
// ok is false on timeout or when the queue is closed and empty.
func (q *Queue) Pop(timeout time.Duration) (seg audio.Segment, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.lenLocked() > 0 {
			seg = q.popLocked()
			more := q.lenLocked() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return seg, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			// keep the token so every waiter observes the close
			q.signal()
			return audio.Segment{}, false
		}

		select {
		case <-q.ready:
		case <-timer.C:
			return audio.Segment{}, false
		}
	}
}

// Len returns the number of queued segments.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Close rejects further pushes. Queued segments remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drained reports whether the queue is closed and empty.
func (q *Queue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && q.lenLocked() == 0
}

func (q *Queue) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue) popLocked() audio.Segment {
	seg := q.items[q.head]
	q.items[q.head] = audio.Segment{}
	q.head++

	// compact once the consumed prefix dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return seg
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
