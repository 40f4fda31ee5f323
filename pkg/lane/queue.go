package lane

import (
	"sync"

	"github.com/plaenen/eventlane/pkg/domain"
)

// eventQueue is an unbounded FIFO of events waiting on one lane.
//
// Publishers enqueue from any goroutine; only the lane worker peeks and pops.
// The head stays in place while it is being applied so that a failed apply can
// be retried without reordering. A buffered signal channel of size one lets the
// worker wait for new events together with its context.
type eventQueue struct {
	mu     sync.Mutex
	events []*domain.Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]*domain.Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends events and returns the new depth.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(events ...*domain.Event) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return len(q.events), false
	}
	q.events = append(q.events, events...)
	q.notify()
	return len(q.events), true
}

// PushFront places events ahead of everything queued, keeping their order.
func (q *eventQueue) PushFront(events []*domain.Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(events) == 0 {
		return len(q.events)
	}
	merged := make([]*domain.Event, 0, len(events)+len(q.events))
	merged = append(merged, events...)
	merged = append(merged, q.events...)
	q.events = merged
	q.notify()
	return len(q.events)
}

// Peek returns the head without removing it.
func (q *eventQueue) Peek() (*domain.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil, false
	}
	return q.events[0], true
}

// Pop removes the head if it is evt and returns the new depth.
func (q *eventQueue) Pop(evt *domain.Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 || q.events[0] != evt {
		return len(q.events)
	}
	q.events[0] = nil
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return len(q.events)
}

// Wait returns a channel that signals when events may be available.
// It is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further events and wakes the worker.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
