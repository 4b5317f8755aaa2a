package event

import (
	"sync"
	"time"
)

// Events buffered before Put blocks. Transport delivery threads only move
// bytes, so sustained overrun means the processing loop is stuck anyway.
const queue_capacity = 1024

/*
Queue is the thread-safe hand-off between a transport's delivery mechanism
and the single server processing loop. Delivery order is strictly FIFO.

After Shutdown, Put drops events and Poll immediately reports
SHUTDOWN_FROM_SERVER so a blocked consumer unwinds.
*/
type Queue struct {
	events chan Event

	mu   sync.Mutex
	down chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		events: make(chan Event, queue_capacity),
		down:   make(chan struct{}),
	}
}

func (q *Queue) isShutdown() bool {
	select {
	case <-q.down:
		return true
	default:
		return false
	}
}

// Put enqueues an event. Events arriving after shutdown are discarded.
func (q *Queue) Put(e Event) {
	if q.isShutdown() {
		return
	}
	select {
	case q.events <- e:
	case <-q.down:
	}
}

// Poll returns the next event, waiting at most timeout. On timeout the
// returned event has tag EMPTY and completion OP_TIMEOUT; after shutdown it
// has tag SHUTDOWN_FROM_SERVER.
func (q *Queue) Poll(timeout time.Duration) Event {
	if q.isShutdown() {
		return Event{Tag: SHUTDOWN_FROM_SERVER, Completion: OP_COMPLETE}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-q.events:
		e.Completion = OP_COMPLETE
		return e
	case <-q.down:
		return Event{Tag: SHUTDOWN_FROM_SERVER, Completion: OP_COMPLETE}
	case <-timer.C:
		return Event{Tag: EMPTY, Completion: OP_TIMEOUT}
	}
}

// Shutdown marks the queue dead and drains whatever is still buffered.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isShutdown() {
		return
	}
	close(q.down)

	for {
		select {
		case <-q.events:
		default:
			return
		}
	}
}
