package engine

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/anchornotes/internal/geo"
)

// TransitionEvent is a raw monitor event bound to a record.
type TransitionEvent struct {
	// Seq is the arrival order assigned by the engine's logical clock.
	Seq int64

	// LogID is the transition log row; zero for synthetic events that were
	// not received from the monitor.
	LogID int64

	RecordID         string
	PlatformRegionID string
	Transition       geo.Transition
	OccurredAt       time.Time
	DeliveryAttempt  int
}

// eventQueue is a thread-safe FIFO queue of transition events.
//
// The queue is unbounded so the monitor callback never blocks on a slow
// resolver. It uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []TransitionEvent
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]TransitionEvent, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e TransitionEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: a buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (TransitionEvent{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (TransitionEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return TransitionEvent{}, false
	}

	e := q.events[0]
	q.events[0] = TransitionEvent{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// laneSet runs one FIFO lane per record. Events for the same record are
// processed strictly in submission order; different records run concurrently.
type laneSet struct {
	mu      sync.Mutex
	idle    *sync.Cond
	pending map[string][]laneItem
	running int
	process func(context.Context, TransitionEvent) error
}

type laneItem struct {
	ctx  context.Context
	ev   TransitionEvent
	done func(error)
}

func newLaneSet(process func(context.Context, TransitionEvent) error) *laneSet {
	l := &laneSet{
		pending: make(map[string][]laneItem),
		process: process,
	}
	l.idle = sync.NewCond(&l.mu)
	return l
}

// Submit appends ev to its record's lane, starting the lane if needed.
func (l *laneSet) Submit(ctx context.Context, ev TransitionEvent) {
	l.submit(laneItem{ctx: ctx, ev: ev})
}

// SubmitNotify is Submit with done called on the lane goroutine once ev
// has been processed.
func (l *laneSet) SubmitNotify(ctx context.Context, ev TransitionEvent, done func(error)) {
	l.submit(laneItem{ctx: ctx, ev: ev, done: done})
}

func (l *laneSet) submit(item laneItem) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recordID := item.ev.RecordID
	q, active := l.pending[recordID]
	l.pending[recordID] = append(q, item)
	if active {
		return
	}
	l.running++
	go l.drain(recordID)
}

func (l *laneSet) drain(recordID string) {
	for {
		l.mu.Lock()
		q := l.pending[recordID]
		if len(q) == 0 {
			delete(l.pending, recordID)
			l.running--
			if l.running == 0 {
				l.idle.Broadcast()
			}
			l.mu.Unlock()
			return
		}
		item := q[0]
		l.pending[recordID] = q[1:]
		l.mu.Unlock()

		err := l.process(item.ctx, item.ev)
		if item.done != nil {
			item.done(err)
		}
	}
}

// WaitIdle blocks until every lane has drained.
func (l *laneSet) WaitIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.running > 0 {
		l.idle.Wait()
	}
}
