package engine

import (
	"sync"

	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/wire"
)

// eventKind distinguishes loop events.
type eventKind int

const (
	// eventMessage is a message received from a peer.
	eventMessage eventKind = iota + 1
	// eventPeerAdded registers a peer before its loops start.
	eventPeerAdded
	// eventPeerClosed cleans up after a peer's loops ended.
	eventPeerClosed
	// eventChanged reports local changes to push to peers.
	eventChanged
	// eventRequest asks server peers for a value.
	eventRequest
	// eventForget drops a deleted value.
	eventForget
)

// event is one unit of work for the manager loop.
type event struct {
	kind  eventKind
	peer  *peerState
	msg   wire.Message
	ids   []ir.RawCoID
	err   error
	reply chan LoadState
}

// eventQueue is a thread-safe FIFO of loop events.
//
// The queue is unbounded so peer readers never block on the loop. The
// buffered signal channel lets the loop wait with a select alongside its
// context.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue. Returns false if the
// queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, e)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return event{}, false
	}
	e := q.events[0]
	// Nil out the slot so the message can be collected.
	q.events[0] = event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes the loop.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	closeSignal(q.signal)
}

// closeSignal drops a pending wake token and closes ch, so receivers see
// the close immediately. Callers hold the lock that guards sends on ch.
func closeSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
	close(ch)
}

// lane indexes the outbox by priority.
type lane int

const (
	laneHigh lane = iota
	laneMedium
	laneLow
	laneCount
)

func laneFor(p wire.Priority) lane {
	switch {
	case p <= wire.PriorityHigh:
		return laneHigh
	case p <= wire.PriorityMedium:
		return laneMedium
	default:
		return laneLow
	}
}

func (l lane) priority() wire.Priority {
	switch l {
	case laneHigh:
		return wire.PriorityHigh
	case laneMedium:
		return wire.PriorityMedium
	default:
		return wire.PriorityLow
	}
}

// outbox is one peer's outgoing queue.
//
// HIGH is always served first, so a group pushed after a pile of list
// content still goes out next. MEDIUM drains completely before LOW is
// served. Within a lane order is FIFO.
type outbox struct {
	mu     sync.Mutex
	lanes  [laneCount][]wire.Message
	closed bool
	signal chan struct{}
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

// Push queues msg at priority p. Returns false once the outbox is closed.
func (o *outbox) Push(msg wire.Message, p wire.Priority) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	l := laneFor(p)
	o.lanes[l] = append(o.lanes[l], msg)
	outboxDepth.WithLabelValues(l.priority().String()).Inc()
	select {
	case o.signal <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the next message to send.
func (o *outbox) Pop() (wire.Message, wire.Priority, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for l := laneHigh; l < laneCount; l++ {
		q := o.lanes[l]
		if len(q) == 0 {
			continue
		}
		msg := q[0]
		q[0] = nil
		if len(q) == 1 {
			o.lanes[l] = q[:0]
		} else {
			o.lanes[l] = q[1:]
		}
		outboxDepth.WithLabelValues(l.priority().String()).Dec()
		return msg, l.priority(), true
	}
	return nil, 0, false
}

// Wait returns a channel that signals when messages may be available. It
// is closed by Close.
func (o *outbox) Wait() <-chan struct{} {
	return o.signal
}

// Len returns the number of queued messages.
func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, q := range o.lanes {
		n += len(q)
	}
	return n
}

// Close stops accepting messages and drops what is queued.
func (o *outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for l := laneHigh; l < laneCount; l++ {
		outboxDepth.WithLabelValues(l.priority().String()).Sub(float64(len(o.lanes[l])))
		o.lanes[l] = nil
	}
	closeSignal(o.signal)
}
