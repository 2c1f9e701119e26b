package node

import (
	"sync/atomic"
	"time"
)

// Clock stamps madeAt on local transactions: wall-clock milliseconds,
// forced strictly increasing so two writes from one node never tie.
//
// Safe for concurrent use.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewClock returns a clock over the system time.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt returns a clock that never goes below start. Used to resume
// after a restart on a machine whose clock went backwards.
func NewClockAt(start int64) *Clock {
	c := NewClock()
	c.last.Store(start)
	return c
}

// Next returns the next madeAt. Calls are linearizable.
func (c *Clock) Next() int64 {
	for {
		prev := c.last.Load()
		next := c.now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Current returns the last value handed out.
func (c *Clock) Current() int64 {
	return c.last.Load()
}
