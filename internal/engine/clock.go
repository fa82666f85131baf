package engine

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic logical clock that stamps inbound events with their
// arrival order. Wall time comes from the platform (OccurredAt) and is never
// used to order events for the same record.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// NowFunc supplies wall time for claim, registration and expiry stamps.
type NowFunc func() time.Time

func systemNow() time.Time {
	return time.Now().UTC()
}
