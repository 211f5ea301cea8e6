package engine

import (
	"sync"
	"time"
)

// Clock issues strictly increasing Unix nanosecond timestamps so that two
// writes in the same process never share a window bound.
type Clock struct {
	mu   sync.Mutex
	last int64
	wall func() time.Time
}

// NewClock returns a clock reading wall time from now, or time.Now when nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{wall: now}
}

// Now returns max(wall time, previous result + 1).
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.wall().UnixNano()
	if n <= c.last {
		n = c.last + 1
	}
	c.last = n
	return n
}
