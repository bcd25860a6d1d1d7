package message

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing timestamps. Stamps are truncated to
// the microsecond so they survive a round trip through Postgres timestamptz.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Stamp returns the current time, or one microsecond past the previous stamp
// when the wall clock has not moved forward.
func (c *Clock) Stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := c.now().UTC().Truncate(time.Microsecond)
	if !at.After(c.last) {
		at = c.last.Add(time.Microsecond)
	}
	c.last = at
	return at
}
