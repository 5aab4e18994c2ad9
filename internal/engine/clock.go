package engine

import "sync/atomic"

// Clock is a peer's logical send clock. Every envelope a peer emits carries
// the next value, so receivers can drop anything that does not advance the
// sender's sequence.
//
// Safe for concurrent use, although only the engine loop calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific sequence number. A peer
// that reconnects under the same id resumes from its journal this way.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
