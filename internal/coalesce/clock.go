package coalesce

import "sync/atomic"

// Clock is the monotonic logical clock that stamps call generations.
//
// Generations come from one clock per store, so they are totally ordered
// across keys and a replayed sequence of turns yields the same stamps.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0. The first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next generation.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last generation handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
