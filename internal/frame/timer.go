// ============================================================================
// framejobs Frame Timer - elapsed time within the current frame
// ============================================================================
//
// Package: internal/frame
// File: timer.go
// Purpose: Supplies the "time spent in this frame so far" signal the job runner
//          uses to cut off opportunistic execution.
//
// Usage:
//   The host calls BeginFrame() once at the top of every update tick; anything
//   running later in the same tick asks TimeInFrame().
//
// ============================================================================

package frame

import "time"

// Clock reports the time spent inside the current frame
type Clock interface {
	TimeInFrame() time.Duration
}

// Timer measures elapsed time since the last BeginFrame
type Timer struct {
	now   func() time.Time
	start time.Time
	frame uint64
}

// NewTimer creates a Timer on the wall clock. The first frame starts immediately.
func NewTimer() *Timer {
	return NewTimerWithClock(time.Now)
}

// NewTimerWithClock creates a Timer driven by the given time source
func NewTimerWithClock(now func() time.Time) *Timer {
	t := &Timer{now: now}
	t.start = now()
	return t
}

// BeginFrame marks the start of a new frame and returns its sequence number (1-based)
func (t *Timer) BeginFrame() uint64 {
	t.start = t.now()
	t.frame++
	return t.frame
}

// TimeInFrame returns the time elapsed since the last BeginFrame
func (t *Timer) TimeInFrame() time.Duration {
	return t.now().Sub(t.start)
}

// Frame returns the number of frames begun so far
func (t *Timer) Frame() uint64 {
	return t.frame
}

// ============================================================================
// Test / host helpers
// ============================================================================

// StepClock is a manual time source that advances by a fixed step every time it is
// read. It lets the runner's budget loop be exercised deterministically.
type StepClock struct {
	Current time.Time
	Step    time.Duration
}

// Now returns the current time and then advances it by Step
func (c *StepClock) Now() time.Time {
	t := c.Current
	c.Current = c.Current.Add(c.Step)
	return t
}

// Advance moves the clock forward without a read
func (c *StepClock) Advance(d time.Duration) {
	c.Current = c.Current.Add(d)
}
