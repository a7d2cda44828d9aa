package clock

import (
	"sync"
	"time"
)

// Clock provides time information to the tracking engine.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable deferred call scheduled through a Clock.
type Timer interface {
	Stop() bool
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules fn on the system timer.
func (RealClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// TestClock provides fixed time for testing. Timers registered through
// AfterFunc fire synchronously from Advance when their deadline passes.
type TestClock struct {
	CurrentTime time.Time

	mu     sync.Mutex
	timers []*testTimer
}

// Now returns the test time.
func (t *TestClock) Now() time.Time {
	return t.CurrentTime
}

// AfterFunc registers fn to run once the test time reaches now+d.
func (t *TestClock) AfterFunc(d time.Duration, fn func()) Timer {
	timer := &testTimer{clk: t, deadline: t.CurrentTime.Add(d), fn: fn}
	t.mu.Lock()
	t.timers = append(t.timers, timer)
	t.mu.Unlock()
	return timer
}

// Advance moves the test time forward and fires any timers that come due.
func (t *TestClock) Advance(d time.Duration) {
	t.CurrentTime = t.CurrentTime.Add(d)

	t.mu.Lock()
	var due []*testTimer
	remaining := t.timers[:0]
	for _, timer := range t.timers {
		if !timer.stopped && !timer.deadline.After(t.CurrentTime) {
			due = append(due, timer)
		} else {
			remaining = append(remaining, timer)
		}
	}
	t.timers = remaining
	t.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
}

type testTimer struct {
	clk      *TestClock
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *testTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	pending := !t.stopped
	t.stopped = true
	return pending
}
