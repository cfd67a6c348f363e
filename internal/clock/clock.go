// Package clock abstracts timers and sleeps so the motion and session
// schedulers can be driven deterministically in tests.
// Use RealClock in production and MockClock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the bridge depends on.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f.
	// The returned Timer cancels the call with Stop.
	AfterFunc(d time.Duration, f func()) Timer

	// Sleep pauses the current goroutine for at least the duration d
	Sleep(d time.Duration)

	// Since returns the time elapsed since t
	Since(t time.Time) time.Duration
}

// Timer represents a single scheduled call that can be cancelled
type Timer interface {
	// Stop prevents the Timer from firing. Returns true if the call stops the timer,
	// false if the timer has already expired or been stopped.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	// Returns true if the timer had been active.
	Reset(d time.Duration) bool
}

// RealClock implements Clock using the standard time package
type RealClock struct{}

type realTimer struct {
	timer *time.Timer
}

// NewRealClock creates a new RealClock instance
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now returns the current time
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc calls f in its own goroutine after d
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

// Sleep pauses the current goroutine for at least the duration d
func (c *RealClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

// Since returns the time elapsed since t
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}

func (t *realTimer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

// MockClock is a Clock whose time only moves through Advance or Set.
//
// Sleep returns immediately, so a sequence of button presses separated by
// sleeps completes at once, while AfterFunc timers wait for Advance.
// Timer callbacks run synchronously on the goroutine calling Advance.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
	slept   time.Duration
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	f        func()
	stopped  bool
	mu       sync.Mutex
}

// NewMockClock creates a new MockClock starting at the given time
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
		timers:  make([]*mockTimer, 0),
	}
}

// Now returns the mock current time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc schedules f to be called once the mock time passes d
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &mockTimer{
		clock:    c,
		deadline: c.current.Add(d),
		f:        f,
	}
	c.timers = append(c.timers, timer)
	return timer
}

// Sleep records the requested duration and returns immediately.
func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.slept += d
	c.mu.Unlock()
}

// Slept returns the sum of all durations passed to Sleep.
func (c *MockClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// Since returns the time elapsed since t using the mock current time
func (c *MockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// Pending returns the number of armed timers.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, timer := range c.timers {
		timer.mu.Lock()
		if !timer.stopped {
			n++
		}
		timer.mu.Unlock()
	}
	return n
}

// Advance moves the mock clock forward by d and fires every expired timer
// in deadline order.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	newTime := c.current.Add(d)
	c.current = newTime

	var toFire []*mockTimer
	var remaining []*mockTimer

	for _, timer := range c.timers {
		timer.mu.Lock()
		if !timer.stopped && !timer.deadline.After(newTime) {
			toFire = append(toFire, timer)
		} else if !timer.stopped {
			remaining = append(remaining, timer)
		}
		timer.mu.Unlock()
	}

	c.timers = remaining
	c.mu.Unlock()

	sortByDeadline(toFire)

	// Fire outside the lock so callbacks may arm new timers
	for _, timer := range toFire {
		timer.mu.Lock()
		if !timer.stopped {
			timer.stopped = true
			f := timer.f
			timer.mu.Unlock()
			f()
		} else {
			timer.mu.Unlock()
		}
	}
}

// Set sets the mock clock to a specific time and fires any expired timers
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	oldTime := c.current
	c.mu.Unlock()

	if t.After(oldTime) {
		c.Advance(t.Sub(oldTime))
	} else {
		c.mu.Lock()
		c.current = t
		c.mu.Unlock()
	}
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = false

	t.clock.mu.Lock()
	t.deadline = t.clock.current.Add(d)
	if !wasActive {
		t.clock.timers = append(t.clock.timers, t)
	}
	t.clock.mu.Unlock()

	return wasActive
}

func sortByDeadline(timers []*mockTimer) {
	for i := 1; i < len(timers); i++ {
		for j := i; j > 0 && timers[j].deadline.Before(timers[j-1].deadline); j-- {
			timers[j], timers[j-1] = timers[j-1], timers[j]
		}
	}
}
