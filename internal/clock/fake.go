package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually driven Clock. Time stands still until Advance or
// Set is called. Sleep advances the fake time by the requested duration
// instead of blocking, which lets tests observe code that waits out a short
// interval without real delays.
//
// FakeClock is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	slept   []time.Duration

	// onSleep, if set, runs after every Sleep with the lock released.
	onSleep func(d time.Duration)
}

// Fake returns a FakeClock initialised to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep records d and moves the fake time forward by it.
func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	if d > 0 {
		c.current = c.current.Add(d)
	}
	c.slept = append(c.slept, d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
}

// Advance moves the fake time forward by d. A negative d moves it backwards,
// which is how tests simulate clock regression.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set jumps the fake time to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Slept returns every duration passed to Sleep, in call order.
func (c *FakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}

// OnSleep installs a hook invoked after each Sleep. Tests use it to move the
// clock somewhere other than "now + d" while a caller is waiting.
func (c *FakeClock) OnSleep(f func(d time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSleep = f
}
