// Package clock abstracts the wall clock so that time-sensitive components
// (the identifier generator, the lock manager's wait loop) can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by this module. Production
// code injects Real(); tests inject Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
