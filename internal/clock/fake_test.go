package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockAdvanceAndSet(t *testing.T) {
	c := Fake(epoch)
	assert.True(t, c.Now().Equal(epoch))

	c.Advance(5 * time.Millisecond)
	assert.True(t, c.Now().Equal(epoch.Add(5*time.Millisecond)))

	c.Advance(-7 * time.Millisecond)
	assert.True(t, c.Now().Equal(epoch.Add(-2*time.Millisecond)))

	c.Set(epoch)
	assert.True(t, c.Now().Equal(epoch))
}

func TestFakeClockSleepAdvances(t *testing.T) {
	c := Fake(epoch)
	c.Sleep(3 * time.Millisecond)
	c.Sleep(0)

	assert.True(t, c.Now().Equal(epoch.Add(3*time.Millisecond)))
	assert.Equal(t, []time.Duration{3 * time.Millisecond, 0}, c.Slept())
}

func TestFakeClockOnSleepHook(t *testing.T) {
	c := Fake(epoch)
	c.OnSleep(func(time.Duration) { c.Set(epoch.Add(time.Second)) })
	c.Sleep(time.Millisecond)
	assert.True(t, c.Now().Equal(epoch.Add(time.Second)))
}
