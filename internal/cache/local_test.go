package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-inventory/internal/clock"
)

func TestLocalExpiresAtBusinessTime(t *testing.T) {
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.Fake(now)
	l, err := NewLocal[string](4, clk)
	require.NoError(t, err)

	require.True(t, l.Set("show", "gala", now.Add(time.Hour)))

	clk.Advance(59 * time.Minute)
	v, ok := l.Get("show")
	require.True(t, ok)
	assert.Equal(t, "gala", v)

	clk.Advance(time.Minute)
	_, ok = l.Get("show")
	assert.False(t, ok, "entry must expire exactly at its business time")
	assert.Equal(t, 0, l.Len())
}

func TestLocalRejectsAlreadyExpiredValues(t *testing.T) {
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	l, err := NewLocal[int](4, clock.Fake(now))
	require.NoError(t, err)

	assert.False(t, l.Set("past", 1, now.Add(-time.Second)))
	assert.False(t, l.Set("now", 1, now))
	assert.Equal(t, 0, l.Len())
}

func TestLocalIsBounded(t *testing.T) {
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	l, err := NewLocal[int](2, clock.Fake(now))
	require.NoError(t, err)

	l.Set("a", 1, now.Add(time.Hour))
	l.Set("b", 2, now.Add(time.Hour))
	_, _ = l.Get("a")
	l.Set("c", 3, now.Add(time.Hour))

	_, ok := l.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = l.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, l.Len())
}

func TestNewLocalRejectsNonPositiveSize(t *testing.T) {
	_, err := NewLocal[int](0, nil)
	assert.Error(t, err)
}
