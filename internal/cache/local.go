package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/iliyamo/ticket-inventory/internal/clock"
)

type entry[V any] struct {
	value    V
	expireAt time.Time
}

// Local is a bounded in-process cache. Entries are evicted least recently
// used first when the cache is full, and expire at an absolute time chosen
// by the caller. Reading an entry never extends its life.
type Local[V any] struct {
	entries *lru.Cache[string, entry[V]]
	clock   clock.Clock
}

// NewLocal returns a Local holding at most size entries.
func NewLocal[V any](size int, clk clock.Clock) (*Local[V], error) {
	entries, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Local[V]{entries: entries, clock: clk}, nil
}

// Get returns the value stored under key if it has not expired.
func (l *Local[V]) Get(key string) (V, bool) {
	e, ok := l.entries.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !l.clock.Now().Before(e.expireAt) {
		l.entries.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key until expireAt. Values that are already
// expired are not stored. It reports whether the value was stored.
func (l *Local[V]) Set(key string, value V, expireAt time.Time) bool {
	if !l.clock.Now().Before(expireAt) {
		return false
	}
	l.entries.Add(key, entry[V]{value: value, expireAt: expireAt})
	return true
}

// Remove evicts key.
func (l *Local[V]) Remove(key string) { l.entries.Remove(key) }

// Len returns the number of stored entries, expired ones included.
func (l *Local[V]) Len() int { return l.entries.Len() }
