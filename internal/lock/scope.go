package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Option customises WithLock.
type Option func(*scope)

type scope struct {
	fallback func(ctx context.Context, err error) error
}

// WithFallback runs fn instead of failing when the lock could not be
// acquired within the wait window. fn receives the ErrTimeout error.
// Other acquire errors are still returned as-is.
func WithFallback(fn func(ctx context.Context, err error) error) Option {
	return func(s *scope) { s.fallback = fn }
}

// WithLock acquires the named lock, runs fn and releases the lock on every
// exit path, panics included. By default a contended lock fails with an
// error wrapping ErrTimeout.
//
// ctx is given a holder identity before acquiring, and fn receives that
// context: nested WithLock calls on the same Reentrant or Fair name from
// inside fn re-enter the lock.
func WithLock(ctx context.Context, m Manager, name string, typ Type, wait, lease time.Duration, fn func(ctx context.Context) error, opts ...Option) (err error) {
	var s scope
	for _, o := range opts {
		o(&s)
	}

	ctx, _ = ensureHolder(ctx)
	l, err := m.Acquire(ctx, name, typ, wait, lease)
	if err != nil {
		if s.fallback != nil && errors.Is(err, ErrTimeout) {
			return s.fallback(ctx, err)
		}
		return err
	}
	defer func() {
		rerr := m.Release(context.WithoutCancel(ctx), l)
		if rerr != nil && err == nil {
			err = fmt.Errorf("critical section %q finished after losing its lock: %w", name, rerr)
		}
	}()
	return fn(ctx)
}
