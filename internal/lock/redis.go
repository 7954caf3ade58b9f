package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-inventory/internal/clock"
	"github.com/iliyamo/ticket-inventory/internal/metrics"
	"github.com/iliyamo/ticket-inventory/internal/obs"
)

const (
	DefaultPrefix        = "lock"
	DefaultRetryInterval = 5 * time.Millisecond
	DefaultLease         = 10 * time.Second
)

// RedisOptions configures a RedisManager. Zero values take the defaults.
type RedisOptions struct {
	// Prefix is prepended to every key. Defaults to "lock".
	Prefix string

	// RetryInterval is the polling period while waiting for a contended lock.
	RetryInterval time.Duration

	// DefaultLease is used when Acquire is called with a non-positive lease.
	DefaultLease time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// RedisManager implements Manager on top of Redis Lua scripts. Lock names
// are wrapped in a hash tag so the keys of one lock share a cluster slot.
type RedisManager struct {
	rdb   redis.Scripter
	opts  RedisOptions
	clock clock.Clock
	log   *slog.Logger
}

var _ Manager = (*RedisManager)(nil)

// NewRedisManager returns a Manager backed by rdb.
func NewRedisManager(rdb redis.Scripter, opts RedisOptions) *RedisManager {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.DefaultLease <= 0 {
		opts.DefaultLease = DefaultLease
	}
	m := &RedisManager{rdb: rdb, opts: opts, clock: opts.Clock, log: opts.Logger}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.log == nil {
		m.log = obs.Discard()
	}
	return m
}

// Acquire implements Manager. The holder is taken from ctx when present,
// otherwise a fresh one is generated, which makes the lock non-reentrant
// for callers that do not propagate a holder.
func (m *RedisManager) Acquire(ctx context.Context, name string, typ Type, wait, lease time.Duration) (*Lock, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidLock)
	}
	if typ < Reentrant || typ > Write {
		return nil, fmt.Errorf("%w: unknown type %s", ErrInvalidLock, typ)
	}
	if wait < 0 {
		wait = 0
	}
	if lease <= 0 {
		lease = m.opts.DefaultLease
	}
	holder, ok := HolderFromContext(ctx)
	if !ok {
		holder = NewHolder()
	}

	start := m.clock.Now()
	deadline := start.Add(wait)
	for {
		acquired, err := m.try(ctx, name, typ, holder, lease, deadline, wait > 0)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues(typ.String(), "error").Inc()
			return nil, fmt.Errorf("lock: acquire %s %q: %w", typ, name, err)
		}
		now := m.clock.Now()
		if acquired {
			metrics.LockAcquisitions.WithLabelValues(typ.String(), "acquired").Inc()
			metrics.LockWait.WithLabelValues(typ.String()).Observe(now.Sub(start).Seconds())
			return &Lock{Name: name, Type: typ, Holder: holder, Lease: lease, AcquiredAt: now}, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			m.giveUp(ctx, name, typ, holder, wait > 0)
			metrics.LockAcquisitions.WithLabelValues(typ.String(), "timeout").Inc()
			m.log.Debug("lock wait timed out", "lock", name, "type", typ.String(), "wait", wait)
			return nil, fmt.Errorf("%w: %s lock %q after %s", ErrTimeout, typ, name, wait)
		}

		t := time.NewTimer(min(m.opts.RetryInterval, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			m.giveUp(context.WithoutCancel(ctx), name, typ, holder, wait > 0)
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Release implements Manager.
func (m *RedisManager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return fmt.Errorf("%w: nil lock", ErrInvalidLock)
	}
	var (
		res int64
		err error
	)
	leaseMs := l.Lease.Milliseconds()
	switch l.Type {
	case Reentrant:
		res, err = reentrantRelease.Run(ctx, m.rdb, []string{m.key(l.Name)}, l.Holder, leaseMs).Int64()
	case Fair:
		res, err = reentrantRelease.Run(ctx, m.rdb, []string{m.fairKey(l.Name)}, l.Holder, leaseMs).Int64()
	case Read, Write:
		res, err = rwRelease.Run(ctx, m.rdb, []string{m.rwKey(l.Name)}, l.Holder).Int64()
	default:
		return fmt.Errorf("%w: unknown type %s", ErrInvalidLock, l.Type)
	}
	if err != nil {
		return fmt.Errorf("lock: release %s %q: %w", l.Type, l.Name, err)
	}
	if res < 0 {
		m.log.Warn("released a lock that was no longer held", "lock", l.Name, "type", l.Type.String(), "held_for", m.clock.Now().Sub(l.AcquiredAt))
		return fmt.Errorf("%w: %s lock %q", ErrNotHeld, l.Type, l.Name)
	}
	return nil
}

func (m *RedisManager) try(ctx context.Context, name string, typ Type, holder string, lease time.Duration, deadline time.Time, queue bool) (bool, error) {
	leaseMs := lease.Milliseconds()
	if leaseMs < 1 {
		leaseMs = 1
	}
	var (
		res int64
		err error
	)
	switch typ {
	case Reentrant:
		res, err = reentrantAcquire.Run(ctx, m.rdb, []string{m.key(name)}, holder, leaseMs).Int64()
	case Fair:
		now := m.clock.Now()
		// A waiter that vanishes without dequeuing is purged once its
		// deadline plus a few polling periods has passed.
		waiterDeadline := deadline.Add(4 * m.opts.RetryInterval)
		keep := waiterDeadline.Sub(now) + lease
		enqueue := "0"
		if queue {
			enqueue = "1"
		}
		res, err = fairAcquire.Run(ctx, m.rdb,
			[]string{m.fairKey(name), m.fairQueueKey(name), m.fairTimeoutKey(name)},
			holder, leaseMs, now.UnixMilli(), waiterDeadline.UnixMilli(), enqueue, keep.Milliseconds(),
		).Int64()
	case Read:
		res, err = readAcquire.Run(ctx, m.rdb, []string{m.rwKey(name)}, holder, leaseMs).Int64()
	case Write:
		res, err = writeAcquire.Run(ctx, m.rdb, []string{m.rwKey(name)}, holder, leaseMs).Int64()
	}
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// giveUp removes a fair waiter from the queue so it does not block the
// waiters behind it.
func (m *RedisManager) giveUp(ctx context.Context, name string, typ Type, holder string, queued bool) {
	if typ != Fair || !queued {
		return
	}
	err := fairDequeue.Run(ctx, m.rdb, []string{m.fairQueueKey(name), m.fairTimeoutKey(name)}, holder).Err()
	if err != nil {
		m.log.Warn("fair lock dequeue failed", "lock", name, "err", err)
	}
}

func (m *RedisManager) key(name string) string { return m.opts.Prefix + ":{" + name + "}" }

func (m *RedisManager) fairKey(name string) string { return m.opts.Prefix + ":fair:{" + name + "}" }

func (m *RedisManager) fairQueueKey(name string) string { return m.fairKey(name) + ":queue" }

func (m *RedisManager) fairTimeoutKey(name string) string { return m.fairKey(name) + ":timeouts" }

func (m *RedisManager) rwKey(name string) string { return m.opts.Prefix + ":rw:{" + name + "}" }
