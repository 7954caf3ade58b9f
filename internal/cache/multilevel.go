// Package cache implements a two-tier cache: a bounded process-local map in
// front of a shared Redis tier.
//
// Entries expire at a business timestamp derived from the value itself
// (for an inventory group, the moment the session starts) rather than
// after a fixed TTL. On a miss in both tiers GetOrLoad takes a Read lock
// keyed by the cache key, re-checks the shared tier and only then calls the
// loader, so a cold key does not send every caller to the durable store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/ticket-inventory/internal/clock"
	"github.com/iliyamo/ticket-inventory/internal/lock"
	"github.com/iliyamo/ticket-inventory/internal/metrics"
	"github.com/iliyamo/ticket-inventory/internal/obs"
)

// ErrNoExpiry is returned by New when neither Expire nor TTL is set.
var ErrNoExpiry = errors.New("cache: no expiry policy")

// Loader fetches a value from the durable store.
type Loader[V any] func(ctx context.Context) (V, error)

// Notifier broadcasts local invalidations to other instances.
type Notifier interface {
	NotifyInvalidation(ctx context.Context, cacheName, key string) error
}

// Options configures a MultiLevel cache.
type Options[V any] struct {
	// Name namespaces the cache's Redis keys, lock names and invalidation
	// events.
	Name string

	// LocalSize bounds the local tier. Defaults to 10000.
	LocalSize int

	// Expire returns the absolute expiry of a value. If nil, values live
	// for TTL.
	Expire func(V) time.Time
	TTL    time.Duration

	// Locks guards the load path. Required.
	Locks     lock.Manager
	LockWait  time.Duration
	LockLease time.Duration

	Notifier Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
}

// MultiLevel is a local+distributed cache for values of type V.
type MultiLevel[V any] struct {
	name   string
	local  *Local[V]
	remote *Remote
	opts   Options[V]
	clock  clock.Clock
	log    *slog.Logger
	loads  singleflight.Group
}

// New returns a MultiLevel cache over rdb.
func New[V any](rdb redis.Cmdable, opts Options[V]) (*MultiLevel[V], error) {
	if opts.Name == "" {
		return nil, errors.New("cache: name is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("cache: lock manager is required")
	}
	if opts.Expire == nil && opts.TTL <= 0 {
		return nil, ErrNoExpiry
	}
	if opts.LocalSize <= 0 {
		opts.LocalSize = 10000
	}
	if opts.LockWait <= 0 {
		opts.LockWait = time.Second
	}
	if opts.LockLease <= 0 {
		opts.LockLease = 10 * time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := opts.Logger
	if log == nil {
		log = obs.Discard()
	}
	local, err := NewLocal[V](opts.LocalSize, clk)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", opts.Name, err)
	}
	return &MultiLevel[V]{
		name:   opts.Name,
		local:  local,
		remote: NewRemote(rdb, "cache:"+opts.Name),
		opts:   opts,
		clock:  clk,
		log:    log.With("cache", opts.Name),
	}, nil
}

// Name returns the cache's namespace.
func (c *MultiLevel[V]) Name() string { return c.name }

// Get looks key up in the local tier, then in the shared tier. A shared
// hit is copied into the local tier.
func (c *MultiLevel[V]) Get(ctx context.Context, key string) (V, bool, error) {
	if v, ok := c.local.Get(key); ok {
		metrics.CacheRequests.WithLabelValues("local", "hit").Inc()
		return v, true, nil
	}
	metrics.CacheRequests.WithLabelValues("local", "miss").Inc()
	return c.getRemote(ctx, key)
}

// GetOrLoad returns the cached value for key, loading it with loader when
// neither tier has it. Concurrent in-process misses on one key share a
// single load; across instances the load path is serialised against
// writers by a Read lock named after the key.
func (c *MultiLevel[V]) GetOrLoad(ctx context.Context, key string, loader Loader[V]) (V, error) {
	v, ok, err := c.Get(ctx, key)
	if err != nil || ok {
		return v, err
	}

	res, err, _ := c.loads.Do(key, func() (any, error) {
		var out V
		err := lock.WithLock(ctx, c.opts.Locks, c.LockName(key), lock.Read, c.opts.LockWait, c.opts.LockLease,
			func(ctx context.Context) error {
				v, ok, err := c.getRemote(ctx, key)
				if err != nil {
					return err
				}
				if ok {
					out = v
					return nil
				}
				v, err = loader(ctx)
				if err != nil {
					metrics.CacheRequests.WithLabelValues("loader", "error").Inc()
					return err
				}
				metrics.CacheRequests.WithLabelValues("loader", "loaded").Inc()
				out = v
				return c.Set(ctx, key, v)
			})
		return out, err
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Set writes value to both tiers. A value whose expiry has already passed
// is not cached.
func (c *MultiLevel[V]) Set(ctx context.Context, key string, value V) error {
	expireAt := c.expireAt(value)
	ttl := expireAt.Sub(c.clock.Now())
	if ttl <= 0 {
		c.log.Debug("value already expired, not caching", "key", key, "expire_at", expireAt)
		return nil
	}
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("cache %s: set %q: %w", c.name, key, err)
	}
	c.local.Set(key, value, expireAt)
	return nil
}

// Invalidate removes key from both tiers and tells other instances to drop
// their local copy.
func (c *MultiLevel[V]) Invalidate(ctx context.Context, key string) error {
	c.local.Remove(key)
	if err := c.remote.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache %s: delete %q: %w", c.name, key, err)
	}
	if c.opts.Notifier != nil {
		if err := c.opts.Notifier.NotifyInvalidation(ctx, c.name, key); err != nil {
			// Peers keep a stale local copy until it expires.
			c.log.Warn("invalidation broadcast failed", "key", key, "err", err)
		}
	}
	return nil
}

// EvictLocal drops key from the local tier only. It is the receiving end
// of an invalidation broadcast.
func (c *MultiLevel[V]) EvictLocal(key string) {
	c.local.Remove(key)
}

// LockName returns the name of the lock guarding key's load path. Writers
// that replace the durable value take the Write lock of the same name.
func (c *MultiLevel[V]) LockName(key string) string {
	return lock.Name("cache", c.name, key)
}

func (c *MultiLevel[V]) getRemote(ctx context.Context, key string) (V, bool, error) {
	var v V
	ok, err := c.remote.Get(ctx, key, &v)
	if err != nil {
		metrics.CacheRequests.WithLabelValues("remote", "error").Inc()
		return v, false, fmt.Errorf("cache %s: get %q: %w", c.name, key, err)
	}
	if !ok {
		metrics.CacheRequests.WithLabelValues("remote", "miss").Inc()
		return v, false, nil
	}
	metrics.CacheRequests.WithLabelValues("remote", "hit").Inc()
	c.local.Set(key, v, c.expireAt(v))
	return v, true, nil
}

func (c *MultiLevel[V]) expireAt(v V) time.Time {
	if c.opts.Expire != nil {
		return c.opts.Expire(v)
	}
	return c.clock.Now().Add(c.opts.TTL)
}
