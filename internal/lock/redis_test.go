package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*RedisManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisManager(rdb, RedisOptions{RetryInterval: time.Millisecond}), mr
}

func holderCtx(h string) context.Context {
	return ContextWithHolder(context.Background(), h)
}

func TestTryAcquireFailsImmediatelyWhileHeld(t *testing.T) {
	for _, typ := range []Type{Reentrant, Fair, Write} {
		t.Run(typ.String(), func(t *testing.T) {
			m, _ := newTestManager(t)

			held, err := m.Acquire(holderCtx("a"), "show:1", typ, 0, time.Second)
			require.NoError(t, err)

			start := time.Now()
			_, err = m.Acquire(holderCtx("b"), "show:1", typ, 0, time.Second)
			assert.ErrorIs(t, err, ErrTimeout)
			assert.Less(t, time.Since(start), 100*time.Millisecond)

			require.NoError(t, m.Release(context.Background(), held))
			again, err := m.Acquire(holderCtx("b"), "show:1", typ, 0, time.Second)
			require.NoError(t, err)
			require.NoError(t, m.Release(context.Background(), again))
		})
	}
}

func TestWaiterAcquiresAfterRelease(t *testing.T) {
	for _, typ := range []Type{Reentrant, Fair, Write} {
		t.Run(typ.String(), func(t *testing.T) {
			m, _ := newTestManager(t)

			held, err := m.Acquire(holderCtx("a"), "show:2", typ, 0, time.Second)
			require.NoError(t, err)

			got := make(chan error, 1)
			go func() {
				l, err := m.Acquire(holderCtx("b"), "show:2", typ, 2*time.Second, time.Second)
				if err == nil {
					err = m.Release(context.Background(), l)
				}
				got <- err
			}()

			time.Sleep(20 * time.Millisecond)
			require.NoError(t, m.Release(context.Background(), held))

			select {
			case err := <-got:
				assert.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("waiter did not acquire after release")
			}
		})
	}
}

func TestWaitTimesOut(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Acquire(holderCtx("a"), "busy", Reentrant, 0, time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(holderCtx("b"), "busy", Reentrant, 30*time.Millisecond, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAcquireHonoursContextCancellation(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Acquire(holderCtx("a"), "busy", Fair, 0, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(holderCtx("b"), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "busy", Fair, 5*time.Second, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReentrantHoldCount(t *testing.T) {
	for _, typ := range []Type{Reentrant, Fair} {
		t.Run(typ.String(), func(t *testing.T) {
			m, _ := newTestManager(t)
			ctx := holderCtx("a")

			first, err := m.Acquire(ctx, "group:7", typ, 0, time.Second)
			require.NoError(t, err)
			second, err := m.Acquire(ctx, "group:7", typ, 0, time.Second)
			require.NoError(t, err, "same holder must re-enter")

			require.NoError(t, m.Release(context.Background(), second))
			_, err = m.Acquire(holderCtx("b"), "group:7", typ, 0, time.Second)
			assert.ErrorIs(t, err, ErrTimeout, "one hold is still outstanding")

			require.NoError(t, m.Release(context.Background(), first))
			other, err := m.Acquire(holderCtx("b"), "group:7", typ, 0, time.Second)
			require.NoError(t, err)
			require.NoError(t, m.Release(context.Background(), other))
		})
	}
}

func TestAcquireWithoutHolderIsNotReentrant(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Acquire(context.Background(), "solo", Reentrant, 0, time.Second)
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "solo", Reentrant, 0, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReadersShareWritersExclude(t *testing.T) {
	m, _ := newTestManager(t)
	bg := context.Background()

	r1, err := m.Acquire(holderCtx("r1"), "catalog", Read, 0, time.Second)
	require.NoError(t, err)
	r2, err := m.Acquire(holderCtx("r2"), "catalog", Read, 0, time.Second)
	require.NoError(t, err, "readers share the lock")

	_, err = m.Acquire(holderCtx("w"), "catalog", Write, 0, time.Second)
	assert.ErrorIs(t, err, ErrTimeout, "writer must wait for readers")

	require.NoError(t, m.Release(bg, r1))
	_, err = m.Acquire(holderCtx("w"), "catalog", Write, 0, time.Second)
	assert.ErrorIs(t, err, ErrTimeout, "one reader still holds")

	require.NoError(t, m.Release(bg, r2))
	w, err := m.Acquire(holderCtx("w"), "catalog", Write, 0, time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(holderCtx("r3"), "catalog", Read, 0, time.Second)
	assert.ErrorIs(t, err, ErrTimeout, "writer excludes readers")
	_, err = m.Acquire(holderCtx("w2"), "catalog", Write, 0, time.Second)
	assert.ErrorIs(t, err, ErrTimeout, "writer excludes writers")

	down, err := m.Acquire(holderCtx("w"), "catalog", Read, 0, time.Second)
	require.NoError(t, err, "the writer may also read")
	require.NoError(t, m.Release(bg, down))
	require.NoError(t, m.Release(bg, w))

	r4, err := m.Acquire(holderCtx("r4"), "catalog", Read, 0, time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Release(bg, r4))
}

func TestFairLockServesWaitersInArrivalOrder(t *testing.T) {
	m, mr := newTestManager(t)
	bg := context.Background()
	queueKey := m.fairQueueKey("seq")

	held, err := m.Acquire(holderCtx("owner"), "seq", Fair, 0, time.Second)
	require.NoError(t, err)

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wait := func(name string) {
		defer wg.Done()
		l, err := m.Acquire(holderCtx(name), "seq", Fair, 2*time.Second, time.Second)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			return
		}
		order <- name
		time.Sleep(10 * time.Millisecond)
		_ = m.Release(bg, l)
	}
	queued := func(n int) func() bool {
		return func() bool {
			l, err := mr.List(queueKey)
			return err == nil && len(l) == n
		}
	}

	wg.Add(2)
	go wait("first")
	require.Eventually(t, queued(1), time.Second, time.Millisecond)
	go wait("second")
	require.Eventually(t, queued(2), time.Second, time.Millisecond)

	require.NoError(t, m.Release(bg, held))
	wg.Wait()
	close(order)

	var got []string
	for name := range order {
		got = append(got, name)
	}
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestFairWaiterLeavesQueueOnTimeout(t *testing.T) {
	m, mr := newTestManager(t)
	_, err := m.Acquire(holderCtx("owner"), "q", Fair, 0, time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(holderCtx("late"), "q", Fair, 15*time.Millisecond, time.Second)
	require.ErrorIs(t, err, ErrTimeout)

	l, err := mr.List(m.fairQueueKey("q"))
	if err == nil {
		assert.Empty(t, l)
	}
}

func TestLeaseExpiryFreesLock(t *testing.T) {
	for _, typ := range []Type{Reentrant, Fair, Write} {
		t.Run(typ.String(), func(t *testing.T) {
			m, mr := newTestManager(t)

			crashed, err := m.Acquire(holderCtx("crashed"), "lease", typ, 0, 100*time.Millisecond)
			require.NoError(t, err)

			mr.FastForward(200 * time.Millisecond)

			l, err := m.Acquire(holderCtx("next"), "lease", typ, 0, time.Second)
			require.NoError(t, err, "expired lease must not block other holders")

			err = m.Release(context.Background(), crashed)
			assert.ErrorIs(t, err, ErrNotHeld)
			require.NoError(t, m.Release(context.Background(), l))
		})
	}
}

func TestAcquireRejectsInvalidRequests(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Acquire(context.Background(), "", Reentrant, 0, time.Second)
	assert.ErrorIs(t, err, ErrInvalidLock)
	_, err = m.Acquire(context.Background(), "x", Type(9), 0, time.Second)
	assert.ErrorIs(t, err, ErrInvalidLock)
	assert.ErrorIs(t, m.Release(context.Background(), nil), ErrInvalidLock)
}

func TestAcquireReportsStoreFailure(t *testing.T) {
	m, mr := newTestManager(t)
	mr.Close()
	_, err := m.Acquire(context.Background(), "down", Reentrant, 0, time.Second)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
}
