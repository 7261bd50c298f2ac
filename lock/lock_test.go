package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, identity string) (Locker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l, err := New(Options{Redis: rdb, Identity: identity})
	require.NoError(t, err)
	return l, srv
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	a, err := New(Options{Redis: rdb, Identity: "replica-a"})
	require.NoError(t, err)
	b, err := New(Options{Redis: rdb, Identity: "replica-b"})
	require.NoError(t, err)

	key := AccountKey("acct-1")
	ok, err := a.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second replica must be refused while the lock is held")
}

func TestReleaseAllowsReacquire(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t, "replica-a")

	key := AccountKey("acct-1")
	ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, key))

	ok, err = l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseIgnoresForeignLock(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	a, err := New(Options{Redis: rdb, Identity: "replica-a"})
	require.NoError(t, err)
	b, err := New(Options{Redis: rdb, Identity: "replica-b"})
	require.NoError(t, err)

	key := AccountKey("acct-1")
	ok, err := a.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale holder must not free another replica's lock.
	require.NoError(t, b.Release(ctx, key))

	ok, err = b.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	l, srv := newTestLocker(t, "replica-a")

	key := AccountKey("acct-1")
	ok, err := l.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(2 * time.Second)

	ok, err = l.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be acquirable again")
}

func TestAcquireRejectsNonPositiveTTL(t *testing.T) {
	l, _ := newTestLocker(t, "replica-a")
	_, err := l.Acquire(context.Background(), AccountKey("acct-1"), 0)
	require.Error(t, err)
}

func TestDefaultIdentityIsGenerated(t *testing.T) {
	l, _ := newTestLocker(t, "")
	assert.NotEmpty(t, l.Identity())
}

func TestTTLFor(t *testing.T) {
	assert.Equal(t, 90*time.Second, TTLFor(time.Minute))
}
