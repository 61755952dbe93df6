package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, nil), mr
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("6f1f7f4e-3c57-4c1e-9d2f-2d3b0f3c8a11")
	assert.Equal(t, "mutex:sync-admission:6f1f7f4e-3c57-4c1e-9d2f-2d3b0f3c8a11", Key("sync-admission", id))
	assert.Equal(t, "sync-admission", operationOf(Key("sync-admission", id)))
	assert.Equal(t, "other", operationOf("random"))
}

func TestTryAcquireReleaseCycle(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()
	key := Key("sync", uuid.New())

	first, ok, err := l.TryAcquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Token, mustGet(t, mr, key))

	_, ok, err = l.TryAcquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquisition must fail while held")

	require.NoError(t, l.Release(ctx, first))

	_, ok, err = l.TryAcquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "acquisition must succeed after release")
}

func TestForeignTokenCannotRelease(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()
	key := Key("sync", uuid.New())

	held, ok, err := l.TryAcquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	err = l.Release(ctx, Lease{Key: key, Token: "not-the-holder"})
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.True(t, mr.Exists(key), "foreign release must not delete the key")

	require.NoError(t, l.Release(ctx, held))
	assert.False(t, mr.Exists(key))
}

func TestExpiredLeaseDoesNotReleaseNewHolder(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()
	key := Key("sync", uuid.New())

	stale, ok, err := l.TryAcquire(ctx, key, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	fresh, ok, err := l.TryAcquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "key should be free after TTL expiry")

	assert.ErrorIs(t, l.Release(ctx, stale), ErrNotHeld)
	assert.Equal(t, fresh.Token, mustGet(t, mr, key))
}

func TestTryAcquireRejectsNonPositiveTTL(t *testing.T) {
	l, _ := newTestLocker(t)
	_, ok, err := l.TryAcquire(context.Background(), "mutex:x:y", 0)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestForceRelease(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()
	key := Key("sync", uuid.New())

	_, ok, err := l.TryAcquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.ForceRelease(ctx, key))
	assert.False(t, mr.Exists(key))
}

func TestRunExclusive(t *testing.T) {
	ctx := context.Background()

	t.Run("returns fn result and releases", func(t *testing.T) {
		l, mr := newTestLocker(t)
		key := Key("op", uuid.New())

		got, err := RunExclusive(ctx, l, key, 5*time.Second, func(context.Context) (int, error) {
			assert.True(t, mr.Exists(key), "lock must be held while fn runs")
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.False(t, mr.Exists(key))
	})

	t.Run("releases on error", func(t *testing.T) {
		l, mr := newTestLocker(t)
		key := Key("op", uuid.New())
		boom := errors.New("boom")

		_, err := RunExclusive(ctx, l, key, 5*time.Second, func(context.Context) (struct{}, error) {
			return struct{}{}, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, mr.Exists(key))

		_, ok, err := l.TryAcquire(ctx, key, 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("releases on panic", func(t *testing.T) {
		l, mr := newTestLocker(t)
		key := Key("op", uuid.New())

		assert.Panics(t, func() {
			_, _ = RunExclusive(ctx, l, key, 5*time.Second, func(context.Context) (int, error) {
				panic("kaboom")
			})
		})
		assert.False(t, mr.Exists(key))

		_, ok, err := l.TryAcquire(ctx, key, 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("contention does not run fn", func(t *testing.T) {
		l, _ := newTestLocker(t)
		key := Key("op", uuid.New())

		_, ok, err := l.TryAcquire(ctx, key, 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		ran := false
		_, err = RunExclusive(ctx, l, key, 5*time.Second, func(context.Context) (int, error) {
			ran = true
			return 0, nil
		})
		assert.ErrorIs(t, err, ErrLockContention)
		assert.False(t, ran)
	})

	t.Run("store failure surfaces as error", func(t *testing.T) {
		l, mr := newTestLocker(t)
		mr.SetError("connection refused")

		_, err := RunExclusive(ctx, l, "mutex:op:u", 5*time.Second, func(context.Context) (int, error) {
			return 0, nil
		})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrLockContention)
	})
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
