package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/admission"
	"github.com/phrazzld/studus-sync/internal/lock"
	"github.com/phrazzld/studus-sync/internal/mocks"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
	"github.com/phrazzld/studus-sync/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenanceCommandsValidateUserID(t *testing.T) {
	for _, args := range [][]string{
		{"unlock", "not-a-uuid"},
		{"sessions", "clear", "not-a-uuid"},
	} {
		_, err := executeRootCommand(t, args...)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid user id")
	}

	_, err := executeRootCommand(t, "sessions", "clear-all", "extra")
	assert.Error(t, err)
}

func TestForceUnlockReleasesHeldLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	log, _ := logger.NewTestLogger(t)
	ctx := context.Background()

	locker := lock.NewRedisLocker(client, log)
	userID := uuid.New()
	_, ok, err := locker.TryAcquire(ctx, lock.Key(admission.LockOperation, userID), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	key, err := forceUnlock(ctx, locker, admission.LockOperation, userID)
	require.NoError(t, err)
	assert.Equal(t, lock.Key(admission.LockOperation, userID), key)
	assert.False(t, mr.Exists(key))

	_, ok, err = locker.TryAcquire(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "the lock is free again")
}

func TestClearSessionsEmptiesCaches(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	log, _ := logger.NewTestLogger(t)
	ctx := context.Background()

	u1, u2 := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{u1, u2} {
		require.NoError(t, mr.Set(session.CookieKey(id), `[{"name":"JSESSIONID","value":"v"}]`))
		require.NoError(t, mr.Set(session.StatusKey(id), `{"valid":true}`))
	}

	launch, launches := mocks.FakeLauncher(func() (*mocks.FakeBrowser, error) {
		return mocks.NewFakeBrowser(), nil
	})
	m := session.NewManager(testConfig().Session, testConfig().Portal.BaseURL, launch, client, nil, log)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, clearSessions(ctx, cmd, m))

	assert.Equal(t, "cleared 2 cached sessions\n", out.String())
	for _, id := range []uuid.UUID{u1, u2} {
		assert.False(t, mr.Exists(session.CookieKey(id)))
		assert.False(t, mr.Exists(session.StatusKey(id)))
	}
	assert.Zero(t, *launches, "clearing sessions never starts a browser")
}
