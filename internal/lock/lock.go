// Package lock provides a keyed, TTL-based distributed mutex on Redis.
//
// A lease holds a random token stored as the key's value. Release deletes the
// key only while it still holds that token, so a caller whose lease expired
// cannot release a lock that a newer caller acquired. TTL expiry remains the
// safety net for holders that die without releasing.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
	"github.com/phrazzld/studus-sync/internal/platform/metrics"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockContention is returned when a lock is held by someone else.
	// It is expected under load and callers should retry later.
	ErrLockContention = errors.New("lock contention")

	// ErrNotHeld is returned by Release when the lease no longer owns the key,
	// either because it expired or because another holder acquired it.
	ErrNotHeld = errors.New("lock not held")
)

const keyPrefix = "mutex:"

// releaseTimeout bounds the Release call made by RunExclusive after the
// caller's context may already be done.
const releaseTimeout = 2 * time.Second

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Key builds the lock key for an operation performed on behalf of a user.
func Key(operation string, userID uuid.UUID) string {
	return keyPrefix + operation + ":" + userID.String()
}

// Lease is proof of a successful acquisition.
type Lease struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Locker acquires and releases keyed leases.
type Locker interface {
	// TryAcquire makes a single attempt to take key for ttl.
	// It returns false without error when the key is already held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)

	// Release gives up lease. A lease that no longer owns its key yields ErrNotHeld.
	Release(ctx context.Context, lease Lease) error
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete script.
type RedisLocker struct {
	client redis.Cmdable
	logger *slog.Logger
}

// NewRedisLocker creates a locker on the given client.
func NewRedisLocker(client redis.Cmdable, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		logger: logger.With("component", "lock"),
	}
}

// TryAcquire implements Locker.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return Lease{}, false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	token, err := newToken()
	if err != nil {
		return Lease{}, false, fmt.Errorf("failed to generate lock token: %w", err)
	}

	op := operationOf(key)
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		metrics.LockAcquisitionsTotal.WithLabelValues(op, "error").Inc()
		return Lease{}, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		metrics.LockAcquisitionsTotal.WithLabelValues(op, "contended").Inc()
		l.logger.Debug("lock contended", "key", key)
		return Lease{}, false, nil
	}

	metrics.LockAcquisitionsTotal.WithLabelValues(op, "acquired").Inc()
	return Lease{Key: key, Token: token, TTL: ttl}, true, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, lease Lease) error {
	n, err := releaseScript.Run(ctx, l.client, []string{lease.Key}, lease.Token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lease.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, lease.Key)
	}
	return nil
}

// ForceRelease deletes key regardless of holder. It exists for maintenance
// tooling only and must not be used on the request path.
func (l *RedisLocker) ForceRelease(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to force release lock %s: %w", key, err)
	}
	l.logger.Warn("lock force released", "key", key)
	return nil
}

// RunExclusive acquires key, runs fn and releases the lease on every exit path,
// including a panic in fn. If the key is held elsewhere it returns
// ErrLockContention without running fn.
func RunExclusive[T any](
	ctx context.Context,
	locker Locker,
	key string,
	ttl time.Duration,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	lease, ok, err := locker.TryAcquire(ctx, key, ttl)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrLockContention, key)
	}

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := locker.Release(relCtx, lease); err != nil {
			// ErrNotHeld means the TTL ran out while fn was still working.
			logger.FromContext(ctx).Warn("failed to release lock",
				"key", key,
				"error", err)
		}
	}()

	return fn(ctx)
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// operationOf extracts the operation segment of a key built by Key.
func operationOf(key string) string {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "other"
	}
	if i := strings.IndexByte(rest, ':'); i > 0 {
		return rest[:i]
	}
	return rest
}
