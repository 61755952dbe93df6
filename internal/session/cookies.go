package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	cookieKeyPrefix = "session_cookies:"
	statusKeyPrefix = "session_status:"
)

// CookieKey is the Redis key holding a user's persisted cookies.
func CookieKey(userID uuid.UUID) string {
	return cookieKeyPrefix + userID.String()
}

// StatusKey is the Redis key holding a user's cached session status.
func StatusKey(userID uuid.UUID) string {
	return statusKeyPrefix + userID.String()
}

// CookieStore persists session cookies in Redis with a TTL and keeps a backup
// copy on the user record for when the Redis entry has expired.
type CookieStore struct {
	client redis.Cmdable
	backup store.UserStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewCookieStore creates a cookie store. backup may be nil.
func NewCookieStore(client redis.Cmdable, backup store.UserStore, ttl time.Duration, logger *slog.Logger) *CookieStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CookieStore{client: client, backup: backup, ttl: ttl, logger: logger}
}

// Load returns the user's cookies from Redis, falling back to the backup copy.
// A backup hit is written back to Redis. No cookies yields an empty slice.
func (s *CookieStore) Load(ctx context.Context, userID uuid.UUID) ([]domain.Cookie, error) {
	raw, err := s.client.Get(ctx, CookieKey(userID)).Bytes()
	switch {
	case err == nil:
		var cookies []domain.Cookie
		if err := json.Unmarshal(raw, &cookies); err == nil {
			return cookies, nil
		}
		s.logger.Warn("discarding unreadable cached cookies", "user_id", userID)
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("failed to read cached cookies, trying backup", "user_id", userID, "error", err)
	}

	if s.backup == nil {
		return nil, nil
	}
	cookies, err := s.backup.GetCookies(ctx, userID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup cookies: %w", err)
	}
	if len(cookies) > 0 {
		if err := s.setCache(ctx, userID, cookies); err != nil {
			s.logger.Warn("failed to re-cache backup cookies", "user_id", userID, "error", err)
		}
	}
	return cookies, nil
}

// Save writes cookies to Redis with the idle TTL and to the backup copy.
// A backup failure is logged, not returned.
func (s *CookieStore) Save(ctx context.Context, userID uuid.UUID, cookies []domain.Cookie) error {
	if err := s.setCache(ctx, userID, cookies); err != nil {
		return err
	}
	if s.backup != nil {
		if err := s.backup.SaveCookies(ctx, userID, cookies); err != nil {
			s.logger.Warn("failed to write backup cookies", "user_id", userID, "error", err)
		}
	}
	return nil
}

// Delete removes the cached cookies. The backup copy is left in place.
func (s *CookieStore) Delete(ctx context.Context, userID uuid.UUID) error {
	if err := s.client.Del(ctx, CookieKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached cookies: %w", err)
	}
	return nil
}

func (s *CookieStore) setCache(ctx context.Context, userID uuid.UUID, cookies []domain.Cookie) error {
	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	if err := s.client.Set(ctx, CookieKey(userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache cookies: %w", err)
	}
	return nil
}

// Status is the cached outcome of the last session validation.
type Status struct {
	Valid     bool      `json:"valid"`
	CheckedAt time.Time `json:"checkedAt"`
}

// StatusCache stores validation outcomes so repeated checks skip the browser.
type StatusCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewStatusCache creates a status cache whose entries expire after ttl.
func NewStatusCache(client redis.Cmdable, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, ttl: ttl}
}

// Get returns the cached status. ok is false when nothing usable is cached.
func (c *StatusCache) Get(ctx context.Context, userID uuid.UUID) (Status, bool, error) {
	raw, err := c.client.Get(ctx, StatusKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("failed to read session status: %w", err)
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, false, nil
	}
	return st, true, nil
}

// Set caches st for userID.
func (c *StatusCache) Set(ctx context.Context, userID uuid.UUID, st Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode session status: %w", err)
	}
	if err := c.client.Set(ctx, StatusKey(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache session status: %w", err)
	}
	return nil
}

// Invalidate drops the cached status so the next check hits the browser.
func (c *StatusCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.Del(ctx, StatusKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate session status: %w", err)
	}
	return nil
}
