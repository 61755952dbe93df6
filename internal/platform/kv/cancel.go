package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const cancelKeyPrefix = "task_cancel:"

// DefaultCancelTTL outlives the longest job timeout so a request is never
// dropped while its task is still running.
const DefaultCancelTTL = time.Hour

// CancelRegistry records cancel requests for running tasks. Workers poll it
// and stop the matching execution.
type CancelRegistry struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewCancelRegistry creates a registry whose requests expire after ttl.
func NewCancelRegistry(client redis.Cmdable, ttl time.Duration) *CancelRegistry {
	if ttl <= 0 {
		ttl = DefaultCancelTTL
	}
	return &CancelRegistry{client: client, ttl: ttl}
}

// CancelKey returns the key holding the cancel request for taskID.
func CancelKey(taskID uuid.UUID) string {
	return cancelKeyPrefix + taskID.String()
}

// Request records a cancel request for taskID.
func (r *CancelRegistry) Request(ctx context.Context, taskID uuid.UUID) error {
	if err := r.client.Set(ctx, CancelKey(taskID), time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record cancel request: %w", err)
	}
	return nil
}

// Requested reports whether a cancel request exists for taskID.
func (r *CancelRegistry) Requested(ctx context.Context, taskID uuid.UUID) (bool, error) {
	n, err := r.client.Exists(ctx, CancelKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel request: %w", err)
	}
	return n > 0, nil
}

// Clear removes the cancel request for taskID, if any.
func (r *CancelRegistry) Clear(ctx context.Context, taskID uuid.UUID) error {
	if err := r.client.Del(ctx, CancelKey(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to clear cancel request: %w", err)
	}
	return nil
}
