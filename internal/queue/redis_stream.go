package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/platform/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	streamBackend = "redis"
	jobField      = "job"
)

// StreamConfig configures a RedisStreamQueue.
type StreamConfig struct {
	Stream string
	Group  string
	// Consumer names this process inside the group. Empty derives one from
	// the hostname and a random suffix.
	Consumer string
	// VisibilityTimeout is how long a delivered, unsettled message stays with
	// its consumer before another consumer may claim it.
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	// BlockTimeout bounds each XREADGROUP wait so Receive can observe ctx.
	BlockTimeout time.Duration
}

// DeadLetterStream is the stream that receives exhausted jobs.
func (c StreamConfig) DeadLetterStream() string {
	return c.Stream + ":dead"
}

// RedisStreamQueue is a Queue on a Redis stream and consumer group.
//
// New messages are read with XREADGROUP. Messages left pending longer than
// the visibility timeout are taken over with XAUTOCLAIM, which also counts
// deliveries. XACK settles a message.
type RedisStreamQueue struct {
	client redis.Cmdable
	cfg    StreamConfig
	logger *slog.Logger
	closed atomic.Bool
}

// NewRedisStreamQueue creates the consumer group if needed and returns the queue.
func NewRedisStreamQueue(
	ctx context.Context,
	client redis.Cmdable,
	cfg StreamConfig,
	logger *slog.Logger,
) (*RedisStreamQueue, error) {
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, errors.New("stream and group are required")
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 15 * time.Minute
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if logger == nil {
		logger = slog.Default()
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s on %s: %w", cfg.Group, cfg.Stream, err)
	}

	return &RedisStreamQueue{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "queue", "backend", streamBackend, "consumer", cfg.Consumer),
	}, nil
}

// Enqueue implements Producer with XADD.
func (q *RedisStreamQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	if q.closed.Load() {
		return "", ErrQueueClosed
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{jobField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	metrics.RecordQueueEvent(streamBackend, "enqueued")
	q.logger.Debug("job enqueued", "job_id", id, "task_id", job.TaskID, "job_type", job.Type)
	return id, nil
}

// Receive implements Consumer. Expired pending messages are served before new ones.
func (q *RedisStreamQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		if q.closed.Load() {
			return Delivery{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		d, ok, err := q.reclaim(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}

		d, ok, err = q.readNew(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}
	}
}

func (q *RedisStreamQueue) reclaim(ctx context.Context) (Delivery, bool, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, false, nil
		}
		return Delivery{}, false, fmt.Errorf("failed to claim pending jobs: %w", err)
	}
	if len(msgs) == 0 {
		return Delivery{}, false, nil
	}

	msg := msgs[0]
	attempt, err := q.deliveryCount(ctx, msg.ID)
	if err != nil {
		return Delivery{}, false, err
	}
	metrics.RecordQueueEvent(streamBackend, "reclaimed")

	d, err := q.decode(msg, attempt)
	if err != nil {
		q.logger.Error("dropping undecodable job", "job_id", msg.ID, "error", err)
		return Delivery{}, false, q.deadLetter(ctx, Delivery{ID: msg.ID, Attempt: attempt}, err)
	}
	if attempt > q.cfg.MaxDeliveries {
		return Delivery{}, false, q.deadLetter(ctx, d, errors.New("max deliveries exceeded"))
	}

	q.logger.Info("reclaimed expired job", "job_id", d.ID, "task_id", d.Job.TaskID, "attempt", attempt)
	return d, true, nil
}

func (q *RedisStreamQueue) readNew(ctx context.Context) (Delivery, bool, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    q.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Delivery{}, false, ctxErr
		}
		return Delivery{}, false, fmt.Errorf("failed to read jobs: %w", err)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			d, err := q.decode(msg, 1)
			if err != nil {
				q.logger.Error("dropping undecodable job", "job_id", msg.ID, "error", err)
				if dlErr := q.deadLetter(ctx, Delivery{ID: msg.ID, Attempt: 1}, err); dlErr != nil {
					return Delivery{}, false, dlErr
				}
				continue
			}
			metrics.RecordQueueEvent(streamBackend, "delivered")
			return d, true, nil
		}
	}
	return Delivery{}, false, nil
}

func (q *RedisStreamQueue) deliveryCount(ctx context.Context, id string) (int, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to inspect pending job %s: %w", id, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}

func (q *RedisStreamQueue) decode(msg redis.XMessage, attempt int) (Delivery, error) {
	raw, ok := msg.Values[jobField].(string)
	if !ok {
		return Delivery{}, fmt.Errorf("message %s has no %q field", msg.ID, jobField)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Delivery{}, fmt.Errorf("failed to decode job %s: %w", msg.ID, err)
	}
	return Delivery{ID: msg.ID, Job: job, Attempt: attempt}, nil
}

// Ack implements Consumer with XACK.
func (q *RedisStreamQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", d.ID, err)
	}
	metrics.RecordQueueEvent(streamBackend, "acked")
	return nil
}

// Extend resets the idle time of d with XCLAIM JUSTID, which keeps XAUTOCLAIM
// in other consumers from taking it over.
func (q *RedisStreamQueue) Extend(ctx context.Context, d Delivery) error {
	ids, err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Messages: []string{d.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to extend job %s: %w", d.ID, err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, d.ID)
	}
	return nil
}

// VisibilityTimeout implements Extender.
func (q *RedisStreamQueue) VisibilityTimeout() time.Duration {
	return q.cfg.VisibilityTimeout
}

// Nack leaves d pending so it is reclaimed after the visibility timeout, or
// dead-letters it when its attempts are exhausted.
func (q *RedisStreamQueue) Nack(ctx context.Context, d Delivery, reason error) error {
	metrics.RecordQueueEvent(streamBackend, "nacked")
	if d.Attempt >= q.cfg.MaxDeliveries {
		return q.deadLetter(ctx, d, reason)
	}
	q.logger.Info("job will be redelivered",
		"job_id", d.ID,
		"task_id", d.Job.TaskID,
		"attempt", d.Attempt,
		"reason", errString(reason))
	return nil
}

func (q *RedisStreamQueue) deadLetter(ctx context.Context, d Delivery, reason error) error {
	data, _ := json.Marshal(d.Job)
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.DeadLetterStream(),
		Values: map[string]any{
			jobField:   string(data),
			"source":   d.ID,
			"attempts": d.Attempt,
			"reason":   errString(reason),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", d.ID, err)
	}
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("failed to ack dead-lettered job %s: %w", d.ID, err)
	}
	metrics.RecordQueueEvent(streamBackend, "dead_lettered")
	q.logger.Warn("job dead-lettered",
		"job_id", d.ID,
		"task_id", d.Job.TaskID,
		"attempt", d.Attempt,
		"reason", errString(reason))
	return nil
}

// Close stops Enqueue and Receive. The client is owned by the caller.
func (q *RedisStreamQueue) Close() error {
	q.closed.Store(true)
	return nil
}

var _ Extender = (*RedisStreamQueue)(nil)
