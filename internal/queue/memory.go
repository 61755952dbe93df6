package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/phrazzld/studus-sync/internal/platform/metrics"
)

const memoryBackend = "memory"

// MemoryQueue is a buffered-channel queue for tests and single-process
// development. It is not durable across restarts.
type MemoryQueue struct {
	deliveries    chan Delivery
	maxDeliveries int
	logger        *slog.Logger
	seq           atomic.Int64

	mu     sync.RWMutex
	closed bool
	dead   []Delivery
}

// NewMemoryQueue creates a queue with the given buffer size.
func NewMemoryQueue(size, maxDeliveries int, logger *slog.Logger) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		deliveries:    make(chan Delivery, size),
		maxDeliveries: maxDeliveries,
		logger:        logger.With("component", "queue", "backend", memoryBackend),
	}
}

// Enqueue adds a job. It never blocks; a full buffer yields ErrQueueFull.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) (string, error) {
	id := strconv.FormatInt(q.seq.Add(1), 10)
	if err := q.push(Delivery{ID: id, Job: job, Attempt: 1}); err != nil {
		return "", err
	}
	metrics.RecordQueueEvent(memoryBackend, "enqueued")
	q.logger.Debug("job enqueued",
		"job_id", id,
		"task_id", job.TaskID,
		"job_type", job.Type,
		"queue_len", len(q.deliveries))
	return id, nil
}

func (q *MemoryQueue) push(d Delivery) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.deliveries <- d:
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.deliveries))
	}
}

// Receive implements Consumer.
func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return Delivery{}, ErrQueueClosed
		}
		metrics.RecordQueueEvent(memoryBackend, "delivered")
		return d, nil
	}
}

// Ack implements Consumer.
func (q *MemoryQueue) Ack(context.Context, Delivery) error {
	metrics.RecordQueueEvent(memoryBackend, "acked")
	return nil
}

// Nack requeues d with an incremented attempt, or dead-letters it.
func (q *MemoryQueue) Nack(_ context.Context, d Delivery, reason error) error {
	metrics.RecordQueueEvent(memoryBackend, "nacked")
	if d.Attempt >= q.maxDeliveries {
		q.mu.Lock()
		q.dead = append(q.dead, d)
		q.mu.Unlock()
		metrics.RecordQueueEvent(memoryBackend, "dead_lettered")
		q.logger.Warn("job dead-lettered",
			"job_id", d.ID,
			"task_id", d.Job.TaskID,
			"attempt", d.Attempt,
			"reason", errString(reason))
		return nil
	}
	d.Attempt++
	return q.push(d)
}

// DeadLetters returns the jobs that exhausted their deliveries.
func (q *MemoryQueue) DeadLetters() []Delivery {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]Delivery(nil), q.dead...)
}

// Len returns the number of buffered deliveries.
func (q *MemoryQueue) Len() int {
	return len(q.deliveries)
}

// Close stops accepting jobs. Buffered deliveries remain receivable.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.deliveries)
		q.logger.Info("job queue closed")
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
