// Package queue provides the durable, ordered channel between the process that
// accepts tasks and the workers that execute them.
//
// Delivery is at-least-once: a consumer must Ack or Nack every Delivery.
// A delivery that is neither acknowledged nor negatively acknowledged (for
// example because the worker died) becomes eligible for redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors returned by queue backends.
var (
	ErrQueueClosed = errors.New("job queue is closed")
	ErrQueueFull   = errors.New("job queue is full")
	ErrNotHeld     = errors.New("delivery is no longer held by this consumer")
)

// Job is the unit carried by the queue. Type is the task kind (LOGIN or SYNC).
type Job struct {
	TaskID  uuid.UUID       `json:"task_id"`
	UserID  uuid.UUID       `json:"user_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Delivery is one attempt at handing a Job to a consumer. Attempt starts at 1.
type Delivery struct {
	ID      string
	Job     Job
	Attempt int
}

// Producer enqueues jobs.
type Producer interface {
	// Enqueue persists job and returns its queue-assigned ID.
	Enqueue(ctx context.Context, job Job) (string, error)
}

// Consumer receives and settles deliveries.
type Consumer interface {
	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	// Ack settles a delivery as done; it will not be redelivered.
	Ack(ctx context.Context, d Delivery) error
	// Nack returns a delivery for redelivery. Once MaxDeliveries attempts
	// are exhausted the job is moved to the dead-letter sink instead.
	Nack(ctx context.Context, d Delivery, reason error) error
}

// Queue is both ends of the channel.
type Queue interface {
	Producer
	Consumer
	Close() error
}

// Extender is implemented by consumers whose unsettled deliveries expire and
// are handed to another consumer. A long-running handler calls Extend well
// within VisibilityTimeout to keep its delivery.
type Extender interface {
	Extend(ctx context.Context, d Delivery) error
	VisibilityTimeout() time.Duration
}
