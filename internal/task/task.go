package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of work a task performs.
type Type string

// Task types
const (
	TypeLogin Type = "LOGIN"
	TypeSync  Type = "SYNC"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	return t == TypeLogin || t == TypeSync
}

// Status represents the current state of a task
type Status string

// Possible task status values
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ActiveStatuses are the statuses of a task that has been admitted and not finished.
var ActiveStatuses = []Status{StatusPending, StatusRunning}

var (
	// ErrUnknownJobType is returned when no processor is registered for a job type.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrTaskCanceled is the cancellation cause of a task stopped on request.
	ErrTaskCanceled = errors.New("task canceled")
)

// Task is the durable record of one unit of background work.
// Performance is kept raw because rows written by older workers may hold
// malformed JSON; readers decode it with ParsePerformance.
type Task struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	Type         Type            `json:"type"`
	Status       Status          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Performance  json.RawMessage `json:"performance,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// New creates a PENDING task for userID.
func New(userID uuid.UUID, t Type, payload json.RawMessage) (*Task, error) {
	if userID == uuid.Nil {
		return nil, errors.New("task user ID cannot be empty")
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      t,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Performance holds the phase durations of a sync run in milliseconds.
type Performance struct {
	Login      int64 `json:"login"`
	Navigation int64 `json:"navigation"`
	Scraping   int64 `json:"scraping"`
	Total      int64 `json:"total"`
}

// ParsePerformance decodes raw performance JSON. It reports false for empty
// or malformed input and for a non-positive total.
func ParsePerformance(raw json.RawMessage) (Performance, bool) {
	if len(raw) == 0 {
		return Performance{}, false
	}
	var p Performance
	if err := json.Unmarshal(raw, &p); err != nil {
		return Performance{}, false
	}
	if p.Total <= 0 {
		return Performance{}, false
	}
	return p, true
}

// Log is a diagnostic entry attached to a task, optionally pointing at a
// screenshot captured when the task failed.
type Log struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	TaskID         uuid.UUID `json:"task_id"`
	Level          string    `json:"level"`
	Message        string    `json:"message"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store defines the interface for persisting tasks.
type Store interface {
	// Create inserts a new task.
	Create(ctx context.Context, t *Task) error

	// Get retrieves a task by ID. Returns store.ErrTaskNotFound if absent.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// FindActive returns the newest task of the given type owned by userID whose
	// status is one of statuses. Returns store.ErrTaskNotFound if there is none.
	FindActive(ctx context.Context, userID uuid.UUID, t Type, statuses ...Status) (*Task, error)

	// ListByUser returns the user's most recent tasks, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Task, error)

	// MarkRunning moves a task to RUNNING and sets startedAt.
	MarkRunning(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkCompleted moves a task to COMPLETED with its result and performance.
	MarkCompleted(ctx context.Context, id uuid.UUID, result, performance json.RawMessage, at time.Time) error

	// MarkFailed moves a task to FAILED with an error message.
	MarkFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) error

	// RecentCompleted returns up to limit COMPLETED tasks of type t for userID,
	// ordered by completedAt descending.
	RecentCompleted(ctx context.Context, userID uuid.UUID, t Type, limit int) ([]Task, error)

	// StuckRunning returns RUNNING tasks not updated within olderThan.
	StuckRunning(ctx context.Context, olderThan time.Duration) ([]Task, error)

	// AppendLog records a diagnostic entry.
	AppendLog(ctx context.Context, l *Log) error
}
