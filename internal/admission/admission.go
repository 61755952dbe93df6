// Package admission decides at request time whether a task may be created.
//
// A SYNC request takes a short per-user lock, checks the task store for an
// active SYNC and only then creates and enqueues a new one, so concurrent
// requests for the same user admit at most one run. Contention and conflicts
// are returned as decisions, not errors.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/lock"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
	"github.com/phrazzld/studus-sync/internal/platform/metrics"
	"github.com/phrazzld/studus-sync/internal/queue"
	"github.com/phrazzld/studus-sync/internal/redact"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/phrazzld/studus-sync/internal/task"
)

// LockOperation is the lock namespace of sync admission.
const LockOperation = "sync-admission"

// DefaultLockTTL bounds how long an admission decision may hold the lock.
const DefaultLockTTL = 5 * time.Second

// ErrNotCancelable is returned by Cancel for a task that already finished.
var ErrNotCancelable = errors.New("task is not active")

// Outcome is the kind of an admission decision.
type Outcome string

// Admission outcomes
const (
	Accepted Outcome = "accepted"
	Conflict Outcome = "conflict"
	Busy     Outcome = "busy"
)

// Decision is the result of an admission request. Task is set when Accepted;
// ExistingTaskID is set on Conflict.
type Decision struct {
	Outcome        Outcome
	Task           *task.Task
	ExistingTaskID uuid.UUID
}

// Service admits tasks.
type Service struct {
	locker  lock.Locker
	tasks   task.Store
	queue   queue.Producer
	cancels task.CancelSignals
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewService creates an admission service. A non-positive lockTTL uses
// DefaultLockTTL.
func NewService(
	locker lock.Locker,
	tasks task.Store,
	producer queue.Producer,
	cancels task.CancelSignals,
	lockTTL time.Duration,
	log *slog.Logger,
) *Service {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		locker:  locker,
		tasks:   tasks,
		queue:   producer,
		cancels: cancels,
		lockTTL: lockTTL,
		logger:  log.With("component", "admission"),
	}
}

// Submit dispatches to RequestSync or RequestLogin by type.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, t task.Type, payload json.RawMessage) (Decision, error) {
	switch t {
	case task.TypeSync:
		return s.RequestSync(ctx, userID, payload)
	case task.TypeLogin:
		return s.RequestLogin(ctx, userID, payload)
	default:
		return Decision{}, fmt.Errorf("%w: %q", task.ErrUnknownJobType, t)
	}
}

// RequestSync admits a SYNC for userID unless one is already pending or
// running, or another admission for the same user holds the lock.
func (s *Service) RequestSync(ctx context.Context, userID uuid.UUID, payload json.RawMessage) (Decision, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With("user_id", userID)

	d, err := lock.RunExclusive(ctx, s.locker, lock.Key(LockOperation, userID), s.lockTTL,
		func(ctx context.Context) (Decision, error) {
			existing, err := s.tasks.FindActive(ctx, userID, task.TypeSync, task.ActiveStatuses...)
			switch {
			case err == nil:
				return Decision{Outcome: Conflict, ExistingTaskID: existing.ID}, nil
			case !store.IsNotFoundError(err):
				return Decision{}, fmt.Errorf("failed to check active sync: %w", err)
			}

			t, err := s.admit(ctx, userID, task.TypeSync, payload)
			if err != nil {
				return Decision{}, err
			}
			return Decision{Outcome: Accepted, Task: t}, nil
		})
	if errors.Is(err, lock.ErrLockContention) {
		d, err = Decision{Outcome: Busy}, nil
	}
	if err != nil {
		log.Error("sync admission failed", "error", err)
		return Decision{}, err
	}

	metrics.AdmissionDecisionsTotal.WithLabelValues(string(task.TypeSync), string(d.Outcome)).Inc()
	switch d.Outcome {
	case Accepted:
		log.Info("sync admitted", "task_id", d.Task.ID)
	case Conflict:
		log.Info("sync already active", "existing_task_id", d.ExistingTaskID)
	case Busy:
		log.Info("sync admission busy")
	}
	return d, nil
}

// RequestLogin admits a LOGIN for userID. Logins are not deduplicated.
func (s *Service) RequestLogin(ctx context.Context, userID uuid.UUID, payload json.RawMessage) (Decision, error) {
	t, err := s.admit(ctx, userID, task.TypeLogin, payload)
	if err != nil {
		return Decision{}, err
	}
	metrics.AdmissionDecisionsTotal.WithLabelValues(string(task.TypeLogin), string(Accepted)).Inc()
	logger.FromContextOrDefault(ctx, s.logger).Info("login admitted", "user_id", userID, "task_id", t.ID)
	return Decision{Outcome: Accepted, Task: t}, nil
}

// Cancel records a cancel request for one of userID's active tasks. A task
// owned by someone else is reported as not found.
func (s *Service) Cancel(ctx context.Context, userID, taskID uuid.UUID) error {
	if s.cancels == nil {
		return errors.New("cancellation is not configured")
	}
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.UserID != userID {
		return store.ErrTaskNotFound
	}
	if t.Status != task.StatusPending && t.Status != task.StatusRunning {
		return fmt.Errorf("%w: status %s", ErrNotCancelable, t.Status)
	}
	if err := s.cancels.Request(ctx, taskID); err != nil {
		return fmt.Errorf("failed to record cancel request: %w", err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("cancel requested", "user_id", userID, "task_id", taskID)
	return nil
}

// admit creates a PENDING task and enqueues it. A task that cannot be
// enqueued is marked FAILED so it does not block later admissions.
func (s *Service) admit(ctx context.Context, userID uuid.UUID, t task.Type, payload json.RawMessage) (*task.Task, error) {
	tk, err := task.New(userID, t, payload)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.Create(ctx, tk); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	_, err = s.queue.Enqueue(ctx, queue.Job{
		TaskID:  tk.ID,
		UserID:  userID,
		Type:    string(t),
		Payload: payload,
	})
	if err != nil {
		settleCtx := context.WithoutCancel(ctx)
		if mErr := s.tasks.MarkFailed(settleCtx, tk.ID, "enqueue failed: "+redact.Secrets(err.Error()), time.Now().UTC()); mErr != nil {
			s.logger.Error("failed to mark unqueued task failed", "task_id", tk.ID, "error", mErr)
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return tk, nil
}
