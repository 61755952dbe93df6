package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/admission"
	"github.com/phrazzld/studus-sync/internal/api/shared"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
	"github.com/phrazzld/studus-sync/internal/service"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/phrazzld/studus-sync/internal/task"
)

const (
	defaultTaskListLimit = 50
	maxTaskListLimit     = 200

	// busyRetryAfterSeconds is sent with 429 responses to admission contention.
	busyRetryAfterSeconds = 1
)

// Admitter admits and cancels tasks. It is implemented by admission.Service.
type Admitter interface {
	Submit(ctx context.Context, userID uuid.UUID, t task.Type, payload json.RawMessage) (admission.Decision, error)
	Cancel(ctx context.Context, userID, taskID uuid.UUID) error
}

// TaskReader reads task rows.
type TaskReader interface {
	Get(ctx context.Context, id uuid.UUID) (*task.Task, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]task.Task, error)
}

// PerformanceReporter summarizes recent sync durations.
type PerformanceReporter interface {
	PerformanceStats(ctx context.Context, userID uuid.UUID) (service.PerformanceStats, error)
}

// TaskHandler serves task submission, listing, cancellation and stats.
type TaskHandler struct {
	admitter Admitter
	tasks    TaskReader
	stats    PerformanceReporter
	logger   *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(admitter Admitter, tasks TaskReader, stats PerformanceReporter, log *slog.Logger) *TaskHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TaskHandler{
		admitter: admitter,
		tasks:    tasks,
		stats:    stats,
		logger:   log.With("component", "task_handler"),
	}
}

// CreateTask handles POST /api/tasks. An admitted task is returned with 200,
// an already active SYNC yields 409 with its ID, and lock contention yields
// 429.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req CreateTaskRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	d, err := h.admitter.Submit(r.Context(), userID, task.Type(req.Type), req.Payload)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	switch d.Outcome {
	case admission.Accepted:
		shared.RespondWithJSON(w, r, http.StatusOK, d.Task)
	case admission.Conflict:
		shared.RespondWithJSON(w, r, http.StatusConflict, ConflictResponse{
			Error:          "A sync is already in progress",
			ExistingTaskID: d.ExistingTaskID,
		})
	case admission.Busy:
		w.Header().Set("Retry-After", strconv.Itoa(busyRetryAfterSeconds))
		shared.RespondWithErrorAndLog(w, r, http.StatusTooManyRequests,
			"Another request for this account is being processed, retry shortly", nil)
	default:
		logger.FromContextOrDefault(r.Context(), h.logger).Error("unknown admission outcome", "outcome", d.Outcome)
		shared.RespondWithError(w, r, http.StatusInternalServerError, "An unexpected error occurred")
	}
}

// ListTasks handles GET /api/tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	tasks, err := h.tasks.ListByUser(r.Context(), userID, queryLimit(r, defaultTaskListLimit, maxTaskListLimit))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, tasks)
}

// GetTask handles GET /api/tasks/{id}. Tasks of other users are reported as
// not found.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := handleUserIDAndPathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.tasks.Get(r.Context(), taskID)
	if err == nil && t.UserID != userID {
		err = store.ErrTaskNotFound
	}
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// CancelTask handles POST /api/tasks/{id}/cancel.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := handleUserIDAndPathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.admitter.Cancel(r.Context(), userID, taskID); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, map[string]any{
		"taskId": taskID,
		"status": "cancel_requested",
	})
}

// PerformanceStats handles GET /api/tasks/stats/performance.
func (h *TaskHandler) PerformanceStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	stats, err := h.stats.PerformanceStats(r.Context(), userID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to compute performance stats")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}
