package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/phrazzld/studus-sync/internal/task"
)

// PostgresTaskStore implements the task.Store interface using PostgreSQL
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgresTaskStore
func NewPostgresTaskStore(db store.DBTX, log *slog.Logger) *PostgresTaskStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: log.With(slog.String("component", "task_store")),
	}
}

var _ task.Store = (*PostgresTaskStore)(nil)

const taskColumns = `id, user_id, type, status, payload, result, performance, error_message,
	created_at, started_at, completed_at, updated_at`

// Create persists a new task.
func (s *PostgresTaskStore) Create(ctx context.Context, t *task.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, type, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID,
		t.UserID,
		string(t.Type),
		string(t.Status),
		jsonArg(t.Payload),
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
		return fmt.Errorf("failed to save task to database: %w", MapError(err))
	}
	return nil
}

// Get retrieves a task by ID.
func (s *PostgresTaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return t, nil
}

// FindActive returns the newest matching task.
func (s *PostgresTaskStore) FindActive(ctx context.Context, userID uuid.UUID, typ task.Type, statuses ...task.Status) (*task.Task, error) {
	if len(statuses) == 0 {
		return nil, store.ErrTaskNotFound
	}
	args := []any{userID, string(typ)}
	placeholders := make([]string, len(statuses))
	for i, st := range statuses {
		args = append(args, string(st))
		placeholders[i] = fmt.Sprintf("$%d", i+3)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = $1 AND type = $2 AND status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at DESC
		LIMIT 1`, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active task: %w", MapError(err))
	}
	return t, nil
}

// ListByUser returns the user's most recent tasks, newest first.
func (s *PostgresTaskStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]task.Task, error) {
	return s.query(ctx, "list tasks", `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
}

// MarkRunning moves a task to RUNNING.
func (s *PostgresTaskStore) MarkRunning(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.transition(ctx, id, task.StatusRunning, `
		UPDATE tasks SET status = $1, started_at = $2, error_message = '', updated_at = $2
		WHERE id = $3`, string(task.StatusRunning), at, id)
}

// MarkCompleted moves a task to COMPLETED.
func (s *PostgresTaskStore) MarkCompleted(ctx context.Context, id uuid.UUID, result, performance json.RawMessage, at time.Time) error {
	var perf any
	if len(performance) > 0 {
		perf = string(performance)
	}
	return s.transition(ctx, id, task.StatusCompleted, `
		UPDATE tasks SET status = $1, result = $2, performance = $3, completed_at = $4, updated_at = $4
		WHERE id = $5`, string(task.StatusCompleted), jsonArg(result), perf, at, id)
}

// MarkFailed moves a task to FAILED.
func (s *PostgresTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) error {
	return s.transition(ctx, id, task.StatusFailed, `
		UPDATE tasks SET status = $1, error_message = $2, completed_at = $3, updated_at = $3
		WHERE id = $4`, string(task.StatusFailed), message, at, id)
}

func (s *PostgresTaskStore) transition(ctx context.Context, id uuid.UUID, status task.Status, query string, args ...any) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to update task status",
			"task_id", id,
			"status", status,
			"error", err)
		return fmt.Errorf("failed to update task status: %w", MapError(err))
	}
	return CheckRowsAffected(result, store.ErrTaskNotFound)
}

// RecentCompleted returns up to limit COMPLETED tasks, newest completion first.
func (s *PostgresTaskStore) RecentCompleted(ctx context.Context, userID uuid.UUID, typ task.Type, limit int) ([]task.Task, error) {
	return s.query(ctx, "list completed tasks", `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = $1 AND type = $2 AND status = $3 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT $4`, userID, string(typ), string(task.StatusCompleted), limit)
}

// StuckRunning returns RUNNING tasks not updated within olderThan.
func (s *PostgresTaskStore) StuckRunning(ctx context.Context, olderThan time.Duration) ([]task.Task, error) {
	return s.query(ctx, "list stuck tasks", `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC`, string(task.StatusRunning), time.Now().UTC().Add(-olderThan))
}

// AppendLog records a diagnostic entry.
func (s *PostgresTaskStore) AppendLog(ctx context.Context, l *task.Log) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (id, user_id, task_id, level, message, screenshot_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.UserID, l.TaskID, l.Level, l.Message, l.ScreenshotPath, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append task log: %w", MapError(err))
	}
	return nil
}

func (s *PostgresTaskStore) query(ctx context.Context, op, query string, args ...any) ([]task.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", "operation", op, "error", err)
		return nil, fmt.Errorf("failed to %s: %w", op, MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row", "operation", op, "error", err)
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t           task.Task
		typ, status string
		payload     []byte
		result      []byte
		performance sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&typ,
		&status,
		&payload,
		&result,
		&performance,
		&t.ErrorMessage,
		&t.CreatedAt,
		&startedAt,
		&completedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	if len(payload) > 0 {
		t.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	if performance.Valid && performance.String != "" {
		t.Performance = json.RawMessage(performance.String)
	}
	if startedAt.Valid {
		at := startedAt.Time
		t.StartedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	return &t, nil
}

// jsonArg passes raw JSON as text so the driver casts it into a JSONB column.
// Empty input becomes NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
