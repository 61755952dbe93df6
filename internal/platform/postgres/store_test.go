package postgres_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/platform/postgres"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/phrazzld/studus-sync/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

var taskRowColumns = []string{
	"id", "user_id", "type", "status", "payload", "result", "performance", "error_message",
	"created_at", "started_at", "completed_at", "updated_at",
}

func TestPostgresUserStore_Create(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	user := &domain.User{
		ID:             uuid.New(),
		Username:       "professor",
		HashedPassword: "$2a$10$hash",
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	t.Run("inserts user", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec("INSERT INTO users").
			WithArgs(user.ID, "professor", "$2a$10$hash", "", "", now, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, postgres.NewPostgresUserStore(db, nil).Create(ctx, user))
	})

	t.Run("duplicate username", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec("INSERT INTO users").WillReturnError(newPgError("23505"))

		err := postgres.NewPostgresUserStore(db, nil).Create(ctx, user)
		assert.ErrorIs(t, err, store.ErrUsernameExists)
	})

	t.Run("missing hash never reaches the database", func(t *testing.T) {
		db, _ := newMockDB(t)
		u := *user
		u.HashedPassword = ""

		err := postgres.NewPostgresUserStore(db, nil).Create(ctx, &u)
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
	})
}

func TestPostgresUserStore_Get(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	now := time.Now().UTC()
	cols := []string{"id", "username", "hashed_password", "portal_username", "portal_secret", "created_at", "updated_at"}

	t.Run("by username", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("FROM users WHERE LOWER\\(username\\)").
			WithArgs("Professor").
			WillReturnRows(sqlmock.NewRows(cols).AddRow(id.String(), "professor", "hash", "p123", "sealed", now, now))

		u, err := postgres.NewPostgresUserStore(db, nil).GetByUsername(ctx, "Professor")
		require.NoError(t, err)
		assert.Equal(t, id, u.ID)
		assert.Equal(t, "p123", u.PortalUsername)
		assert.True(t, u.HasPortalCredentials())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("FROM users WHERE id").WithArgs(id).WillReturnRows(sqlmock.NewRows(cols))

		_, err := postgres.NewPostgresUserStore(db, nil).GetByID(ctx, id)
		assert.ErrorIs(t, err, store.ErrUserNotFound)
	})
}

func TestPostgresUserStore_Cookies(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	t.Run("save unknown user", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec("UPDATE users SET cookies").
			WithArgs(`[{"name":"JSESSIONID","value":"abc","domain":"","path":"/","expires":0,"httpOnly":true,"secure":false}]`, sqlmock.AnyArg(), id).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := postgres.NewPostgresUserStore(db, nil).SaveCookies(ctx, id, []domain.Cookie{
			{Name: "JSESSIONID", Value: "abc", Path: "/", HTTPOnly: true},
		})
		assert.ErrorIs(t, err, store.ErrUserNotFound)
	})

	t.Run("read backup", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("SELECT cookies FROM users").WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"cookies"}).AddRow([]byte(`[{"name":"a","value":"1"}]`)))

		cookies, err := postgres.NewPostgresUserStore(db, nil).GetCookies(ctx, id)
		require.NoError(t, err)
		require.Len(t, cookies, 1)
		assert.Equal(t, "a", cookies[0].Name)
	})

	t.Run("malformed backup reads as empty", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("SELECT cookies FROM users").WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"cookies"}).AddRow([]byte(`{oops`)))

		cookies, err := postgres.NewPostgresUserStore(db, nil).GetCookies(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, cookies)
	})
}

func TestPostgresTaskStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	tk, err := task.New(userID, task.TypeSync, json.RawMessage(`{"full":true}`))
	require.NoError(t, err)

	db, mock := newMockDB(t)
	s := postgres.NewPostgresTaskStore(db, nil)

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(tk.ID, userID, "SYNC", "PENDING", `{"full":true}`, tk.CreatedAt, tk.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Create(ctx, tk))

	completed := tk.CreatedAt.Add(time.Minute)
	mock.ExpectQuery("FROM tasks WHERE id").WithArgs(tk.ID).
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(
			tk.ID.String(), userID.String(), "SYNC", "COMPLETED",
			[]byte(`{"full":true}`), []byte(`{"success":true}`), "not json", "",
			tk.CreatedAt, tk.CreatedAt, completed, completed,
		))

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"success":true}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completed.Equal(*got.CompletedAt))
	// Malformed performance is returned raw and rejected by ParsePerformance.
	_, ok := task.ParsePerformance(got.Performance)
	assert.False(t, ok)
}

func TestPostgresTaskStore_FindActive(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("none", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("status IN \\(\\$3, \\$4\\)").
			WithArgs(userID, "SYNC", "PENDING", "RUNNING").
			WillReturnRows(sqlmock.NewRows(taskRowColumns))

		_, err := postgres.NewPostgresTaskStore(db, nil).FindActive(ctx, userID, task.TypeSync, task.ActiveStatuses...)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		id := uuid.New()
		now := time.Now().UTC()
		mock.ExpectQuery("FROM tasks").
			WithArgs(userID, "SYNC", "PENDING", "RUNNING").
			WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(
				id.String(), userID.String(), "SYNC", "RUNNING",
				nil, nil, nil, "", now, now, nil, now,
			))

		got, err := postgres.NewPostgresTaskStore(db, nil).FindActive(ctx, userID, task.TypeSync, task.ActiveStatuses...)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Nil(t, got.CompletedAt)
		assert.Nil(t, got.Payload)
	})
}

func TestPostgresTaskStore_Transitions(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	at := time.Now().UTC()

	t.Run("mark completed stores performance as text", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec("UPDATE tasks SET status").
			WithArgs("COMPLETED", `{"success":true}`, `{"total":10}`, at, id).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := postgres.NewPostgresTaskStore(db, nil).MarkCompleted(ctx, id,
			json.RawMessage(`{"success":true}`), json.RawMessage(`{"total":10}`), at)
		require.NoError(t, err)
	})

	t.Run("mark failed on a missing row", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec("UPDATE tasks SET status").
			WithArgs("FAILED", "boom", at, id).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := postgres.NewPostgresTaskStore(db, nil).MarkFailed(ctx, id, "boom", at)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("database error", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec("UPDATE tasks SET status").WillReturnError(errors.New("connection reset"))

		err := postgres.NewPostgresTaskStore(db, nil).MarkRunning(ctx, id, at)
		assert.ErrorContains(t, err, "connection reset")
	})
}

func TestPostgresTaskStore_RecentCompleted(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	db, mock := newMockDB(t)
	rows := sqlmock.NewRows(taskRowColumns)
	for i := range 3 {
		at := now.Add(-time.Duration(i) * time.Hour)
		rows.AddRow(uuid.NewString(), userID.String(), "SYNC", "COMPLETED",
			nil, nil, `{"total":100}`, "", at, at, at, at)
	}
	mock.ExpectQuery("ORDER BY completed_at DESC").
		WithArgs(userID, "SYNC", "COMPLETED", 10).
		WillReturnRows(rows)

	got, err := postgres.NewPostgresTaskStore(db, nil).RecentCompleted(ctx, userID, task.TypeSync, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	perf, ok := task.ParsePerformance(got[0].Performance)
	assert.True(t, ok)
	assert.Equal(t, int64(100), perf.Total)
}

func TestPostgresTaskStore_AppendLog(t *testing.T) {
	db, mock := newMockDB(t)
	l := &task.Log{UserID: uuid.New(), TaskID: uuid.New(), Level: "error", Message: "login failed", ScreenshotPath: "/tmp/x.png"}
	mock.ExpectExec("INSERT INTO task_logs").
		WithArgs(sqlmock.AnyArg(), l.UserID, l.TaskID, "error", "login failed", "/tmp/x.png", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, postgres.NewPostgresTaskStore(db, nil).AppendLog(context.Background(), l))
	assert.NotEqual(t, uuid.Nil, l.ID)
	assert.False(t, l.CreatedAt.IsZero())
}

func TestPostgresAcademicStore_GradeSheet(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()
	students := []domain.Student{{UserID: userID, Registration: "2024001", Name: "Ana"}}
	grades := []domain.Grade{{UserID: userID, StudentKey: "2024001", DisciplineKey: "MAT101-T01", N1: "8,0", UpdatedAt: now}}

	t.Run("commits students and grades together", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO students").WithArgs(userID, "2024001", "Ana").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO grades").
			WithArgs(userID, "2024001", "MAT101-T01", "8,0", "", "", "", "", "", now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, postgres.NewPostgresAcademicStore(db, nil).UpsertGradeSheet(ctx, students, grades))
	})

	t.Run("conflict rolls back and is permanent", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO students").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO grades").WillReturnError(newPgError("23505"))
		mock.ExpectRollback()

		err := postgres.NewPostgresAcademicStore(db, nil).UpsertGradeSheet(ctx, students, grades)
		assert.ErrorIs(t, err, store.ErrUpsertConflict)
		assert.True(t, task.IsPermanent(err))
	})

	t.Run("invalid row never opens a transaction", func(t *testing.T) {
		db, _ := newMockDB(t)
		bad := []domain.Grade{{UserID: userID, DisciplineKey: "MAT101-T01"}}

		err := postgres.NewPostgresAcademicStore(db, nil).UpsertGradeSheet(ctx, students, bad)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestPostgresAcademicStore_Reads(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	t.Run("missing discipline", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("FROM disciplines").WithArgs(userID, "X-1").
			WillReturnRows(sqlmock.NewRows([]string{"key", "code", "class", "name", "last_sync_at"}))

		_, err := postgres.NewPostgresAcademicStore(db, nil).GetDiscipline(ctx, userID, "X-1")
		assert.ErrorIs(t, err, store.ErrDisciplineNotFound)
	})

	t.Run("attendance joins student names", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("FROM attendances a").WithArgs(userID, "MAT101-T01-01032024").
			WillReturnRows(sqlmock.NewRows([]string{"student_key", "name", "present", "updated_at"}).
				AddRow("2024001", "Ana", true, now).
				AddRow("2024002", "", false, now))

		got, err := postgres.NewPostgresAcademicStore(db, nil).ListAttendance(ctx, userID, "MAT101-T01-01032024")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "Ana", got[0].StudentName)
		assert.True(t, got[0].Present)
		assert.False(t, got[1].Present)
	})

	t.Run("upsert discipline", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec("ON CONFLICT \\(user_id, key\\) DO UPDATE").
			WithArgs(userID, "MAT101-T01", "MAT.101", "T01", "Cálculo", now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := postgres.NewPostgresAcademicStore(db, nil).UpsertDiscipline(ctx, &domain.Discipline{
			UserID: userID, Key: "MAT101-T01", Code: "MAT.101", Class: "T01", Name: "Cálculo", LastSyncAt: now,
		})
		require.NoError(t, err)
	})
}
