package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	uid := uuid.New()
	tk, err := New(uid, TypeSync, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, uid, tk.UserID)
	assert.NotEqual(t, uuid.Nil, tk.ID)

	_, err = New(uuid.Nil, TypeSync, nil)
	assert.Error(t, err)

	_, err = New(uid, Type("REPORT"), nil)
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestParsePerformance(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		ok    bool
		total int64
	}{
		{"well formed", `{"login":1000,"navigation":2000,"scraping":9000,"total":12000}`, true, 12000},
		{"empty", ``, false, 0},
		{"malformed", `{"total":`, false, 0},
		{"wrong type", `{"total":"fast"}`, false, 0},
		{"zero total", `{"login":5,"total":0}`, false, 0},
		{"missing total", `{"login":5}`, false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, ok := ParsePerformance(json.RawMessage(tc.raw))
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.total, p.Total)
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(ErrTaskCanceled))
	assert.True(t, IsPermanent(ErrUnknownJobType))
	assert.True(t, IsPermanent(store.ErrUpsertConflict))
	assert.False(t, IsPermanent(errors.New("navigation timeout")))
	assert.False(t, IsPermanent(ErrJobTimeout))
}

func TestReconcilerFailsStuckTasks(t *testing.T) {
	s := NewMockTaskStore()
	old := time.Now().UTC().Add(-time.Hour)
	fresh := time.Now().UTC()

	stuck := Task{ID: uuid.New(), UserID: uuid.New(), Type: TypeSync, Status: StatusRunning, UpdatedAt: old, CreatedAt: old}
	running := Task{ID: uuid.New(), UserID: uuid.New(), Type: TypeSync, Status: StatusRunning, UpdatedAt: fresh, CreatedAt: fresh}
	pending := Task{ID: uuid.New(), UserID: uuid.New(), Type: TypeSync, Status: StatusPending, UpdatedAt: old, CreatedAt: old}
	s.Put(stuck)
	s.Put(running)
	s.Put(pending)

	r := NewReconciler(s, 30*time.Minute, time.Minute, discardLogger())
	assert.Equal(t, 1, r.ReconcileOnce(context.Background()))

	got, err := s.Get(context.Background(), stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, StuckTaskMessage, got.ErrorMessage)

	got, err = s.Get(context.Background(), running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	got, err = s.Get(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestReconcilerServeStopsOnCancel(t *testing.T) {
	r := NewReconciler(NewMockTaskStore(), time.Minute, time.Millisecond, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Serve(ctx), context.DeadlineExceeded)
}

func TestMockTaskStoreQueries(t *testing.T) {
	s := NewMockTaskStore()
	ctx := context.Background()
	uid := uuid.New()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		done := base.Add(time.Duration(i) * time.Minute)
		s.Put(Task{ID: uuid.New(), UserID: uid, Type: TypeSync, Status: StatusCompleted,
			CreatedAt: done, UpdatedAt: done, CompletedAt: &done})
	}
	active := Task{ID: uuid.New(), UserID: uid, Type: TypeSync, Status: StatusPending, CreatedAt: base, UpdatedAt: base}
	s.Put(active)

	got, err := s.FindActive(ctx, uid, TypeSync, ActiveStatuses...)
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)

	_, err = s.FindActive(ctx, uid, TypeLogin, ActiveStatuses...)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	recent, err := s.RecentCompleted(ctx, uid, TypeSync, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].CompletedAt.After(*recent[1].CompletedAt))

	list, err := s.ListByUser(ctx, uid, 50)
	require.NoError(t, err)
	assert.Len(t, list, 4)
}
