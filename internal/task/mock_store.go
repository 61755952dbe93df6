package task

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/store"
)

// MockTaskStore is an in-memory Store for tests. Individual operations can be
// overridden through the Fn fields.
type MockTaskStore struct {
	mutex sync.RWMutex
	tasks map[uuid.UUID]*Task
	logs  []Log

	CreateFn      func(ctx context.Context, t *Task) error
	MarkRunningFn func(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailedFn  func(ctx context.Context, id uuid.UUID, message string, at time.Time) error
}

// NewMockTaskStore creates an empty MockTaskStore.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{tasks: make(map[uuid.UUID]*Task)}
}

// Put stores a copy of t as-is, bypassing Create.
func (s *MockTaskStore) Put(t Task) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tasks[t.ID] = &t
}

// Create implements Store.
func (s *MockTaskStore) Create(ctx context.Context, t *Task) error {
	if s.CreateFn != nil {
		return s.CreateFn(ctx, t)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return store.ErrDuplicate
	}
	c := *t
	s.tasks[t.ID] = &c
	return nil
}

// Get implements Store.
func (s *MockTaskStore) Get(_ context.Context, id uuid.UUID) (*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	c := *t
	return &c, nil
}

// FindActive implements Store.
func (s *MockTaskStore) FindActive(_ context.Context, userID uuid.UUID, typ Type, statuses ...Status) (*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var found *Task
	for _, t := range s.tasks {
		if t.UserID != userID || t.Type != typ || !slices.Contains(statuses, t.Status) {
			continue
		}
		if found == nil || t.CreatedAt.After(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, store.ErrTaskNotFound
	}
	c := *found
	return &c, nil
}

// ListByUser implements Store.
func (s *MockTaskStore) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]Task, error) {
	return s.filter(func(t *Task) bool { return t.UserID == userID }, func(a, b *Task) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}, limit), nil
}

// MarkRunning implements Store.
func (s *MockTaskStore) MarkRunning(ctx context.Context, id uuid.UUID, at time.Time) error {
	if s.MarkRunningFn != nil {
		return s.MarkRunningFn(ctx, id, at)
	}
	return s.update(id, func(t *Task) {
		t.Status = StatusRunning
		t.StartedAt = &at
		t.ErrorMessage = ""
		t.UpdatedAt = at
	})
}

// MarkCompleted implements Store.
func (s *MockTaskStore) MarkCompleted(_ context.Context, id uuid.UUID, result, performance json.RawMessage, at time.Time) error {
	return s.update(id, func(t *Task) {
		t.Status = StatusCompleted
		t.Result = result
		t.Performance = performance
		t.CompletedAt = &at
		t.UpdatedAt = at
	})
}

// MarkFailed implements Store.
func (s *MockTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) error {
	if s.MarkFailedFn != nil {
		return s.MarkFailedFn(ctx, id, message, at)
	}
	return s.update(id, func(t *Task) {
		t.Status = StatusFailed
		t.ErrorMessage = message
		t.CompletedAt = &at
		t.UpdatedAt = at
	})
}

// RecentCompleted implements Store.
func (s *MockTaskStore) RecentCompleted(_ context.Context, userID uuid.UUID, typ Type, limit int) ([]Task, error) {
	return s.filter(func(t *Task) bool {
		return t.UserID == userID && t.Type == typ && t.Status == StatusCompleted && t.CompletedAt != nil
	}, func(a, b *Task) bool {
		return a.CompletedAt.After(*b.CompletedAt)
	}, limit), nil
}

// StuckRunning implements Store.
func (s *MockTaskStore) StuckRunning(_ context.Context, olderThan time.Duration) ([]Task, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.filter(func(t *Task) bool {
		return t.Status == StatusRunning && t.UpdatedAt.Before(cutoff)
	}, func(a, b *Task) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}, 0), nil
}

// AppendLog implements Store.
func (s *MockTaskStore) AppendLog(_ context.Context, l *Log) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.logs = append(s.logs, *l)
	return nil
}

// Logs returns the recorded log entries.
func (s *MockTaskStore) Logs() []Log {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]Log(nil), s.logs...)
}

// All returns every stored task.
func (s *MockTaskStore) All() []Task {
	return s.filter(func(*Task) bool { return true }, func(a, b *Task) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	}, 0)
}

func (s *MockTaskStore) update(id uuid.UUID, fn func(t *Task)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	fn(t)
	return nil
}

func (s *MockTaskStore) filter(keep func(*Task) bool, less func(a, b *Task) bool, limit int) []Task {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var matched []*Task
	for _, t := range s.tasks {
		if keep(t) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Task, len(matched))
	for i, t := range matched {
		out[i] = *t
	}
	return out
}
