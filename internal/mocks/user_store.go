package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/store"
)

// MockUserStore implements store.UserStore for testing
type MockUserStore struct {
	// Function fields for customizable behavior
	CreateFn        func(ctx context.Context, user *domain.User) error
	GetByIDFn       func(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByUsernameFn func(ctx context.Context, username string) (*domain.User, error)
	SaveCookiesFn   func(ctx context.Context, id uuid.UUID, cookies []domain.Cookie) error
	GetCookiesFn    func(ctx context.Context, id uuid.UUID) ([]domain.Cookie, error)

	mu    sync.Mutex
	Users map[uuid.UUID]*domain.User

	// SaveCookiesCalls counts backup cookie writes
	SaveCookiesCalls int
}

// NewMockUserStore creates a new mock store with initialized defaults
func NewMockUserStore(users ...*domain.User) *MockUserStore {
	m := &MockUserStore{Users: make(map[uuid.UUID]*domain.User)}
	for _, u := range users {
		m.Users[u.ID] = u
	}
	return m
}

// Create implements the UserStore interface
func (m *MockUserStore) Create(ctx context.Context, user *domain.User) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, user)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if strings.EqualFold(u.Username, user.Username) {
			return store.ErrUsernameExists
		}
	}
	c := *user
	c.Password = ""
	m.Users[user.ID] = &c
	return nil
}

// GetByID implements the UserStore interface
func (m *MockUserStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

// GetByUsername implements the UserStore interface
func (m *MockUserStore) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	if m.GetByUsernameFn != nil {
		return m.GetByUsernameFn(ctx, username)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if strings.EqualFold(u.Username, username) {
			c := *u
			return &c, nil
		}
	}
	return nil, store.ErrUserNotFound
}

// UpdatePortalCredentials implements the UserStore interface
func (m *MockUserStore) UpdatePortalCredentials(_ context.Context, id uuid.UUID, username, sealedSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return store.ErrUserNotFound
	}
	u.PortalUsername = username
	u.PortalSecret = sealedSecret
	return nil
}

// SaveCookies implements the UserStore interface
func (m *MockUserStore) SaveCookies(ctx context.Context, id uuid.UUID, cookies []domain.Cookie) error {
	if m.SaveCookiesFn != nil {
		return m.SaveCookiesFn(ctx, id, cookies)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCookiesCalls++
	u, ok := m.Users[id]
	if !ok {
		return store.ErrUserNotFound
	}
	u.Cookies = append([]domain.Cookie(nil), cookies...)
	return nil
}

// GetCookies implements the UserStore interface
func (m *MockUserStore) GetCookies(ctx context.Context, id uuid.UUID) ([]domain.Cookie, error) {
	if m.GetCookiesFn != nil {
		return m.GetCookiesFn(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return append([]domain.Cookie(nil), u.Cookies...), nil
}
