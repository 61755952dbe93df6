package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/stretchr/testify/mock"
)

// TestifyMockUserStore is a mock of store.UserStore interface for use with testify/mock
type TestifyMockUserStore struct {
	mock.Mock
}

// Create is a mock implementation of store.UserStore.Create
func (m *TestifyMockUserStore) Create(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

// GetByID is a mock implementation of store.UserStore.GetByID
func (m *TestifyMockUserStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	args := m.Called(ctx, id)
	if user, ok := args.Get(0).(*domain.User); ok {
		return user, args.Error(1)
	}
	return nil, args.Error(1)
}

// GetByUsername is a mock implementation of store.UserStore.GetByUsername
func (m *TestifyMockUserStore) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	args := m.Called(ctx, username)
	if user, ok := args.Get(0).(*domain.User); ok {
		return user, args.Error(1)
	}
	return nil, args.Error(1)
}

// UpdatePortalCredentials is a mock implementation of store.UserStore.UpdatePortalCredentials
func (m *TestifyMockUserStore) UpdatePortalCredentials(ctx context.Context, id uuid.UUID, username, sealedSecret string) error {
	args := m.Called(ctx, id, username, sealedSecret)
	return args.Error(0)
}

// SaveCookies is a mock implementation of store.UserStore.SaveCookies
func (m *TestifyMockUserStore) SaveCookies(ctx context.Context, id uuid.UUID, cookies []domain.Cookie) error {
	args := m.Called(ctx, id, cookies)
	return args.Error(0)
}

// GetCookies is a mock implementation of store.UserStore.GetCookies
func (m *TestifyMockUserStore) GetCookies(ctx context.Context, id uuid.UUID) ([]domain.Cookie, error) {
	args := m.Called(ctx, id)
	if cookies, ok := args.Get(0).([]domain.Cookie); ok {
		return cookies, args.Error(1)
	}
	return nil, args.Error(1)
}
