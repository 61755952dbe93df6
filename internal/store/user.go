package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
)

// UserStore defines the interface for user data persistence.
type UserStore interface {
	// Create saves a new user. The caller must have hashed the password.
	// Returns ErrUsernameExists if the username is already taken.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by ID.
	// Returns ErrUserNotFound if the user does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)

	// GetByUsername retrieves a user by local username.
	// Returns ErrUserNotFound if the user does not exist.
	GetByUsername(ctx context.Context, username string) (*domain.User, error)

	// UpdatePortalCredentials stores the portal username and sealed secret.
	UpdatePortalCredentials(ctx context.Context, id uuid.UUID, username, sealedSecret string) error

	// SaveCookies writes the backup copy of the user's portal cookies.
	SaveCookies(ctx context.Context, id uuid.UUID, cookies []domain.Cookie) error

	// GetCookies reads the backup copy of the user's portal cookies.
	// A user without cookies yields an empty slice and no error.
	GetCookies(ctx context.Context, id uuid.UUID) ([]domain.Cookie, error)
}
