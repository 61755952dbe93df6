package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/service/auth"
	"github.com/phrazzld/studus-sync/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// UserService provides local account operations.
type UserService interface {
	// GetUser retrieves a user by their ID
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)

	// Register creates an account with a bcrypt-hashed password.
	// Returns store.ErrUsernameExists when the username is taken.
	Register(ctx context.Context, username, password string) (*domain.User, error)

	// Authenticate checks a username/password pair. Unknown users and wrong
	// passwords both yield auth.ErrInvalidCredentials.
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
}

// UserServiceImpl implements the UserService interface
type UserServiceImpl struct {
	userStore  store.UserStore
	verifier   auth.PasswordVerifier
	bcryptCost int
	logger     *slog.Logger
}

// NewUserService creates a new UserService. A bcryptCost outside bcrypt's
// range falls back to bcrypt.DefaultCost.
func NewUserService(
	userStore store.UserStore,
	verifier auth.PasswordVerifier,
	bcryptCost int,
	logger *slog.Logger,
) UserService {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UserServiceImpl{
		userStore:  userStore,
		verifier:   verifier,
		bcryptCost: bcryptCost,
		logger:     logger.With("component", "user_service"),
	}
}

// GetUser retrieves a user by their ID
func (s *UserServiceImpl) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	user, err := s.userStore.GetByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrUserNotFound) {
			s.logger.Error("failed to retrieve user",
				"error", err,
				"user_id", userID)
		}
		return nil, fmt.Errorf("failed to retrieve user: %w", err)
	}
	return user, nil
}

// Register creates a new local account.
func (s *UserServiceImpl) Register(ctx context.Context, username, password string) (*domain.User, error) {
	user, err := domain.NewUser(username, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		s.logger.Error("failed to hash password", "error", err)
		return nil, err
	}
	user.HashedPassword = hash
	user.Password = ""

	if err := s.userStore.Create(ctx, user); err != nil {
		if !store.IsDuplicateError(err) {
			s.logger.Error("failed to create user",
				"error", err,
				"username", user.Username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("registered user",
		"user_id", user.ID,
		"username", user.Username)
	return user, nil
}

// Authenticate verifies a username and password.
func (s *UserServiceImpl) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	user, err := s.userStore.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			s.logger.Debug("login for unknown username", "username", username)
			return nil, auth.ErrInvalidCredentials
		}
		s.logger.Error("failed to retrieve user by username",
			"error", err,
			"username", username)
		return nil, fmt.Errorf("failed to retrieve user: %w", err)
	}

	if err := s.verifier.Compare(user.HashedPassword, password); err != nil {
		s.logger.Debug("password mismatch", "user_id", user.ID)
		return nil, auth.ErrInvalidCredentials
	}
	return user, nil
}
