package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/store"
)

// PostgresUserStore implements the store.UserStore interface
// using a PostgreSQL database as the storage backend.
type PostgresUserStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresUserStore creates a new PostgreSQL implementation of the UserStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresUserStore(db store.DBTX, logger *slog.Logger) *PostgresUserStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresUserStore{
		db:     db,
		logger: logger.With(slog.String("component", "user_store")),
	}
}

// Ensure PostgresUserStore implements store.UserStore interface
var _ store.UserStore = (*PostgresUserStore)(nil)

const userColumns = `id, username, hashed_password, portal_username, portal_secret, created_at, updated_at`

// Create implements store.UserStore.Create
func (s *PostgresUserStore) Create(ctx context.Context, user *domain.User) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	if user.HashedPassword == "" {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, domain.ErrEmptyHashedPassword)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID,
		user.Username,
		user.HashedPassword,
		user.PortalUsername,
		user.PortalSecret,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if !IsUniqueViolation(err) {
			s.logger.Error("failed to create user", "error", err, "user_id", user.ID)
		}
		return MapUniqueViolation(err, "user", store.ErrUsernameExists)
	}
	return nil
}

// GetByID implements store.UserStore.GetByID
func (s *PostgresUserStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return s.scanUser(row)
}

// GetByUsername implements store.UserStore.GetByUsername.
// Usernames are matched case-insensitively.
func (s *PostgresUserStore) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`, username)
	return s.scanUser(row)
}

func (s *PostgresUserStore) scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.HashedPassword,
		&u.PortalUsername,
		&u.PortalSecret,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		s.logger.Error("failed to scan user", "error", err)
		return nil, fmt.Errorf("failed to get user: %w", MapError(err))
	}
	return &u, nil
}

// UpdatePortalCredentials implements store.UserStore.UpdatePortalCredentials
func (s *PostgresUserStore) UpdatePortalCredentials(ctx context.Context, id uuid.UUID, username, sealedSecret string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET portal_username = $1, portal_secret = $2, updated_at = $3
		WHERE id = $4`,
		username, sealedSecret, time.Now().UTC(), id)
	if err != nil {
		s.logger.Error("failed to update portal credentials", "error", err, "user_id", id)
		return fmt.Errorf("failed to update portal credentials: %w", MapError(err))
	}
	return CheckRowsAffected(result, store.ErrUserNotFound)
}

// SaveCookies implements store.UserStore.SaveCookies
func (s *PostgresUserStore) SaveCookies(ctx context.Context, id uuid.UUID, cookies []domain.Cookie) error {
	if cookies == nil {
		cookies = []domain.Cookie{}
	}
	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET cookies = $1::jsonb, updated_at = $2
		WHERE id = $3`,
		string(data), time.Now().UTC(), id)
	if err != nil {
		s.logger.Error("failed to save cookies", "error", err, "user_id", id)
		return fmt.Errorf("failed to save cookies: %w", MapError(err))
	}
	return CheckRowsAffected(result, store.ErrUserNotFound)
}

// GetCookies implements store.UserStore.GetCookies
func (s *PostgresUserStore) GetCookies(ctx context.Context, id uuid.UUID) ([]domain.Cookie, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT cookies FROM users WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cookies: %w", MapError(err))
	}

	cookies := []domain.Cookie{}
	if len(data) == 0 {
		return cookies, nil
	}
	if err := json.Unmarshal(data, &cookies); err != nil {
		s.logger.Warn("discarding malformed cookie backup", "error", err, "user_id", id)
		return []domain.Cookie{}, nil
	}
	return cookies, nil
}
