// Package processor implements the two task kinds: Login, which signs a user
// into the portal and persists the session, and Sync, which walks every
// discipline and mirrors lessons, attendance and grades into the academic
// store.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/browser"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/portal"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/phrazzld/studus-sync/internal/task"
)

const captureTimeout = 10 * time.Second

// Sessions is the part of the session manager the processors use.
type Sessions interface {
	Get(ctx context.Context, userID uuid.UUID) (browser.Context, error)
	SaveCookies(ctx context.Context, userID uuid.UUID) error
	RequiresLogin(ctx context.Context, userID uuid.UUID) bool
	MarkValid(ctx context.Context, userID uuid.UUID) error
}

// LogWriter records diagnostic entries against a task.
type LogWriter interface {
	AppendLog(ctx context.Context, l *task.Log) error
}

// SecretOpener seals portal passwords for storage and opens them again.
type SecretOpener interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// PlainSecrets stores secrets as given.
type PlainSecrets struct{}

// Seal implements SecretOpener.
func (PlainSecrets) Seal(plain string) (string, error) { return plain, nil }

// Open implements SecretOpener.
func (PlainSecrets) Open(sealed string) (string, error) { return sealed, nil }

// Result is the JSON result stored on a completed task.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Disciplines int    `json:"disciplines,omitempty"`
	Skipped     int    `json:"skipped,omitempty"`
	Relogins    int    `json:"relogins,omitempty"`
}

// LoginPayload is the optional payload of a LOGIN task. Empty fields are
// filled from the user's stored portal credentials.
type LoginPayload struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Deps are the collaborators shared by both processors.
type Deps struct {
	Sessions      Sessions
	Portal        portal.Portal
	Users         store.UserStore
	Secrets       SecretOpener
	Logs          LogWriter
	ScreenshotDir string
	Logger        *slog.Logger
}

func (d *Deps) defaults() {
	if d.Secrets == nil {
		d.Secrets = PlainSecrets{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// resolveCredentials completes given with the user's stored portal
// credentials.
func (d *Deps) resolveCredentials(ctx context.Context, userID uuid.UUID, given domain.Credentials) (domain.Credentials, error) {
	if given.Username != "" && given.Password != "" {
		return given, nil
	}
	user, err := d.Users.GetByID(ctx, userID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return domain.Credentials{}, fmt.Errorf("%w: user not found", domain.ErrMissingCredentials)
		}
		return domain.Credentials{}, fmt.Errorf("failed to load user: %w", err)
	}

	creds := given
	if creds.Username == "" {
		creds.Username = user.PortalUsername
	}
	if creds.Password == "" && user.PortalSecret != "" {
		plain, err := d.Secrets.Open(user.PortalSecret)
		if err != nil {
			return domain.Credentials{}, fmt.Errorf("%w: failed to open stored secret", domain.ErrMissingCredentials)
		}
		creds.Password = plain
	}
	if err := creds.Validate(); err != nil {
		return domain.Credentials{}, err
	}
	return creds, nil
}

// signIn runs the portal login on page and persists the resulting session.
func (d *Deps) signIn(ctx context.Context, userID uuid.UUID, page browser.Page, creds domain.Credentials) error {
	log := d.Logger.With("user_id", userID)

	if err := d.Portal.Login(ctx, page, creds); err != nil {
		return err
	}
	if err := d.Sessions.SaveCookies(ctx, userID); err != nil {
		return fmt.Errorf("failed to save session cookies: %w", err)
	}

	sealed, err := d.Secrets.Seal(creds.Password)
	if err != nil {
		return fmt.Errorf("failed to seal portal secret: %w", err)
	}
	if err := d.Users.UpdatePortalCredentials(ctx, userID, creds.Username, sealed); err != nil {
		log.Warn("failed to store portal credentials", "error", err)
	}
	if err := d.Sessions.MarkValid(ctx, userID); err != nil {
		log.Warn("failed to cache session status", "error", err)
	}
	return nil
}

// captureFailure saves a screenshot of page and records it as an error log
// on the task. Failures here are logged and never replace cause.
func (d *Deps) captureFailure(ctx context.Context, page browser.Page, exec task.Execution, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
	defer cancel()

	log := d.Logger.With("task_id", exec.TaskID, "user_id", exec.UserID)
	entry := &task.Log{
		ID:        uuid.New(),
		UserID:    exec.UserID,
		TaskID:    exec.TaskID,
		Level:     "error",
		Message:   cause.Error(),
		CreatedAt: time.Now().UTC(),
	}

	if page != nil && d.ScreenshotDir != "" {
		name := fmt.Sprintf("error-%s-%s-%d.png", kindName(exec.Type), exec.TaskID, time.Now().UnixMilli())
		path := filepath.Join(d.ScreenshotDir, name)
		if err := page.Screenshot(ctx, path); err != nil {
			log.Warn("failed to capture screenshot", "error", err)
		} else {
			entry.ScreenshotPath = path
			log.Info("captured failure screenshot", "path", path)
		}
	}

	if d.Logs == nil {
		return
	}
	if err := d.Logs.AppendLog(ctx, entry); err != nil {
		log.Warn("failed to record task log", "error", err)
	}
}

func kindName(t task.Type) string {
	switch t {
	case task.TypeLogin:
		return "login"
	case task.TypeSync:
		return "sync"
	default:
		return "task"
	}
}

func decodePayload(raw json.RawMessage, into any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", domain.ErrValidation, err)
	}
	return nil
}
