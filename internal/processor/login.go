package processor

import (
	"context"
	"fmt"

	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
	"github.com/phrazzld/studus-sync/internal/task"
)

// Login executes LOGIN tasks.
type Login struct {
	deps Deps
}

// NewLogin creates a login processor.
func NewLogin(deps Deps) *Login {
	deps.defaults()
	return &Login{deps: deps}
}

// Process implements task.Processor.
func (l *Login) Process(ctx context.Context, exec task.Execution) (task.Outcome, error) {
	log := logger.FromContextOrDefault(ctx, l.deps.Logger)

	var payload LoginPayload
	if err := decodePayload(exec.Payload, &payload); err != nil {
		return task.Outcome{}, err
	}
	creds, err := l.deps.resolveCredentials(ctx, exec.UserID,
		domain.Credentials{Username: payload.Username, Password: payload.Password})
	if err != nil {
		return task.Outcome{}, err
	}

	bc, err := l.deps.Sessions.Get(ctx, exec.UserID)
	if err != nil {
		return task.Outcome{}, err
	}
	page, err := bc.NewPage(ctx)
	if err != nil {
		return task.Outcome{}, fmt.Errorf("failed to open page: %w", err)
	}
	defer page.Close()

	log.Info("logging in to portal")
	if err := l.deps.signIn(ctx, exec.UserID, page, creds); err != nil {
		l.deps.captureFailure(ctx, page, exec, err)
		return task.Outcome{}, fmt.Errorf("login failed: %w", err)
	}

	log.Info("login completed, session saved")
	return task.Outcome{Result: Result{Success: true, Message: "login completed and session saved"}}, nil
}
