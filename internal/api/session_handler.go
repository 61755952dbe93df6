package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/api/shared"
	"github.com/phrazzld/studus-sync/internal/session"
)

// SessionAdmin exposes browser session state. It is implemented by
// session.Manager.
type SessionAdmin interface {
	Stats(ctx context.Context) (session.Stats, error)
	Clear(ctx context.Context, userID uuid.UUID) error
}

// SessionHandler serves session inspection endpoints.
type SessionHandler struct {
	sessions SessionAdmin
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionAdmin) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Stats handles GET /api/sessions/stats.
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to read session stats")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// Clear handles DELETE /api/sessions. It drops the caller's browser context
// and cached cookies so the next task logs in from scratch.
func (h *SessionHandler) Clear(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Clear(r.Context(), userID); err != nil {
		HandleAPIError(w, r, err, "Failed to clear session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
