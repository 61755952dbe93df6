package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
)

// RegisterRequest defines the payload for the user registration endpoint.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest defines the payload for the user login endpoint.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse defines the successful response for authentication endpoints.
type AuthResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
	// ExpiresAt is the RFC 3339 time at which Token stops being accepted.
	ExpiresAt string `json:"expires_at"`
}

// UserResponse describes the authenticated user.
type UserResponse struct {
	ID                   uuid.UUID `json:"id"`
	Username             string    `json:"username"`
	PortalUsername       string    `json:"portal_username,omitempty"`
	HasPortalCredentials bool      `json:"has_portal_credentials"`
	CreatedAt            time.Time `json:"created_at"`
}

// CreateTaskRequest defines the payload for task submission.
type CreateTaskRequest struct {
	Type    string          `json:"type"    validate:"required,oneof=LOGIN SYNC"`
	Payload json.RawMessage `json:"payload"`
}

// ConflictResponse is returned when a SYNC is already active for the user.
type ConflictResponse struct {
	Error          string    `json:"error"`
	ExistingTaskID uuid.UUID `json:"existingTaskId"`
}

// LessonResponse is a lesson with its attendance summary.
type LessonResponse struct {
	domain.Lesson
	Present int `json:"present"`
	Absent  int `json:"absent"`
}

// DisciplineLessonsResponse lists a discipline's lessons.
type DisciplineLessonsResponse struct {
	Discipline domain.Discipline `json:"discipline"`
	Lessons    []LessonResponse  `json:"lessons"`
}

// DisciplineGradesResponse lists a discipline's grades.
type DisciplineGradesResponse struct {
	Discipline domain.Discipline `json:"discipline"`
	Grades     []domain.Grade    `json:"grades"`
}
