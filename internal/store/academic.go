package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
)

// AcademicStore persists records mirrored from the portal. Every write is an
// upsert by natural key scoped to the owning user, so applying the same record
// twice leaves a single row.
type AcademicStore interface {
	UpsertDiscipline(ctx context.Context, d *domain.Discipline) error
	UpsertStudent(ctx context.Context, s *domain.Student) error
	UpsertLesson(ctx context.Context, l *domain.Lesson) error
	// UpsertGrade is unique on (user, student, discipline).
	UpsertGrade(ctx context.Context, g *domain.Grade) error
	// UpsertAttendance is unique on (user, lesson, student).
	UpsertAttendance(ctx context.Context, a *domain.Attendance) error

	// UpsertGradeSheet applies a discipline's grade table atomically.
	UpsertGradeSheet(ctx context.Context, students []domain.Student, grades []domain.Grade) error
	// UpsertAttendanceSheet applies one lesson's attendance list atomically.
	UpsertAttendanceSheet(ctx context.Context, students []domain.Student, records []domain.Attendance) error

	// GetDiscipline returns ErrDisciplineNotFound when the user has no such discipline.
	GetDiscipline(ctx context.Context, userID uuid.UUID, key string) (*domain.Discipline, error)
	ListDisciplines(ctx context.Context, userID uuid.UUID) ([]domain.Discipline, error)
	// ListGrades and ListAttendance fill StudentName from the student table.
	ListGrades(ctx context.Context, userID uuid.UUID, disciplineKey string) ([]domain.Grade, error)
	ListLessons(ctx context.Context, userID uuid.UUID, disciplineKey string) ([]domain.Lesson, error)
	ListAttendance(ctx context.Context, userID uuid.UUID, lessonKey string) ([]domain.Attendance, error)
}
