package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/store"
)

// PostgresAcademicStore implements store.AcademicStore. Sheet writes run in
// one transaction so a page of grades or attendance lands all or nothing.
type PostgresAcademicStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresAcademicStore creates a new PostgresAcademicStore.
func NewPostgresAcademicStore(db *sql.DB, logger *slog.Logger) *PostgresAcademicStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresAcademicStore{
		db:     db,
		logger: logger.With(slog.String("component", "academic_store")),
	}
}

var _ store.AcademicStore = (*PostgresAcademicStore)(nil)

const (
	upsertDisciplineSQL = `
		INSERT INTO disciplines (user_id, key, code, class, name, last_sync_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, key) DO UPDATE
		SET code = EXCLUDED.code, class = EXCLUDED.class, name = EXCLUDED.name,
			last_sync_at = EXCLUDED.last_sync_at`

	upsertStudentSQL = `
		INSERT INTO students (user_id, registration, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, registration) DO UPDATE
		SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE students.name END`

	upsertLessonSQL = `
		INSERT INTO lessons (user_id, key, discipline_key, date, content)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, key) DO UPDATE
		SET discipline_key = EXCLUDED.discipline_key, date = EXCLUDED.date, content = EXCLUDED.content`

	upsertGradeSQL = `
		INSERT INTO grades (user_id, student_key, discipline_key, n1, n2, n3, faults, average, situation, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, student_key, discipline_key) DO UPDATE
		SET n1 = EXCLUDED.n1, n2 = EXCLUDED.n2, n3 = EXCLUDED.n3, faults = EXCLUDED.faults,
			average = EXCLUDED.average, situation = EXCLUDED.situation, updated_at = EXCLUDED.updated_at`

	upsertAttendanceSQL = `
		INSERT INTO attendances (user_id, lesson_key, student_key, present, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, lesson_key, student_key) DO UPDATE
		SET present = EXCLUDED.present, updated_at = EXCLUDED.updated_at`
)

// UpsertDiscipline implements store.AcademicStore.
func (s *PostgresAcademicStore) UpsertDiscipline(ctx context.Context, d *domain.Discipline) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, upsertDisciplineSQL, d.UserID, d.Key, d.Code, d.Class, d.Name, d.LastSyncAt)
	return s.upsertErr(err, "discipline", d.Key)
}

// UpsertStudent implements store.AcademicStore.
func (s *PostgresAcademicStore) UpsertStudent(ctx context.Context, st *domain.Student) error {
	if err := st.Validate(); err != nil {
		return err
	}
	return s.upsertErr(upsertStudent(ctx, s.db, st), "student", st.Registration)
}

// UpsertLesson implements store.AcademicStore.
func (s *PostgresAcademicStore) UpsertLesson(ctx context.Context, l *domain.Lesson) error {
	if err := l.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, upsertLessonSQL, l.UserID, l.Key, l.DisciplineKey, l.Date, l.Content)
	return s.upsertErr(err, "lesson", l.Key)
}

// UpsertGrade implements store.AcademicStore.
func (s *PostgresAcademicStore) UpsertGrade(ctx context.Context, g *domain.Grade) error {
	if err := g.Validate(); err != nil {
		return err
	}
	return s.upsertErr(upsertGrade(ctx, s.db, g), "grade", g.StudentKey)
}

// UpsertAttendance implements store.AcademicStore.
func (s *PostgresAcademicStore) UpsertAttendance(ctx context.Context, a *domain.Attendance) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return s.upsertErr(upsertAttendance(ctx, s.db, a), "attendance", a.StudentKey)
}

// UpsertGradeSheet implements store.AcademicStore.
func (s *PostgresAcademicStore) UpsertGradeSheet(ctx context.Context, students []domain.Student, grades []domain.Grade) error {
	if err := validateStudents(students); err != nil {
		return err
	}
	for i := range grades {
		if err := grades[i].Validate(); err != nil {
			return err
		}
	}
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		for i := range students {
			if err := upsertStudent(ctx, tx, &students[i]); err != nil {
				return MapUpsertError(err, "student")
			}
		}
		for i := range grades {
			if err := upsertGrade(ctx, tx, &grades[i]); err != nil {
				return MapUpsertError(err, "grade")
			}
		}
		return nil
	})
}

// UpsertAttendanceSheet implements store.AcademicStore.
func (s *PostgresAcademicStore) UpsertAttendanceSheet(ctx context.Context, students []domain.Student, records []domain.Attendance) error {
	if err := validateStudents(students); err != nil {
		return err
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return err
		}
	}
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		for i := range students {
			if err := upsertStudent(ctx, tx, &students[i]); err != nil {
				return MapUpsertError(err, "student")
			}
		}
		for i := range records {
			if err := upsertAttendance(ctx, tx, &records[i]); err != nil {
				return MapUpsertError(err, "attendance")
			}
		}
		return nil
	})
}

// GetDiscipline implements store.AcademicStore.
func (s *PostgresAcademicStore) GetDiscipline(ctx context.Context, userID uuid.UUID, key string) (*domain.Discipline, error) {
	d := domain.Discipline{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT key, code, class, name, last_sync_at FROM disciplines
		WHERE user_id = $1 AND key = $2`, userID, key).
		Scan(&d.Key, &d.Code, &d.Class, &d.Name, &d.LastSyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrDisciplineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discipline: %w", MapError(err))
	}
	return &d, nil
}

// ListDisciplines implements store.AcademicStore.
func (s *PostgresAcademicStore) ListDisciplines(ctx context.Context, userID uuid.UUID) ([]domain.Discipline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, code, class, name, last_sync_at FROM disciplines
		WHERE user_id = $1
		ORDER BY key`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disciplines: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Discipline
	for rows.Next() {
		d := domain.Discipline{UserID: userID}
		if err := rows.Scan(&d.Key, &d.Code, &d.Class, &d.Name, &d.LastSyncAt); err != nil {
			return nil, fmt.Errorf("failed to scan discipline: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListGrades implements store.AcademicStore.
func (s *PostgresAcademicStore) ListGrades(ctx context.Context, userID uuid.UUID, disciplineKey string) ([]domain.Grade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.student_key, COALESCE(st.name, ''), g.n1, g.n2, g.n3, g.faults, g.average, g.situation, g.updated_at
		FROM grades g
		LEFT JOIN students st ON st.user_id = g.user_id AND st.registration = g.student_key
		WHERE g.user_id = $1 AND g.discipline_key = $2
		ORDER BY g.student_key`, userID, disciplineKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list grades: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Grade
	for rows.Next() {
		g := domain.Grade{UserID: userID, DisciplineKey: disciplineKey}
		if err := rows.Scan(&g.StudentKey, &g.StudentName, &g.N1, &g.N2, &g.N3,
			&g.Faults, &g.Average, &g.Situation, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grade: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListLessons implements store.AcademicStore.
func (s *PostgresAcademicStore) ListLessons(ctx context.Context, userID uuid.UUID, disciplineKey string) ([]domain.Lesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, date, content FROM lessons
		WHERE user_id = $1 AND discipline_key = $2
		ORDER BY key`, userID, disciplineKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Lesson
	for rows.Next() {
		l := domain.Lesson{UserID: userID, DisciplineKey: disciplineKey}
		if err := rows.Scan(&l.Key, &l.Date, &l.Content); err != nil {
			return nil, fmt.Errorf("failed to scan lesson: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListAttendance implements store.AcademicStore.
func (s *PostgresAcademicStore) ListAttendance(ctx context.Context, userID uuid.UUID, lessonKey string) ([]domain.Attendance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.student_key, COALESCE(st.name, ''), a.present, a.updated_at
		FROM attendances a
		LEFT JOIN students st ON st.user_id = a.user_id AND st.registration = a.student_key
		WHERE a.user_id = $1 AND a.lesson_key = $2
		ORDER BY a.student_key`, userID, lessonKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Attendance
	for rows.Next() {
		a := domain.Attendance{UserID: userID, LessonKey: lessonKey}
		if err := rows.Scan(&a.StudentKey, &a.StudentName, &a.Present, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attendance: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresAcademicStore) upsertErr(err error, entity, key string) error {
	if err == nil {
		return nil
	}
	s.logger.Error("upsert failed", "entity", entity, "key", key, "error", err)
	return MapUpsertError(err, entity)
}

func upsertStudent(ctx context.Context, db store.DBTX, st *domain.Student) error {
	_, err := db.ExecContext(ctx, upsertStudentSQL, st.UserID, st.Registration, st.Name)
	return err
}

func upsertGrade(ctx context.Context, db store.DBTX, g *domain.Grade) error {
	_, err := db.ExecContext(ctx, upsertGradeSQL, g.UserID, g.StudentKey, g.DisciplineKey,
		g.N1, g.N2, g.N3, g.Faults, g.Average, g.Situation, g.UpdatedAt)
	return err
}

func upsertAttendance(ctx context.Context, db store.DBTX, a *domain.Attendance) error {
	_, err := db.ExecContext(ctx, upsertAttendanceSQL, a.UserID, a.LessonKey, a.StudentKey, a.Present, a.UpdatedAt)
	return err
}

func validateStudents(students []domain.Student) error {
	for i := range students {
		if err := students[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
