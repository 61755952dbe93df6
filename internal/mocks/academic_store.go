package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/store"
)

type gradeKey struct {
	user       uuid.UUID
	student    string
	discipline string
}

type attendanceKey struct {
	user    uuid.UUID
	lesson  string
	student string
}

type userKey struct {
	user uuid.UUID
	key  string
}

// MemoryAcademicStore is an in-memory store.AcademicStore keyed exactly like
// the database's unique constraints.
type MemoryAcademicStore struct {
	mu          sync.Mutex
	Disciplines map[userKey]domain.Discipline
	Students    map[userKey]domain.Student
	Lessons     map[userKey]domain.Lesson
	Grades      map[gradeKey]domain.Grade
	Attendances map[attendanceKey]domain.Attendance

	// Writes counts upsert calls per entity name.
	Writes map[string]int

	// Err, when set, is returned by every write.
	Err error
}

var _ store.AcademicStore = (*MemoryAcademicStore)(nil)

// NewMemoryAcademicStore creates an empty store.
func NewMemoryAcademicStore() *MemoryAcademicStore {
	return &MemoryAcademicStore{
		Disciplines: make(map[userKey]domain.Discipline),
		Students:    make(map[userKey]domain.Student),
		Lessons:     make(map[userKey]domain.Lesson),
		Grades:      make(map[gradeKey]domain.Grade),
		Attendances: make(map[attendanceKey]domain.Attendance),
		Writes:      make(map[string]int),
	}
}

func (m *MemoryAcademicStore) UpsertDiscipline(_ context.Context, d *domain.Discipline) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Writes["discipline"]++
	m.Disciplines[userKey{d.UserID, d.Key}] = *d
	return nil
}

func (m *MemoryAcademicStore) UpsertStudent(_ context.Context, s *domain.Student) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putStudentLocked(*s)
}

func (m *MemoryAcademicStore) UpsertLesson(_ context.Context, l *domain.Lesson) error {
	if err := l.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Writes["lesson"]++
	m.Lessons[userKey{l.UserID, l.Key}] = *l
	return nil
}

func (m *MemoryAcademicStore) UpsertGrade(_ context.Context, g *domain.Grade) error {
	if err := g.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putGradeLocked(*g)
}

func (m *MemoryAcademicStore) UpsertAttendance(_ context.Context, a *domain.Attendance) error {
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putAttendanceLocked(*a)
}

// UpsertGradeSheet applies all rows or none.
func (m *MemoryAcademicStore) UpsertGradeSheet(_ context.Context, students []domain.Student, grades []domain.Grade) error {
	for i := range students {
		if err := students[i].Validate(); err != nil {
			return err
		}
	}
	for i := range grades {
		if err := grades[i].Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, s := range students {
		_ = m.putStudentLocked(s)
	}
	for _, g := range grades {
		_ = m.putGradeLocked(g)
	}
	return nil
}

// UpsertAttendanceSheet applies all rows or none.
func (m *MemoryAcademicStore) UpsertAttendanceSheet(_ context.Context, students []domain.Student, records []domain.Attendance) error {
	for i := range students {
		if err := students[i].Validate(); err != nil {
			return err
		}
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, s := range students {
		_ = m.putStudentLocked(s)
	}
	for _, a := range records {
		_ = m.putAttendanceLocked(a)
	}
	return nil
}

func (m *MemoryAcademicStore) GetDiscipline(_ context.Context, userID uuid.UUID, key string) (*domain.Discipline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Disciplines[userKey{userID, key}]
	if !ok {
		return nil, store.ErrDisciplineNotFound
	}
	return &d, nil
}

func (m *MemoryAcademicStore) ListDisciplines(_ context.Context, userID uuid.UUID) ([]domain.Discipline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Discipline
	for k, d := range m.Disciplines {
		if k.user == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryAcademicStore) ListGrades(_ context.Context, userID uuid.UUID, disciplineKey string) ([]domain.Grade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Grade
	for k, g := range m.Grades {
		if k.user == userID && k.discipline == disciplineKey {
			g.StudentName = m.Students[userKey{userID, g.StudentKey}].Name
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentKey < out[j].StudentKey })
	return out, nil
}

func (m *MemoryAcademicStore) ListLessons(_ context.Context, userID uuid.UUID, disciplineKey string) ([]domain.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Lesson
	for k, l := range m.Lessons {
		if k.user == userID && l.DisciplineKey == disciplineKey {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryAcademicStore) ListAttendance(_ context.Context, userID uuid.UUID, lessonKey string) ([]domain.Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Attendance
	for k, a := range m.Attendances {
		if k.user == userID && k.lesson == lessonKey {
			a.StudentName = m.Students[userKey{userID, a.StudentKey}].Name
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentKey < out[j].StudentKey })
	return out, nil
}

// Counts returns the number of stored rows per entity name.
func (m *MemoryAcademicStore) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"discipline": len(m.Disciplines),
		"student":    len(m.Students),
		"lesson":     len(m.Lessons),
		"grade":      len(m.Grades),
		"attendance": len(m.Attendances),
	}
}

func (m *MemoryAcademicStore) putStudentLocked(s domain.Student) error {
	if m.Err != nil {
		return m.Err
	}
	m.Writes["student"]++
	m.Students[userKey{s.UserID, s.Registration}] = s
	return nil
}

func (m *MemoryAcademicStore) putGradeLocked(g domain.Grade) error {
	if m.Err != nil {
		return m.Err
	}
	m.Writes["grade"]++
	m.Grades[gradeKey{g.UserID, g.StudentKey, g.DisciplineKey}] = g
	return nil
}

func (m *MemoryAcademicStore) putAttendanceLocked(a domain.Attendance) error {
	if m.Err != nil {
		return m.Err
	}
	m.Writes["attendance"]++
	m.Attendances[attendanceKey{a.UserID, a.LessonKey, a.StudentKey}] = a
	return nil
}
