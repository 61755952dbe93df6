package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Discipline is a course section taught by the user, identified by Key.
type Discipline struct {
	UserID     uuid.UUID `json:"-"`
	Key        string    `json:"key"`
	Code       string    `json:"code"`
	Class      string    `json:"class"`
	Name       string    `json:"name"`
	LastSyncAt time.Time `json:"last_sync_at"`
}

// Student is identified by enrolment number.
type Student struct {
	UserID       uuid.UUID `json:"-"`
	Registration string    `json:"registration"`
	Name         string    `json:"name"`
}

// Lesson is one entry of a discipline's class log.
type Lesson struct {
	UserID        uuid.UUID `json:"-"`
	Key           string    `json:"key"`
	DisciplineKey string    `json:"discipline_key"`
	Date          string    `json:"date"`
	Content       string    `json:"content"`
}

// Grade holds a student's marks in one discipline. Values are kept as the
// portal renders them.
type Grade struct {
	UserID        uuid.UUID `json:"-"`
	StudentKey    string    `json:"student"`
	StudentName   string    `json:"student_name,omitempty"` // filled on reads
	DisciplineKey string    `json:"discipline_key"`
	N1            string    `json:"n1"`
	N2            string    `json:"n2"`
	N3            string    `json:"n3"`
	Faults        string    `json:"faults"`
	Average       string    `json:"average"`
	Situation     string    `json:"situation"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Attendance records whether a student was present at a lesson.
type Attendance struct {
	UserID      uuid.UUID `json:"-"`
	LessonKey   string    `json:"lesson_key"`
	StudentKey  string    `json:"student"`
	StudentName string    `json:"student_name,omitempty"` // filled on reads
	Present     bool      `json:"present"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DisciplineKey builds the natural key of a discipline: the code without dots,
// a dash, and the class without whitespace. An empty code and class yield "".
func DisciplineKey(code, class string) string {
	c := strings.ReplaceAll(strings.TrimSpace(code), ".", "")
	k := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, class)
	if c == "" && k == "" {
		return ""
	}
	return c + "-" + k
}

// LessonKey builds the natural key of a lesson from its discipline key and
// its date with slashes removed.
func LessonKey(disciplineKey, date string) string {
	return disciplineKey + "-" + strings.ReplaceAll(strings.TrimSpace(date), "/", "")
}

// Validate checks the natural key and owner.
func (d *Discipline) Validate() error {
	if d.UserID == uuid.Nil {
		return ErrEmptyUserID
	}
	if d.Key == "" || d.Name == "" {
		return fmt.Errorf("%w: discipline key and name are required", ErrValidation)
	}
	return nil
}

// Validate checks the natural key and owner.
func (s *Student) Validate() error {
	if s.UserID == uuid.Nil {
		return ErrEmptyUserID
	}
	if s.Registration == "" {
		return fmt.Errorf("%w: student registration is required", ErrValidation)
	}
	return nil
}

// Validate checks the natural key and owner.
func (l *Lesson) Validate() error {
	if l.UserID == uuid.Nil {
		return ErrEmptyUserID
	}
	if l.Key == "" || l.DisciplineKey == "" {
		return fmt.Errorf("%w: lesson key and discipline key are required", ErrValidation)
	}
	return nil
}

// Validate checks the composite natural key and owner.
func (g *Grade) Validate() error {
	if g.UserID == uuid.Nil {
		return ErrEmptyUserID
	}
	if g.StudentKey == "" || g.DisciplineKey == "" {
		return fmt.Errorf("%w: grade student and discipline are required", ErrValidation)
	}
	return nil
}

// Validate checks the composite natural key and owner.
func (a *Attendance) Validate() error {
	if a.UserID == uuid.Nil {
		return ErrEmptyUserID
	}
	if a.LessonKey == "" || a.StudentKey == "" {
		return fmt.Errorf("%w: attendance lesson and student are required", ErrValidation)
	}
	return nil
}
