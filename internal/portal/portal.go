// Package portal drives the academic portal's pages: login, the navigation
// reset back to the discipline list, and reading the lessons, attendance and
// grade tables. All selectors and page paths live here.
package portal

import (
	"context"
	"errors"

	"github.com/phrazzld/studus-sync/internal/browser"
	"github.com/phrazzld/studus-sync/internal/domain"
)

var (
	// ErrNavigationTimeout is returned when a page step exceeds its time budget.
	ErrNavigationTimeout = errors.New("navigation timeout")

	// ErrLoginRequired is returned by ResetToList when the portal shows the
	// login form instead of the requested page.
	ErrLoginRequired = errors.New("login required")

	// ErrLoginRejected is returned when the portal keeps showing the login form
	// after credentials were submitted.
	ErrLoginRejected = errors.New("portal rejected credentials")
)

// Card is a discipline card on the list page. Index is its current position
// and is only meaningful until the next navigation.
type Card struct {
	Index      int
	Key        string
	Code       string
	Class      string
	Name       string
	HasLessons bool
	HasGrades  bool
}

// LessonRow is a row of a discipline's class log.
type LessonRow struct {
	Index         int
	Date          string
	Content       string
	HasAttendance bool
}

// AttendanceRow is a student's presence mark for one lesson.
type AttendanceRow struct {
	Registration string
	Name         string
	Present      bool
}

// GradeRow is a student's line in a discipline's grade table.
type GradeRow struct {
	Registration string
	Name         string
	N1           string
	N2           string
	N3           string
	Faults       string
	Average      string
	Situation    string
}

// Portal is the set of page procedures the processors use.
type Portal interface {
	// Login submits creds on the login page and enters the professor area.
	Login(ctx context.Context, page browser.Page, creds domain.Credentials) error
	// IsLoginPage reports whether the login form is showing.
	IsLoginPage(ctx context.Context, page browser.Page) (bool, error)
	// ResetToList navigates home, then to the professor area, then to the
	// discipline list. It returns ErrLoginRequired when the session expired.
	ResetToList(ctx context.Context, page browser.Page) error
	ListCards(ctx context.Context, page browser.Page) ([]Card, error)

	OpenLessons(ctx context.Context, page browser.Page, cardIndex int) error
	ReadLessons(ctx context.Context, page browser.Page) ([]LessonRow, error)
	OpenAttendance(ctx context.Context, page browser.Page, lessonIndex int) error
	ReadAttendance(ctx context.Context, page browser.Page) ([]AttendanceRow, error)
	// LeaveAttendance returns from the attendance view to the lessons list.
	LeaveAttendance(ctx context.Context, page browser.Page) error

	OpenGrades(ctx context.Context, page browser.Page, cardIndex int) error
	ReadGrades(ctx context.Context, page browser.Page) ([]GradeRow, error)
}
