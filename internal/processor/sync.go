package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/studus-sync/internal/browser"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
	"github.com/phrazzld/studus-sync/internal/platform/metrics"
	"github.com/phrazzld/studus-sync/internal/portal"
	"github.com/phrazzld/studus-sync/internal/session"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/phrazzld/studus-sync/internal/task"
)

// ErrTooManyRelogins is returned when the session keeps expiring during a run.
var ErrTooManyRelogins = errors.New("session expired too many times during sync")

// SyncConfig tunes the discipline walk.
type SyncConfig struct {
	// MaxRelogins caps in-place re-logins during one run.
	MaxRelogins int
}

// Sync executes SYNC tasks: it walks every discipline card, mirroring its
// lessons, attendance and grades.
//
// Cards are tracked by natural key rather than position. The list is read
// once at the start; after every navigation reset each key is resolved back to
// the card's current position, so cards that move or vanish between resets
// never cause the wrong discipline to be scraped.
type Sync struct {
	deps     Deps
	academic store.AcademicStore
	config   SyncConfig
	now      func() time.Time
}

// NewSync creates a sync processor.
func NewSync(deps Deps, academic store.AcademicStore, config SyncConfig) *Sync {
	deps.defaults()
	if config.MaxRelogins < 0 {
		config.MaxRelogins = 0
	}
	return &Sync{
		deps:     deps,
		academic: academic,
		config:   config,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// run is the state of one execution.
type run struct {
	exec     task.Execution
	page     browser.Page
	log      *slog.Logger
	perf     task.Performance
	relogins int
	skipped  int
}

// Process implements task.Processor.
func (s *Sync) Process(ctx context.Context, exec task.Execution) (task.Outcome, error) {
	start := s.now()
	r := &run{
		exec: exec,
		log:  logger.FromContextOrDefault(ctx, s.deps.Logger).With("component", "sync"),
	}

	bc, err := s.deps.Sessions.Get(ctx, exec.UserID)
	if err != nil {
		return task.Outcome{}, err
	}
	r.page, err = bc.NewPage(ctx)
	if err != nil {
		return task.Outcome{}, fmt.Errorf("failed to open page: %w", err)
	}
	defer r.page.Close()

	walked, err := s.walk(ctx, r)
	if err != nil {
		r.log.Error("sync failed", "error", err, "relogins", r.relogins)
		s.deps.captureFailure(ctx, r.page, exec, err)
		return task.Outcome{}, err
	}

	r.perf.Total = s.since(start)
	r.perf.Scraping = max(r.perf.Total-r.perf.Login-r.perf.Navigation, 0)
	r.log.Info("sync completed",
		"disciplines", walked,
		"skipped", r.skipped,
		"relogins", r.relogins,
		"total_ms", r.perf.Total)

	perf := r.perf
	return task.Outcome{
		Result: Result{
			Success:     true,
			Message:     fmt.Sprintf("sync completed in %ds", perf.Total/1000),
			Disciplines: walked,
			Skipped:     r.skipped,
			Relogins:    r.relogins,
		},
		Performance: &perf,
	}, nil
}

// walk runs the state machine and returns the number of disciplines visited.
func (s *Sync) walk(ctx context.Context, r *run) (int, error) {
	if s.deps.Sessions.RequiresLogin(ctx, r.exec.UserID) {
		r.log.Info("no valid session, logging in")
		if err := s.login(ctx, r); err != nil {
			return 0, err
		}
	}

	if err := s.reset(ctx, r); err != nil {
		return 0, err
	}
	cards, err := s.deps.Portal.ListCards(ctx, r.page)
	if err != nil {
		return 0, err
	}
	keys := uniqueKeys(cards)
	r.log.Info("found discipline cards", "count", len(keys))

	walked := 0
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return walked, err
		}
		if i > 0 {
			if err := s.reset(ctx, r); err != nil {
				return walked, err
			}
		}
		visited, err := s.discipline(ctx, r, key)
		if err != nil {
			return walked, fmt.Errorf("discipline %s: %w", key, err)
		}
		if visited {
			walked++
		}
	}
	return walked, nil
}

// discipline mirrors one card. It reports false when the card vanished.
func (s *Sync) discipline(ctx context.Context, r *run, key string) (bool, error) {
	log := r.log.With("discipline", key)

	card, ok, err := s.resolve(ctx, r, key)
	if err != nil || !ok {
		return false, err
	}
	if card.Name == "" {
		log.Debug("card has no name, skipping")
		return false, nil
	}
	log.Info("processing discipline", "name", card.Name)

	err = s.academic.UpsertDiscipline(ctx, &domain.Discipline{
		UserID:     r.exec.UserID,
		Key:        key,
		Code:       card.Code,
		Class:      card.Class,
		Name:       card.Name,
		LastSyncAt: s.now(),
	})
	if err != nil {
		return false, err
	}

	if card.HasLessons {
		if err := s.lessons(ctx, r, card); err != nil {
			return false, err
		}
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.reset(ctx, r); err != nil {
		return false, err
	}
	card, ok, err = s.resolve(ctx, r, key)
	if err != nil {
		return false, err
	}
	if ok && card.HasGrades {
		if err := s.grades(ctx, r, card); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Sync) lessons(ctx context.Context, r *run, card portal.Card) error {
	if err := s.deps.Portal.OpenLessons(ctx, r.page, card.Index); err != nil {
		return err
	}
	rows, err := s.deps.Portal.ReadLessons(ctx, r.page)
	if err != nil {
		return err
	}
	r.log.Debug("read lessons", "discipline", card.Key, "count", len(rows))

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		lesson := &domain.Lesson{
			UserID:        r.exec.UserID,
			Key:           domain.LessonKey(card.Key, row.Date),
			DisciplineKey: card.Key,
			Date:          row.Date,
			Content:       row.Content,
		}
		if err := s.academic.UpsertLesson(ctx, lesson); err != nil {
			return err
		}
		if !row.HasAttendance {
			continue
		}
		if err := s.attendance(ctx, r, lesson, row.Index); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sync) attendance(ctx context.Context, r *run, lesson *domain.Lesson, rowIndex int) error {
	if err := s.deps.Portal.OpenAttendance(ctx, r.page, rowIndex); err != nil {
		return err
	}
	rows, err := s.deps.Portal.ReadAttendance(ctx, r.page)
	if err != nil {
		return err
	}

	now := s.now()
	students := make([]domain.Student, 0, len(rows))
	records := make([]domain.Attendance, 0, len(rows))
	for _, row := range rows {
		students = append(students, domain.Student{
			UserID:       r.exec.UserID,
			Registration: row.Registration,
			Name:         row.Name,
		})
		records = append(records, domain.Attendance{
			UserID:     r.exec.UserID,
			LessonKey:  lesson.Key,
			StudentKey: row.Registration,
			Present:    row.Present,
			UpdatedAt:  now,
		})
	}
	if err := s.academic.UpsertAttendanceSheet(ctx, students, records); err != nil {
		return err
	}
	return s.deps.Portal.LeaveAttendance(ctx, r.page)
}

func (s *Sync) grades(ctx context.Context, r *run, card portal.Card) error {
	if err := s.deps.Portal.OpenGrades(ctx, r.page, card.Index); err != nil {
		return err
	}
	rows, err := s.deps.Portal.ReadGrades(ctx, r.page)
	if err != nil {
		return err
	}
	r.log.Debug("read grades", "discipline", card.Key, "count", len(rows))

	now := s.now()
	students := make([]domain.Student, 0, len(rows))
	grades := make([]domain.Grade, 0, len(rows))
	for _, row := range rows {
		students = append(students, domain.Student{
			UserID:       r.exec.UserID,
			Registration: row.Registration,
			Name:         row.Name,
		})
		grades = append(grades, domain.Grade{
			UserID:        r.exec.UserID,
			StudentKey:    row.Registration,
			DisciplineKey: card.Key,
			N1:            row.N1,
			N2:            row.N2,
			N3:            row.N3,
			Faults:        row.Faults,
			Average:       row.Average,
			Situation:     row.Situation,
			UpdatedAt:     now,
		})
	}
	return s.academic.UpsertGradeSheet(ctx, students, grades)
}

// reset returns to the discipline list. An expired session is renewed in
// place within the run's re-login budget.
func (s *Sync) reset(ctx context.Context, r *run) error {
	start := s.now()
	var loginTime int64
	defer func() {
		r.perf.Navigation += max(s.since(start)-loginTime, 0)
	}()

	for {
		err := s.deps.Portal.ResetToList(ctx, r.page)
		if !errors.Is(err, portal.ErrLoginRequired) {
			return err
		}
		if r.relogins >= s.config.MaxRelogins {
			return fmt.Errorf("%w: %w (%d re-logins)", session.ErrSessionInvalid, ErrTooManyRelogins, r.relogins)
		}
		r.relogins++
		metrics.ReloginsTotal.Inc()
		r.log.Warn("session expired during sync, logging in again", "relogin", r.relogins)

		before := r.perf.Login
		if err := s.login(ctx, r); err != nil {
			return err
		}
		loginTime += r.perf.Login - before
	}
}

// login signs in on the run's page, accumulating login time.
func (s *Sync) login(ctx context.Context, r *run) error {
	start := s.now()
	defer func() { r.perf.Login += s.since(start) }()

	creds, err := s.deps.resolveCredentials(ctx, r.exec.UserID, domain.Credentials{})
	if err != nil {
		return err
	}
	if err := s.deps.signIn(ctx, r.exec.UserID, r.page, creds); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	return nil
}

// resolve finds the card with key on the current list.
func (s *Sync) resolve(ctx context.Context, r *run, key string) (portal.Card, bool, error) {
	cards, err := s.deps.Portal.ListCards(ctx, r.page)
	if err != nil {
		return portal.Card{}, false, err
	}
	for _, c := range cards {
		if c.Key == key {
			return c, true, nil
		}
	}
	r.skipped++
	r.log.Warn("discipline card disappeared, skipping", "discipline", key, "cards", len(cards))
	return portal.Card{}, false, nil
}

func (s *Sync) since(t time.Time) int64 {
	return s.now().Sub(t).Milliseconds()
}

func uniqueKeys(cards []portal.Card) []string {
	seen := make(map[string]bool, len(cards))
	keys := make([]string, 0, len(cards))
	for _, c := range cards {
		if seen[c.Key] {
			continue
		}
		seen[c.Key] = true
		keys = append(keys, c.Key)
	}
	return keys
}

var (
	_ task.Processor = (*Sync)(nil)
	_ task.Processor = (*Login)(nil)
	_ Sessions       = (*session.Manager)(nil)
)
