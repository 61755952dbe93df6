package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/phrazzld/studus-sync/internal/browser"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
)

// Page paths relative to the portal base URL.
const (
	LoginPath = "/login.xhtml"
	HomePath  = "/privado/index.xhtml"
)

const (
	usernameField     = "#j_username"
	passwordField     = "#j_password"
	rememberMe        = "#remember span"
	submitButton      = `button[type="submit"]`
	fallbackUsername  = `input[type="text"]`
	fallbackPassword  = `input[type="password"]`
	popupDismissText  = "Não, obrigado"
	professorAreaIcon = "school"
	disciplineIcon    = "assignment_turned_in"
	attendanceIcon    = "check_circle"
	attendanceURLPart = "frequencia.xhtml"

	markAttr       = "data-studus-target"
	attendanceAttr = "data-studus-attendance"
)

// Studus implements Portal for the Studus academic portal.
type Studus struct {
	baseURL string
	logger  *slog.Logger
}

// NewStudus creates a portal adapter rooted at baseURL.
func NewStudus(baseURL string, log *slog.Logger) *Studus {
	if log == nil {
		log = slog.Default()
	}
	return &Studus{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log.With("component", "portal"),
	}
}

func (s *Studus) log(ctx context.Context) *slog.Logger {
	return logger.FromContextOrDefault(ctx, s.logger)
}

// Login implements Portal.
func (s *Studus) Login(ctx context.Context, page browser.Page, creds domain.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	log := s.log(ctx)

	if err := s.open(ctx, page, s.baseURL+LoginPath); err != nil {
		return err
	}

	primary, err := page.Visible(ctx, usernameField)
	if err != nil {
		return stepErr("inspect login form", err)
	}
	if primary {
		if err := page.Fill(ctx, usernameField, creds.Username); err != nil {
			return stepErr("fill username", err)
		}
		if err := page.Fill(ctx, passwordField, creds.Password); err != nil {
			return stepErr("fill password", err)
		}
		if ok, _ := page.Visible(ctx, rememberMe); ok {
			_ = page.Click(ctx, rememberMe)
		}
		clicked, err := s.clickByText(ctx, page, "button", "Acessar")
		if err != nil || !clicked {
			if err := page.Click(ctx, submitButton); err != nil {
				return stepErr("submit login", err)
			}
		}
	} else {
		log.Info("standard login fields not found, using generic fallback")
		if err := page.Fill(ctx, fallbackUsername, creds.Username); err != nil {
			return stepErr("fill username", err)
		}
		if err := page.Fill(ctx, fallbackPassword, creds.Password); err != nil {
			return stepErr("fill password", err)
		}
		if err := page.Click(ctx, submitButton); err != nil {
			return stepErr("submit login", err)
		}
	}
	if err := page.WaitForIdle(ctx); err != nil {
		return stepErr("wait after login", err)
	}

	onLogin, err := s.IsLoginPage(ctx, page)
	if err != nil {
		return err
	}
	if onLogin {
		return ErrLoginRejected
	}

	s.dismissPopup(ctx, page)
	if ok, err := s.clickByText(ctx, page, "a", professorAreaIcon); err != nil {
		return stepErr("enter professor area", err)
	} else if !ok {
		log.Warn("professor area link not found after login")
	} else if err := page.WaitForIdle(ctx); err != nil {
		return stepErr("enter professor area", err)
	}

	log.Info("portal login succeeded")
	return nil
}

// IsLoginPage implements Portal.
func (s *Studus) IsLoginPage(ctx context.Context, page browser.Page) (bool, error) {
	for _, sel := range []string{usernameField, fallbackPassword} {
		visible, err := page.Visible(ctx, sel)
		if err != nil {
			return false, stepErr("inspect page", err)
		}
		if visible {
			return true, nil
		}
	}
	return false, nil
}

// ResetToList implements Portal.
func (s *Studus) ResetToList(ctx context.Context, page browser.Page) error {
	if err := page.Goto(ctx, s.baseURL+HomePath); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log(ctx).Warn("home page failed, falling back to login page", "error", err)
		if err := page.Goto(ctx, s.baseURL+LoginPath); err != nil {
			return stepErr("open login page", err)
		}
	}
	if err := page.WaitForIdle(ctx); err != nil {
		return stepErr("load home page", err)
	}

	onLogin, err := s.IsLoginPage(ctx, page)
	if err != nil {
		return err
	}
	if onLogin {
		return ErrLoginRequired
	}

	s.dismissPopup(ctx, page)
	for _, icon := range []string{professorAreaIcon, disciplineIcon} {
		ok, err := s.clickByText(ctx, page, "a", icon)
		if err != nil {
			return stepErr("click "+icon, err)
		}
		if !ok {
			return fmt.Errorf("%w: link %q", browser.ErrNoElement, icon)
		}
		if err := page.WaitForIdle(ctx); err != nil {
			return stepErr("load after "+icon, err)
		}
	}
	return nil
}

type cardJS struct {
	Code       string `json:"code"`
	Class      string `json:"class"`
	Name       string `json:"name"`
	HasLessons bool   `json:"hasLessons"`
	HasGrades  bool   `json:"hasGrades"`
}

const listCardsScript = `Array.from(document.querySelectorAll('div.card')).map(card => {
	const text = sel => { const el = card.querySelector(sel); return el ? el.innerText.trim() : ''; };
	return {
		code: text('label.italic'),
		class: text('label.small-font'),
		name: text('label.big-font'),
		hasLessons: !!card.querySelector('button[id$=":registro"]'),
		hasGrades: !!card.querySelector('button[id$=":notas"]'),
	};
})`

// ListCards implements Portal. Cards without a code and class get a
// positional key.
func (s *Studus) ListCards(ctx context.Context, page browser.Page) ([]Card, error) {
	var raw []cardJS
	if err := page.Eval(ctx, listCardsScript, &raw); err != nil {
		return nil, stepErr("read discipline cards", err)
	}
	cards := make([]Card, len(raw))
	for i, c := range raw {
		key := domain.DisciplineKey(c.Code, c.Class)
		if key == "" {
			key = "disc-" + strconv.Itoa(i)
		}
		cards[i] = Card{
			Index:      i,
			Key:        key,
			Code:       c.Code,
			Class:      c.Class,
			Name:       c.Name,
			HasLessons: c.HasLessons,
			HasGrades:  c.HasGrades,
		}
	}
	return cards, nil
}

// OpenLessons implements Portal.
func (s *Studus) OpenLessons(ctx context.Context, page browser.Page, cardIndex int) error {
	return s.openCardButton(ctx, page, cardIndex, "registro")
}

// OpenGrades implements Portal.
func (s *Studus) OpenGrades(ctx context.Context, page browser.Page, cardIndex int) error {
	return s.openCardButton(ctx, page, cardIndex, "notas")
}

func (s *Studus) openCardButton(ctx context.Context, page browser.Page, cardIndex int, suffix string) error {
	finder := fmt.Sprintf(`(() => { const card = document.querySelectorAll('div.card')[%d]; return card ? card.querySelector('button[id$=":%s"]') : null; })()`,
		cardIndex, suffix)
	ok, err := s.mark(ctx, page, finder)
	if err != nil {
		return stepErr("find "+suffix+" button", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s button on card %d", browser.ErrNoElement, suffix, cardIndex)
	}
	if err := page.Click(ctx, markSelector); err != nil {
		return stepErr("open "+suffix, err)
	}
	if err := page.WaitForIdle(ctx); err != nil {
		return stepErr("load "+suffix, err)
	}
	return nil
}

const readLessonsScript = `Array.from(document.querySelectorAll('.ui-datatable-data tr')).map(row => {
	const cells = row.querySelectorAll('td');
	if (cells.length <= 2) return null;
	const link = Array.from(row.querySelectorAll('a, button')).find(el => el.innerText.includes('check_circle'));
	return { date: cells[0].innerText.trim(), content: cells[1].innerText.trim(), hasAttendance: !!link };
})`

type lessonJS struct {
	Date          string `json:"date"`
	Content       string `json:"content"`
	HasAttendance bool   `json:"hasAttendance"`
}

// ReadLessons implements Portal. Rows that are not lessons are skipped but
// still count toward Index.
func (s *Studus) ReadLessons(ctx context.Context, page browser.Page) ([]LessonRow, error) {
	var raw []*lessonJS
	if err := page.Eval(ctx, readLessonsScript, &raw); err != nil {
		return nil, stepErr("read lessons", err)
	}
	var rows []LessonRow
	for i, l := range raw {
		if l == nil || l.Date == "" {
			continue
		}
		rows = append(rows, LessonRow{Index: i, Date: l.Date, Content: l.Content, HasAttendance: l.HasAttendance})
	}
	return rows, nil
}

// OpenAttendance implements Portal.
func (s *Studus) OpenAttendance(ctx context.Context, page browser.Page, lessonIndex int) error {
	script := fmt.Sprintf(`(() => {
	let n = 0, found = -1;
	Array.from(document.querySelectorAll('.ui-datatable-data tr')).forEach((row, i) => {
		const link = Array.from(row.querySelectorAll('a, button')).find(el => el.innerText.includes(%s));
		if (!link) return;
		link.setAttribute(%s, String(i));
		if (i === %d) found = n;
		n++;
	});
	return found;
})()`, jsString(attendanceIcon), jsString(attendanceAttr), lessonIndex)

	var nth int
	if err := page.Eval(ctx, script, &nth); err != nil {
		return stepErr("find attendance link", err)
	}
	if nth < 0 {
		return fmt.Errorf("%w: attendance link on lesson %d", browser.ErrNoElement, lessonIndex)
	}
	if err := page.ClickNth(ctx, "["+attendanceAttr+"]", nth); err != nil {
		return stepErr("open attendance", err)
	}
	if err := page.WaitForIdle(ctx); err != nil {
		return stepErr("load attendance", err)
	}
	return nil
}

const readAttendanceScript = `Array.from(document.querySelectorAll('tbody tr')).map(row => {
	const cells = row.querySelectorAll('td');
	if (cells.length <= 1) return null;
	const box = row.querySelector('.ui-chkbox-box');
	return {
		registration: cells[0].innerText.trim(),
		name: cells[1].innerText.trim(),
		present: !!box && box.classList.contains('ui-state-active'),
	};
}).filter(Boolean)`

type attendanceJS struct {
	Registration string `json:"registration"`
	Name         string `json:"name"`
	Present      bool   `json:"present"`
}

// ReadAttendance implements Portal.
func (s *Studus) ReadAttendance(ctx context.Context, page browser.Page) ([]AttendanceRow, error) {
	var raw []attendanceJS
	if err := page.Eval(ctx, readAttendanceScript, &raw); err != nil {
		return nil, stepErr("read attendance", err)
	}
	rows := make([]AttendanceRow, 0, len(raw))
	for _, a := range raw {
		if a.Registration == "" {
			continue
		}
		rows = append(rows, AttendanceRow(a))
	}
	return rows, nil
}

// LeaveAttendance implements Portal. A separate attendance page is left with
// Back; a modal is closed with Escape.
func (s *Studus) LeaveAttendance(ctx context.Context, page browser.Page) error {
	url, err := page.URL(ctx)
	if err != nil {
		return stepErr("read url", err)
	}
	if strings.Contains(url, attendanceURLPart) {
		if err := page.Back(ctx); err != nil {
			return stepErr("leave attendance", err)
		}
		if err := page.WaitForIdle(ctx); err != nil {
			return stepErr("load lessons", err)
		}
		return nil
	}
	const escape = `document.dispatchEvent(new KeyboardEvent('keydown', {key: 'Escape', keyCode: 27, bubbles: true}))`
	if err := page.Eval(ctx, escape, nil); err != nil {
		return stepErr("close attendance", err)
	}
	return nil
}

const readGradesScript = `Array.from(document.querySelectorAll('tbody.ui-datatable-data tr')).map(row => {
	const cells = row.querySelectorAll('td');
	if (cells.length <= 8) return null;
	const text = i => cells[i] ? cells[i].innerText.trim() : '';
	const value = i => {
		if (!cells[i]) return '';
		const input = cells[i].querySelector('input');
		return input ? input.value.trim() : cells[i].innerText.trim();
	};
	return {
		registration: text(0), name: text(1),
		n1: value(2), n2: value(3), n3: value(4), faults: value(5),
		average: text(7), situation: text(10),
	};
}).filter(Boolean)`

type gradeJS struct {
	Registration string `json:"registration"`
	Name         string `json:"name"`
	N1           string `json:"n1"`
	N2           string `json:"n2"`
	N3           string `json:"n3"`
	Faults       string `json:"faults"`
	Average      string `json:"average"`
	Situation    string `json:"situation"`
}

// ReadGrades implements Portal. Rows without a registration or name are skipped.
func (s *Studus) ReadGrades(ctx context.Context, page browser.Page) ([]GradeRow, error) {
	var raw []gradeJS
	if err := page.Eval(ctx, readGradesScript, &raw); err != nil {
		return nil, stepErr("read grades", err)
	}
	rows := make([]GradeRow, 0, len(raw))
	for _, g := range raw {
		if g.Registration == "" || g.Name == "" {
			continue
		}
		rows = append(rows, GradeRow(g))
	}
	return rows, nil
}

func (s *Studus) open(ctx context.Context, page browser.Page, url string) error {
	if err := page.Goto(ctx, url); err != nil {
		return stepErr("open "+url, err)
	}
	if err := page.WaitForIdle(ctx); err != nil {
		return stepErr("load "+url, err)
	}
	return nil
}

// dismissPopup closes the post-login prompt when it is showing.
func (s *Studus) dismissPopup(ctx context.Context, page browser.Page) {
	ok, err := s.clickByText(ctx, page, "button", popupDismissText)
	if err != nil {
		s.log(ctx).Debug("failed to dismiss popup", "error", err)
		return
	}
	if ok {
		s.log(ctx).Debug("dismissed popup")
	}
}

var markSelector = "[" + markAttr + `="1"]`

// mark tags the element returned by the JavaScript expression finder so it
// can be clicked by selector. It reports false when finder yields nothing.
func (s *Studus) mark(ctx context.Context, page browser.Page, finder string) (bool, error) {
	script := fmt.Sprintf(`(() => {
	document.querySelectorAll('[%[1]s]').forEach(el => el.removeAttribute('%[1]s'));
	const el = %[2]s;
	if (!el) return false;
	el.setAttribute('%[1]s', '1');
	return true;
})()`, markAttr, finder)
	var found bool
	if err := page.Eval(ctx, script, &found); err != nil {
		return false, err
	}
	return found, nil
}

// clickByText clicks the first visible element matching selector whose text
// contains text. It reports false when there is none.
func (s *Studus) clickByText(ctx context.Context, page browser.Page, selector, text string) (bool, error) {
	finder := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).find(el => el.offsetParent !== null && el.innerText.includes(%s))`,
		jsString(selector), jsString(text))
	ok, err := s.mark(ctx, page, finder)
	if err != nil || !ok {
		return false, err
	}
	if err := page.Click(ctx, markSelector); err != nil {
		return false, err
	}
	return true, nil
}

// stepErr names the failed step and classifies timeouts.
func stepErr(step string, err error) error {
	if errors.Is(err, browser.ErrTimeout) {
		return fmt.Errorf("%w: %s: %w", ErrNavigationTimeout, step, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", step, err)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
