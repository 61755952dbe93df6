package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/phrazzld/studus-sync/internal/browser"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPage answers Eval with the first canned result whose key is a
// substring of the script, and records every interaction.
type scriptedPage struct {
	url      string
	visible  map[string]bool
	answers  []answer
	clickErr map[string]error
	gotoErr  map[string]error
	onClick  func(selector string)

	visited []string
	filled  map[string]string
	clicks  []string
	nth     []int
	backs   int
	scripts []string
}

type answer struct {
	contains string
	result   string
}

func newScriptedPage() *scriptedPage {
	return &scriptedPage{
		visible:  make(map[string]bool),
		clickErr: make(map[string]error),
		gotoErr:  make(map[string]error),
		filled:   make(map[string]string),
	}
}

func (p *scriptedPage) on(contains, result string) *scriptedPage {
	p.answers = append(p.answers, answer{contains: contains, result: result})
	return p
}

func (p *scriptedPage) Goto(_ context.Context, url string) error {
	p.visited = append(p.visited, url)
	if err := p.gotoErr[url]; err != nil {
		return err
	}
	p.url = url
	return nil
}

func (p *scriptedPage) WaitForIdle(context.Context) error { return nil }

func (p *scriptedPage) Visible(_ context.Context, selector string) (bool, error) {
	return p.visible[selector], nil
}

func (p *scriptedPage) Count(context.Context, string) (int, error) { return 0, nil }

func (p *scriptedPage) Click(_ context.Context, selector string) error {
	p.clicks = append(p.clicks, selector)
	if p.onClick != nil {
		p.onClick(selector)
	}
	return p.clickErr[selector]
}

func (p *scriptedPage) ClickNth(_ context.Context, selector string, n int) error {
	p.clicks = append(p.clicks, selector)
	p.nth = append(p.nth, n)
	return nil
}

func (p *scriptedPage) Fill(_ context.Context, selector, value string) error {
	p.filled[selector] = value
	return nil
}

func (p *scriptedPage) Eval(_ context.Context, script string, out any) error {
	p.scripts = append(p.scripts, script)
	for _, a := range p.answers {
		if strings.Contains(script, a.contains) {
			if out == nil {
				return nil
			}
			return json.Unmarshal([]byte(a.result), out)
		}
	}
	if out == nil {
		return nil
	}
	return fmt.Errorf("no scripted answer for %.60q", script)
}

func (p *scriptedPage) Back(context.Context) error {
	p.backs++
	return nil
}

func (p *scriptedPage) URL(context.Context) (string, error)      { return p.url, nil }
func (p *scriptedPage) Screenshot(context.Context, string) error { return nil }
func (p *scriptedPage) Close() error                             { return nil }

const base = "https://portal.example.edu"

func newTestPortal() *Studus {
	return NewStudus(base+"/", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// markAll answers every element lookup with found.
func markAll(p *scriptedPage, found bool) *scriptedPage {
	return p.on("setAttribute('"+markAttr+"', '1')", fmt.Sprint(found))
}

func TestLogin(t *testing.T) {
	creds := domain.Credentials{Username: "prof", Password: "secret"}

	t.Run("primary form", func(t *testing.T) {
		page := markAll(newScriptedPage(), true)
		page.visible[usernameField] = true
		page.visible[rememberMe] = true
		portal := newTestPortal()

		// The form disappears once submitted.
		page.onClick = func(string) { page.visible[usernameField] = false }
		require.NoError(t, portal.Login(context.Background(), page, creds))

		assert.Equal(t, base+LoginPath, page.visited[0])
		assert.Equal(t, "prof", page.filled[usernameField])
		assert.Equal(t, "secret", page.filled[passwordField])
		assert.Contains(t, page.clicks, rememberMe)
		assert.Contains(t, page.clicks, markSelector)
	})

	t.Run("fallback form", func(t *testing.T) {
		page := markAll(newScriptedPage(), false)
		portal := newTestPortal()

		require.NoError(t, portal.Login(context.Background(), page, creds))

		assert.Equal(t, "prof", page.filled[fallbackUsername])
		assert.Equal(t, "secret", page.filled[fallbackPassword])
		assert.Equal(t, []string{submitButton}, page.clicks)
	})

	t.Run("rejected credentials", func(t *testing.T) {
		page := markAll(newScriptedPage(), false)
		page.visible[fallbackPassword] = true
		portal := newTestPortal()

		err := portal.Login(context.Background(), page, creds)
		assert.ErrorIs(t, err, ErrLoginRejected)
	})

	t.Run("missing credentials", func(t *testing.T) {
		err := newTestPortal().Login(context.Background(), newScriptedPage(), domain.Credentials{Username: "prof"})
		assert.ErrorIs(t, err, domain.ErrMissingCredentials)
	})

	t.Run("timeout is classified", func(t *testing.T) {
		page := newScriptedPage()
		page.gotoErr[base+LoginPath] = browser.ErrTimeout

		err := newTestPortal().Login(context.Background(), page, creds)
		assert.ErrorIs(t, err, ErrNavigationTimeout)
		assert.ErrorIs(t, err, browser.ErrTimeout)
	})
}

func TestResetToList(t *testing.T) {
	t.Run("walks to the discipline list", func(t *testing.T) {
		page := markAll(newScriptedPage(), true)

		require.NoError(t, newTestPortal().ResetToList(context.Background(), page))

		assert.Equal(t, []string{base + HomePath}, page.visited)
		// popup, professor area, discipline list
		assert.Len(t, page.clicks, 3)
	})

	t.Run("login form means expired session", func(t *testing.T) {
		page := newScriptedPage()
		page.visible[usernameField] = true

		err := newTestPortal().ResetToList(context.Background(), page)
		assert.ErrorIs(t, err, ErrLoginRequired)
	})

	t.Run("home failure falls back to login page", func(t *testing.T) {
		page := newScriptedPage()
		page.gotoErr[base+HomePath] = errors.New("net::ERR_ABORTED")
		page.visible[fallbackPassword] = true

		err := newTestPortal().ResetToList(context.Background(), page)
		assert.ErrorIs(t, err, ErrLoginRequired)
		assert.Equal(t, []string{base + HomePath, base + LoginPath}, page.visited)
	})

	t.Run("missing navigation link", func(t *testing.T) {
		page := markAll(newScriptedPage(), false)

		err := newTestPortal().ResetToList(context.Background(), page)
		assert.ErrorIs(t, err, browser.ErrNoElement)
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		page := newScriptedPage()
		page.gotoErr[base+HomePath] = context.Canceled

		err := newTestPortal().ResetToList(ctx, page)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Len(t, page.visited, 1)
	})
}

func TestListCards(t *testing.T) {
	page := newScriptedPage().on("div.card')).map", `[
		{"code":"MAT.101","class":"T 01","name":"Cálculo I","hasLessons":true,"hasGrades":true},
		{"code":"","class":"","name":"Orphan","hasLessons":false,"hasGrades":true}
	]`)

	cards, err := newTestPortal().ListCards(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, cards, 2)

	assert.Equal(t, Card{Index: 0, Key: "MAT101-T01", Code: "MAT.101", Class: "T 01", Name: "Cálculo I", HasLessons: true, HasGrades: true}, cards[0])
	assert.Equal(t, "disc-1", cards[1].Key)
	assert.False(t, cards[1].HasLessons)
}

func TestOpenCardButtons(t *testing.T) {
	t.Run("lessons", func(t *testing.T) {
		page := markAll(newScriptedPage(), true)
		require.NoError(t, newTestPortal().OpenLessons(context.Background(), page, 2))

		assert.Contains(t, page.scripts[0], "querySelectorAll('div.card')[2]")
		assert.Contains(t, page.scripts[0], `:registro`)
		assert.Equal(t, []string{markSelector}, page.clicks)
	})

	t.Run("grades", func(t *testing.T) {
		page := markAll(newScriptedPage(), true)
		require.NoError(t, newTestPortal().OpenGrades(context.Background(), page, 0))
		assert.Contains(t, page.scripts[0], `:notas`)
	})

	t.Run("missing button", func(t *testing.T) {
		page := markAll(newScriptedPage(), false)
		err := newTestPortal().OpenGrades(context.Background(), page, 5)
		assert.ErrorIs(t, err, browser.ErrNoElement)
		assert.Empty(t, page.clicks)
	})
}

func TestReadLessons(t *testing.T) {
	page := newScriptedPage().on("ui-datatable-data tr')).map", `[
		{"date":"03/03/2025","content":"Intro","hasAttendance":true},
		null,
		{"date":"10/03/2025","content":"Limits","hasAttendance":false}
	]`)

	rows, err := newTestPortal().ReadLessons(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, []LessonRow{
		{Index: 0, Date: "03/03/2025", Content: "Intro", HasAttendance: true},
		{Index: 2, Date: "10/03/2025", Content: "Limits"},
	}, rows)
}

func TestOpenAttendance(t *testing.T) {
	t.Run("clicks the matching link", func(t *testing.T) {
		page := newScriptedPage().on(attendanceAttr, "1")
		require.NoError(t, newTestPortal().OpenAttendance(context.Background(), page, 4))

		assert.Equal(t, []string{"[" + attendanceAttr + "]"}, page.clicks)
		assert.Equal(t, []int{1}, page.nth)
	})

	t.Run("lesson without attendance link", func(t *testing.T) {
		page := newScriptedPage().on(attendanceAttr, "-1")
		err := newTestPortal().OpenAttendance(context.Background(), page, 4)
		assert.ErrorIs(t, err, browser.ErrNoElement)
	})
}

func TestReadAttendance(t *testing.T) {
	page := newScriptedPage().on("ui-chkbox-box", `[
		{"registration":"2023001","name":"Ana","present":true},
		{"registration":"2023002","name":"Bruno","present":false},
		{"registration":"","name":"footer","present":false}
	]`)

	rows, err := newTestPortal().ReadAttendance(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, []AttendanceRow{
		{Registration: "2023001", Name: "Ana", Present: true},
		{Registration: "2023002", Name: "Bruno"},
	}, rows)
}

func TestLeaveAttendance(t *testing.T) {
	t.Run("separate page goes back", func(t *testing.T) {
		page := newScriptedPage()
		page.url = base + "/privado/frequencia.xhtml"

		require.NoError(t, newTestPortal().LeaveAttendance(context.Background(), page))
		assert.Equal(t, 1, page.backs)
	})

	t.Run("modal is closed with escape", func(t *testing.T) {
		page := newScriptedPage()
		page.url = base + "/privado/registro.xhtml"

		require.NoError(t, newTestPortal().LeaveAttendance(context.Background(), page))
		assert.Zero(t, page.backs)
		require.Len(t, page.scripts, 1)
		assert.Contains(t, page.scripts[0], "Escape")
	})
}

func TestReadGrades(t *testing.T) {
	page := newScriptedPage().on("tbody.ui-datatable-data tr", `[
		{"registration":"2023001","name":"Ana","n1":"8,5","n2":"7,0","n3":"","faults":"2","average":"7,8","situation":"Aprovado"},
		{"registration":"2023002","name":"","n1":"","n2":"","n3":"","faults":"","average":"","situation":""}
	]`)

	rows, err := newTestPortal().ReadGrades(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, []GradeRow{{
		Registration: "2023001", Name: "Ana",
		N1: "8,5", N2: "7,0", Faults: "2", Average: "7,8", Situation: "Aprovado",
	}}, rows)
}

func TestStepErr(t *testing.T) {
	assert.ErrorIs(t, stepErr("x", browser.ErrTimeout), ErrNavigationTimeout)
	assert.Equal(t, context.Canceled, stepErr("x", context.Canceled))

	err := stepErr("fill username", browser.ErrNoElement)
	assert.ErrorIs(t, err, browser.ErrNoElement)
	assert.NotErrorIs(t, err, ErrNavigationTimeout)
	assert.Contains(t, err.Error(), "fill username")
}
