// Package browser defines the page-driver abstraction used by the portal
// adapter and the session manager, and provides a chromedp implementation.
//
// A Browser is one engine process. Each user gets an isolated Context with its
// own cookie jar; a Context opens short-lived Pages that are driven by CSS
// selectors and small JavaScript snippets.
package browser

import (
	"context"
	"errors"

	"github.com/phrazzld/studus-sync/internal/domain"
)

var (
	// ErrTimeout is returned when a page operation exceeds its time budget.
	ErrTimeout = errors.New("browser operation timed out")

	// ErrNoElement is returned when a selector matches nothing, or fewer
	// elements than the requested index.
	ErrNoElement = errors.New("no matching element")

	// ErrClosed is returned by operations on a closed browser, context or page.
	ErrClosed = errors.New("browser closed")
)

// Browser is a running browser engine.
type Browser interface {
	// NewContext creates an isolated browsing context with an empty cookie jar.
	NewContext(ctx context.Context) (Context, error)
	// Connected reports whether the engine process is still usable.
	Connected() bool
	// Close terminates the engine and every context it owns.
	Close() error
}

// Context is an isolated browsing context.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	Cookies(ctx context.Context) ([]domain.Cookie, error)
	AddCookies(ctx context.Context, cookies []domain.Cookie) error
	ClearCookies(ctx context.Context) error
	Close() error
}

// Page is a single tab. Selectors are CSS selectors.
type Page interface {
	Goto(ctx context.Context, url string) error
	// WaitForIdle waits for the document to be ready and the network to settle.
	WaitForIdle(ctx context.Context) error
	Visible(ctx context.Context, selector string) (bool, error)
	Count(ctx context.Context, selector string) (int, error)
	Click(ctx context.Context, selector string) error
	// ClickNth clicks the n-th (zero-based) element matching selector.
	ClickNth(ctx context.Context, selector string, n int) error
	Fill(ctx context.Context, selector, value string) error
	// Eval runs a JavaScript expression and decodes its result into out.
	// out may be nil when the result is not needed.
	Eval(ctx context.Context, script string, out any) error
	Back(ctx context.Context) error
	URL(ctx context.Context) (string, error)
	// Screenshot writes a full-page PNG to path.
	Screenshot(ctx context.Context, path string) error
	Close() error
}

// Launcher starts a browser engine.
type Launcher func(ctx context.Context) (Browser, error)
