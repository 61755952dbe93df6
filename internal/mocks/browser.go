package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/phrazzld/studus-sync/internal/browser"
	"github.com/phrazzld/studus-sync/internal/domain"
)

// FakeBrowser is an in-memory browser.Browser. Pages navigate instantly; a
// URL listed in Redirects lands on its mapped target instead.
type FakeBrowser struct {
	mu           sync.Mutex
	Contexts     []*FakeContext
	Redirects    map[string]string
	NewContextFn func(ctx context.Context) error
	closed       bool
	disconnected bool
}

// NewFakeBrowser creates a connected FakeBrowser.
func NewFakeBrowser() *FakeBrowser {
	return &FakeBrowser{Redirects: make(map[string]string)}
}

// FakeLauncher returns a launcher that yields browsers from next and counts launches.
func FakeLauncher(next func() (*FakeBrowser, error)) (browser.Launcher, *int) {
	var mu sync.Mutex
	calls := 0
	return func(context.Context) (browser.Browser, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		b, err := next()
		if err != nil {
			return nil, err
		}
		return b, nil
	}, &calls
}

// NewContext implements browser.Browser.
func (b *FakeBrowser) NewContext(ctx context.Context) (browser.Context, error) {
	if b.NewContextFn != nil {
		if err := b.NewContextFn(ctx); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.disconnected {
		return nil, browser.ErrClosed
	}
	c := &FakeContext{browser: b}
	b.Contexts = append(b.Contexts, c)
	return c, nil
}

// Connected implements browser.Browser.
func (b *FakeBrowser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && !b.disconnected
}

// Close implements browser.Browser.
func (b *FakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Disconnect simulates an engine crash.
func (b *FakeBrowser) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
}

// Closed reports whether Close was called.
func (b *FakeBrowser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *FakeBrowser) resolve(url string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if to, ok := b.Redirects[url]; ok {
		return to
	}
	return url
}

// FakeContext is an in-memory browser.Context holding a cookie jar.
type FakeContext struct {
	browser *FakeBrowser
	mu      sync.Mutex
	cookies []domain.Cookie
	closed  bool
	Pages   []*FakePage
}

// NewPage implements browser.Context.
func (c *FakeContext) NewPage(context.Context) (browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, browser.ErrClosed
	}
	p := &FakePage{browser: c.browser}
	c.Pages = append(c.Pages, p)
	return p, nil
}

// Cookies implements browser.Context.
func (c *FakeContext) Cookies(context.Context) ([]domain.Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, browser.ErrClosed
	}
	return append([]domain.Cookie(nil), c.cookies...), nil
}

// AddCookies implements browser.Context.
func (c *FakeContext) AddCookies(_ context.Context, cookies []domain.Cookie) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return browser.ErrClosed
	}
	c.cookies = append(c.cookies, cookies...)
	return nil
}

// ClearCookies implements browser.Context.
func (c *FakeContext) ClearCookies(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookies = nil
	return nil
}

// Close implements browser.Context.
func (c *FakeContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *FakeContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakePage is a browser.Page that records navigation. Element queries find
// nothing unless the corresponding Fn field is set.
type FakePage struct {
	browser *FakeBrowser
	mu      sync.Mutex
	url     string
	closed  bool

	EvalFn       func(script string, out any) error
	ScreenshotFn func(path string) error
	Visited      []string
	Screenshots  []string
}

// Goto implements browser.Page.
func (p *FakePage) Goto(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrClosed
	}
	p.Visited = append(p.Visited, url)
	if p.browser != nil {
		url = p.browser.resolve(url)
	}
	p.url = url
	return nil
}

// WaitForIdle implements browser.Page.
func (p *FakePage) WaitForIdle(ctx context.Context) error { return ctx.Err() }

// Visible implements browser.Page.
func (p *FakePage) Visible(context.Context, string) (bool, error) { return false, nil }

// Count implements browser.Page.
func (p *FakePage) Count(context.Context, string) (int, error) { return 0, nil }

// Click implements browser.Page.
func (p *FakePage) Click(context.Context, string) error { return browser.ErrNoElement }

// ClickNth implements browser.Page.
func (p *FakePage) ClickNth(context.Context, string, int) error { return browser.ErrNoElement }

// Fill implements browser.Page.
func (p *FakePage) Fill(context.Context, string, string) error { return browser.ErrNoElement }

// Eval implements browser.Page.
func (p *FakePage) Eval(_ context.Context, script string, out any) error {
	if p.EvalFn != nil {
		return p.EvalFn(script, out)
	}
	return nil
}

// Back implements browser.Page.
func (p *FakePage) Back(context.Context) error { return nil }

// URL implements browser.Page.
func (p *FakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// Screenshot implements browser.Page.
func (p *FakePage) Screenshot(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScreenshotFn != nil {
		if err := p.ScreenshotFn(path); err != nil {
			return err
		}
	}
	p.Screenshots = append(p.Screenshots, path)
	return nil
}

// Close implements browser.Page.
func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ErrLaunchFailed is a canned launcher failure.
var ErrLaunchFailed = errors.New("chrome failed to start")
