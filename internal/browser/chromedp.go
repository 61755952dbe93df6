package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/phrazzld/studus-sync/internal/config"
	"github.com/phrazzld/studus-sync/internal/domain"
)

const screenshotQuality = 90

// NewLauncher returns a Launcher that starts Chrome with cfg.
func NewLauncher(cfg config.BrowserConfig, logger *slog.Logger) Launcher {
	return func(ctx context.Context) (Browser, error) {
		b, err := Launch(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// ChromeBrowser is a Chrome process driven over the DevTools protocol.
type ChromeBrowser struct {
	cfg         config.BrowserConfig
	logger      *slog.Logger
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

// Launch starts a Chrome process. The process outlives ctx; it is stopped by Close.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (*ChromeBrowser, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx, stop := mergeCancel(browserCtx, ctx, cfg.NavigationTimeout)
	defer stop()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.Info("browser launched", "headless", cfg.Headless)
	return &ChromeBrowser{
		cfg:         cfg,
		logger:      logger.With("component", "browser"),
		allocCancel: allocCancel,
		ctx:         browserCtx,
		cancel:      browserCancel,
	}, nil
}

// NewContext implements Browser.
func (b *ChromeBrowser) NewContext(ctx context.Context) (Context, error) {
	if !b.Connected() {
		return nil, ErrClosed
	}
	tabCtx, tabCancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())

	runCtx, stop := mergeCancel(tabCtx, ctx, b.cfg.NavigationTimeout)
	defer stop()
	if err := chromedp.Run(runCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to create browser context: %w", classify(ctx, runCtx, err))
	}
	return &chromeContext{browser: b, ctx: tabCtx, cancel: tabCancel}, nil
}

// Connected implements Browser.
func (b *ChromeBrowser) Connected() bool {
	return b.ctx.Err() == nil
}

// Close implements Browser.
func (b *ChromeBrowser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = chromedp.Cancel(b.ctx)
		b.cancel()
		b.allocCancel()
		b.logger.Info("browser closed")
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type chromeContext struct {
	browser *ChromeBrowser
	ctx     context.Context
	cancel  context.CancelFunc
}

func (c *chromeContext) NewPage(ctx context.Context) (Page, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	pageCtx, pageCancel := chromedp.NewContext(c.ctx)

	runCtx, stop := mergeCancel(pageCtx, ctx, c.browser.cfg.NavigationTimeout)
	defer stop()
	if err := chromedp.Run(runCtx); err != nil {
		pageCancel()
		return nil, fmt.Errorf("failed to open page: %w", classify(ctx, runCtx, err))
	}
	return &chromePage{
		ctx:      pageCtx,
		cancel:   pageCancel,
		timeout:  c.browser.cfg.NavigationTimeout,
		idleWait: c.browser.cfg.IdleWait,
	}, nil
}

// browserExec runs fn against the browser target so storage commands apply
// to this context's cookie jar.
func (c *chromeContext) browserExec(ctx context.Context, fn func(ctx context.Context, id cdp.BrowserContextID) error) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	runCtx, stop := mergeCancel(c.ctx, ctx, c.browser.cfg.NavigationTimeout)
	defer stop()
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cc := chromedp.FromContext(ctx)
		return fn(cdp.WithExecutor(ctx, cc.Browser), cc.BrowserContextID)
	}))
	return classify(ctx, runCtx, err)
}

func (c *chromeContext) Cookies(ctx context.Context) ([]domain.Cookie, error) {
	var cookies []domain.Cookie
	err := c.browserExec(ctx, func(ctx context.Context, id cdp.BrowserContextID) error {
		raw, err := storage.GetCookies().WithBrowserContextID(id).Do(ctx)
		if err != nil {
			return err
		}
		cookies = fromNetworkCookies(raw)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	return cookies, nil
}

func (c *chromeContext) AddCookies(ctx context.Context, cookies []domain.Cookie) error {
	params := toCookieParams(cookies, time.Now())
	if len(params) == 0 {
		return nil
	}
	err := c.browserExec(ctx, func(ctx context.Context, id cdp.BrowserContextID) error {
		return storage.SetCookies(params).WithBrowserContextID(id).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to add cookies: %w", err)
	}
	return nil
}

func (c *chromeContext) ClearCookies(ctx context.Context) error {
	err := c.browserExec(ctx, func(ctx context.Context, id cdp.BrowserContextID) error {
		return storage.ClearCookies().WithBrowserContextID(id).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	return nil
}

func (c *chromeContext) Close() error {
	c.cancel()
	return nil
}

type chromePage struct {
	ctx      context.Context
	cancel   context.CancelFunc
	timeout  time.Duration
	idleWait time.Duration
}

func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	runCtx, stop := mergeCancel(p.ctx, ctx, p.timeout)
	defer stop()
	return classify(ctx, runCtx, chromedp.Run(runCtx, actions...))
}

func (p *chromePage) Goto(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *chromePage) WaitForIdle(ctx context.Context) error {
	actions := []chromedp.Action{chromedp.WaitReady("body", chromedp.ByQuery)}
	if p.idleWait > 0 {
		actions = append(actions, chromedp.Sleep(p.idleWait))
	}
	return p.run(ctx, actions...)
}

func (p *chromePage) Visible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		const r = el.getBoundingClientRect();
		const s = window.getComputedStyle(el);
		return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
	})()`, jsString(selector))
	if err := p.run(ctx, chromedp.Evaluate(script, &visible)); err != nil {
		return false, err
	}
	return visible, nil
}

func (p *chromePage) Count(ctx context.Context, selector string) (int, error) {
	var n int
	script := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector))
	if err := p.run(ctx, chromedp.Evaluate(script, &n)); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) ClickNth(ctx context.Context, selector string, n int) error {
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var nodes []*cdp.Node
		if err := chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)).Do(ctx); err != nil {
			return err
		}
		if n < 0 || n >= len(nodes) {
			return fmt.Errorf("%w: %q has %d matches, wanted index %d", ErrNoElement, selector, len(nodes), n)
		}
		return chromedp.MouseClickNode(nodes[n]).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("failed to click %q[%d]: %w", selector, n, err)
	}
	return nil
}

func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	err := p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to fill %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Eval(ctx context.Context, script string, out any) error {
	return p.run(ctx, chromedp.Evaluate(script, out))
}

func (p *chromePage) Back(ctx context.Context) error {
	return p.run(ctx, chromedp.NavigateBack())
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (p *chromePage) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, screenshotQuality)); err != nil {
		return fmt.Errorf("failed to capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	return nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

// mergeCancel derives a context from the chromedp context target that is also
// canceled when caller is done and after timeout. The chromedp context must
// stay the parent because it carries the DevTools executor.
func mergeCancel(target, caller context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(target, timeout)
	} else {
		ctx, cancel = context.WithCancel(target)
	}
	stop := context.AfterFunc(caller, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// classify maps a chromedp error to the caller's cancellation or ErrTimeout.
func classify(caller, run context.Context, err error) error {
	if err == nil {
		return nil
	}
	if caller.Err() != nil {
		return context.Cause(caller)
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
