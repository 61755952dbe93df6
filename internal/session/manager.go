// Package session owns the browser engine and a bounded set of per-user
// browser contexts.
//
// Contexts are cached in memory and evicted least-recently-used when the
// cache is full, or after sitting idle beyond the idle timeout. Cookies are
// persisted before a context is dropped so the next context for that user
// starts already authenticated. The manager does not serialize use of a
// single user's context; per-user exclusivity comes from admission.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/browser"
	"github.com/phrazzld/studus-sync/internal/config"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/platform/metrics"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrSessionInvalid is returned when a user has no usable session.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrBrowserUnavailable is returned when the browser engine cannot be
	// launched or has stopped responding.
	ErrBrowserUnavailable = errors.New("browser unavailable")
)

const (
	// LoginPathMarker appears in the URL of the portal's login surface.
	LoginPathMarker = "login.xhtml"

	// ValidatePath is an authenticated page used to check a session.
	ValidatePath = "/pages/inicial.jsf"

	shutdownTimeout = 10 * time.Second
)

// Stats describes the session cache.
type Stats struct {
	TotalSessions   int  `json:"totalSessions"`
	ActiveSessions  int  `json:"activeSessions"`
	CachedCookies   int  `json:"cachedCookies"`
	CachedStatuses  int  `json:"cachedStatuses"`
	MaxSessions     int  `json:"maxSessions"`
	BrowserLaunched bool `json:"browserLaunched"`
}

type entry struct {
	ctx      browser.Context
	lastUsed time.Time
	active   bool
}

// Manager hands out per-user browser contexts.
type Manager struct {
	cfg         config.SessionConfig
	validateURL string
	launch      browser.Launcher
	breaker     *gobreaker.CircuitBreaker[browser.Browser]
	cookies     *CookieStore
	status      *StatusCache
	client      redis.Cmdable
	logger      *slog.Logger
	now         func() time.Time

	// launchMu serializes browser launches; it is taken before mu, never after.
	launchMu sync.Mutex
	mu       sync.Mutex
	browser  browser.Browser
	sessions map[uuid.UUID]*entry
}

// NewManager creates a session manager. The browser is launched on first use.
// users holds the backup cookie copy and may be nil.
func NewManager(
	cfg config.SessionConfig,
	portalBaseURL string,
	launch browser.Launcher,
	client redis.Cmdable,
	users store.UserStore,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	logger = logger.With("component", "session_manager")

	breaker := gobreaker.NewCircuitBreaker[browser.Browser](gobreaker.Settings{
		Name:        "browser-launch",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("browser launch circuit changed state",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &Manager{
		cfg:         cfg,
		validateURL: strings.TrimRight(portalBaseURL, "/") + ValidatePath,
		launch:      launch,
		breaker:     breaker,
		cookies:     NewCookieStore(client, users, cfg.IdleTimeout, logger),
		status:      NewStatusCache(client, cfg.StatusCacheTTL),
		client:      client,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		sessions:    make(map[uuid.UUID]*entry),
	}
}

// Get returns the user's browser context, creating one if needed. A new
// context gets the user's persisted cookies restored best-effort.
//
// Context creation and cookie restore run without holding the session map,
// so one user's slow start does not stall the others.
func (m *Manager) Get(ctx context.Context, userID uuid.UUID) (browser.Context, error) {
	if bc, ok := m.cached(userID); ok {
		return bc, nil
	}

	b, err := m.connectedBrowser(ctx)
	if err != nil {
		return nil, err
	}

	bc, err := b.NewContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.mu.Lock()
		if m.browser == b {
			m.dropBrowserLocked()
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrBrowserUnavailable, err)
	}
	m.restoreCookies(ctx, userID, bc)

	m.mu.Lock()
	if e, ok := m.sessions[userID]; ok && e.active {
		// A concurrent Get for the same user won.
		e.lastUsed = m.now()
		m.mu.Unlock()
		_ = bc.Close()
		return e.ctx, nil
	}
	if m.browser != b {
		m.mu.Unlock()
		_ = bc.Close()
		return nil, fmt.Errorf("%w: browser restarted while creating session", ErrBrowserUnavailable)
	}
	var evicted []victim
	for len(m.sessions) >= m.cfg.MaxSessions {
		v, ok := m.detachOldestLocked()
		if !ok {
			break
		}
		evicted = append(evicted, v)
	}
	m.sessions[userID] = &entry{ctx: bc, lastUsed: m.now(), active: true}
	count := len(m.sessions)
	metrics.SessionsActive.Set(float64(count))
	m.mu.Unlock()

	for _, v := range evicted {
		m.closeVictim(ctx, v, true)
		m.logger.Info("evicted least recently used session", "user_id", v.userID)
	}
	m.logger.Info("created session", "user_id", userID, "sessions", count)
	return bc, nil
}

// cached returns the user's live context, if any.
func (m *Manager) cached(userID uuid.UUID) (browser.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil || !m.browser.Connected() {
		return nil, false
	}
	e, ok := m.sessions[userID]
	if !ok || !e.active {
		return nil, false
	}
	e.lastUsed = m.now()
	return e.ctx, true
}

// SaveCookies snapshots the user's cookies and persists them.
func (m *Manager) SaveCookies(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no live context for user", ErrSessionInvalid)
	}

	cookies, err := e.ctx.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot cookies: %w", err)
	}
	if err := m.cookies.Save(ctx, userID, cookies); err != nil {
		return err
	}
	m.logger.Debug("saved cookies", "user_id", userID, "count", len(cookies))
	return nil
}

// Validate opens an authenticated page. The session is invalid when the
// navigation lands on the login surface, in which case its cookies and status
// are dropped while the context stays open for a fresh login.
func (m *Manager) Validate(ctx context.Context, userID uuid.UUID) (bool, error) {
	bc, err := m.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	page, err := bc.NewPage(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to open validation page: %w", err)
	}
	defer page.Close()

	if err := page.Goto(ctx, m.validateURL); err != nil {
		return false, err
	}
	if err := page.WaitForIdle(ctx); err != nil {
		return false, err
	}
	final, err := page.URL(ctx)
	if err != nil {
		return false, err
	}

	if strings.Contains(final, LoginPathMarker) {
		m.logger.Info("session expired", "user_id", userID)
		if err := m.expire(ctx, userID, bc); err != nil {
			m.logger.Warn("failed to clear expired session", "user_id", userID, "error", err)
		}
		return false, nil
	}
	return true, nil
}

// expire drops the cookies of a session the portal no longer accepts. The
// context stays open with an empty jar: the caller that asked may already be
// driving a page in it and is about to log in there.
func (m *Manager) expire(ctx context.Context, userID uuid.UUID, bc browser.Context) error {
	return errors.Join(
		bc.ClearCookies(ctx),
		m.cookies.Delete(ctx, userID),
		m.status.Invalidate(ctx, userID),
	)
}

// IsValid is Validate behind the status cache. A status checked within the
// check interval is reused. Errors count as invalid.
func (m *Manager) IsValid(ctx context.Context, userID uuid.UUID) bool {
	st, ok, err := m.status.Get(ctx, userID)
	if err != nil {
		m.logger.Warn("failed to read session status", "user_id", userID, "error", err)
	}
	if ok && m.now().Sub(st.CheckedAt) < m.cfg.StatusCheckInterval {
		return st.Valid
	}

	valid, err := m.Validate(ctx, userID)
	if err != nil {
		m.logger.Warn("session validation failed", "user_id", userID, "error", err)
		return false
	}
	if err := m.status.Set(ctx, userID, Status{Valid: valid, CheckedAt: m.now()}); err != nil {
		m.logger.Warn("failed to cache session status", "user_id", userID, "error", err)
	}
	return valid
}

// RequiresLogin reports whether the user has no persisted cookies or the
// session they describe is no longer valid.
func (m *Manager) RequiresLogin(ctx context.Context, userID uuid.UUID) bool {
	cookies, err := m.cookies.Load(ctx, userID)
	if err != nil {
		m.logger.Warn("failed to load cookies", "user_id", userID, "error", err)
		return true
	}
	if len(cookies) == 0 {
		m.logger.Debug("no cookies stored, login required", "user_id", userID)
		return true
	}
	return !m.IsValid(ctx, userID)
}

// MarkValid records a fresh valid status, typically right after a login.
func (m *Manager) MarkValid(ctx context.Context, userID uuid.UUID) error {
	return m.status.Set(ctx, userID, Status{Valid: true, CheckedAt: m.now()})
}

// Clear closes the user's context and deletes the persisted cookies and status.
func (m *Manager) Clear(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	if e, ok := m.sessions[userID]; ok {
		m.removeLocked(ctx, userID, e, false, "cleared")
	}
	m.mu.Unlock()

	return errors.Join(m.cookies.Delete(ctx, userID), m.status.Invalidate(ctx, userID))
}

// ClearAll closes every context and deletes all persisted cookies and statuses.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	for id, e := range m.sessions {
		m.removeLocked(ctx, id, e, false, "cleared")
	}
	m.mu.Unlock()

	var errs []error
	for _, pattern := range []string{cookieKeyPrefix + "*", statusKeyPrefix + "*"} {
		keys, err := m.client.Keys(ctx, pattern).Result()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s: %w", pattern, err))
			continue
		}
		if len(keys) > 0 {
			if err := m.client.Del(ctx, keys...).Err(); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", pattern, err))
			}
		}
	}
	m.logger.Info("cleared all sessions")
	return errors.Join(errs...)
}

// Stats reports in-memory sessions and persisted keys.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	st := Stats{
		TotalSessions:   len(m.sessions),
		MaxSessions:     m.cfg.MaxSessions,
		BrowserLaunched: m.browser != nil && m.browser.Connected(),
	}
	for _, e := range m.sessions {
		if e.active {
			st.ActiveSessions++
		}
	}
	m.mu.Unlock()

	cookieKeys, err := m.client.Keys(ctx, cookieKeyPrefix+"*").Result()
	if err != nil {
		return st, fmt.Errorf("failed to count cached cookies: %w", err)
	}
	statusKeys, err := m.client.Keys(ctx, statusKeyPrefix+"*").Result()
	if err != nil {
		return st, fmt.Errorf("failed to count cached statuses: %w", err)
	}
	st.CachedCookies = len(cookieKeys)
	st.CachedStatuses = len(statusKeys)
	return st, nil
}

// Serve sweeps idle sessions every SweepInterval until ctx is done, then
// shuts the manager down. It implements suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			m.Shutdown(shutdownCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (m *Manager) String() string {
	return "session-manager"
}

// Sweep evicts sessions idle longer than the idle timeout and returns how many.
// The idle timeout must exceed the job timeout, or a running sync could lose
// its context here.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	var evicted []victim
	for id, e := range m.sessions {
		if e.lastUsed.Before(cutoff) {
			evicted = append(evicted, m.detachLocked(id, e, "idle"))
		}
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	for _, v := range evicted {
		m.closeVictim(ctx, v, true)
	}
	if len(evicted) > 0 {
		m.logger.Info("evicted idle sessions", "count", len(evicted), "remaining", remaining)
	}
	return len(evicted)
}

// Shutdown persists cookies, closes every context and stops the browser.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.sessions {
		m.removeLocked(ctx, id, e, true, "shutdown")
	}
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.logger.Warn("failed to close browser", "error", err)
		}
		m.browser = nil
	}
	m.logger.Info("session manager shut down")
}

// connectedBrowser returns a connected browser, relaunching through the
// circuit breaker when there is none. Contexts of a dead browser are discarded.
func (m *Manager) connectedBrowser(ctx context.Context) (browser.Browser, error) {
	m.launchMu.Lock()
	defer m.launchMu.Unlock()

	m.mu.Lock()
	if m.browser != nil && m.browser.Connected() {
		b := m.browser
		m.mu.Unlock()
		return b, nil
	}
	if m.browser != nil {
		m.logger.Warn("browser disconnected, relaunching")
		m.dropBrowserLocked()
	}
	m.mu.Unlock()

	b, err := m.breaker.Execute(func() (browser.Browser, error) {
		return m.launch(ctx)
	})
	if err != nil {
		result := "failed"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
		}
		metrics.BrowserLaunchesTotal.WithLabelValues(result).Inc()
		return nil, fmt.Errorf("%w: %w", ErrBrowserUnavailable, err)
	}
	metrics.BrowserLaunchesTotal.WithLabelValues("success").Inc()
	m.mu.Lock()
	m.browser = b
	m.mu.Unlock()
	return b, nil
}

// dropBrowserLocked discards the browser handle and every context it owned.
func (m *Manager) dropBrowserLocked() {
	for id, e := range m.sessions {
		e.active = false
		_ = e.ctx.Close()
		delete(m.sessions, id)
		metrics.SessionEvictionsTotal.WithLabelValues("browser_lost").Inc()
	}
	metrics.SessionsActive.Set(0)
	if m.browser != nil {
		_ = m.browser.Close()
		m.browser = nil
	}
}

// victim is a session taken out of the map but not yet closed.
type victim struct {
	userID uuid.UUID
	entry  *entry
}

func (m *Manager) detachOldestLocked() (victim, bool) {
	var oldestID uuid.UUID
	var oldest *entry
	for id, e := range m.sessions {
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			oldestID, oldest = id, e
		}
	}
	if oldest == nil {
		return victim{}, false
	}
	return m.detachLocked(oldestID, oldest, "capacity"), true
}

// detachLocked forgets a session without touching the browser.
func (m *Manager) detachLocked(userID uuid.UUID, e *entry, reason string) victim {
	e.active = false
	delete(m.sessions, userID)
	metrics.SessionEvictionsTotal.WithLabelValues(reason).Inc()
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	return victim{userID: userID, entry: e}
}

// closeVictim closes a detached session, persisting its cookies first when
// persist is set.
func (m *Manager) closeVictim(ctx context.Context, v victim, persist bool) {
	if persist {
		if cookies, err := v.entry.ctx.Cookies(ctx); err != nil {
			m.logger.Warn("failed to snapshot cookies before close", "user_id", v.userID, "error", err)
		} else if err := m.cookies.Save(ctx, v.userID, cookies); err != nil {
			m.logger.Warn("failed to persist cookies before close", "user_id", v.userID, "error", err)
		}
	}
	if err := v.entry.ctx.Close(); err != nil {
		m.logger.Warn("failed to close browser context", "user_id", v.userID, "error", err)
	}
}

// removeLocked closes and forgets a session under the lock.
func (m *Manager) removeLocked(ctx context.Context, userID uuid.UUID, e *entry, persist bool, reason string) {
	m.closeVictim(ctx, m.detachLocked(userID, e, reason), persist)
}

func (m *Manager) restoreCookies(ctx context.Context, userID uuid.UUID, bc browser.Context) {
	cookies, err := m.cookies.Load(ctx, userID)
	if err != nil {
		m.logger.Warn("failed to load persisted cookies", "user_id", userID, "error", err)
		return
	}
	cookies = domain.LiveCookies(cookies, m.now())
	if len(cookies) == 0 {
		return
	}
	if err := bc.AddCookies(ctx, cookies); err != nil {
		m.logger.Warn("failed to restore cookies", "user_id", userID, "error", err)
		return
	}
	m.logger.Debug("restored cookies", "user_id", userID, "count", len(cookies))
}
