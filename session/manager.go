// Package session owns the mutable state of a client session: credentials,
// the last-activity clock, one-shot notices that survive a full-page
// redirect, and the token refresh coordinator.
//
// A Manager replaces what a browser build keeps in module-level globals, so
// independent instances can be created, e.g. one per test.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"lds.li/donorlink/credential"
	"lds.li/donorlink/routecodec"
)

// DefaultInactivityTimeout ends a session after this long without user
// activity.
const DefaultInactivityTimeout = 30 * time.Minute

var baseLogAttr = slog.String("component", "session")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Navigator performs a full-page navigation. In-memory state of the current
// page should be considered lost after a call.
type Navigator interface {
	Navigate(ctx context.Context, url string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, url string)

func (f NavigatorFunc) Navigate(ctx context.Context, url string) { f(ctx, url) }

// Options configures a Manager.
type Options struct {
	// Store persists the session. Required.
	Store credential.Store
	// Navigator issues redirects. Required.
	Navigator Navigator
	// Codec builds login URLs. If nil, a Codec with the default secret is
	// used.
	Codec *routecodec.Codec
	// Refresher exchanges refresh tokens. If nil, refresh is unavailable and
	// expired sessions end immediately.
	Refresher *Refresher
	// InactivityTimeout defaults to DefaultInactivityTimeout.
	InactivityTimeout time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager coordinates a single client session.
type Manager struct {
	creds      *credential.Credentials
	store      credential.Store
	nav        Navigator
	codec      *routecodec.Codec
	refresher  *Refresher
	inactivity time.Duration
	logger     *slog.Logger
	now        func() time.Time

	activeMu   sync.Mutex
	lastActive time.Time
}

// NewManager validates opts and returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session: Store is required")
	}
	if opts.Navigator == nil {
		return nil, errors.New("session: Navigator is required")
	}
	m := &Manager{
		creds:      credential.NewCredentials(opts.Store),
		store:      opts.Store,
		nav:        opts.Navigator,
		codec:      opts.Codec,
		refresher:  opts.Refresher,
		inactivity: opts.InactivityTimeout,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if m.codec == nil {
		m.codec = routecodec.New("")
	}
	if m.inactivity <= 0 {
		m.inactivity = DefaultInactivityTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Credentials returns the session's credential view.
func (m *Manager) Credentials() *credential.Credentials { return m.creds }

// Codec returns the route codec used for URLs.
func (m *Manager) Codec() *routecodec.Codec { return m.codec }

// Logger returns the session logger.
func (m *Manager) Logger() *slog.Logger { return m.logger }

// Now returns the session clock's current time.
func (m *Manager) Now() time.Time { return m.now() }

// Navigate issues a full-page navigation.
func (m *Manager) Navigate(ctx context.Context, url string) {
	m.logger.InfoContext(ctx, "Navigating", baseLogAttr, slog.String("url", url))
	m.nav.Navigate(ctx, url)
}

// Refresh exchanges the stored refresh token of space for a new access token.
// At most one exchange per space is in flight at a time.
func (m *Manager) Refresh(ctx context.Context, space credential.Space) (*oauth2.Token, error) {
	if m.refresher == nil {
		return nil, ErrRefreshUnsupported
	}
	return m.refresher.Refresh(ctx, m.creds, space)
}

// Touch records user activity now.
func (m *Manager) Touch(ctx context.Context) {
	now := m.now()

	m.activeMu.Lock()
	m.lastActive = now
	m.activeMu.Unlock()

	if err := m.store.Set(ctx, credential.KeyLastActive, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		m.logger.WarnContext(ctx, "Failed to persist activity", baseLogAttr, errAttr(err))
	}
}

// Active reports whether the last activity is within the inactivity
// timeout. With no recorded activity the session counts as active and the
// clock starts now.
func (m *Manager) Active(ctx context.Context) bool {
	m.activeMu.Lock()
	last := m.lastActive
	m.activeMu.Unlock()

	if last.IsZero() {
		last = m.loadLastActive(ctx)
	}
	if last.IsZero() {
		m.Touch(ctx)
		return true
	}
	return m.now().Sub(last) < m.inactivity
}

func (m *Manager) loadLastActive(ctx context.Context) time.Time {
	raw, ok, err := m.store.Get(ctx, credential.KeyLastActive)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to read activity", baseLogAttr, errAttr(err))
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	last := time.UnixMilli(ms)

	m.activeMu.Lock()
	if m.lastActive.IsZero() {
		m.lastActive = last
	}
	m.activeMu.Unlock()

	return last
}

// Notify queues a message to show once after the next page load.
func (m *Manager) Notify(ctx context.Context, msg string) {
	if err := m.store.Set(ctx, credential.KeyToastMessage, msg); err != nil {
		m.logger.WarnContext(ctx, "Failed to queue notice", baseLogAttr, errAttr(err))
	}
}

// TakeNotice returns and removes the queued notice.
func (m *Manager) TakeNotice(ctx context.Context) (string, bool) {
	return m.take(ctx, credential.KeyToastMessage)
}

// RememberDestination records where to go after the next login.
func (m *Manager) RememberDestination(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := m.store.Set(ctx, credential.KeyRedirectAfterLogin, path); err != nil {
		m.logger.WarnContext(ctx, "Failed to remember destination", baseLogAttr, errAttr(err))
	}
}

// TakeDestination returns and removes the remembered post-login destination.
func (m *Manager) TakeDestination(ctx context.Context) (string, bool) {
	return m.take(ctx, credential.KeyRedirectAfterLogin)
}

func (m *Manager) take(ctx context.Context, key string) (string, bool) {
	v, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to read key", baseLogAttr, slog.String("key", key), errAttr(err))
		return "", false
	}
	if !ok {
		return "", false
	}
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.WarnContext(ctx, "Failed to delete key", baseLogAttr, slog.String("key", key), errAttr(err))
	}
	return v, true
}

// Logout ends the session of space: its credentials are cleared, msg (if
// set) is queued as a notice, and the browser is sent to the space's login
// path. Other spaces are not touched.
func (m *Manager) Logout(ctx context.Context, space credential.Space, msg string) {
	if err := m.creds.Clear(ctx, space); err != nil {
		m.logger.ErrorContext(ctx, "Failed to clear credentials", baseLogAttr, slog.String("space", space.String()), errAttr(err))
	}
	if msg != "" {
		m.Notify(ctx, msg)
	}
	m.logger.InfoContext(ctx, "Session ended", baseLogAttr, slog.String("space", space.String()))
	m.Navigate(ctx, space.LoginPath())
}

// LoginURL returns the obfuscated login URL for space.
func (m *Manager) LoginURL(space credential.Space) string {
	return m.codec.BuildURL(space.LoginRoute(), "")
}
