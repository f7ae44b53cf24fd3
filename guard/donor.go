package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lds.li/donorlink/credential"
	"lds.li/donorlink/session"
)

// DefaultRefreshInterval is how often a mounted DonorGuard revalidates in the
// background. It is independent of the session inactivity timeout.
const DefaultRefreshInterval = 14 * time.Minute

// MsgSessionExpired is queued when a donor or seeker session cannot be
// renewed.
const MsgSessionExpired = "Your session has expired. Please log in again."

// DonorGuard protects donor and seeker pages using the space's stored tokens.
// An unexpired access token shows the page; otherwise the refresh token is
// exchanged, and if that fails the session ends and the browser is sent to
// the space's login page. Every error fails closed.
//
// Once started, the guard also revalidates on a timer and whenever the page
// becomes visible again. Background checks renew tokens that would expire
// before the next tick, and never take the page back to Checking.
type DonorGuard struct {
	Session *session.Manager
	// Space is credential.Donor or credential.Seeker.
	Space credential.Space
	// RefreshInterval defaults to DefaultRefreshInterval.
	RefreshInterval time.Duration
	// Path of the guarded page, remembered as the post-login destination.
	Path     string
	OnChange func(Decision)

	tracker

	life    sync.Mutex
	cancel  context.CancelFunc
	visible chan struct{}
	stopped bool
}

// NewDonorGuard returns a guard for path in space.
func NewDonorGuard(sess *session.Manager, space credential.Space, path string) *DonorGuard {
	return &DonorGuard{Session: sess, Space: space, Path: path}
}

// State returns the guard's current state.
func (g *DonorGuard) State() State { return g.current().State }

// Check validates the session, refreshing it if needed. After Stop it
// returns the last decision without doing anything.
func (g *DonorGuard) Check(ctx context.Context) Decision {
	return g.checkWithin(ctx, 0)
}

// checkWithin is Check, treating tokens that expire within lead as expired.
func (g *DonorGuard) checkWithin(ctx context.Context, lead time.Duration) Decision {
	if g.isStopped() {
		return g.current()
	}

	route, _ := resolve(g.Session.Codec(), g.Path)
	if g.current().State != ShowingContent {
		g.set(Decision{State: Checking, Route: route}, g.OnChange)
	}

	d, ok := g.check(ctx, lead)
	if !ok {
		return g.current()
	}
	d.Route = route
	g.set(d, g.OnChange)
	return d
}

// check reports false if the guard was stopped, or ctx ended, while waiting
// on the network.
func (g *DonorGuard) check(ctx context.Context, lead time.Duration) (Decision, bool) {
	logger := g.Session.Logger().With(baseLogAttr, slog.String("space", g.Space.String()))

	tok, err := g.Session.Credentials().Load(ctx, g.Space)
	if err != nil {
		logger.WarnContext(ctx, "Failed to load credentials", errAttr(err))
		return g.fail(ctx, true), true
	}
	if tok != nil && !tok.Expiry.IsZero() && g.Session.Now().Add(lead).Before(tok.Expiry) {
		return Decision{State: ShowingContent}, true
	}

	if _, err := g.Session.Refresh(ctx, g.Space); err != nil {
		if g.isStopped() || ctx.Err() != nil {
			return Decision{}, false
		}
		logger.InfoContext(ctx, "Session could not be renewed", errAttr(err))
		return g.fail(ctx, tok != nil), true
	}
	if g.isStopped() {
		return Decision{}, false
	}
	return Decision{State: ShowingContent}, true
}

// fail ends the session. hadSession controls whether the user is told it
// expired.
func (g *DonorGuard) fail(ctx context.Context, hadSession bool) Decision {
	g.Session.RememberDestination(ctx, g.Path)
	msg := ""
	if hadSession {
		msg = MsgSessionExpired
	}
	g.Session.Logout(ctx, g.Space, msg)
	return Decision{State: Redirecting, RedirectTo: g.Space.LoginPath()}
}

// Start launches background revalidation. It is a no-op if the guard is
// already running or has been stopped.
func (g *DonorGuard) Start(ctx context.Context) {
	g.life.Lock()
	defer g.life.Unlock()
	if g.cancel != nil || g.stopped {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)
	g.visible = make(chan struct{}, 1)
	go g.run(ctx, g.visible)
}

func (g *DonorGuard) run(ctx context.Context, visible <-chan struct{}) {
	interval := g.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-visible:
		}
		if g.checkWithin(ctx, interval).State == Redirecting {
			return
		}
	}
}

// VisibilityChanged reports a page visibility change. Becoming visible
// triggers a background check.
func (g *DonorGuard) VisibilityChanged(visible bool) {
	if !visible {
		return
	}
	g.life.Lock()
	ch := g.visible
	g.life.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Stop cancels background revalidation without waiting for it. Results of
// checks still in flight are discarded. It is safe to call from OnChange or
// the session's Navigator.
func (g *DonorGuard) Stop() {
	g.life.Lock()
	g.stopped = true
	cancel := g.cancel
	g.cancel = nil
	g.life.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (g *DonorGuard) isStopped() bool {
	g.life.Lock()
	defer g.life.Unlock()
	return g.stopped
}
