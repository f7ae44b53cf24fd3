package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lds.li/donorlink/routecodec"
	"lds.li/donorlink/session"
)

const (
	// DefaultMaxLoading bounds how long an admin page waits for the auth
	// source before deciding anyway.
	DefaultMaxLoading = 800 * time.Millisecond
	// DefaultNavigationSettle is the window in which a repeated navigation
	// is dropped.
	DefaultNavigationSettle = 300 * time.Millisecond
)

// adminExempt routes render without an admin session.
var adminExempt = map[routecodec.RouteName]bool{
	routecodec.AdminLogin:          true,
	routecodec.AdminResetPassword:  true,
	routecodec.AdminForgotPassword: true,
}

// AuthStatus is the state reported by the admin authentication source.
type AuthStatus struct {
	// Loading is true until the source has resolved.
	Loading       bool
	Authenticated bool
	UserLoaded    bool
}

// AdminGuard protects admin pages. Instead of reading stored tokens it waits
// for an external authentication source; until that resolves it shows
// nothing. A ceiling timer forces a decision after MaxLoading so the page
// never spins forever.
//
// Events arriving after Unmount are ignored.
type AdminGuard struct {
	Session *session.Manager
	// MaxLoading defaults to DefaultMaxLoading.
	MaxLoading time.Duration
	// NavigationSettle defaults to DefaultNavigationSettle.
	NavigationSettle time.Duration
	OnChange         func(Decision)

	tracker

	fsm     sync.Mutex
	mounted bool
	ctx     context.Context
	route   routecodec.RouteName
	status  AuthStatus
	ceiling *time.Timer
	// gen invalidates ceiling timers that fire after being replaced.
	gen     uint64
	lastNav time.Time
}

// NewAdminGuard returns a guard with default timings.
func NewAdminGuard(sess *session.Manager) *AdminGuard {
	return &AdminGuard{Session: sess}
}

// State returns the guard's current state.
func (g *AdminGuard) State() State { return g.current().State }

// Mount starts guarding path. The auth source is assumed to be loading until
// AuthResolved reports otherwise.
func (g *AdminGuard) Mount(ctx context.Context, path string) Decision {
	g.fsm.Lock()
	g.stopCeilingLocked()
	g.mounted = true
	g.ctx = ctx
	g.route, _ = resolve(g.Session.Codec(), path)
	g.status = AuthStatus{Loading: true}
	d, nav := g.stepLocked(false)
	g.fsm.Unlock()

	return g.apply(ctx, d, nav)
}

// PathChanged re-evaluates for a new path on the mounted page.
func (g *AdminGuard) PathChanged(ctx context.Context, path string) Decision {
	g.fsm.Lock()
	if !g.mounted {
		g.fsm.Unlock()
		return g.current()
	}
	g.ctx = ctx
	g.route, _ = resolve(g.Session.Codec(), path)
	d, nav := g.stepLocked(false)
	g.fsm.Unlock()

	return g.apply(ctx, d, nav)
}

// AuthResolved records a new status from the auth source.
func (g *AdminGuard) AuthResolved(ctx context.Context, status AuthStatus) Decision {
	g.fsm.Lock()
	if !g.mounted {
		g.fsm.Unlock()
		return g.current()
	}
	g.ctx = ctx
	g.status = status
	d, nav := g.stepLocked(false)
	g.fsm.Unlock()

	return g.apply(ctx, d, nav)
}

// Unmount stops the guard's timers.
func (g *AdminGuard) Unmount() {
	g.fsm.Lock()
	defer g.fsm.Unlock()
	g.mounted = false
	g.stopCeilingLocked()
}

func (g *AdminGuard) ceilingElapsed(gen uint64) {
	g.fsm.Lock()
	if !g.mounted || gen != g.gen {
		g.fsm.Unlock()
		return
	}
	g.ceiling = nil
	ctx := g.ctx
	g.Session.Logger().WarnContext(ctx, "Auth source did not resolve in time", baseLogAttr, slog.Bool("authenticated", g.status.Authenticated))
	d, nav := g.stepLocked(true)
	g.fsm.Unlock()

	g.apply(ctx, d, nav)
}

// stepLocked computes the next decision. forced is set once the loading
// ceiling has passed. A non-empty nav is the URL to navigate to.
func (g *AdminGuard) stepLocked(forced bool) (d Decision, nav string) {
	st := g.status
	switch {
	case adminExempt[g.route]:
		g.stopCeilingLocked()
		return Decision{State: ShowingContent, Route: g.route}, ""
	case !st.Loading && st.Authenticated && st.UserLoaded:
		g.stopCeilingLocked()
		return Decision{State: ShowingContent, Route: g.route}, ""
	case !st.Loading && !st.Authenticated:
		g.stopCeilingLocked()
		return g.redirectLocked()
	case forced && st.Authenticated:
		return Decision{State: ShowingContent, Route: g.route}, ""
	case forced:
		return g.redirectLocked()
	default:
		g.startCeilingLocked()
		return Decision{State: ShowingNothing, Route: g.route}, ""
	}
}

func (g *AdminGuard) redirectLocked() (Decision, string) {
	to := g.Session.Codec().BuildURL(routecodec.AdminLogin, "")
	d := Decision{State: Redirecting, Route: g.route, RedirectTo: to}

	now := g.Session.Now()
	if !g.lastNav.IsZero() && now.Sub(g.lastNav) < g.settle() {
		return d, ""
	}
	g.lastNav = now
	return d, to
}

func (g *AdminGuard) startCeilingLocked() {
	if g.ceiling != nil {
		return
	}
	g.gen++
	gen := g.gen
	g.ceiling = time.AfterFunc(g.maxLoading(), func() { g.ceilingElapsed(gen) })
}

func (g *AdminGuard) stopCeilingLocked() {
	if g.ceiling != nil {
		g.ceiling.Stop()
		g.ceiling = nil
	}
	g.gen++
}

func (g *AdminGuard) apply(ctx context.Context, d Decision, nav string) Decision {
	g.set(d, g.OnChange)
	if nav != "" {
		g.Session.Navigate(ctx, nav)
	}
	return d
}

func (g *AdminGuard) maxLoading() time.Duration {
	if g.MaxLoading > 0 {
		return g.MaxLoading
	}
	return DefaultMaxLoading
}

func (g *AdminGuard) settle() time.Duration {
	if g.NavigationSettle > 0 {
		return g.NavigationSettle
	}
	return DefaultNavigationSettle
}
