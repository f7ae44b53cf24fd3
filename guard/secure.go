package guard

import (
	"context"
	"fmt"
	"log/slog"

	"lds.li/donorlink/credential"
	"lds.li/donorlink/routecodec"
	"lds.li/donorlink/session"
)

// MsgInactive is queued when a session ends for inactivity.
const MsgInactive = "Your session expired due to inactivity. Please log in again."

// SecureGuard protects pages addressed by obfuscated paths. It decodes the
// path, and sends the browser to the owning space's login page when the
// route needs a session and none is present or the session has gone idle.
type SecureGuard struct {
	Session  *session.Manager
	OnChange func(Decision)

	tracker
}

// NewSecureGuard returns a guard in the Checking state.
func NewSecureGuard(sess *session.Manager) *SecureGuard {
	return &SecureGuard{Session: sess}
}

// State returns the guard's current state.
func (g *SecureGuard) State() State { return g.current().State }

// Evaluate decides whether path may render. requireAuth forces a session
// check for routes outside the protected set. Calling it again with nothing
// changed gives the same decision. Hosts should replace the history entry
// with Decision.ReplaceWith when it is set.
func (g *SecureGuard) Evaluate(ctx context.Context, path string, requireAuth bool) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			g.Session.Logger().ErrorContext(ctx, "Route evaluation panicked", baseLogAttr, slog.String("path", path), slog.String("panic", fmt.Sprint(r)))
			d = g.redirect(ctx, Decision{Route: routecodec.DefaultRoute}, g.Session.Codec().Path(routecodec.DefaultRoute))
		}
	}()

	route, replace := resolve(g.Session.Codec(), path)
	base := Decision{Route: route, ReplaceWith: replace}
	if !routecodec.IsProtected(route) && !requireAuth {
		return g.show(base)
	}

	space, owned := credential.ForRoute(route)
	login := routecodec.DonorLogin
	if owned {
		login = space.LoginRoute()
	}
	loginURL := g.Session.Codec().BuildURL(login, "")

	if !g.hasCredential(ctx, space, owned) {
		return g.redirect(ctx, base, loginURL)
	}
	if !g.Session.Active(ctx) {
		g.Session.Logger().InfoContext(ctx, "Session inactive", baseLogAttr, slog.String("route", string(route)))
		g.endIdleSession(ctx, space, owned)
		return g.redirect(ctx, base, loginURL)
	}
	return g.show(base)
}

// hasCredential reports whether the route's space holds an access token.
// Routes outside any space accept a token from any space.
func (g *SecureGuard) hasCredential(ctx context.Context, space credential.Space, owned bool) bool {
	spaces := credential.Spaces
	if owned {
		spaces = []credential.Space{space}
	}
	for _, s := range spaces {
		ok, err := g.Session.Credentials().HasAccess(ctx, s)
		if err != nil {
			g.Session.Logger().WarnContext(ctx, "Failed to read credentials", baseLogAttr, slog.String("space", s.String()), errAttr(err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (g *SecureGuard) endIdleSession(ctx context.Context, space credential.Space, owned bool) {
	spaces := credential.Spaces
	if owned {
		spaces = []credential.Space{space}
	}
	for _, s := range spaces {
		if err := g.Session.Credentials().Clear(ctx, s); err != nil {
			g.Session.Logger().WarnContext(ctx, "Failed to clear credentials", baseLogAttr, slog.String("space", s.String()), errAttr(err))
		}
	}
	g.Session.Notify(ctx, MsgInactive)
}

func (g *SecureGuard) show(d Decision) Decision {
	d.State = ShowingContent
	g.set(d, g.OnChange)
	return d
}

func (g *SecureGuard) redirect(ctx context.Context, d Decision, to string) Decision {
	d.State = Redirecting
	d.RedirectTo = to
	g.set(d, g.OnChange)
	g.Session.Navigate(ctx, to)
	return d
}
