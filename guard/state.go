// Package guard decides whether a page may render for the current session.
//
// Each guard is a small state machine driven by discrete events (mount, path
// change, auth resolved, timer elapsed). Guards never return errors: anything
// that prevents a positive decision ends in a redirect.
package guard

import (
	"fmt"
	"log/slog"
	"sync"

	"lds.li/donorlink/routecodec"
)

// State is the render state of a guarded page.
type State int

const (
	// Checking shows a loading indicator while the guard decides.
	Checking State = iota
	// Redirecting renders nothing; a full-page navigation has been issued.
	Redirecting
	// ShowingContent renders the guarded page.
	ShowingContent
	// ShowingNothing renders nothing while identity is unresolved, so stale
	// protected content never flashes.
	ShowingNothing
)

func (s State) String() string {
	switch s {
	case Checking:
		return "checking"
	case Redirecting:
		return "redirecting"
	case ShowingContent:
		return "showing_content"
	case ShowingNothing:
		return "showing_nothing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Decision is the outcome of a guard evaluation.
type Decision struct {
	State State
	// Route is the decoded route being guarded, if known.
	Route routecodec.RouteName
	// RedirectTo is set when State is Redirecting.
	RedirectTo string
	// ReplaceWith, when set, is the canonical path that should replace the
	// current history entry: the obfuscated form of a legacy path, or home
	// for a path naming no route.
	ReplaceWith string
}

var baseLogAttr = slog.String("component", "guard")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// tracker holds a guard's current decision and reports changes.
type tracker struct {
	mu       sync.Mutex
	decision Decision
}

func (t *tracker) current() Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decision
}

// set records d and calls onChange if it differs from the previous decision.
// onChange runs without the lock held.
func (t *tracker) set(d Decision, onChange func(Decision)) {
	t.mu.Lock()
	changed := t.decision != d
	t.decision = d
	t.mu.Unlock()

	if changed && onChange != nil {
		onChange(d)
	}
}

// resolve decodes path, accepting legacy semantic paths as well as
// obfuscated ones. replace is the canonical path when path is not one.
func resolve(c *routecodec.Codec, path string) (route routecodec.RouteName, replace string) {
	if p, ok := c.LegacyRedirect(path); ok {
		return c.DecodePath(p), p
	}
	if p, ok := c.CanonicalPath(path); ok {
		replace = p
	}
	return c.DecodePath(path), replace
}
