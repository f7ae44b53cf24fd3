package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"lds.li/donorlink/credential"
	"lds.li/donorlink/routecodec"
	"lds.li/donorlink/session"
)

func mintJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "donor-17",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

type refreshBackend struct {
	*httptest.Server
	calls  atomic.Int32
	fail   atomic.Bool
	access string
}

func newRefreshBackend(t *testing.T, access string) *refreshBackend {
	t.Helper()
	b := &refreshBackend{access: access}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != session.RefreshPath {
			http.NotFound(w, r)
			return
		}
		b.calls.Add(1)
		if b.fail.Load() {
			http.Error(w, `{"msg":"Token has been revoked"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": b.access, "refresh_token": "rotated"})
	}))
	t.Cleanup(b.Close)
	return b
}

func newDonorFixture(t *testing.T, space credential.Space) (*DonorGuard, *session.Manager, *navRecorder, *refreshBackend) {
	t.Helper()
	b := newRefreshBackend(t, mintJWT(t, time.Now().Add(time.Hour)))
	sess, nav := newTestSession(t, session.Options{Refresher: &session.Refresher{BaseURL: b.URL}})
	path := sess.Codec().Path(routecodec.DonorDashboard)
	if space == credential.Seeker {
		path = sess.Codec().Path(routecodec.SeekerDashboard)
	}
	g := NewDonorGuard(sess, space, path)
	t.Cleanup(g.Stop)
	return g, sess, nav, b
}

func TestDonorGuardFreshToken(t *testing.T) {
	g, sess, nav, b := newDonorFixture(t, credential.Donor)
	saveTokens(t, sess, credential.Donor, mintJWT(t, time.Now().Add(time.Hour)), "refresh")

	d := g.Check(t.Context())
	want := Decision{State: ShowingContent, Route: routecodec.DonorDashboard}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("decision (-want +got):\n%s", diff)
	}
	if b.calls.Load() != 0 {
		t.Error("fresh token was refreshed")
	}
	if got := nav.URLs(); len(got) != 0 {
		t.Errorf("navigated to %v", got)
	}
}

func TestDonorGuardExpiredToken(t *testing.T) {
	t.Run("refresh succeeds", func(t *testing.T) {
		g, sess, nav, b := newDonorFixture(t, credential.Donor)
		saveTokens(t, sess, credential.Donor, mintJWT(t, time.Now().Add(-time.Hour)), "refresh")

		var states []State
		g.OnChange = func(d Decision) { states = append(states, d.State) }

		if d := g.Check(t.Context()); d.State != ShowingContent {
			t.Fatalf("got %+v", d)
		}
		if diff := cmp.Diff([]State{Checking, ShowingContent}, states); diff != "" {
			t.Errorf("transitions (-want +got):\n%s", diff)
		}
		if got := b.calls.Load(); got != 1 {
			t.Errorf("refresh called %d times", got)
		}
		tok, err := sess.Credentials().Load(t.Context(), credential.Donor)
		if err != nil || tok == nil || tok.AccessToken != b.access {
			t.Errorf("refreshed token not persisted: %+v, %v", tok, err)
		}
		if got := nav.URLs(); len(got) != 0 {
			t.Errorf("navigated to %v", got)
		}
	})

	t.Run("refresh fails", func(t *testing.T) {
		g, sess, nav, b := newDonorFixture(t, credential.Donor)
		b.fail.Store(true)
		saveTokens(t, sess, credential.Donor, mintJWT(t, time.Now().Add(-time.Hour)), "refresh")
		saveTokens(t, sess, credential.Seeker, "seeker", "seeker-refresh")

		d := g.Check(t.Context())
		want := Decision{State: Redirecting, Route: routecodec.DonorDashboard, RedirectTo: "/donor/login"}
		if diff := cmp.Diff(want, d); diff != "" {
			t.Errorf("decision (-want +got):\n%s", diff)
		}
		if got := b.calls.Load(); got != 1 {
			t.Errorf("refresh called %d times", got)
		}
		if diff := cmp.Diff([]string{"/donor/login"}, nav.URLs()); diff != "" {
			t.Errorf("navigation (-want +got):\n%s", diff)
		}
		if ok, _ := sess.Credentials().HasAccess(t.Context(), credential.Donor); ok {
			t.Error("donor access token kept")
		}
		if rt, _ := sess.Credentials().RefreshToken(t.Context(), credential.Donor); rt != "" {
			t.Error("donor refresh token kept")
		}
		if ok, _ := sess.Credentials().HasAccess(t.Context(), credential.Seeker); !ok {
			t.Error("seeker credentials cleared")
		}
		if dest, _ := sess.TakeDestination(t.Context()); dest != g.Path {
			t.Errorf("destination = %q, want %q", dest, g.Path)
		}
		if msg, _ := sess.TakeNotice(t.Context()); msg != MsgSessionExpired {
			t.Errorf("notice = %q", msg)
		}
	})
}

func TestDonorGuardFailsClosed(t *testing.T) {
	t.Run("no tokens", func(t *testing.T) {
		g, sess, nav, b := newDonorFixture(t, credential.Seeker)

		d := g.Check(t.Context())
		if d.State != Redirecting || d.RedirectTo != "/seeker/login" {
			t.Errorf("got %+v", d)
		}
		if b.calls.Load() != 0 {
			t.Error("refresh attempted without a refresh token")
		}
		if diff := cmp.Diff([]string{"/seeker/login"}, nav.URLs()); diff != "" {
			t.Errorf("navigation (-want +got):\n%s", diff)
		}
		if _, ok := sess.TakeNotice(t.Context()); ok {
			t.Error("visitor without a session got an expiry notice")
		}
	})

	t.Run("opaque access token", func(t *testing.T) {
		g, sess, _, b := newDonorFixture(t, credential.Donor)
		saveTokens(t, sess, credential.Donor, "not-a-jwt", "refresh")

		if d := g.Check(t.Context()); d.State != ShowingContent {
			t.Errorf("got %+v", d)
		}
		if got := b.calls.Load(); got != 1 {
			t.Errorf("unparseable token refreshed %d times, want 1", got)
		}
	})

	t.Run("backend unreachable", func(t *testing.T) {
		g, sess, nav, b := newDonorFixture(t, credential.Donor)
		b.Close()
		saveTokens(t, sess, credential.Donor, mintJWT(t, time.Now().Add(-time.Minute)), "refresh")

		if d := g.Check(t.Context()); d.State != Redirecting {
			t.Errorf("got %+v", d)
		}
		if diff := cmp.Diff([]string{"/donor/login"}, nav.URLs()); diff != "" {
			t.Errorf("navigation (-want +got):\n%s", diff)
		}
	})
}

func TestDonorGuardBackground(t *testing.T) {
	g, sess, _, b := newDonorFixture(t, credential.Donor)
	g.RefreshInterval = 10 * time.Millisecond
	saveTokens(t, sess, credential.Donor, mintJWT(t, time.Now().Add(time.Hour)), "refresh")

	var mu sync.Mutex
	var states []State
	g.OnChange = func(d Decision) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, d.State)
	}

	if d := g.Check(t.Context()); d.State != ShowingContent {
		t.Fatalf("got %+v", d)
	}
	g.Start(t.Context())

	// the token lapses while the page is open
	saveTokens(t, sess, credential.Donor, mintJWT(t, time.Now().Add(-time.Second)), "refresh")
	deadline := time.Now().Add(5 * time.Second)
	for b.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background check never refreshed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	g.Stop()
	calls := b.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := b.calls.Load(); got != calls {
		t.Errorf("checks continued after Stop: %d -> %d", calls, got)
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]State{Checking, ShowingContent}, states); diff != "" {
		t.Errorf("background checks changed the page state (-want +got):\n%s", diff)
	}
	if g.State() != ShowingContent {
		t.Errorf("State() = %v", g.State())
	}
}

func TestDonorGuardVisibility(t *testing.T) {
	g, sess, _, b := newDonorFixture(t, credential.Donor)
	g.RefreshInterval = time.Hour
	saveTokens(t, sess, credential.Donor, mintJWT(t, time.Now().Add(-time.Second)), "refresh")

	// before Start there is no loop to wake
	g.VisibilityChanged(true)

	g.Start(t.Context())
	g.VisibilityChanged(false)
	time.Sleep(20 * time.Millisecond)
	if b.calls.Load() != 0 {
		t.Fatal("hiding the page triggered a check")
	}

	g.VisibilityChanged(true)
	deadline := time.Now().Add(5 * time.Second)
	for b.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("becoming visible did not trigger a check")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDonorGuardStopIgnoresChecks(t *testing.T) {
	g, sess, nav, b := newDonorFixture(t, credential.Donor)
	g.Stop()
	saveTokens(t, sess, credential.Donor, mintJWT(t, time.Now().Add(-time.Hour)), "refresh")

	if d := g.Check(t.Context()); d.State != Checking {
		t.Errorf("stopped guard decided %+v", d)
	}
	if b.calls.Load() != 0 || len(nav.URLs()) != 0 {
		t.Error("stopped guard acted")
	}
	// Start after Stop is a no-op
	g.Start(t.Context())
	g.VisibilityChanged(true)
	time.Sleep(20 * time.Millisecond)
	if b.calls.Load() != 0 {
		t.Error("stopped guard restarted")
	}
}

func TestDonorGuardRenewsBeforeExpiry(t *testing.T) {
	g, sess, nav, b := newDonorFixture(t, credential.Donor)
	g.RefreshInterval = time.Hour
	saveTokens(t, sess, credential.Donor, mintJWT(t, time.Now().Add(30*time.Minute)), "refresh")

	if d := g.Check(t.Context()); d.State != ShowingContent {
		t.Fatalf("got %+v", d)
	}
	if b.calls.Load() != 0 {
		t.Fatal("page load renewed a valid token")
	}

	// the token lapses before the next tick, so the background check renews it
	g.Start(t.Context())
	g.VisibilityChanged(true)
	deadline := time.Now().Add(5 * time.Second)
	for b.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("token expiring before the next tick was not renewed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	g.Stop()

	if got := nav.URLs(); len(got) != 0 {
		t.Errorf("navigated to %v", got)
	}
	if g.State() != ShowingContent {
		t.Errorf("State() = %v", g.State())
	}
}

func TestDonorGuardStopFromNavigator(t *testing.T) {
	b := newRefreshBackend(t, "")
	b.fail.Store(true)

	var g *DonorGuard
	stopped := make(chan struct{})
	sess, err := session.NewManager(session.Options{
		Store:     &credential.MemStore{},
		Refresher: &session.Refresher{BaseURL: b.URL},
		// hosts unmount the page, and so stop its guard, as they navigate
		Navigator: session.NavigatorFunc(func(context.Context, string) {
			g.Stop()
			close(stopped)
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	g = NewDonorGuard(sess, credential.Donor, sess.Codec().Path(routecodec.DonorDashboard))
	g.RefreshInterval = 10 * time.Millisecond
	saveTokens(t, sess, credential.Donor, mintJWT(t, time.Now().Add(-time.Hour)), "refresh")

	g.Start(t.Context())
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop called while navigating did not return")
	}

	calls := b.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := b.calls.Load(); got != calls {
		t.Errorf("checks continued after Stop: %d -> %d", calls, got)
	}
}
