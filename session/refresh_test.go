package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"lds.li/donorlink/credential"
	"lds.li/donorlink/internal"
)

type refreshServer struct {
	*httptest.Server
	calls atomic.Int32
	// release, when set, blocks the handler until closed.
	release chan struct{}
	entered chan struct{}
	status  int
	resp    refreshResponse

	mu     sync.Mutex
	gotReq refreshRequest
	gotID  string
}

func newRefreshServer(t *testing.T) *refreshServer {
	t.Helper()
	rs := &refreshServer{status: http.StatusOK, entered: make(chan struct{}, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RefreshPath, func(w http.ResponseWriter, r *http.Request) {
		rs.calls.Add(1)
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rs.mu.Lock()
		rs.gotReq = req
		rs.gotID = r.Header.Get(RequestIDHeader)
		rs.mu.Unlock()
		rs.entered <- struct{}{}
		if rs.release != nil {
			<-rs.release
		}
		if rs.status != http.StatusOK {
			http.Error(w, `{"msg":"Token has expired"}`, rs.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rs.resp); err != nil {
			http.Error(w, "Internal Error", http.StatusInternalServerError)
		}
	})
	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func seedTokens(t *testing.T, creds *credential.Credentials, space credential.Space, access, refresh string) {
	t.Helper()
	if err := creds.Save(t.Context(), space, &oauth2.Token{AccessToken: access, RefreshToken: refresh}); err != nil {
		t.Fatal(err)
	}
}

func TestRefreshSuccess(t *testing.T) {
	rs := newRefreshServer(t)
	rs.resp = refreshResponse{AccessToken: "new-access", RefreshToken: "new-refresh"}

	creds := credential.NewCredentials(&credential.MemStore{})
	seedTokens(t, creds, credential.Donor, "old-access", "old-refresh")

	r := &Refresher{BaseURL: rs.URL + "/"}
	tok, err := r.Refresh(t.Context(), creds, credential.Donor)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "new-access" || tok.RefreshToken != "new-refresh" {
		t.Errorf("got %+v", tok)
	}
	if rs.gotReq.RefreshToken != "old-refresh" {
		t.Errorf("server got refresh token %q", rs.gotReq.RefreshToken)
	}
	if rs.gotID == "" {
		t.Error("request ID header missing")
	}

	stored, err := creds.Load(t.Context(), credential.Donor)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != "new-access" || stored.RefreshToken != "new-refresh" {
		t.Errorf("stored %+v", stored)
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	rs := newRefreshServer(t)
	rs.resp = refreshResponse{AccessToken: "new-access"}

	creds := credential.NewCredentials(&credential.MemStore{})
	seedTokens(t, creds, credential.Seeker, "old-access", "keep-me")

	r := &Refresher{BaseURL: rs.URL}
	tok, err := r.Refresh(t.Context(), creds, credential.Seeker)
	if err != nil {
		t.Fatal(err)
	}
	if tok.RefreshToken != "keep-me" {
		t.Errorf("refresh token = %q", tok.RefreshToken)
	}
	if got, _ := creds.RefreshToken(t.Context(), credential.Seeker); got != "keep-me" {
		t.Errorf("stored refresh token = %q", got)
	}
}

func TestRefreshUsesContextClient(t *testing.T) {
	rs := newRefreshServer(t)
	rs.resp = refreshResponse{AccessToken: "new-access"}

	creds := credential.NewCredentials(&credential.MemStore{})
	seedTokens(t, creds, credential.Donor, "a", "r")

	var used atomic.Bool
	hc := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		used.Store(true)
		return http.DefaultTransport.RoundTrip(req)
	})}

	r := &Refresher{BaseURL: rs.URL}
	if _, err := r.Refresh(internal.ContextWithHTTPClient(t.Context(), hc), creds, credential.Donor); err != nil {
		t.Fatal(err)
	}
	if !used.Load() {
		t.Error("context client was not used")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestRefreshErrors(t *testing.T) {
	t.Run("admin", func(t *testing.T) {
		rs := newRefreshServer(t)
		creds := credential.NewCredentials(&credential.MemStore{})
		seedTokens(t, creds, credential.Admin, "a", "r")

		r := &Refresher{BaseURL: rs.URL}
		if _, err := r.Refresh(t.Context(), creds, credential.Admin); !errors.Is(err, ErrRefreshUnsupported) {
			t.Errorf("want ErrRefreshUnsupported, got %v", err)
		}
		if rs.calls.Load() != 0 {
			t.Error("admin refresh hit the server")
		}
	})

	t.Run("no refresh token", func(t *testing.T) {
		rs := newRefreshServer(t)
		creds := credential.NewCredentials(&credential.MemStore{})
		seedTokens(t, creds, credential.Donor, "a", "")

		r := &Refresher{BaseURL: rs.URL}
		if _, err := r.Refresh(t.Context(), creds, credential.Donor); !errors.Is(err, ErrNoRefreshToken) {
			t.Errorf("want ErrNoRefreshToken, got %v", err)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		rs := newRefreshServer(t)
		rs.status = http.StatusUnauthorized
		creds := credential.NewCredentials(&credential.MemStore{})
		seedTokens(t, creds, credential.Donor, "a", "r")

		r := &Refresher{BaseURL: rs.URL}
		if _, err := r.Refresh(t.Context(), creds, credential.Donor); !errors.Is(err, ErrRefreshFailed) {
			t.Errorf("want ErrRefreshFailed, got %v", err)
		}
		if tok, _ := creds.Load(t.Context(), credential.Donor); tok == nil || tok.AccessToken != "a" {
			t.Error("failed refresh must not touch stored tokens")
		}
	})

	t.Run("no access token in response", func(t *testing.T) {
		rs := newRefreshServer(t)
		creds := credential.NewCredentials(&credential.MemStore{})
		seedTokens(t, creds, credential.Donor, "a", "r")

		r := &Refresher{BaseURL: rs.URL}
		if _, err := r.Refresh(t.Context(), creds, credential.Donor); !errors.Is(err, ErrRefreshFailed) {
			t.Errorf("want ErrRefreshFailed, got %v", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		rs := newRefreshServer(t)
		url := rs.URL
		rs.Close()
		creds := credential.NewCredentials(&credential.MemStore{})
		seedTokens(t, creds, credential.Donor, "a", "r")

		r := &Refresher{BaseURL: url}
		if _, err := r.Refresh(t.Context(), creds, credential.Donor); !errors.Is(err, ErrRefreshFailed) {
			t.Errorf("want ErrRefreshFailed, got %v", err)
		}
	})
}

func TestRefreshSingleFlight(t *testing.T) {
	rs := newRefreshServer(t)
	rs.resp = refreshResponse{AccessToken: "new-access"}
	rs.release = make(chan struct{})

	creds := credential.NewCredentials(&credential.MemStore{})
	seedTokens(t, creds, credential.Donor, "old-access", "old-refresh")

	const n = 8
	joined := make(chan struct{}, n)
	r := &Refresher{BaseURL: rs.URL}
	r.joined = func(credential.Space) { joined <- struct{}{} }

	var wg sync.WaitGroup
	results := make(chan *oauth2.Token, n)
	errs := make(chan error, n)
	call := func() {
		defer wg.Done()
		tok, err := r.Refresh(t.Context(), creds, credential.Donor)
		if err != nil {
			errs <- err
			return
		}
		results <- tok
	}

	wg.Add(1)
	go call()
	<-rs.entered

	for range n - 1 {
		wg.Add(1)
		go call()
	}
	for range n - 1 {
		select {
		case <-joined:
		case <-time.After(5 * time.Second):
			t.Fatal("callers did not join the in-flight refresh")
		}
	}
	close(rs.release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("refresh error: %v", err)
	}
	count := 0
	for tok := range results {
		count++
		if tok.AccessToken != "new-access" {
			t.Errorf("caller got %q", tok.AccessToken)
		}
	}
	if count != n {
		t.Errorf("%d callers got a token, want %d", count, n)
	}
	if got := rs.calls.Load(); got != 1 {
		t.Errorf("refresh endpoint called %d times, want 1", got)
	}
}

func TestRefreshSpacesAreIndependent(t *testing.T) {
	rs := newRefreshServer(t)
	rs.resp = refreshResponse{AccessToken: "new-access"}
	rs.release = make(chan struct{})

	creds := credential.NewCredentials(&credential.MemStore{})
	seedTokens(t, creds, credential.Donor, "d", "dr")
	seedTokens(t, creds, credential.Seeker, "s", "sr")

	r := &Refresher{BaseURL: rs.URL}
	var wg sync.WaitGroup
	for _, s := range []credential.Space{credential.Donor, credential.Seeker} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Refresh(t.Context(), creds, s); err != nil {
				t.Errorf("%s: %v", s, err)
			}
		}()
	}
	<-rs.entered
	<-rs.entered
	close(rs.release)
	wg.Wait()

	if got := rs.calls.Load(); got != 2 {
		t.Errorf("refresh endpoint called %d times, want one per space", got)
	}
}
