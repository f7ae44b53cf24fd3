// Package interceptor provides an http.RoundTripper that attaches the right
// bearer token to each backend request and recovers from expired tokens.
package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"lds.li/donorlink/credential"
	"lds.li/donorlink/session"
)

// User-visible notices queued before a forced logout.
const (
	MsgAdminExpired     = "Your admin session has expired. Please log in again."
	MsgSessionExpired   = "Your session has expired. Please log in again."
	MsgAccountBlocked   = "Your account has been blocked. Please contact support."
	MsgInvalidToken     = "Your session is invalid. Please log in again."
	maxInspectBodyBytes = 1 << 20
)

// malformedTokenSignatures are fragments of the errors a backend JWT library
// reports for tokens that are corrupt rather than expired.
var malformedTokenSignatures = []string{
	"Signature verification failed",
	"Not enough segments",
	"Invalid header string",
	"Invalid payload string",
	"Invalid crypto padding",
	"Subject must be a string",
}

var baseLogAttr = slog.String("component", "interceptor")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// AuthError is returned for a request whose credentials could not be
// recovered. The session of Space has been ended by the time it is seen.
type AuthError struct {
	Space  credential.Space
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s credentials rejected with status %d: %v", e.Space, e.Status, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Transport is an [http.RoundTripper] that authenticates requests with the
// token of their credential space.
//
// A 401 on donor or seeker traffic queues the request and triggers a single
// token refresh for that space; once it settles every queued request is
// replayed with the new token in the order it was queued, or rejected with an
// *AuthError if the refresh failed. A caller whose context ends while queued
// gets the context's error; the refresh and the rest of the queue carry on.
// Admin 401s, blocked accounts (403 with
// "blocked": true) and malformed tokens (422) end the session without a
// refresh.
//
// Requests carrying an Authorization header, or the session.SkipAuthHeader
// marker, are passed through untouched apart from removing the marker.
type Transport struct {
	// Session supplies credentials and performs refresh and logout. Required.
	Session *session.Manager
	// CurrentPath returns the path the browser currently shows. It is used to
	// classify requests issued from donor pages. Optional.
	CurrentPath func() string
	// Base is the underlying transport. If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	mu     sync.Mutex
	queues map[credential.Space]*replayQueue
	// queued is called after a request joins a replay queue.
	queued func(credential.Space)
}

type replayQueue struct {
	waiting []*pendingRequest
	active  bool
}

type pendingRequest struct {
	req     *http.Request
	getBody func() (io.ReadCloser, error)
	result  chan roundTripResult
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

// RoundTrip implements [http.RoundTripper].
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Session == nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, errors.New("interceptor: Session is nil")
	}

	if req.Header.Get(session.SkipAuthHeader) != "" {
		out := req.Clone(req.Context())
		out.Header.Del(session.SkipAuthHeader)
		return t.base().RoundTrip(out)
	}
	if req.Header.Get("Authorization") != "" {
		return t.base().RoundTrip(req)
	}

	ctx := req.Context()
	space := credential.Classify(req.URL.Path, t.currentPath())

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, fmt.Errorf("interceptor: buffering request body: %w", err)
	}

	tok, err := t.Session.Credentials().Load(ctx, space)
	if err != nil {
		t.Session.Logger().WarnContext(ctx, "Failed to load credentials", baseLogAttr, slog.String("space", space.String()), errAttr(err))
	}

	resp, err := t.send(req, getBody, tok)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return t.handleUnauthorized(req, getBody, space, resp)
	case http.StatusForbidden:
		if blocked(resp) {
			t.Session.Logger().WarnContext(ctx, "Account blocked", baseLogAttr, slog.String("space", space.String()))
			t.Session.Logout(ctx, space, MsgAccountBlocked)
		}
	case http.StatusUnprocessableEntity:
		if malformedToken(resp) {
			t.Session.Logger().WarnContext(ctx, "Malformed token rejected", baseLogAttr, slog.String("space", space.String()))
			t.Session.Logout(ctx, space, MsgInvalidToken)
		}
	}
	return resp, nil
}

func (t *Transport) handleUnauthorized(req *http.Request, getBody func() (io.ReadCloser, error), space credential.Space, resp *http.Response) (*http.Response, error) {
	ctx := req.Context()

	if space == credential.Admin {
		t.Session.Logout(ctx, space, MsgAdminExpired)
		return resp, nil
	}

	refresh, err := t.Session.Credentials().RefreshToken(ctx, space)
	if err != nil || refresh == "" {
		t.Session.Logout(ctx, space, MsgSessionExpired)
		return resp, nil
	}
	drain(resp)

	p := &pendingRequest{req: req, getBody: getBody, result: make(chan roundTripResult, 1)}

	t.mu.Lock()
	if t.queues == nil {
		t.queues = make(map[credential.Space]*replayQueue)
	}
	q := t.queues[space]
	if q == nil {
		q = &replayQueue{}
		t.queues[space] = q
	}
	q.waiting = append(q.waiting, p)
	leader := !q.active
	q.active = true
	queued := t.queued
	t.mu.Unlock()

	if queued != nil {
		queued(space)
	}

	if leader {
		go t.refreshAndReplay(context.WithoutCancel(ctx), space, q)
	}

	select {
	case r := <-p.result:
		return r.resp, r.err
	case <-ctx.Done():
		// the queue still settles p; discard whatever it gets
		go func() {
			if r := <-p.result; r.resp != nil {
				drain(r.resp)
			}
		}()
		return nil, ctx.Err()
	}
}

// refreshAndReplay refreshes the space's token, then settles every request
// queued for it, including ones queued while it runs. ctx must not be tied to
// any single queued request.
func (t *Transport) refreshAndReplay(ctx context.Context, space credential.Space, q *replayQueue) {
	tok, refreshErr := t.Session.Refresh(ctx, space)
	if refreshErr != nil {
		t.Session.Logger().WarnContext(ctx, "Refresh failed, ending session", baseLogAttr, slog.String("space", space.String()), errAttr(refreshErr))
		t.Session.Logout(ctx, space, MsgSessionExpired)
	}

	for {
		t.mu.Lock()
		batch := q.waiting
		q.waiting = nil
		if len(batch) == 0 {
			q.active = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		for _, p := range batch {
			if refreshErr != nil {
				p.result <- roundTripResult{err: &AuthError{Space: space, Status: http.StatusUnauthorized, Err: refreshErr}}
				continue
			}
			if err := p.req.Context().Err(); err != nil {
				p.result <- roundTripResult{err: err}
				continue
			}
			resp, err := t.send(p.req, p.getBody, tok)
			p.result <- roundTripResult{resp: resp, err: err}
		}
	}
}

// send issues a copy of req with tok attached and a fresh body.
func (t *Transport) send(req *http.Request, getBody func() (io.ReadCloser, error), tok *oauth2.Token) (*http.Response, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("interceptor: reopening request body: %w", err)
		}
		out.Body = body
		out.GetBody = getBody
	}
	if tok != nil && tok.AccessToken != "" {
		out.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}
	return t.base().RoundTrip(out)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) currentPath() string {
	if t.CurrentPath == nil {
		return ""
	}
	return t.CurrentPath()
}

// replayableBody returns a function yielding fresh copies of req's body,
// buffering it when the request cannot reproduce it itself. A nil function
// means the request has no body.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}
	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}, nil
}

// peekBody reads the response body and puts an identical copy back for the
// caller.
func peekBody(resp *http.Response) []byte {
	if resp.Body == nil {
		return nil
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxInspectBodyBytes))
	rest := resp.Body
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(b), rest), rest}
	if err != nil {
		return nil
	}
	return b
}

func blocked(resp *http.Response) bool {
	var body struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.Unmarshal(peekBody(resp), &body); err != nil {
		return false
	}
	return body.Blocked
}

func malformedToken(resp *http.Response) bool {
	var body struct {
		Msg     string `json:"msg"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(peekBody(resp), &body); err != nil {
		return false
	}
	for _, text := range []string{body.Msg, body.Message, body.Error} {
		for _, sig := range malformedTokenSignatures {
			if text != "" && strings.Contains(text, sig) {
				return true
			}
		}
	}
	return false
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxInspectBodyBytes))
	_ = resp.Body.Close()
}
