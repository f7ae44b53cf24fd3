package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"lds.li/donorlink/credential"
	"lds.li/donorlink/internal"
)

// RefreshPath is the backend endpoint that exchanges a refresh token.
const RefreshPath = "/api/auth/refresh"

const (
	// SkipAuthHeader marks a request that must go out without credential
	// handling. Transports strip it before sending.
	SkipAuthHeader = "X-Skip-Auth"
	// RequestIDHeader carries the per-attempt refresh ID.
	RequestIDHeader = "X-Request-ID"
)

var (
	// ErrRefreshUnsupported is returned for spaces that never refresh.
	ErrRefreshUnsupported = errors.New("credential space does not support refresh")
	// ErrNoRefreshToken is returned when no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token stored")
	// ErrRefreshFailed wraps transport errors and rejections from the refresh
	// endpoint. The two are not distinguishable to a client.
	ErrRefreshFailed = errors.New("token refresh failed")
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Refresher exchanges refresh tokens at the backend. Per credential space at
// most one exchange is in flight; callers arriving while one runs wait for
// and share its result. A Refresher serves a single session.
type Refresher struct {
	// BaseURL of the backend, e.g. https://api.example.org.
	BaseURL string
	// HTTPClient is used for the exchange, unless the context carries one
	// under oauth2.HTTPClient. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	mu       sync.Mutex
	inflight map[credential.Space]*refreshCall
	// joined is called when a caller waits on an exchange already in flight.
	joined func(credential.Space)
}

type refreshCall struct {
	done chan struct{}
	tok  *oauth2.Token
	err  error
}

// Refresh exchanges the refresh token of space stored in creds, persists
// the result and returns it. Admin credentials never refresh.
//
// The exchange is detached from ctx cancellation once started, as other
// callers may be waiting on it; ctx only bounds how long this caller waits.
func (r *Refresher) Refresh(ctx context.Context, creds *credential.Credentials, space credential.Space) (*oauth2.Token, error) {
	if space == credential.Admin {
		return nil, ErrRefreshUnsupported
	}

	r.mu.Lock()
	if c, ok := r.inflight[space]; ok {
		joined := r.joined
		r.mu.Unlock()
		if joined != nil {
			joined(space)
		}
		select {
		case <-c.done:
			return c.tok, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &refreshCall{done: make(chan struct{})}
	if r.inflight == nil {
		r.inflight = make(map[credential.Space]*refreshCall)
	}
	r.inflight[space] = c
	r.mu.Unlock()

	c.tok, c.err = r.exchange(context.WithoutCancel(ctx), creds, space)

	r.mu.Lock()
	delete(r.inflight, space)
	r.mu.Unlock()
	close(c.done)

	return c.tok, c.err
}

func (r *Refresher) exchange(ctx context.Context, creds *credential.Credentials, space credential.Space) (*oauth2.Token, error) {
	refresh, err := creds.RefreshToken(ctx, space)
	if err != nil {
		return nil, err
	}
	if refresh == "" {
		return nil, ErrNoRefreshToken
	}

	id := uuid.NewString()
	logger := r.logger().With(baseLogAttr, slog.String("space", space.String()), slog.String("refresh_id", id))

	// resty installs its own transport on clients without one, so hand it a
	// copy rather than a shared client.
	hc := *internal.HTTPClientFromContext(ctx, r.HTTPClient)
	if hc.Transport == nil {
		hc.Transport = http.DefaultTransport
	}
	resp, err := resty.NewWithClient(&hc).R().
		SetContext(ctx).
		SetHeader(SkipAuthHeader, "1").
		SetHeader(RequestIDHeader, id).
		SetHeader("Content-Type", "application/json").
		SetBody(refreshRequest{RefreshToken: refresh}).
		Post(strings.TrimRight(r.BaseURL, "/") + RefreshPath)
	if err != nil {
		logger.WarnContext(ctx, "Refresh request failed", errAttr(err))
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if !resp.IsSuccess() {
		logger.WarnContext(ctx, "Refresh rejected", slog.Int("status", resp.StatusCode()))
		return nil, fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode())
	}

	var body refreshResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrRefreshFailed, err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("%w: response has no access_token", ErrRefreshFailed)
	}

	tok := &oauth2.Token{
		AccessToken:  body.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: body.RefreshToken,
	}
	if err := creds.Save(ctx, space, tok); err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refresh
	}
	if exp, err := credential.AccessExpiry(tok.AccessToken); err == nil {
		tok.Expiry = exp
	}

	logger.InfoContext(ctx, "Refreshed credentials")
	return tok, nil
}

func (r *Refresher) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
