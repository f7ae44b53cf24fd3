// Package credential holds the client's persisted session credentials, split
// into independent spaces for admins, donors and seekers.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

var (
	// ErrNoExpiry is returned by AccessExpiry for tokens without an exp claim.
	ErrNoExpiry = errors.New("token has no exp claim")
	// ErrMalformedToken is returned by AccessExpiry when the token is not a
	// JWT.
	ErrMalformedToken = errors.New("malformed JWT")
)

// Credentials reads and writes the tokens of each space in a Store.
type Credentials struct {
	store Store
}

// NewCredentials returns Credentials backed by store.
func NewCredentials(store Store) *Credentials {
	return &Credentials{store: store}
}

// Store returns the underlying store.
func (c *Credentials) Store() Store {
	return c.store
}

// Load returns the tokens stored for space, or nil if there is no access
// token. Expiry is filled from the access token's exp claim when it parses;
// opaque tokens get a zero Expiry.
func (c *Credentials) Load(ctx context.Context, space Space) (*oauth2.Token, error) {
	keys := space.Keys()

	access, ok, err := c.store.Get(ctx, keys.Access)
	if err != nil {
		return nil, fmt.Errorf("loading %s access token: %w", space, err)
	}
	if !ok && keys.LegacyAccess != "" {
		access, ok, err = c.store.Get(ctx, keys.LegacyAccess)
		if err != nil {
			return nil, fmt.Errorf("loading %s access token: %w", space, err)
		}
	}
	if !ok || access == "" {
		return nil, nil
	}

	refresh, err := c.RefreshToken(ctx, space)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: refresh,
	}
	if exp, err := AccessExpiry(access); err == nil {
		tok.Expiry = exp
	}
	return tok, nil
}

// RefreshToken returns the refresh token for space, or "" if none is stored.
func (c *Credentials) RefreshToken(ctx context.Context, space Space) (string, error) {
	refresh, _, err := c.store.Get(ctx, space.Keys().Refresh)
	if err != nil {
		return "", fmt.Errorf("loading %s refresh token: %w", space, err)
	}
	return refresh, nil
}

// HasAccess reports whether space has an access token stored.
func (c *Credentials) HasAccess(ctx context.Context, space Space) (bool, error) {
	tok, err := c.Load(ctx, space)
	if err != nil {
		return false, err
	}
	return tok != nil, nil
}

// Save persists tok for space. The refresh token is only written when set,
// so a refresh response without one keeps the existing refresh token.
func (c *Credentials) Save(ctx context.Context, space Space, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("saving %s token: empty access token", space)
	}
	keys := space.Keys()
	if err := c.store.Set(ctx, keys.Access, tok.AccessToken); err != nil {
		return fmt.Errorf("saving %s access token: %w", space, err)
	}
	if tok.RefreshToken != "" {
		if err := c.store.Set(ctx, keys.Refresh, tok.RefreshToken); err != nil {
			return fmt.Errorf("saving %s refresh token: %w", space, err)
		}
	}
	return nil
}

// Clear removes every token of space. Other spaces are untouched.
func (c *Credentials) Clear(ctx context.Context, space Space) error {
	keys := space.Keys()
	del := []string{keys.Access, keys.Refresh}
	if keys.LegacyAccess != "" {
		del = append(del, keys.LegacyAccess)
	}
	if err := c.store.Delete(ctx, del...); err != nil {
		return fmt.Errorf("clearing %s credentials: %w", space, err)
	}
	return nil
}

// AccessExpiry returns the exp claim of a JWT access token. The signature is
// not checked; the result only decides whether a refresh is worth trying, and
// the backend remains the authority on validity.
func AccessExpiry(accessToken string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}
