// Package routecodec maps route names to the short tokens used as public URL
// path segments, and back.
//
// The mapping is obfuscation only. The table and the fallback key ship with
// every client, so a token reveals its route to anyone who looks. Access
// decisions belong to the backend, which must re-check authorization on every
// request.
package routecodec

import (
	"log/slog"
	"net/url"
	"strings"
)

// ErrorToken is returned by Encode when the fallback cipher is unavailable.
// It decodes to DefaultRoute.
const ErrorToken = "error"

var baseLogAttr = slog.String("component", "routecodec")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Codec converts between route names and path tokens. Table routes map to
// fixed tokens; anything else goes through a deterministic cipher keyed by
// the configured secret. A Codec is safe for concurrent use.
type Codec struct {
	cipher *routeCipher
	// Logger is used for diagnostics. If nil, slog.Default is used.
	Logger *slog.Logger
}

// New returns a Codec keyed by secret. An empty secret selects
// DefaultSecret. A cipher setup failure is logged, and the Codec then only
// handles table routes.
func New(secret string) *Codec {
	c := &Codec{}
	rc, err := newRouteCipher(secret)
	if err != nil {
		c.logger().Error("Route cipher unavailable", baseLogAttr, errAttr(err))
		return c
	}
	c.cipher = rc
	return c
}

// Encode returns the path token for name. Table routes return their table
// token verbatim. Other names are encrypted; if that fails, ErrorToken is
// returned.
func (c *Codec) Encode(name RouteName) string {
	if tok, ok := routeTokens[name]; ok {
		return tok
	}
	if c.cipher == nil {
		return ErrorToken
	}
	tok, err := c.cipher.seal(string(name), adRoute)
	if err != nil {
		c.logger().Warn("Failed to encrypt route", baseLogAttr, errAttr(err))
		return ErrorToken
	}
	return tok
}

// Decode returns the route name for token. It never fails: anything that is
// neither a table token nor a token sealed under this Codec's secret decodes
// to DefaultRoute.
func (c *Codec) Decode(token string) RouteName {
	if name, ok := tokenRoutes[token]; ok {
		return name
	}
	name, ok := c.decrypt(token)
	if !ok {
		return DefaultRoute
	}
	return name
}

// DecodePath decodes the first segment of a URL path. Query, fragment and
// surrounding slashes are ignored. The root path decodes to DefaultRoute.
func (c *Codec) DecodePath(p string) RouteName {
	return c.Decode(segment(p))
}

// Path returns the absolute path for name, e.g. "/a1b2c3d4".
func (c *Codec) Path(name RouteName) string {
	return "/" + c.Encode(name)
}

// CanonicalPath reports whether p names no valid route, and if so returns the
// canonical home path that should replace it in history.
func (c *Codec) CanonicalPath(p string) (string, bool) {
	seg := segment(p)
	if Known(seg) {
		return "", false
	}
	if _, ok := c.decrypt(seg); ok {
		return "", false
	}
	return c.Path(DefaultRoute), true
}

func (c *Codec) decrypt(token string) (RouteName, bool) {
	if c.cipher == nil || token == "" || token == ErrorToken {
		return "", false
	}
	pt, err := c.cipher.open(token, adRoute)
	if err != nil {
		c.logger().Debug("Route token did not decode", baseLogAttr, errAttr(err))
		return "", false
	}
	return RouteName(pt), true
}

func (c *Codec) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// segment extracts the first path segment from p, which may be a full URL.
func segment(p string) string {
	if u, err := url.Parse(p); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.Trim(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}
