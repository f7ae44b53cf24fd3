package routecodec

import (
	"net/url"
	"strings"
)

// SessionParam is the query parameter BuildURL uses for the sealed session
// marker.
const SessionParam = "st"

// BuildURL returns the navigable path for name. If sessionToken is set, it is
// sealed and carried in the SessionParam query parameter. The marker is
// advisory: guards read credentials from storage, never from the URL.
func (c *Codec) BuildURL(name RouteName, sessionToken string) string {
	p := c.Path(name)
	if sessionToken == "" || c.cipher == nil {
		return p
	}
	sealed, err := c.cipher.seal(sessionToken, adSession)
	if err != nil {
		c.logger().Warn("Failed to seal session marker", baseLogAttr, errAttr(err))
		return p
	}
	return p + "?" + url.Values{SessionParam: {sealed}}.Encode()
}

// SessionFromURL recovers the session marker added by BuildURL.
func (c *Codec) SessionFromURL(rawURL string) (string, bool) {
	if c.cipher == nil {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	sealed := u.Query().Get(SessionParam)
	if sealed == "" {
		return "", false
	}
	tok, err := c.cipher.open(sealed, adSession)
	if err != nil {
		return "", false
	}
	return tok, true
}

// LegacyRedirect returns the obfuscated replacement for a pre-obfuscation
// semantic path such as /donor/login. Any query string is carried over.
func (c *Codec) LegacyRedirect(rawPath string) (string, bool) {
	p, query, _ := strings.Cut(rawPath, "?")
	if p != "/" {
		p = strings.TrimRight(p, "/")
	}
	name, ok := legacyPaths[p]
	if !ok {
		return "", false
	}
	target := c.Path(name)
	if query != "" {
		target += "?" + query
	}
	return target, true
}

// LegacyPath returns the semantic path that used to serve name.
func LegacyPath(name RouteName) (string, bool) {
	for p, n := range legacyPaths {
		if n == name {
			return p, true
		}
	}
	return "", false
}
