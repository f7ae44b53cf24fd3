package internal

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// HTTPClientFromContext returns the *http.Client to use for backend calls. A
// client stored in the context under oauth2.HTTPClient wins, then explicit if
// not nil, then http.DefaultClient.
func HTTPClientFromContext(ctx context.Context, explicit *http.Client) *http.Client {
	if hc, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && hc != nil {
		return hc
	}
	if explicit != nil {
		return explicit
	}
	return http.DefaultClient
}

// ContextWithHTTPClient returns a context carrying hc, in the same slot the
// oauth2 package reads from.
func ContextWithHTTPClient(ctx context.Context, hc *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}
