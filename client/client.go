// Package client assembles a session, its authenticating HTTP client and
// guards from configuration.
package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tink-crypto/tink-go/v2/tink"
	"lds.li/donorlink/config"
	"lds.li/donorlink/credential"
	"lds.li/donorlink/guard"
	"lds.li/donorlink/interceptor"
	"lds.li/donorlink/routecodec"
	"lds.li/donorlink/session"
)

var baseLogAttr = slog.String("component", "client")

// Option customizes New.
type Option func(*options)

type options struct {
	store       credential.Store
	aead        tink.AEAD
	logger      *slog.Logger
	currentPath func() string
	base        http.RoundTripper
}

// WithStore uses store instead of the one selected by configuration.
func WithStore(store credential.Store) Option {
	return func(o *options) { o.store = store }
}

// WithEncryption seals every stored value with aead.
func WithEncryption(aead tink.AEAD) Option {
	return func(o *options) { o.aead = aead }
}

// WithLogger sets the logger for all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCurrentPath reports the path the browser shows, used to pick
// credentials for requests issued from donor pages.
func WithCurrentPath(f func() string) Option {
	return func(o *options) { o.currentPath = f }
}

// WithBaseTransport sets the transport beneath the authenticating one.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// Client is a fully wired client session.
type Client struct {
	// Session owns credentials and navigation.
	Session *session.Manager
	// HTTP authenticates backend requests and recovers expired tokens.
	HTTP *http.Client

	cfg     *config.Config
	closers []io.Closer
}

// New builds a Client. Credentials are kept in Redis when cfg.Redis.URL is
// set, in memory otherwise.
func New(ctx context.Context, cfg *config.Config, nav session.Navigator, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client: config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &Client{cfg: cfg}

	store := o.store
	if store == nil {
		s, err := c.configuredStore(ctx)
		if err != nil {
			return nil, err
		}
		store = s
	}
	if o.aead != nil {
		store = &credential.EncryptedStore{Store: store, AEAD: o.aead}
	}

	codec := routecodec.New(cfg.RouteSecret)
	codec.Logger = o.logger

	sess, err := session.NewManager(session.Options{
		Store:     store,
		Navigator: nav,
		Codec:     codec,
		Refresher: &session.Refresher{
			BaseURL:    cfg.API.BaseURL,
			HTTPClient: &http.Client{Timeout: cfg.API.Timeout, Transport: o.base},
			Logger:     o.logger,
		},
		InactivityTimeout: cfg.Session.InactivityTimeout,
		Logger:            o.logger,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Session = sess
	c.HTTP = &http.Client{
		Timeout: cfg.API.Timeout,
		Transport: &interceptor.Transport{
			Session:     sess,
			CurrentPath: o.currentPath,
			Base:        o.base,
		},
	}

	o.logger.InfoContext(ctx, "Client ready", baseLogAttr, slog.String("api", cfg.API.BaseURL), slog.Bool("redis", cfg.Redis.URL != "" && o.store == nil))
	return c, nil
}

func (c *Client) configuredStore(ctx context.Context) (credential.Store, error) {
	if c.cfg.Redis.URL == "" {
		return &credential.MemStore{}, nil
	}
	rs, err := credential.NewRedisStore(ctx, c.cfg.Redis.URL, c.cfg.Redis.Prefix)
	if err != nil {
		return nil, err
	}
	rs.TTL = c.cfg.Redis.TTL
	if cl, ok := rs.Client.(io.Closer); ok {
		c.closers = append(c.closers, cl)
	}
	return rs, nil
}

// SecureGuard returns a guard for obfuscated application routes.
func (c *Client) SecureGuard() *guard.SecureGuard {
	return guard.NewSecureGuard(c.Session)
}

// AdminGuard returns an admin page guard with the configured timings.
func (c *Client) AdminGuard() *guard.AdminGuard {
	return &guard.AdminGuard{
		Session:          c.Session,
		MaxLoading:       c.cfg.Session.AdminMaxLoading,
		NavigationSettle: c.cfg.Session.NavigationSettle,
	}
}

// DonorGuard returns a guard for a donor or seeker page at path.
func (c *Client) DonorGuard(space credential.Space, path string) *guard.DonorGuard {
	g := guard.NewDonorGuard(c.Session, space, path)
	g.RefreshInterval = c.cfg.Session.RefreshInterval
	return g
}

// Close releases connections held by the credential store.
func (c *Client) Close() error {
	var errs []error
	for _, cl := range c.closers {
		errs = append(errs, cl.Close())
	}
	c.closers = nil
	return errors.Join(errs...)
}
