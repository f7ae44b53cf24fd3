// Package config loads client settings from DONORLINK_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"lds.li/donorlink/credential"
	"lds.li/donorlink/routecodec"
)

// Prefix is prepended to every variable name.
const Prefix = "DONORLINK_"

// Config contains client configuration.
type Config struct {
	// LogLevel is a slog level: -4 debug, 0 info, 4 warn, 8 error.
	LogLevel int `env:"LOG_LEVEL" envDefault:"0"`
	// RouteSecret keys the fallback route cipher. It ships with every
	// client and is not a secret in any real sense.
	RouteSecret string `env:"ROUTE_SECRET" envDefault:"donorlink-route-secret-2024"`
	API         API    `envPrefix:"API_"`
	Session     Session
	Redis       Redis `envPrefix:"REDIS_"`
}

// API contains backend parameters.
type API struct {
	BaseURL string        `env:"BASE_URL" envDefault:"http://localhost:5000"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// Session contains session and guard timings.
type Session struct {
	InactivityTimeout time.Duration `env:"INACTIVITY_TIMEOUT" envDefault:"30m"`
	RefreshInterval   time.Duration `env:"REFRESH_INTERVAL" envDefault:"14m"`
	AdminMaxLoading   time.Duration `env:"ADMIN_MAX_LOADING" envDefault:"800ms"`
	NavigationSettle  time.Duration `env:"NAVIGATION_SETTLE" envDefault:"300ms"`
}

// Redis contains the optional shared credential store. An empty URL keeps
// credentials in memory.
type Redis struct {
	URL    string        `env:"URL"`
	Prefix string        `env:"PREFIX" envDefault:"donorlink:"`
	TTL    time.Duration `env:"TTL" envDefault:"0s"`
}

// NewConfig loads configuration from environment variables.
func NewConfig() (*Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.RouteSecret == "" {
		cfg.RouteSecret = routecodec.DefaultSecret
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = credential.DefaultRedisPrefix
	}
	return &cfg, nil
}

// NewLogger returns a text logger on stderr at level.
func NewLogger(level int) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(level)}))
}
