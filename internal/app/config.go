package app

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read from the environment. The
// relay is stateless; everything it needs fits in a handful of
// variables.
type Config struct {
	// ListenAddr is the address the HTTP server binds.
	ListenAddr string `env:"RELAY_LISTEN_ADDR" envDefault:":8080"`

	// PublicURL is the externally reachable base URL of the relay,
	// registered with the identity provider as the callback origin.
	PublicURL string `env:"RELAY_PUBLIC_URL,required,notEmpty"`

	// OIDC provider registration.
	Issuer       string `env:"OIDC_ISSUER,required,notEmpty"`
	ClientID     string `env:"OIDC_CLIENT_ID,required,notEmpty"`
	ClientSecret string `env:"OIDC_CLIENT_SECRET,required,notEmpty"`

	// MaxStreams caps concurrent client SSE streams.
	MaxStreams int `env:"RELAY_MAX_STREAMS" envDefault:"128"`

	// MaxPending caps concurrently in-flight forwarded requests.
	MaxPending int `env:"RELAY_MAX_PENDING" envDefault:"256"`

	// Debug enables debug-level logging. Usually set by the --debug
	// flag rather than the environment.
	Debug bool `env:"RELAY_DEBUG"`
}

// LoadConfig reads and validates the configuration from the
// environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the constraints env tags cannot express.
func (c *Config) Validate() error {
	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("RELAY_PUBLIC_URL must be an absolute URL, got %q", c.PublicURL)
	}
	if !strings.HasPrefix(c.Issuer, "https://") && !strings.HasPrefix(c.Issuer, "http://") {
		return fmt.Errorf("OIDC_ISSUER must be an absolute URL, got %q", c.Issuer)
	}
	if c.MaxStreams <= 0 {
		return fmt.Errorf("RELAY_MAX_STREAMS must be positive, got %d", c.MaxStreams)
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("RELAY_MAX_PENDING must be positive, got %d", c.MaxPending)
	}
	return nil
}

// CallbackURL is the redirect URI registered with the provider.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.PublicURL, "/") + "/callback"
}
