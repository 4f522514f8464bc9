// Package config loads daemon configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr    string        `env:"WAYPOST_LISTEN_ADDR" envDefault:":7070"`
	PublicURL     string        `env:"WAYPOST_PUBLIC_URL,required"`
	ClientJwkFile string        `env:"WAYPOST_CLIENT_JWK_FILE,required"`
	StateSecret   string        `env:"WAYPOST_STATE_SECRET,required"`
	CookieSecret  string        `env:"WAYPOST_COOKIE_SECRET,required"`
	DatabasePath  string        `env:"WAYPOST_DB_PATH" envDefault:"waypost-auth.db"`
	SweepInterval time.Duration `env:"WAYPOST_SWEEP_INTERVAL" envDefault:"5m"`
	MobileScheme  string        `env:"WAYPOST_MOBILE_SCHEME" envDefault:"waypost"`

	// AllowHTTP permits plain-http provider URLs; development only.
	AllowHTTP bool `env:"WAYPOST_ALLOW_HTTP" envDefault:"false"`
}

func Load() (*Config, error) {
	// a missing .env file is not an error; the environment may be complete
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("could not parse config from environment: %w", err)
	}

	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	return &cfg, nil
}

// ClientID is the client metadata URL, which doubles as the OAuth client id.
func (c *Config) ClientID() string {
	return c.PublicURL + "/client-metadata.json"
}

func (c *Config) RedirectURI() string {
	return c.PublicURL + "/oauth/callback"
}

func (c *Config) MobileRedirectURI() string {
	return c.PublicURL + "/oauth/mobile-callback"
}

func (c *Config) JwksURI() string {
	return c.PublicURL + "/jwks.json"
}
