package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	assert := assert.New(t)

	t.Setenv("WAYPOST_PUBLIC_URL", "https://auth.waypost.example/")
	t.Setenv("WAYPOST_CLIENT_JWK_FILE", "client.jwk")
	t.Setenv("WAYPOST_STATE_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("WAYPOST_COOKIE_SECRET", "fedcba9876543210fedcba9876543210")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(":7070", cfg.ListenAddr)
	assert.Equal("waypost", cfg.MobileScheme)
	assert.False(cfg.AllowHTTP)

	// trailing slash is trimmed so derived URLs stay clean
	assert.Equal("https://auth.waypost.example", cfg.PublicURL)
	assert.Equal("https://auth.waypost.example/client-metadata.json", cfg.ClientID())
	assert.Equal("https://auth.waypost.example/oauth/callback", cfg.RedirectURI())
	assert.Equal("https://auth.waypost.example/oauth/mobile-callback", cfg.MobileRedirectURI())
	assert.Equal("https://auth.waypost.example/jwks.json", cfg.JwksURI())
}

func TestLoadRequiresPublicURL(t *testing.T) {
	t.Setenv("WAYPOST_PUBLIC_URL", "")
	os.Unsetenv("WAYPOST_PUBLIC_URL")
	t.Setenv("WAYPOST_CLIENT_JWK_FILE", "client.jwk")
	t.Setenv("WAYPOST_STATE_SECRET", "s")
	t.Setenv("WAYPOST_COOKIE_SECRET", "s")

	_, err := Load()
	assert.Error(t, err)
}
