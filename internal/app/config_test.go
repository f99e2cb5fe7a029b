package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_PUBLIC_URL", "https://relay.example.com")
	t.Setenv("OIDC_ISSUER", "https://accounts.example.com")
	t.Setenv("OIDC_CLIENT_ID", "client-1")
	t.Setenv("OIDC_CLIENT_SECRET", "secret-1")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 128, cfg.MaxStreams)
	assert.Equal(t, 256, cfg.MaxPending)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "https://relay.example.com/callback", cfg.CallbackURL())
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("RELAY_MAX_STREAMS", "16")
	t.Setenv("RELAY_MAX_PENDING", "32")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, 16, cfg.MaxStreams)
	assert.Equal(t, 32, cfg.MaxPending)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	t.Setenv("RELAY_PUBLIC_URL", "https://relay.example.com")
	// OIDC_* left unset.
	t.Setenv("OIDC_ISSUER", "")
	t.Setenv("OIDC_CLIENT_ID", "")
	t.Setenv("OIDC_CLIENT_SECRET", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{
		ListenAddr:   ":8080",
		PublicURL:    "not-a-url",
		Issuer:       "https://accounts.example.com",
		ClientID:     "c",
		ClientSecret: "s",
		MaxStreams:   128,
		MaxPending:   256,
	}
	assert.Error(t, cfg.Validate(), "relative public URL must be rejected")

	cfg.PublicURL = "https://relay.example.com"
	cfg.Issuer = "accounts.example.com"
	assert.Error(t, cfg.Validate(), "non-absolute issuer must be rejected")

	cfg.Issuer = "https://accounts.example.com"
	cfg.MaxStreams = 0
	assert.Error(t, cfg.Validate())

	cfg.MaxStreams = 128
	cfg.MaxPending = -1
	assert.Error(t, cfg.Validate())

	cfg.MaxPending = 256
	assert.NoError(t, cfg.Validate())
}
