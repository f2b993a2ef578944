package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8402", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 24*time.Hour, cfg.DefaultTokenTTL)
	assert.False(t, cfg.Production)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CAP402_PORT", "9000")
	t.Setenv("CAP402_LOG_LEVEL", "DEBUG")
	t.Setenv("CAP402_TOKEN_TTL", "2h")
	t.Setenv("CAP402_PRODUCTION", "true")
	t.Setenv("CAP402_SIGNING_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("CAP402_SEMANTIC_SALT", "salt-value")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 2*time.Hour, cfg.DefaultTokenTTL)
	assert.True(t, cfg.Production)
	require.NoError(t, cfg.Validate())
}

func TestLoadIgnoresBadTTL(t *testing.T) {
	t.Setenv("CAP402_TOKEN_TTL", "not-a-duration")
	cfg := Load()
	assert.Equal(t, 24*time.Hour, cfg.DefaultTokenTTL)
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	cfg := &Config{Production: true}
	assert.ErrorIs(t, cfg.Validate(), ErrMissingSecret)

	cfg.SigningSecret = "0123456789abcdef0123456789abcdef"
	assert.ErrorIs(t, cfg.Validate(), ErrMissingSecret)

	cfg.SemanticSalt = "salt-value"
	assert.NoError(t, cfg.Validate())
}
