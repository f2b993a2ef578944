// Package config loads daemon configuration from environment variables
// and optional YAML trust profiles.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// ErrMissingSecret is returned by Validate when a required secret is
// absent in production mode.
var ErrMissingSecret = errors.New("config: missing required secret")

// Config holds daemon configuration.
type Config struct {
	Port            string
	LogLevel        string
	Production      bool
	SigningSecret   string
	SemanticSalt    string
	DefaultTokenTTL time.Duration
	SnapshotPath    string
	RedisURL        string
	ProfilesDir     string
	OTLPEndpoint    string
}

// Load reads configuration from environment variables, applying
// development defaults for everything except secrets.
func Load() *Config {
	port := os.Getenv("CAP402_PORT")
	if port == "" {
		port = "8402"
	}

	logLevel := os.Getenv("CAP402_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	ttl := 24 * time.Hour
	if raw := os.Getenv("CAP402_TOKEN_TTL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			ttl = d
		}
	}

	production := false
	if raw := os.Getenv("CAP402_PRODUCTION"); raw != "" {
		production, _ = strconv.ParseBool(raw)
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		Production:      production,
		SigningSecret:   os.Getenv("CAP402_SIGNING_SECRET"),
		SemanticSalt:    os.Getenv("CAP402_SEMANTIC_SALT"),
		DefaultTokenTTL: ttl,
		SnapshotPath:    os.Getenv("CAP402_SNAPSHOT_PATH"),
		RedisURL:        os.Getenv("CAP402_REDIS_URL"),
		ProfilesDir:     os.Getenv("CAP402_PROFILES_DIR"),
		OTLPEndpoint:    os.Getenv("CAP402_OTLP_ENDPOINT"),
	}
}

// Validate fails fast when production mode is missing secrets. In
// development mode the caller may substitute generated secrets.
func (c *Config) Validate() error {
	if !c.Production {
		return nil
	}
	if c.SigningSecret == "" || c.SemanticSalt == "" {
		return ErrMissingSecret
	}
	return nil
}
