package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pilab-dev/arch-idp/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
ISSUER: https://idp.example.com
SIGNING_KEY_FILE: /run/secrets/signing.pem
ACCESS_TOKEN_TTL: 15m
REFRESH_TOKEN_ROTATION: true
STORE: sqlite
GRANT_STORE: redis
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://idp.example.com", cfg.Issuer)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.IDTokenTTL)
	assert.True(t, cfg.RefreshTokenRotation)
	assert.Equal(t, config.StoreSQLite, cfg.Store)
	assert.Equal(t, config.StoreRedis, cfg.GrantStore)
	assert.True(t, cfg.UsesRedis())
	assert.True(t, cfg.UsesSQLite())
	assert.False(t, cfg.UsesMongo())
	assert.True(t, cfg.AuditLog)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
ISSUER: https://idp.example.com
SIGNING_KEY_FILE: /run/secrets/signing.pem
`)
	t.Setenv("ISSUER", "https://login.example.org")
	t.Setenv("SWEEP_INTERVAL", "30s")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://login.example.org", cfg.Issuer)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, config.StoreMemory, cfg.GrantStore, "grant store follows the main store")
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *config.ServerConfig {
		return &config.ServerConfig{
			Issuer:             "https://idp.example.com",
			AccessTokenTTL:     time.Hour,
			IDTokenTTL:         time.Minute,
			RefreshTokenTTL:    time.Hour,
			AuthCodeTTL:        time.Minute,
			KeyRetention:       time.Hour,
			SigningAlgorithm:   "RS256",
			SigningKeyFile:     "key.pem",
			Store:              config.StoreMemory,
			GrantStore:         config.StoreBolt,
			IntrospectionCache: config.CacheNone,
			SweepInterval:      time.Minute,
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*config.ServerConfig)
	}{
		{"relative issuer", func(c *config.ServerConfig) { c.Issuer = "/idp" }},
		{"http issuer", func(c *config.ServerConfig) { c.Issuer = "http://idp.example.com" }},
		{"issuer with query", func(c *config.ServerConfig) { c.Issuer = "https://idp.example.com?x=1" }},
		{"zero access ttl", func(c *config.ServerConfig) { c.AccessTokenTTL = 0 }},
		{"retention below access ttl", func(c *config.ServerConfig) { c.KeyRetention = 30 * time.Minute }},
		{"retention below id token ttl", func(c *config.ServerConfig) { c.IDTokenTTL = 2 * time.Hour }},
		{"HS256", func(c *config.ServerConfig) { c.SigningAlgorithm = "HS256" }},
		{"no key", func(c *config.ServerConfig) { c.SigningKeyFile = "" }},
		{"bolt main store", func(c *config.ServerConfig) { c.Store = config.StoreBolt }},
		{"unknown cache", func(c *config.ServerConfig) { c.IntrospectionCache = "memcached" }},
		{"zero sweep", func(c *config.ServerConfig) { c.SweepInterval = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("DevMode", func(t *testing.T) {
		cfg := valid()
		cfg.DevMode = true
		cfg.SigningKeyFile = ""
		cfg.Issuer = "http://localhost:8080"
		assert.NoError(t, cfg.Validate())
	})
}
