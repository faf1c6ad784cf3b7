package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/forwarder/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENABLE_AUTH", "")
	t.Setenv("MAX_BODY_BYTES", "")
	t.Setenv("DEDUP_TTL", "")
	t.Setenv("RUN_MIGRATIONS_ON_STARTUP", "")
	t.Setenv("ALLOWED_IPS", "")
	t.Setenv("FORWARDER_CONFIG", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.EnableAuth)
	assert.False(t, cfg.StrictWebhookAuth)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Equal(t, 5*time.Minute, cfg.DedupTTL)
	assert.Equal(t, "memory", cfg.DedupBackend)
	assert.True(t, cfg.RunMigrations)
	assert.Empty(t, cfg.AllowedIPs)
	assert.NotNil(t, cfg.ProviderSecrets)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://prod:5432/forwarder?sslmode=require")
	t.Setenv("ENABLE_AUTH", "true")
	t.Setenv("MAX_BODY_BYTES", "2048")
	t.Setenv("DEDUP_TTL", "90s")
	t.Setenv("DEDUP_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("RATE_LIMIT_RPS", "200")
	t.Setenv("RUN_MIGRATIONS_ON_STARTUP", "false")
	t.Setenv("ALLOWED_IPS", " 10.0.0.1, 10.0.0.2 ,")
	t.Setenv("FORWARDER_CONFIG", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://prod:5432/forwarder?sslmode=require", cfg.DatabaseURL)
	assert.True(t, cfg.EnableAuth)
	assert.Equal(t, int64(2048), cfg.MaxBodyBytes)
	assert.Equal(t, 90*time.Second, cfg.DedupTTL)
	assert.Equal(t, "redis", cfg.DedupBackend)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 200, cfg.RateLimitRPS)
	assert.False(t, cfg.RunMigrations)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.AllowedIPs)
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("MAX_BODY_BYTES", "one-mib")

	_, err := config.Load()
	assert.Error(t, err)
}

// TestLoad_ConfigFile verifies that provider secrets are merged from the
// optional YAML file named by FORWARDER_CONFIG.
func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forwarder.yaml")
	body := []byte("authentication:\n  provider_secrets:\n    alchemy: \"s3cret\"\n    moralis: \"other\"\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("FORWARDER_CONFIG", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.ProviderSecrets["alchemy"])
	assert.Equal(t, "other", cfg.ProviderSecrets["moralis"])
}

func TestLoad_ConfigFileMissing(t *testing.T) {
	t.Setenv("FORWARDER_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := config.Load()
	assert.Error(t, err)
}
