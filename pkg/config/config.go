// Package config loads the forwarder configuration from environment
// variables, with an optional YAML file for per-provider webhook secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the forwarder configuration. It is built once at startup and
// never mutated afterwards; components hold it as an immutable snapshot.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	// EnableAuth flips the webhook authenticator from pass-through to
	// signature verification.
	EnableAuth bool
	// StrictWebhookAuth is reserved. It is parsed so deployments can set it
	// without error, but nothing consumes it yet: with auth enabled and no
	// secret configured the authenticator still fails open.
	StrictWebhookAuth bool
	// ProviderSecrets maps provider name to HMAC secret, sourced from the
	// optional config file. SECRET_<PROVIDER> env vars take precedence and
	// are resolved by the authenticator.
	ProviderSecrets map[string]string
	// AllowedIPs is the optional source-address allowlist (comma-separated
	// in ALLOWED_IPS). Empty means no address filtering.
	AllowedIPs []string

	MaxBodyBytes int64
	DedupTTL     time.Duration
	DedupBackend string
	RedisAddr    string

	RateLimitRPS  int
	RunMigrations bool

	OTelEnabled  bool
	OTLPEndpoint string
}

// fileConfig is the shape of the optional YAML config file
// (FORWARDER_CONFIG). It carries settings that do not fit a flat env var,
// currently only the per-provider secret map.
type fileConfig struct {
	Authentication struct {
		ProviderSecrets map[string]string `yaml:"provider_secrets"`
	} `yaml:"authentication"`
}

// Load loads configuration from environment variables and, when
// FORWARDER_CONFIG points at a YAML file, merges the file-provided secrets.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getenvDefault("PORT", "8080"),
		LogLevel:          getenvDefault("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		EnableAuth:        boolEnv("ENABLE_AUTH", false),
		StrictWebhookAuth: boolEnv("STRICT_WEBHOOK_AUTH", false),
		DedupBackend:      getenvDefault("DEDUP_BACKEND", "memory"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RunMigrations:     boolEnv("RUN_MIGRATIONS_ON_STARTUP", true),
		OTelEnabled:       boolEnv("OTEL_ENABLED", false),
		OTLPEndpoint:      getenvDefault("OTLP_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.MaxBodyBytes, err = int64Env("MAX_BODY_BYTES", 1<<20); err != nil {
		return nil, err
	}
	if cfg.DedupTTL, err = durationEnv("DEDUP_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	rps, err := int64Env("RATE_LIMIT_RPS", 0)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitRPS = int(rps)

	if raw := os.Getenv("ALLOWED_IPS"); raw != "" {
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				cfg.AllowedIPs = append(cfg.AllowedIPs, item)
			}
		}
	}

	if path := os.Getenv("FORWARDER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
		cfg.ProviderSecrets = fc.Authentication.ProviderSecrets
	}
	if cfg.ProviderSecrets == nil {
		cfg.ProviderSecrets = map[string]string{}
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func int64Env(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return d, nil
}
