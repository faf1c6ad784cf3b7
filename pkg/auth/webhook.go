// Package auth verifies provider webhook signatures. Verification is
// HMAC-SHA256 over the raw request body, compared in constant time against
// the hex signature the provider sent. The authenticator is deliberately
// fail-open: a provider without a configured secret is admitted with a
// warning, because dropping money-related events is worse than storing an
// unverified one.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/Mindburn-Labs/forwarder/pkg/webhook"
)

const (
	reasonMissingSignature = "Missing signature"
	reasonInvalidSignature = "Invalid signature"
	reasonIPNotAllowed     = "IP not allowed"
)

// WebhookAuthenticator implements webhook.Authenticator. Its configuration
// is a snapshot taken at construction; it holds no mutable state.
type WebhookAuthenticator struct {
	enabled    bool
	secrets    map[string]string
	allowedIPs map[string]struct{}
	lookupEnv  func(string) (string, bool)
	logger     *slog.Logger
}

// Option adjusts authenticator construction.
type Option func(*WebhookAuthenticator)

// WithEnvLookup replaces the environment lookup used for SECRET_<PROVIDER>
// resolution. Tests use this to avoid touching the process environment.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(a *WebhookAuthenticator) { a.lookupEnv = lookup }
}

// New creates a WebhookAuthenticator. When enabled is false every request
// authenticates. fileSecrets is the config-file secret map, consulted after
// the SECRET_<PROVIDER> environment variable. allowedIPs, when non-empty,
// restricts accepted source addresses.
func New(enabled bool, fileSecrets map[string]string, allowedIPs []string, logger *slog.Logger, opts ...Option) *WebhookAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &WebhookAuthenticator{
		enabled:   enabled,
		secrets:   fileSecrets,
		lookupEnv: os.LookupEnv,
		logger:    logger.With("component", "auth"),
	}
	if len(allowedIPs) > 0 {
		a.allowedIPs = make(map[string]struct{}, len(allowedIPs))
		for _, ip := range allowedIPs {
			a.allowedIPs[strings.TrimSpace(ip)] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate checks the event's signature and source address. It never
// fails on malformed input: a provider with no resolvable secret is
// admitted (fail open) with a warning.
func (a *WebhookAuthenticator) Authenticate(ev *webhook.IncomingEvent) webhook.AuthResult {
	if !a.enabled {
		a.logger.Debug("auth disabled, accepting", "provider", ev.Provider)
		return webhook.AuthResult{Authenticated: true, Provider: ev.Provider}
	}

	secret := a.resolveSecret(ev.Provider)
	if secret == "" {
		a.logger.Warn("no secret configured for provider, failing open",
			"provider", ev.Provider)
		return webhook.AuthResult{Authenticated: true, Provider: ev.Provider}
	}

	if ev.Signature == "" {
		return a.reject(ev, reasonMissingSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(ev.Body)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(normalizeSignature(ev.Signature))
	// hmac.Equal is constant-time over the compared bytes; the fixed
	// 32-byte digest length makes the length check non-leaking.
	if err != nil || !hmac.Equal(expected, provided) {
		return a.reject(ev, reasonInvalidSignature)
	}

	if len(a.allowedIPs) > 0 && ev.SourceAddress != "" {
		if _, ok := a.allowedIPs[sourceHost(ev.SourceAddress)]; !ok {
			return a.reject(ev, reasonIPNotAllowed)
		}
	}

	return webhook.AuthResult{Authenticated: true, Provider: ev.Provider}
}

func (a *WebhookAuthenticator) reject(ev *webhook.IncomingEvent, reason string) webhook.AuthResult {
	a.logger.Warn("webhook authentication failed",
		"provider", ev.Provider, "reason", reason)
	return webhook.AuthResult{Provider: ev.Provider, FailureReason: reason}
}

// resolveSecret returns the provider secret, preferring the
// SECRET_<PROVIDER> environment variable over the config file.
func (a *WebhookAuthenticator) resolveSecret(provider string) string {
	if v, ok := a.lookupEnv("SECRET_" + strings.ToUpper(provider)); ok && v != "" {
		return v
	}
	return a.secrets[provider]
}

// normalizeSignature strips an optional sha256= prefix (any case) and
// surrounding whitespace.
func normalizeSignature(sig string) string {
	sig = strings.TrimSpace(sig)
	if len(sig) >= 7 && strings.EqualFold(sig[:7], "sha256=") {
		sig = sig[7:]
	}
	return strings.TrimSpace(sig)
}

func sourceHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
