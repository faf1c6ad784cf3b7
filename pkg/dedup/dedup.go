// Package dedup detects duplicate webhook payloads with a two-tier check:
// a non-durable hint cache keyed by provider:hash, backed by the store's
// uniqueness index as the authoritative answer.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

// HashChecker is the narrow store probe the deduplicator needs. The probe is
// hash-only: insertion and the unique index both scope by (provider, hash),
// so a hash hit is a sufficient hint.
type HashChecker interface {
	HashExists(ctx context.Context, hash string) (bool, error)
}

// Cache is the hint tier. Entry existence means a duplicate likely exists;
// the store stays authoritative, so both implementations may race freely.
type Cache interface {
	Seen(ctx context.Context, key string) bool
	Mark(ctx context.Context, key string)
}

// ComputeHash returns the lowercase hex SHA-256 of the raw body bytes.
// It is deterministic over byte-identical bodies and always 64 characters.
func ComputeHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Deduplicator performs the two-tier duplicate check.
type Deduplicator struct {
	cache   Cache
	checker HashChecker
	logger  *slog.Logger
}

// New creates a Deduplicator over the given hint cache and store probe.
func New(cache Cache, checker HashChecker, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{
		cache:   cache,
		checker: checker,
		logger:  logger.With("component", "dedup"),
	}
}

// IsDuplicate reports whether (provider, body) was already seen, returning
// the computed hash so the caller persists the exact same value. A failed
// store probe is treated as "not a duplicate": the unique index on the
// subsequent insert is the authority, and uncertainty must not drop events.
func (d *Deduplicator) IsDuplicate(ctx context.Context, provider string, body []byte) (bool, string, error) {
	hash := ComputeHash(body)
	key := provider + ":" + hash

	if d.cache.Seen(ctx, key) {
		return true, hash, nil
	}

	exists, err := d.checker.HashExists(ctx, hash)
	if err != nil {
		d.logger.WarnContext(ctx, "store probe failed, treating as new",
			"provider", provider, "hash", hash[:12], "error", err)
		return false, hash, nil
	}

	// Negative entries are safe: a concurrent miss resolves at the unique
	// insert, where exactly one writer wins.
	d.cache.Mark(ctx, key)

	return exists, hash, nil
}
