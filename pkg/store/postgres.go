// Package store persists webhook events to the forwarder's PostgreSQL
// schema. It owns exactly one schema (forwarder) and one table
// (raw_webhook_events); rows are write-once.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Mindburn-Labs/forwarder/pkg/resiliency"
	"github.com/Mindburn-Labs/forwarder/pkg/webhook"
)

const maxRecentEvents = 50

// EventStore implements webhook.EventStore, webhook.HealthChecker and
// dedup.HashChecker over database/sql with the lib/pq driver.
type EventStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Retry wraps the insert; exported so callers can tighten the schedule.
	Retry *resiliency.Policy
}

// New creates an EventStore. Inserts are retried on transient failure per
// the default schedule; uniqueness conflicts are never retried.
func New(db *sql.DB, logger *slog.Logger) *EventStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStore{
		db:     db,
		logger: logger.With("component", "store"),
		Retry:  resiliency.NewPolicy(IsTransient),
	}
}

const insertEventSQL = `
	INSERT INTO forwarder.raw_webhook_events
		(id, provider, event_type, event_data, event_hash, received_at, source_ip, headers)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Store inserts one row and returns its generated id. A (provider,
// event_hash) uniqueness conflict yields webhook.ErrDuplicateEvent so the
// handler takes the duplicate path; the losing writer of a concurrent race
// lands here.
func (s *EventStore) Store(ctx context.Context, ev *webhook.StoredEvent) (uuid.UUID, error) {
	id := ev.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var headers any
	if len(ev.Headers) > 0 {
		data, err := json.Marshal(ev.Headers)
		if err != nil {
			return uuid.Nil, fmt.Errorf("marshal headers: %w", err)
		}
		headers = data
	}

	// source_ip is inet; an unparseable peer address is stored as NULL.
	var sourceIP any
	if ip := parseHost(ev.SourceAddress); ip != "" {
		sourceIP = ip
	}

	err := s.Retry.Execute(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, insertEventSQL,
			id, ev.Provider, ev.EventType, string(ev.Body), ev.Hash,
			ev.ReceivedAt, sourceIP, headers)
		if err != nil {
			if isUniqueViolation(err) {
				return webhook.ErrDuplicateEvent
			}
			return fmt.Errorf("insert webhook event: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, webhook.ErrDuplicateEvent) {
			s.logger.ErrorContext(ctx, "store failed",
				"provider", ev.Provider, "hash", hashPrefix(ev.Hash), "error", err)
		}
		return uuid.Nil, err
	}
	return id, nil
}

// HashExists reports whether any row carries the given content hash. The
// probe is intentionally hash-only; see pkg/dedup.
func (s *EventStore) HashExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM forwarder.raw_webhook_events WHERE event_hash = $1)`,
		hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probe event hash: %w", err)
	}
	return exists, nil
}

// CheckHealth reports database reachability with a trivial probe.
func (s *EventStore) CheckHealth(ctx context.Context) bool {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		s.logger.WarnContext(ctx, "health probe failed", "error", err)
		return false
	}
	return one == 1
}

// RecentCount returns the number of rows received at or after since.
func (s *EventStore) RecentCount(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM forwarder.raw_webhook_events WHERE received_at >= $1`,
		since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent events: %w", err)
	}
	return count, nil
}

// RecentEvents returns up to limit rows ordered by received_at descending.
// The limit is capped at 50; the listing endpoint is debug-only.
func (s *EventStore) RecentEvents(ctx context.Context, limit int) ([]webhook.StoredEvent, error) {
	if limit <= 0 || limit > maxRecentEvents {
		limit = maxRecentEvents
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, event_type, event_data, event_hash, received_at, source_ip, headers
		FROM forwarder.raw_webhook_events
		ORDER BY received_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	var events []webhook.StoredEvent
	for rows.Next() {
		var (
			ev       webhook.StoredEvent
			body     string
			sourceIP sql.NullString
			headers  []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Provider, &ev.EventType, &body,
			&ev.Hash, &ev.ReceivedAt, &sourceIP, &headers); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Body = []byte(body)
		if sourceIP.Valid {
			ev.SourceAddress = sourceIP.String
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &ev.Headers); err != nil {
				s.logger.WarnContext(ctx, "corrupt headers column",
					"id", ev.ID, "error", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// parseHost extracts a valid IP from a peer address that may carry a port.
func parseHost(addr string) string {
	if addr == "" {
		return ""
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}

func hashPrefix(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
