// Package webhook implements the callback-forwarder ingestion pipeline:
// request intake, provider authentication, duplicate detection, and the
// persisted-event contract. The handler here is the single boundary that
// converts pipeline results into HTTP responses.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateEvent is returned by an EventStore when the (provider, hash)
// uniqueness index rejects an insert. The handler maps it to the duplicate
// response; it is never a failure.
var ErrDuplicateEvent = errors.New("webhook event already stored")

// IncomingEvent is the request-scoped view of a provider callback, built by
// the intake handler and consumed by the authenticator and deduplicator.
type IncomingEvent struct {
	Provider      string
	EventType     string
	Body          []byte
	Signature     string
	SourceAddress string
	ReceivedAt    time.Time
	Headers       map[string]string
}

// StoredEvent is the persisted row. Rows are write-once: the forwarder never
// updates or deletes them.
type StoredEvent struct {
	ID            uuid.UUID
	Provider      string
	EventType     string
	Body          []byte
	Hash          string
	ReceivedAt    time.Time
	SourceAddress string
	Headers       map[string]string
}

// AuthResult is the authenticator's verdict for one request.
type AuthResult struct {
	Authenticated bool
	Provider      string
	FailureReason string
}

// Authenticator verifies the provenance of an incoming event. When disabled
// it always authenticates.
type Authenticator interface {
	Authenticate(ev *IncomingEvent) AuthResult
}

// Deduplicator answers whether a payload was already seen. It may perform a
// single store read but never writes; the hash it computed is returned so
// the stored row reuses it.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, provider string, body []byte) (duplicate bool, hash string, err error)
}

// EventStore persists events and serves the listing endpoint.
type EventStore interface {
	// Store inserts one row and returns its generated id. A uniqueness
	// conflict on (provider, hash) yields ErrDuplicateEvent.
	Store(ctx context.Context, ev *StoredEvent) (uuid.UUID, error)
	// RecentEvents returns up to limit rows ordered by received_at descending.
	RecentEvents(ctx context.Context, limit int) ([]StoredEvent, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) bool
}

// eventJSON is the listing-endpoint serialization of a StoredEvent.
type eventJSON struct {
	ID            uuid.UUID         `json:"id"`
	Provider      string            `json:"provider"`
	EventType     string            `json:"eventType"`
	EventData     any               `json:"eventData"`
	EventHash     string            `json:"eventHash"`
	ReceivedAt    time.Time         `json:"receivedAt"`
	SourceAddress string            `json:"sourceAddress,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// MarshalJSON emits the stored body verbatim when it is valid JSON and as a
// JSON string otherwise, so unparseable payloads still list cleanly.
func (e StoredEvent) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ID:            e.ID,
		Provider:      e.Provider,
		EventType:     e.EventType,
		EventHash:     e.Hash,
		ReceivedAt:    e.ReceivedAt,
		SourceAddress: e.SourceAddress,
		Headers:       e.Headers,
	}
	if json.Valid(e.Body) {
		out.EventData = json.RawMessage(e.Body)
	} else {
		out.EventData = string(e.Body)
	}
	return json.Marshal(out)
}
