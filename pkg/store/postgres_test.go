package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/forwarder/pkg/webhook"
)

const insertPattern = `INSERT INTO forwarder.raw_webhook_events`

func newTestStore(t *testing.T) (*EventStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, nil)
	// Keep retries fast in tests.
	s.Retry.InitialDelay = time.Millisecond
	s.Retry.MaxDelay = 2 * time.Millisecond
	return s, mock
}

func sampleEvent() *webhook.StoredEvent {
	body := []byte(`{"webhookId":"wh_1","type":"ADDRESS_ACTIVITY"}`)
	return &webhook.StoredEvent{
		Provider:      "alchemy",
		EventType:     "ADDRESS_ACTIVITY",
		Body:          body,
		Hash:          "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		ReceivedAt:    time.Now().UTC(),
		SourceAddress: "203.0.113.7:54321",
		Headers:       map[string]string{"X-Alchemy-Signature": "sha256=deadbeef"},
	}
}

func TestStore_Insert(t *testing.T) {
	s, mock := newTestStore(t)
	ev := sampleEvent()

	mock.ExpectExec(insertPattern).
		WithArgs(sqlmock.AnyArg(), "alchemy", "ADDRESS_ACTIVITY", string(ev.Body),
			ev.Hash, ev.ReceivedAt, "203.0.113.7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.Store(context.Background(), ev)

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UnparseableSourceAddressStoredAsNull(t *testing.T) {
	s, mock := newTestStore(t)
	ev := sampleEvent()
	ev.SourceAddress = "not-an-address"
	ev.Headers = nil

	mock.ExpectExec(insertPattern).
		WithArgs(sqlmock.AnyArg(), "alchemy", "ADDRESS_ACTIVITY", string(ev.Body),
			ev.Hash, ev.ReceivedAt, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := s.Store(context.Background(), ev)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A uniqueness conflict is translated, not retried: exactly one insert is
// attempted and the caller receives the duplicate sentinel.
func TestStore_UniqueViolationIsDuplicateNotRetried(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(insertPattern).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ux_raw_webhook_events_provider_hash"})

	_, err := s.Store(context.Background(), sampleEvent())

	assert.ErrorIs(t, err, webhook.ErrDuplicateEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TransientFailureRetried(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(insertPattern).
		WillReturnError(&pq.Error{Code: "08006"}) // connection_failure
	mock.ExpectExec(insertPattern).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.Store(context.Background(), sampleEvent())

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PermanentFailure(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(insertPattern).
		WillReturnError(&pq.Error{Code: "22P02"}) // invalid_text_representation

	_, err := s.Store(context.Background(), sampleEvent())

	assert.Error(t, err)
	assert.NotErrorIs(t, err, webhook.ErrDuplicateEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHashExists(t *testing.T) {
	s, mock := newTestStore(t)
	hash := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT EXISTS(SELECT 1 FROM forwarder.raw_webhook_events WHERE event_hash = $1)`)).
		WithArgs(hash).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := s.HashExists(context.Background(), hash)

	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCheckHealth(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.True(t, s.CheckHealth(context.Background()))

	mock.ExpectQuery(`SELECT 1`).
		WillReturnError(errors.New("connection refused"))
	assert.False(t, s.CheckHealth(context.Background()))
}

func TestRecentCount(t *testing.T) {
	s, mock := newTestStore(t)
	since := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM forwarder.raw_webhook_events`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := s.RecentCount(context.Background(), since)

	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}

func TestRecentEvents(t *testing.T) {
	s, mock := newTestStore(t)
	id1, id2 := uuid.New(), uuid.New()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "provider", "event_type", "event_data", "event_hash",
		"received_at", "source_ip", "headers",
	}).
		AddRow(id1, "alchemy", "ADDRESS_ACTIVITY", `{"a":1}`,
			"cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc",
			now, "203.0.113.7", []byte(`{"X-Signature":"abc"}`)).
		AddRow(id2, "alchemy", "unknown", `not-json`,
			"dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd",
			now.Add(-time.Minute), nil, nil)

	mock.ExpectQuery(`SELECT id, provider, event_type, event_data`).
		WithArgs(50).
		WillReturnRows(rows)

	events, err := s.RecentEvents(context.Background(), 50)

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, id1, events[0].ID)
	assert.Equal(t, "203.0.113.7", events[0].SourceAddress)
	assert.Equal(t, map[string]string{"X-Signature": "abc"}, events[0].Headers)
	assert.Equal(t, []byte(`not-json`), events[1].Body)
	assert.Empty(t, events[1].SourceAddress)
	assert.Nil(t, events[1].Headers)
}

func TestRecentEvents_LimitClamped(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT id, provider, event_type, event_data`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "provider", "event_type", "event_data", "event_hash",
			"received_at", "source_ip", "headers",
		}))

	_, err := s.RecentEvents(context.Background(), 500)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AppliesPendingVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS forwarder`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS forwarder.schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Version 1 already applied, version 2 pending.
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM forwarder.schema_migrations`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM forwarder.schema_migrations`).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS ix_raw_webhook_events_received_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS ix_raw_webhook_events_provider`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS ix_raw_webhook_events_event_type`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_raw_webhook_events_provider_hash`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO forwarder.schema_migrations`).
		WithArgs(2, "create_raw_webhook_events_indexes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = Migrate(context.Background(), db, nil)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS forwarder`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS forwarder.schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM forwarder.schema_migrations`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS forwarder.raw_webhook_events`).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), db, nil)

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
