package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// The forwarder keeps its migration history in its own schema, isolated
// from the other services sharing the database instance.
const (
	createSchemaSQL = `CREATE SCHEMA IF NOT EXISTS forwarder`

	createHistorySQL = `
		CREATE TABLE IF NOT EXISTS forwarder.schema_migrations (
			version    integer PRIMARY KEY,
			name       text NOT NULL,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`
)

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_raw_webhook_events",
		statements: []string{`
			CREATE TABLE IF NOT EXISTS forwarder.raw_webhook_events (
				id          uuid PRIMARY KEY,
				provider    varchar(50) NOT NULL,
				event_type  varchar(100) NOT NULL,
				event_data  text NOT NULL,
				event_hash  char(64) NOT NULL,
				received_at timestamptz NOT NULL,
				source_ip   inet,
				headers     jsonb
			)`},
	},
	{
		version: 2,
		name:    "create_raw_webhook_events_indexes",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS ix_raw_webhook_events_received_at
				ON forwarder.raw_webhook_events (received_at)`,
			`CREATE INDEX IF NOT EXISTS ix_raw_webhook_events_provider
				ON forwarder.raw_webhook_events (provider)`,
			`CREATE INDEX IF NOT EXISTS ix_raw_webhook_events_event_type
				ON forwarder.raw_webhook_events (event_type)`,
			// Same payload across providers is not a duplicate, so the
			// unique index is composite, never on event_hash alone.
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_raw_webhook_events_provider_hash
				ON forwarder.raw_webhook_events (provider, event_hash)`,
		},
	},
}

// Migrate applies pending migrations in order, one transaction each, and
// records them in forwarder.schema_migrations. Already-applied versions are
// skipped, so startup with RUN_MIGRATIONS_ON_STARTUP is idempotent.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migrations")

	if _, err := db.ExecContext(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, createHistorySQL); err != nil {
		return fmt.Errorf("create migration history: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM forwarder.schema_migrations WHERE version = $1)`,
			m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if applied {
			continue
		}

		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		logger.InfoContext(ctx, "migration applied", "version", m.version, "name", m.name)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO forwarder.schema_migrations (version, name) VALUES ($1, $2)`,
		m.version, m.name); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	return tx.Commit()
}
