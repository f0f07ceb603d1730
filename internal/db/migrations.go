package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS registrations (
	server_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL CHECK(port BETWEEN 1 AND 65535),
	api_key TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS logs (
	composite_id TEXT PRIMARY KEY,
	server_id TEXT NOT NULL,
	event_id INTEGER NOT NULL,
	timestamp_utc TEXT NOT NULL,
	level TEXT NOT NULL,
	event_type TEXT NOT NULL,
	message TEXT NOT NULL,
	component TEXT NOT NULL,
	session_id TEXT,
	correlation_id TEXT,
	details_json TEXT,
	source_host TEXT NOT NULL,
	source_port INTEGER NOT NULL,
	ingested_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS logs_timestamp
ON logs(timestamp_utc DESC);

CREATE INDEX IF NOT EXISTS logs_source_event
ON logs(server_id, source_host, source_port, event_id DESC);

CREATE INDEX IF NOT EXISTS logs_correlation
ON logs(correlation_id);
`,
		DownSQL: `
DROP INDEX IF EXISTS logs_correlation;
DROP INDEX IF EXISTS logs_source_event;
DROP INDEX IF EXISTS logs_timestamp;
DROP TABLE IF EXISTS logs;
DROP TABLE IF EXISTS registrations;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
