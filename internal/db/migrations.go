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
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transitions (
	event_id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('connect','disconnect')),
	observed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS transitions_observed_at ON transitions(observed_at);
CREATE INDEX IF NOT EXISTS transitions_device ON transitions(device_id, observed_at);

CREATE TABLE IF NOT EXISTS action_attempts (
	attempt_id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	transition TEXT NOT NULL,
	action_kind TEXT NOT NULL,
	target TEXT NOT NULL,
	outcome TEXT NOT NULL CHECK(outcome IN ('succeeded','failed','skipped')),
	already_running INTEGER NOT NULL DEFAULT 0,
	terminated_count INTEGER NOT NULL DEFAULT 0,
	skipped_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(event_id) REFERENCES transitions(event_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS action_attempts_event ON action_attempts(event_id);
`,
		DownSQL: `
DROP TABLE IF EXISTS action_attempts;
DROP TABLE IF EXISTS transitions;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS health_changes (
	change_id INTEGER PRIMARY KEY AUTOINCREMENT,
	health TEXT NOT NULL CHECK(health IN ('ok','degraded')),
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	changed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS health_changes_changed_at ON health_changes(changed_at);
`,
		DownSQL: `
DROP TABLE IF EXISTS health_changes;
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
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
