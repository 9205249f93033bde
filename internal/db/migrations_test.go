package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	mustExist := []string{"transitions", "action_attempts", "health_changes"}
	for _, table := range mustExist {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}

	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != len(migrations) {
		t.Fatalf("applied = %d, want %d", applied, len(migrations))
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}

	for _, table := range mustExist {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("count table %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}

	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db, ctx := openTempDB(t)
	for i := 0; i < 2; i++ {
		if err := ApplyMigrations(ctx, db); err != nil {
			t.Fatalf("apply migrations pass %d: %v", i, err)
		}
	}
}

func TestCoreConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if _, err := db.ExecContext(ctx, `INSERT INTO transitions(event_id, device_id, kind, observed_at) VALUES ('e1', 'A (1)', 'replug', '2026-01-01T00:00:00Z')`); err == nil {
		t.Fatalf("expected kind check constraint violation")
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO action_attempts(attempt_id, event_id, device_id, transition, action_kind, target, outcome, started_at) VALUES ('a1', 'missing', 'A (1)', 'connect', 'Launch', 'x', 'succeeded', '2026-01-01T00:00:00Z')`); err == nil {
		t.Fatalf("expected foreign key violation for orphan attempt")
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO health_changes(health, changed_at) VALUES ('down', '2026-01-01T00:00:00Z')`); err == nil {
		t.Fatalf("expected health check constraint violation")
	}
}
