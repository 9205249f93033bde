package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/devhook/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens path and brings its schema up to date.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) InsertTransition(ctx context.Context, ev model.TransitionEvent) error {
	if ev.EventID == "" {
		return fmt.Errorf("insert transition: empty event id")
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("insert transition: invalid kind %q", ev.Kind)
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transitions(event_id, device_id, kind, observed_at)
VALUES (?, ?, ?, ?)
`, ev.EventID, string(ev.Device), string(ev.Kind), ts(ev.ObservedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *Store) InsertAttempt(ctx context.Context, a model.ActionAttempt) error {
	if a.AttemptID == "" {
		a.AttemptID = model.NewEventID()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO action_attempts(attempt_id, event_id, device_id, transition, action_kind, target, outcome, already_running, terminated_count, skipped_count, error, started_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, a.AttemptID, a.EventID, string(a.Device), string(a.Transition), a.ActionKind, a.Target, string(a.Outcome),
		boolToInt(a.AlreadyRunning), a.Terminated, a.Skipped, a.Error, ts(a.StartedAt), a.Duration.Milliseconds())
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert action attempt: %w", err)
	}
	return nil
}

func (s *Store) InsertHealthChange(ctx context.Context, c model.HealthChange) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO health_changes(health, consecutive_failures, reason, changed_at)
VALUES (?, ?, ?, ?)
`, string(c.Health), c.ConsecutiveFailures, c.Reason, ts(c.At))
	if err != nil {
		return fmt.Errorf("insert health change: %w", err)
	}
	return nil
}

type TransitionFilter struct {
	Device model.DeviceIdentity
	Since  time.Time
	Limit  int
}

// ListTransitions returns the newest transitions first.
func (s *Store) ListTransitions(ctx context.Context, f TransitionFilter) ([]model.TransitionEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.Device != "" {
		where = append(where, "device_id = ?")
		args = append(args, string(f.Device))
	}
	if !f.Since.IsZero() {
		where = append(where, "observed_at >= ?")
		args = append(args, ts(f.Since))
	}
	query := `SELECT event_id, device_id, kind, observed_at FROM transitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY observed_at DESC, rowid DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	out := []model.TransitionEvent{}
	for rows.Next() {
		var (
			ev                   model.TransitionEvent
			device, kind, rawObs string
		)
		if err := rows.Scan(&ev.EventID, &device, &kind, &rawObs); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		ev.Device = model.DeviceIdentity(device)
		ev.Kind = model.TransitionKind(kind)
		if ev.ObservedAt, err = parseTS(rawObs); err != nil {
			return nil, fmt.Errorf("parse observed_at: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

func (s *Store) GetTransition(ctx context.Context, eventID string) (model.TransitionEvent, error) {
	var (
		ev                   model.TransitionEvent
		device, kind, rawObs string
	)
	err := s.db.QueryRowContext(ctx, `SELECT event_id, device_id, kind, observed_at FROM transitions WHERE event_id = ?`, eventID).
		Scan(&ev.EventID, &device, &kind, &rawObs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TransitionEvent{}, ErrNotFound
	}
	if err != nil {
		return model.TransitionEvent{}, fmt.Errorf("get transition: %w", err)
	}
	ev.Device = model.DeviceIdentity(device)
	ev.Kind = model.TransitionKind(kind)
	if ev.ObservedAt, err = parseTS(rawObs); err != nil {
		return model.TransitionEvent{}, fmt.Errorf("parse observed_at: %w", err)
	}
	return ev, nil
}

// ListAttempts returns the newest attempts first. A non-empty eventID
// restricts the result to attempts triggered by that transition.
func (s *Store) ListAttempts(ctx context.Context, eventID string, limit int) ([]model.ActionAttempt, error) {
	query := `
SELECT attempt_id, event_id, device_id, transition, action_kind, target, outcome, already_running, terminated_count, skipped_count, error, started_at, duration_ms
FROM action_attempts`
	args := []any{}
	if eventID != "" {
		query += " WHERE event_id = ?"
		args = append(args, eventID)
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list action attempts: %w", err)
	}
	defer rows.Close()

	out := []model.ActionAttempt{}
	for rows.Next() {
		var (
			a                                        model.ActionAttempt
			device, transition, outcome, rawStarted string
			alreadyRunning                           int
			durationMS                               int64
		)
		if err := rows.Scan(&a.AttemptID, &a.EventID, &device, &transition, &a.ActionKind, &a.Target, &outcome,
			&alreadyRunning, &a.Terminated, &a.Skipped, &a.Error, &rawStarted, &durationMS); err != nil {
			return nil, fmt.Errorf("scan action attempt: %w", err)
		}
		a.Device = model.DeviceIdentity(device)
		a.Transition = model.TransitionKind(transition)
		a.Outcome = model.ActionOutcome(outcome)
		a.AlreadyRunning = alreadyRunning != 0
		a.Duration = time.Duration(durationMS) * time.Millisecond
		if a.StartedAt, err = parseTS(rawStarted); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action attempts: %w", err)
	}
	return out, nil
}

func (s *Store) ListHealthChanges(ctx context.Context, limit int) ([]model.HealthChange, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT health, consecutive_failures, reason, changed_at
FROM health_changes
ORDER BY changed_at DESC, change_id DESC
LIMIT ?
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list health changes: %w", err)
	}
	defer rows.Close()

	out := []model.HealthChange{}
	for rows.Next() {
		var (
			c                  model.HealthChange
			health, rawChanged string
		)
		if err := rows.Scan(&health, &c.ConsecutiveFailures, &c.Reason, &rawChanged); err != nil {
			return nil, fmt.Errorf("scan health change: %w", err)
		}
		c.Health = model.Health(health)
		if c.At, err = parseTS(rawChanged); err != nil {
			return nil, fmt.Errorf("parse changed_at: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate health changes: %w", err)
	}
	return out, nil
}

// PurgeOlderThan removes transitions observed before cutoff, their action
// attempts, and health changes before cutoff. It returns the number of
// transitions removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE observed_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge transitions: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge transitions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM health_changes WHERE changed_at < ?`, ts(cutoff)); err != nil {
		return 0, fmt.Errorf("purge health changes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return removed, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE") ||
		strings.Contains(msg, "PRIMARY KEY")
}
