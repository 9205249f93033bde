package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/devhook/internal/db"
	"github.com/g960059/devhook/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "devhook-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedTransition journals one transition observed at the given time.
func SeedTransition(t *testing.T, store *db.Store, ctx context.Context, device model.DeviceIdentity, kind model.TransitionKind, at time.Time) model.TransitionEvent {
	t.Helper()
	ev := model.TransitionEvent{
		EventID:    model.NewEventID(),
		Device:     device,
		Kind:       kind,
		ObservedAt: at.UTC(),
	}
	if err := store.InsertTransition(ctx, ev); err != nil {
		t.Fatalf("seed transition: %v", err)
	}
	return ev
}
