package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigUsesXDGDirs(t *testing.T) {
	runtimeDir := t.TempDir()
	stateDir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)
	t.Setenv("XDG_STATE_HOME", stateDir)

	cfg := DefaultConfig()
	if cfg.SocketPath != filepath.Join(runtimeDir, "devhook", "devhookd.sock") {
		t.Fatalf("unexpected socket path: %s", cfg.SocketPath)
	}
	if cfg.DBPath != filepath.Join(stateDir, "devhook", "journal.db") {
		t.Fatalf("unexpected db path: %s", cfg.DBPath)
	}
	if filepath.Base(cfg.ActionsPath) != "device_actions.json" {
		t.Fatalf("unexpected actions path: %s", cfg.ActionsPath)
	}
}

func TestDefaultConfigLoopSettings(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PollInterval != time.Second {
		t.Fatalf("expected 1s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.DegradedAfterFailures != 3 {
		t.Fatalf("expected degraded after 3 failures, got %d", cfg.DegradedAfterFailures)
	}
	if cfg.Provider != ProviderAuto {
		t.Fatalf("expected auto provider, got %s", cfg.Provider)
	}
}
