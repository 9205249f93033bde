package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigReadsEnv(t *testing.T) {
	t.Setenv("DEVHOOK_LOG_LEVEL", "warn")
	t.Setenv("DEVHOOK_DEBUG", "yes")
	t.Setenv("DEVHOOK_LOG_OUTPUT", "stdout")

	cfg := DefaultConfig()
	assert.Equal(t, "warn", cfg.Level)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud", Output: "stderr"})
	require.Error(t, err)
}

func TestNewRejectsUnknownOutput(t *testing.T) {
	_, _, err := New(Config{Output: "syslog"})
	require.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "devhook.log")
	log, closeFn, err := New(Config{Level: "info", Output: "file", File: path})
	require.NoError(t, err)

	log.WithComponent("monitor").Info().Str("device", "DiskA (ID1)").Msg("device connected")
	require.NoError(t, closeFn())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &line))
	assert.Equal(t, "monitor", line["component"])
	assert.Equal(t, "DiskA (ID1)", line["device"])
	assert.Equal(t, "device connected", line["message"])
}

func TestWithComponentKeepsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, zerolog.WarnLevel)
	log.WithComponent("executor").Info().Msg("dropped")
	log.WithComponent("executor").Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestTestLoggerDiscards(t *testing.T) {
	log := NewTestLogger()
	log.Error().Msg("nothing")
	log.SetLevel(zerolog.DebugLevel)
	log.WithComponent("x").Debug().Msg("still nothing")
}
