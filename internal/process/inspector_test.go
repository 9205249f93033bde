//go:build unix

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/devhook/internal/model"
)

func TestSpawnRejectsEmptyTarget(t *testing.T) {
	_, err := NewSystemInspector().Spawn(context.Background(), "   ", false)
	require.ErrorIs(t, err, model.ErrSpawn)
}

func TestSpawnMissingBinaryFails(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	_, err := NewSystemInspector().Spawn(context.Background(), missing, false)
	require.ErrorIs(t, err, model.ErrSpawn)
}

func TestSpawnShellRunsCommandLine(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	h, err := NewSystemInspector().Spawn(context.Background(), "echo hi > "+marker, true)
	require.NoError(t, err)
	assert.Positive(t, h.PID)

	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(marker)
		return err == nil && string(raw) == "hi\n"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSpawnDetachesIntoOwnSession(t *testing.T) {
	ctx := context.Background()
	insp := NewSystemInspector()
	h, err := insp.Spawn(ctx, "sleep 30", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = insp.Terminate(ctx, h) })

	pgid, err := syscall.Getpgid(int(h.PID))
	require.NoError(t, err)
	assert.Equal(t, int(h.PID), pgid, "spawned process should lead its own process group")
	assert.NotEqual(t, syscall.Getpgrp(), pgid)
}

func TestListAndTerminateSpawnedProcess(t *testing.T) {
	ctx := context.Background()
	insp := NewSystemInspector()

	h, err := insp.Spawn(ctx, "sleep 30", true)
	require.NoError(t, err)

	procs, err := insp.ListProcesses(ctx)
	require.NoError(t, err)
	found := false
	for _, p := range procs {
		if p.PID == h.PID {
			found = true
		}
	}
	assert.True(t, found, "spawned pid %d not listed", h.PID)

	require.NoError(t, insp.Terminate(ctx, h))
	require.Eventually(t, func() bool {
		ok, _ := gopsprocess.PidExistsWithContext(ctx, h.PID)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTerminateVanishedProcess(t *testing.T) {
	insp := &SystemInspector{
		newProcess: func(context.Context, int32) (*gopsprocess.Process, error) {
			return nil, gopsprocess.ErrorProcessNotRunning
		},
	}
	err := insp.Terminate(context.Background(), Handle{PID: 99999})
	require.ErrorIs(t, err, model.ErrTerminate)
	assert.True(t, IsVanished(err))
	assert.False(t, IsAccessDenied(err))
}

func TestListProcessesPropagatesEnumerationError(t *testing.T) {
	boom := errors.New("procfs unavailable")
	insp := &SystemInspector{
		processes: func(context.Context) ([]*gopsprocess.Process, error) { return nil, boom },
	}
	_, err := insp.ListProcesses(context.Background())
	require.ErrorIs(t, err, boom)
}
