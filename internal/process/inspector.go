// Package process inspects the host process table and starts or stops
// processes on behalf of configured actions.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/g960059/devhook/internal/model"
)

type Info struct {
	PID  int32
	Name string
}

type Handle struct {
	PID  int32
	Name string
}

type Inspector interface {
	ListProcesses(ctx context.Context) ([]Info, error)
	Spawn(ctx context.Context, target string, shell bool) (Handle, error)
	Terminate(ctx context.Context, h Handle) error
}

// SystemInspector is the Inspector backed by the live process table.
type SystemInspector struct {
	processes  func(context.Context) ([]*process.Process, error)
	newProcess func(context.Context, int32) (*process.Process, error)
}

func NewSystemInspector() *SystemInspector {
	return &SystemInspector{
		processes:  process.ProcessesWithContext,
		newProcess: process.NewProcessWithContext,
	}
}

// ListProcesses skips processes that exit or deny access while their name
// is read; only a failed enumeration is an error.
func (s *SystemInspector) ListProcesses(ctx context.Context) ([]Info, error) {
	procs, err := s.processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		out = append(out, Info{PID: p.Pid, Name: name})
	}
	return out, nil
}

// Spawn starts target without waiting for it. With shell set the target is
// handed to the platform shell as a command line; otherwise it is executed
// directly. The child gets its own session and no inherited stdio, and it
// is reaped in the background.
func (s *SystemInspector) Spawn(_ context.Context, target string, shell bool) (Handle, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Handle{}, fmt.Errorf("%w: empty target", model.ErrSpawn)
	}
	var cmd *exec.Cmd
	if shell {
		name, args := shellCommand(target)
		cmd = exec.Command(name, args...)
	} else {
		cmd = exec.Command(target)
	}
	cmd.SysProcAttr = detachedAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", model.ErrSpawn, err)
	}
	h := Handle{PID: int32(cmd.Process.Pid), Name: cmd.Path}
	go func() {
		_ = cmd.Wait()
	}()
	return h, nil
}

func (s *SystemInspector) Terminate(ctx context.Context, h Handle) error {
	p, err := s.newProcess(ctx, h.PID)
	if err != nil {
		return fmt.Errorf("%w: pid %d: %w", model.ErrTerminate, h.PID, err)
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return fmt.Errorf("%w: pid %d: %w", model.ErrTerminate, h.PID, err)
	}
	return nil
}

// IsVanished reports whether err means the process no longer exists.
func IsVanished(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning) || errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

// IsAccessDenied reports whether err is a permission failure.
func IsAccessDenied(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES)
}
