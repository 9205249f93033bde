// Package action resolves configured device actions and carries them out
// against the host process table.
package action

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/g960059/devhook/internal/logger"
	"github.com/g960059/devhook/internal/model"
	"github.com/g960059/devhook/internal/process"
)

type SkippedProcess struct {
	Process process.Info
	Reason  string
}

type Result struct {
	Spec           model.ActionSpec
	AlreadyRunning bool
	Spawned        *process.Handle
	Terminated     []process.Info
	Skipped        []SkippedProcess
}

// Executor runs one ActionSpec at a time. It keeps no state between calls.
type Executor struct {
	inspector process.Inspector
	log       logger.Logger
	selfPID   int32
}

func NewExecutor(inspector process.Inspector, log logger.Logger) *Executor {
	return &Executor{
		inspector: inspector,
		log:       log,
		selfPID:   int32(os.Getpid()),
	}
}

// Execute carries out spec. A non-nil error is always an *model.ActionError.
func (e *Executor) Execute(ctx context.Context, spec model.ActionSpec) (Result, error) {
	res := Result{Spec: spec}
	if strings.TrimSpace(spec.Target) == "" {
		return res, &model.ActionError{Spec: spec, Err: fmt.Errorf("%w: empty target", model.ErrActionMap)}
	}
	switch spec.Kind {
	case model.ActionLaunch:
		return e.launch(ctx, spec, res)
	case model.ActionTerminate:
		return e.terminate(ctx, spec, res)
	case model.ActionRunCommand:
		h, err := e.inspector.Spawn(ctx, spec.Target, true)
		if err != nil {
			return res, &model.ActionError{Spec: spec, Err: err}
		}
		res.Spawned = &h
		return res, nil
	default:
		return res, &model.ActionError{Spec: spec, Err: fmt.Errorf("%w: unrecognized action type %q", model.ErrActionMap, spec.Kind)}
	}
}

// launch starts the target unless a process with the same executable name
// is already running. Names are compared case-insensitively.
func (e *Executor) launch(ctx context.Context, spec model.ActionSpec, res Result) (Result, error) {
	want := ExecutableName(spec.Target)
	procs, err := e.inspector.ListProcesses(ctx)
	if err != nil {
		return res, &model.ActionError{Spec: spec, Err: err}
	}
	for _, p := range procs {
		if strings.EqualFold(p.Name, want) {
			res.AlreadyRunning = true
			e.log.Debug().Str("name", want).Int32("pid", p.PID).Msg("launch target already running")
			return res, nil
		}
	}
	h, err := e.inspector.Spawn(ctx, spec.Target, false)
	if err != nil {
		return res, &model.ActionError{Spec: spec, Err: err}
	}
	res.Spawned = &h
	return res, nil
}

// terminate asks every process whose name contains the target's executable
// name to exit. Per-process failures are recorded, never returned.
func (e *Executor) terminate(ctx context.Context, spec model.ActionSpec, res Result) (Result, error) {
	want := strings.ToLower(ExecutableName(spec.Target))
	procs, err := e.inspector.ListProcesses(ctx)
	if err != nil {
		return res, &model.ActionError{Spec: spec, Err: err}
	}
	for _, p := range procs {
		if !strings.Contains(strings.ToLower(p.Name), want) {
			continue
		}
		if p.PID == e.selfPID {
			res.Skipped = append(res.Skipped, SkippedProcess{Process: p, Reason: "self"})
			continue
		}
		if err := e.inspector.Terminate(ctx, process.Handle{PID: p.PID, Name: p.Name}); err != nil {
			reason := "error"
			switch {
			case process.IsVanished(err):
				reason = "vanished"
			case process.IsAccessDenied(err):
				reason = "access denied"
			}
			res.Skipped = append(res.Skipped, SkippedProcess{Process: p, Reason: reason})
			e.log.Debug().Err(err).Int32("pid", p.PID).Str("name", p.Name).Str("reason", reason).Msg("process not terminated")
			continue
		}
		res.Terminated = append(res.Terminated, p)
		e.log.Info().Int32("pid", p.PID).Str("name", p.Name).Msg("process terminated")
	}
	return res, nil
}

// ExecutableName returns the file name part of a target path, accepting
// both / and \ separators.
func ExecutableName(target string) string {
	t := strings.TrimSpace(target)
	t = strings.Trim(t, `"`)
	t = strings.ReplaceAll(t, `\`, "/")
	return path.Base(t)
}
