// Package monitor polls the device inventory and dispatches configured
// actions for every attach and detach it observes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/g960059/devhook/internal/action"
	"github.com/g960059/devhook/internal/device"
	"github.com/g960059/devhook/internal/diff"
	"github.com/g960059/devhook/internal/logger"
	"github.com/g960059/devhook/internal/model"
	"github.com/g960059/devhook/internal/notify"
	"github.com/g960059/devhook/internal/security"
)

var ErrAlreadyRunning = errors.New("monitor already running")

type ActionRunner interface {
	Execute(ctx context.Context, spec model.ActionSpec) (action.Result, error)
}

type Publisher interface {
	Publish(msg notify.Message)
}

type Journal interface {
	InsertTransition(ctx context.Context, ev model.TransitionEvent) error
	InsertAttempt(ctx context.Context, a model.ActionAttempt) error
	InsertHealthChange(ctx context.Context, c model.HealthChange) error
}

type Recorder interface {
	TickCompleted(d time.Duration, known int)
	ProviderFailed()
	Transition(kind model.TransitionKind)
	Action(kind string, outcome model.ActionOutcome)
	Health(h model.Health)
}

// refresher is implemented by action stores backed by a file.
type refresher interface {
	Refresh() (bool, error)
}

type Options struct {
	Provider device.Provider
	Actions  action.Store
	Executor ActionRunner
	Log      logger.Logger
	Interval time.Duration
	Health   HealthPolicy

	// Optional.
	Publisher Publisher
	Journal   Journal
	Metrics   Recorder
	OnHealth  func(model.Health)
	Now       func() time.Time
}

// Status is a copy of the loop's externally visible state.
type Status struct {
	State               model.LoopState
	Health              model.Health
	ConsecutiveFailures int
	Known               []model.DeviceIdentity
	StartedAt           time.Time
	LastTickAt          time.Time
	LastError           string
	Ticks               uint64
	ProviderFailures    uint64
	Transitions         uint64
	Actions             uint64
}

type Loop struct {
	opts Options

	mu     sync.Mutex
	state  model.LoopState
	cancel context.CancelFunc
	done   chan struct{}
	status Status

	// refreshErr is the last action file error reported; tick goroutine only.
	refreshErr string
}

func New(opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Actions == nil {
		opts.Actions = action.StaticStore{}
	}
	return &Loop{
		opts:  opts,
		state: model.LoopStopped,
		status: Status{
			State:  model.LoopStopped,
			Health: model.HealthOK,
		},
	}
}

// Start begins polling with an empty known snapshot, so the first tick
// reports every present device as attached. The loop runs until Stop is
// called or ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != model.LoopStopped {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.state = model.LoopRunning
	l.cancel = cancel
	l.done = done
	l.status = Status{
		State:     model.LoopRunning,
		Health:    model.HealthOK,
		StartedAt: l.opts.Now(),
	}
	if l.opts.Metrics != nil {
		l.opts.Metrics.Health(model.HealthOK)
	}
	l.opts.Log.Info().Dur("interval", l.opts.Interval).Msg("monitor started")
	go l.run(runCtx, done)
	return nil
}

// Stop cancels the loop and waits for an in-flight tick to finish. No tick
// begins after Stop returns. Stopping a stopped loop is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	done := l.done
	switch l.state {
	case model.LoopStopped:
		l.mu.Unlock()
		return
	case model.LoopRunning:
		l.state = model.LoopStopping
		l.status.State = model.LoopStopping
		l.cancel()
	}
	l.mu.Unlock()
	<-done
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.status
	s.Known = append([]model.DeviceIdentity(nil), l.status.Known...)
	return s
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.state = model.LoopStopped
		l.status.State = model.LoopStopped
		l.cancel = nil
		l.mu.Unlock()
		close(done)
		l.opts.Log.Info().Msg("monitor stopped")
	}()

	known := model.NewSnapshot()
	health := HealthState{Current: model.HealthOK}
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	for {
		known, health = l.tick(ctx, known, health)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// tick runs one poll cycle and returns the snapshot and health the next
// cycle starts from.
func (l *Loop) tick(ctx context.Context, known model.Snapshot, health HealthState) (model.Snapshot, HealthState) {
	started := l.opts.Now()
	if health.Current == "" {
		health.Current = model.HealthOK
	}
	if r, ok := l.opts.Actions.(refresher); ok {
		l.refreshActions(r)
	}

	current, err := device.Capture(ctx, l.opts.Provider)
	if err != nil {
		if ctx.Err() != nil {
			return known, health
		}
		next := NextHealth(l.opts.Health, health, false, started)
		l.opts.Log.Warn().Err(err).Int("consecutive_failures", next.ConsecutiveFailures).Msg("device poll failed; keeping previous snapshot")
		if l.opts.Metrics != nil {
			l.opts.Metrics.ProviderFailed()
		}
		l.mu.Lock()
		l.status.ProviderFailures++
		l.status.ConsecutiveFailures = next.ConsecutiveFailures
		l.status.LastError = err.Error()
		l.status.LastTickAt = started
		l.mu.Unlock()
		l.healthChanged(ctx, health, next, err)
		return known, next
	}

	// A stop request must not cut dispatch short once a snapshot is taken.
	ctx = context.WithoutCancel(ctx)
	next := NextHealth(l.opts.Health, health, true, started)
	l.healthChanged(ctx, health, next, nil)

	events := diff.Stamp(diff.Diff(known, current), started)
	attempted := 0
	for _, ev := range events {
		if l.dispatch(ctx, ev) {
			attempted++
		}
	}

	elapsed := l.opts.Now().Sub(started)
	if l.opts.Metrics != nil {
		l.opts.Metrics.TickCompleted(elapsed, current.Len())
	}
	l.mu.Lock()
	l.status.Ticks++
	l.status.Transitions += uint64(len(events))
	l.status.Actions += uint64(attempted)
	l.status.ConsecutiveFailures = 0
	l.status.LastError = ""
	l.status.LastTickAt = started
	l.status.Known = current.Sorted()
	l.mu.Unlock()
	return current, next
}

// dispatch notifies about ev and runs its configured action. It reports
// whether an action was attempted.
func (l *Loop) dispatch(ctx context.Context, ev model.TransitionEvent) bool {
	log := l.opts.Log
	log.Info().
		Str("event_id", ev.EventID).
		Str("device", string(ev.Device)).
		Str("kind", string(ev.Kind)).
		Msg("device " + ev.Kind.Label())

	if l.opts.Journal != nil {
		if err := l.opts.Journal.InsertTransition(ctx, ev); err != nil {
			log.Warn().Err(err).Str("event_id", ev.EventID).Msg("journal transition failed")
		}
	}
	if l.opts.Metrics != nil {
		l.opts.Metrics.Transition(ev.Kind)
	}
	if l.opts.Publisher != nil {
		l.opts.Publisher.Publish(notify.TransitionMessage(ev))
	}

	spec, ok := l.opts.Actions.Actions().Lookup(ev.Device, ev.Kind)
	if !ok {
		log.Debug().Str("device", string(ev.Device)).Str("kind", string(ev.Kind)).Msg("no action configured")
		return false
	}

	redacted := security.RedactCommand(spec.Target)
	attempt := model.ActionAttempt{
		AttemptID:  model.NewEventID(),
		EventID:    ev.EventID,
		Device:     ev.Device,
		Transition: ev.Kind,
		ActionKind: string(spec.Kind),
		Target:     redacted,
		StartedAt:  l.opts.Now(),
	}
	res, err := l.opts.Executor.Execute(ctx, spec)
	attempt.Duration = l.opts.Now().Sub(attempt.StartedAt)

	switch {
	case err == nil:
		attempt.Outcome = model.OutcomeSucceeded
		attempt.AlreadyRunning = res.AlreadyRunning
		attempt.Terminated = len(res.Terminated)
		attempt.Skipped = len(res.Skipped)
		evt := log.Info().
			Str("event_id", ev.EventID).
			Str("device", string(ev.Device)).
			Str("action", string(spec.Kind)).
			Str("target", redacted).
			Bool("already_running", res.AlreadyRunning).
			Int("terminated", attempt.Terminated).
			Int("skipped", attempt.Skipped)
		if res.Spawned != nil {
			evt = evt.Int32("pid", res.Spawned.PID)
		}
		evt.Msg("action succeeded")
	case errors.Is(err, model.ErrActionMap):
		attempt.Outcome = model.OutcomeSkipped
		attempt.Error = err.Error()
		log.Warn().Err(err).
			Str("event_id", ev.EventID).
			Str("device", string(ev.Device)).
			Str("action", string(spec.Kind)).
			Msg("action not run")
	default:
		attempt.Outcome = model.OutcomeFailed
		attempt.Error = err.Error()
		log.Error().Err(err).
			Str("event_id", ev.EventID).
			Str("device", string(ev.Device)).
			Str("action", string(spec.Kind)).
			Str("target", redacted).
			Msg("action failed")
	}

	if l.opts.Journal != nil {
		if err := l.opts.Journal.InsertAttempt(ctx, attempt); err != nil {
			log.Warn().Err(err).Str("event_id", ev.EventID).Msg("journal action attempt failed")
		}
	}
	if l.opts.Metrics != nil {
		l.opts.Metrics.Action(attempt.ActionKind, attempt.Outcome)
	}
	if err != nil && l.opts.Publisher != nil {
		l.opts.Publisher.Publish(notify.Message{
			Kind:      notify.KindAction,
			EventID:   ev.EventID,
			DeviceID:  string(ev.Device),
			EventType: string(ev.Kind),
			Text:      fmt.Sprintf("%s action for %s %s", spec.Kind, ev.Device, attempt.Outcome),
		})
	}
	return true
}

// refreshActions reloads the action file, warning once per distinct error
// rather than once per tick.
func (l *Loop) refreshActions(r refresher) {
	_, err := r.Refresh()
	if err == nil {
		if l.refreshErr != "" {
			l.opts.Log.Info().Msg("action file readable again")
			l.refreshErr = ""
		}
		return
	}
	if msg := err.Error(); msg != l.refreshErr {
		l.refreshErr = msg
		l.opts.Log.Warn().Err(err).Msg("action map refresh failed; keeping previous actions")
	}
}

func (l *Loop) healthChanged(ctx context.Context, prev, next HealthState, cause error) {
	if prev.Current == next.Current {
		return
	}
	l.mu.Lock()
	l.status.Health = next.Current
	l.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	text := "device polling recovered"
	if next.Current == model.HealthDegraded {
		text = fmt.Sprintf("device polling degraded after %d consecutive failures", next.ConsecutiveFailures)
		l.opts.Log.Error().Err(cause).Int("consecutive_failures", next.ConsecutiveFailures).Msg(text)
	} else {
		l.opts.Log.Info().Msg(text)
	}

	if l.opts.Journal != nil {
		change := model.HealthChange{
			Health:              next.Current,
			ConsecutiveFailures: next.ConsecutiveFailures,
			Reason:              reason,
			At:                  next.LastTransitionAt,
		}
		if err := l.opts.Journal.InsertHealthChange(ctx, change); err != nil {
			l.opts.Log.Warn().Err(err).Msg("journal health change failed")
		}
	}
	if l.opts.Metrics != nil {
		l.opts.Metrics.Health(next.Current)
	}
	if l.opts.Publisher != nil {
		l.opts.Publisher.Publish(notify.Message{Kind: notify.KindHealth, Health: string(next.Current), Text: text})
	}
	if l.opts.OnHealth != nil {
		l.opts.OnHealth(next.Current)
	}
}
