package monitor

import (
	"time"

	"github.com/g960059/devhook/internal/model"
)

type HealthPolicy struct {
	DegradedAfterFailures int
	RecoverAfterSuccesses int
}

type HealthState struct {
	Current              model.Health
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextHealth folds one poll result into state. Polling is degraded after
// DegradedAfterFailures consecutive failures and ok again after
// RecoverAfterSuccesses consecutive successes.
func NextHealth(p HealthPolicy, state HealthState, success bool, now time.Time) HealthState {
	if p.DegradedAfterFailures <= 0 {
		p.DegradedAfterFailures = 3
	}
	if p.RecoverAfterSuccesses <= 0 {
		p.RecoverAfterSuccesses = 1
	}
	if state.Current == "" {
		state.Current = model.HealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current == model.HealthDegraded && state.ConsecutiveSuccesses >= p.RecoverAfterSuccesses {
			state.Current = model.HealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	if state.Current == model.HealthOK && state.ConsecutiveFailures >= p.DegradedAfterFailures {
		state.Current = model.HealthDegraded
		state.LastTransitionAt = now
	}
	return state
}
