package monitor

import (
	"testing"
	"time"

	"github.com/g960059/devhook/internal/model"
)

func TestHealthDegradesAfterThreeFailuresAndRecoversOnSuccess(t *testing.T) {
	p := HealthPolicy{DegradedAfterFailures: 3, RecoverAfterSuccesses: 1}
	now := time.Now().UTC()
	state := HealthState{}

	state = NextHealth(p, state, false, now.Add(1*time.Second))
	state = NextHealth(p, state, false, now.Add(2*time.Second))
	if state.Current != model.HealthOK {
		t.Fatalf("two failures must stay ok, got %s", state.Current)
	}
	state = NextHealth(p, state, false, now.Add(3*time.Second))
	if state.Current != model.HealthDegraded {
		t.Fatalf("ok->degraded expected after 3 failures, got %s", state.Current)
	}
	if !state.LastTransitionAt.Equal(now.Add(3 * time.Second)) {
		t.Fatalf("last transition = %v", state.LastTransitionAt)
	}
	state = NextHealth(p, state, false, now.Add(4*time.Second))
	if state.Current != model.HealthDegraded || state.ConsecutiveFailures != 4 {
		t.Fatalf("still degraded expected, got %+v", state)
	}

	state = NextHealth(p, state, true, now.Add(5*time.Second))
	if state.Current != model.HealthOK {
		t.Fatalf("degraded->ok expected on first success, got %s", state.Current)
	}
	if state.ConsecutiveFailures != 0 {
		t.Fatalf("failures not reset: %d", state.ConsecutiveFailures)
	}
}

func TestHealthSuccessResetsFailureRun(t *testing.T) {
	p := HealthPolicy{DegradedAfterFailures: 3, RecoverAfterSuccesses: 1}
	now := time.Now().UTC()
	state := HealthState{}
	state = NextHealth(p, state, false, now)
	state = NextHealth(p, state, false, now)
	state = NextHealth(p, state, true, now)
	state = NextHealth(p, state, false, now)
	state = NextHealth(p, state, false, now)
	if state.Current != model.HealthOK {
		t.Fatalf("non-consecutive failures must not degrade, got %s", state.Current)
	}
}

func TestHealthRecoveryThreshold(t *testing.T) {
	p := HealthPolicy{DegradedAfterFailures: 1, RecoverAfterSuccesses: 2}
	now := time.Now().UTC()
	state := NextHealth(p, HealthState{}, false, now)
	if state.Current != model.HealthDegraded {
		t.Fatalf("expected degraded, got %s", state.Current)
	}
	state = NextHealth(p, state, true, now)
	if state.Current != model.HealthDegraded {
		t.Fatalf("still degraded until enough successes, got %s", state.Current)
	}
	state = NextHealth(p, state, true, now)
	if state.Current != model.HealthOK {
		t.Fatalf("expected recovery, got %s", state.Current)
	}
}
