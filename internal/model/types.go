package model

import (
	"sort"
	"time"
)

// DeviceIdentity is the sole equality key for a device. Its internal
// structure ("<name> (<rawId>)") is never interpreted by the core.
type DeviceIdentity string

// Snapshot is the immutable set of devices observed at one poll instant.
type Snapshot struct {
	members map[DeviceIdentity]struct{}
}

// NewSnapshot builds a snapshot; duplicate and empty identities are dropped.
func NewSnapshot(ids ...DeviceIdentity) Snapshot {
	members := make(map[DeviceIdentity]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		members[id] = struct{}{}
	}
	return Snapshot{members: members}
}

func (s Snapshot) Has(id DeviceIdentity) bool {
	_, ok := s.members[id]
	return ok
}

func (s Snapshot) Len() int {
	return len(s.members)
}

// Sorted returns the identities in lexicographic order.
func (s Snapshot) Sorted() []DeviceIdentity {
	out := make([]DeviceIdentity, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type TransitionKind string

const (
	TransitionAttach TransitionKind = "connect"
	TransitionDetach TransitionKind = "disconnect"
)

func (k TransitionKind) Valid() bool {
	return k == TransitionAttach || k == TransitionDetach
}

// Label is the human wording used in notifications.
func (k TransitionKind) Label() string {
	switch k {
	case TransitionAttach:
		return "connected"
	case TransitionDetach:
		return "disconnected"
	default:
		return string(k)
	}
}

type TransitionEvent struct {
	EventID    string
	Device     DeviceIdentity
	Kind       TransitionKind
	ObservedAt time.Time
}

type ActionKind string

const (
	ActionLaunch     ActionKind = "Launch"
	ActionTerminate  ActionKind = "Terminate"
	ActionRunCommand ActionKind = "RunCommand"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionLaunch, ActionTerminate, ActionRunCommand:
		return true
	default:
		return false
	}
}

type ActionSpec struct {
	Kind   ActionKind
	Target string
}

// ActionMap binds a device and a transition kind to one action.
type ActionMap map[DeviceIdentity]map[TransitionKind]ActionSpec

// Lookup returns the action bound to device/kind, if any.
func (m ActionMap) Lookup(device DeviceIdentity, kind TransitionKind) (ActionSpec, bool) {
	if m == nil {
		return ActionSpec{}, false
	}
	byKind, ok := m[device]
	if !ok {
		return ActionSpec{}, false
	}
	spec, ok := byKind[kind]
	return spec, ok
}

type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
)

type LoopState string

const (
	LoopStopped  LoopState = "stopped"
	LoopRunning  LoopState = "running"
	LoopStopping LoopState = "stopping"
)

type ActionOutcome string

const (
	OutcomeSucceeded ActionOutcome = "succeeded"
	OutcomeFailed    ActionOutcome = "failed"
	OutcomeSkipped   ActionOutcome = "skipped"
)

// ActionAttempt is the journaled record of one executed (or rejected) action.
type ActionAttempt struct {
	AttemptID      string
	EventID        string
	Device         DeviceIdentity
	Transition     TransitionKind
	ActionKind     string
	Target         string
	Outcome        ActionOutcome
	AlreadyRunning bool
	Terminated     int
	Skipped        int
	Error          string
	StartedAt      time.Time
	Duration       time.Duration
}

// HealthChange records the loop entering or leaving the degraded state.
type HealthChange struct {
	Health              Health
	ConsecutiveFailures int
	Reason              string
	At                  time.Time
}
