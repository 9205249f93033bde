package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type StatusResponse struct {
	SchemaVersion        string             `json:"schema_version"`
	GeneratedAt          time.Time          `json:"generated_at"`
	State                string             `json:"state"`
	Health               string             `json:"health"`
	ConsecutiveFailures  int                `json:"consecutive_failures"`
	KnownDevices         []string           `json:"known_devices"`
	StartedAt            *string            `json:"started_at,omitempty"`
	LastTickAt           *string            `json:"last_tick_at,omitempty"`
	LastError            string             `json:"last_error,omitempty"`
	Ticks                uint64             `json:"ticks"`
	ProviderFailures     uint64             `json:"provider_failures"`
	Transitions          uint64             `json:"transitions"`
	Actions              uint64             `json:"actions"`
	NotificationsDropped int64              `json:"notifications_dropped"`
	ConfiguredDevices    int                `json:"configured_devices"`
	ActionsPath          string             `json:"actions_path,omitempty"`
	HealthHistory        []HealthChangeItem `json:"health_history"`
}

// HealthChangeItem is one journaled entry into or out of degraded polling.
type HealthChangeItem struct {
	Health              string `json:"health"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Reason              string `json:"reason,omitempty"`
	ChangedAt           string `json:"changed_at"`
}

type ActionItem struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

type DeviceItem struct {
	DeviceID    string                `json:"device_id"`
	DisplayName string                `json:"display_name"`
	RawID       string                `json:"raw_id"`
	Known       bool                  `json:"known"`
	Actions     map[string]ActionItem `json:"actions,omitempty"`
}

type DevicesEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Devices       []DeviceItem `json:"devices"`
}

type AttemptItem struct {
	AttemptID      string `json:"attempt_id"`
	ActionType     string `json:"action_type"`
	Target         string `json:"target"`
	Outcome        string `json:"outcome"`
	AlreadyRunning bool   `json:"already_running,omitempty"`
	Terminated     int    `json:"terminated,omitempty"`
	Skipped        int    `json:"skipped,omitempty"`
	Error          string `json:"error,omitempty"`
	StartedAt      string `json:"started_at"`
	DurationMS     int64  `json:"duration_ms"`
}

type EventItem struct {
	EventID    string        `json:"event_id"`
	DeviceID   string        `json:"device_id"`
	EventType  string        `json:"event_type"`
	ObservedAt string        `json:"observed_at"`
	Attempts   []AttemptItem `json:"attempts,omitempty"`
}

type EventsEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Events        []EventItem `json:"events"`
}

type MonitorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	State         string    `json:"state"`
	Changed       bool      `json:"changed"`
}

// WatchLine is one line of the /v1/watch JSON-lines stream. The first line
// of every stream has Type "hello".
type WatchLine struct {
	SchemaVersion string     `json:"schema_version"`
	EmittedAt     time.Time  `json:"emitted_at"`
	StreamID      string     `json:"stream_id"`
	Sequence      int64      `json:"sequence"`
	Type          string     `json:"type"`
	Kind          string     `json:"kind,omitempty"`
	EventID       string     `json:"event_id,omitempty"`
	DeviceID      string     `json:"device_id,omitempty"`
	EventType     string     `json:"event_type,omitempty"`
	Health        string     `json:"health,omitempty"`
	Text          string     `json:"text,omitempty"`
	At            *time.Time `json:"at,omitempty"`
}
