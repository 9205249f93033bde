package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/g960059/devhook/internal/logger"
)

// LogSink writes one log line per message.
type LogSink struct {
	log logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (*LogSink) Name() string { return "log" }

func (s *LogSink) Notify(_ context.Context, msg Message) error {
	ev := s.log.Info()
	if msg.Kind == KindHealth && msg.Health != "ok" {
		ev = s.log.Warn()
	}
	ev.Str("kind", string(msg.Kind)).
		Str("device_id", msg.DeviceID).
		Str("event_type", msg.EventType).
		Str("health", msg.Health).
		Msg(msg.Text)
	return nil
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// DesktopSink shows a desktop balloon through notify-send.
type DesktopSink struct {
	runner  Runner
	binary  string
	appName string
}

func NewDesktopSink() *DesktopSink {
	return NewDesktopSinkWithRunner(OSRunner{})
}

func NewDesktopSinkWithRunner(runner Runner) *DesktopSink {
	return &DesktopSink{runner: runner, binary: "notify-send", appName: "devhook"}
}

func (*DesktopSink) Name() string { return "desktop" }

func (s *DesktopSink) Notify(ctx context.Context, msg Message) error {
	title := "Device"
	urgency := "low"
	switch msg.Kind {
	case KindHealth:
		title = "Device monitor"
		if msg.Health != "ok" {
			urgency = "normal"
		}
	case KindAction:
		title = "Device action"
		urgency = "normal"
	}
	args := []string{"--app-name", s.appName, "--urgency", urgency, "--expire-time", "2000", title, msg.Text}
	out, err := s.runner.Run(ctx, s.binary, args...)
	if err != nil {
		return fmt.Errorf("%s: %w: %s", s.binary, err, strings.TrimSpace(string(out)))
	}
	return nil
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each message as JSON on <subject>.<kind>.
type NATSSink struct {
	conn    publisher
	subject string
	close   func()
}

// DialNATS connects to url. An unreachable server is not an error: the
// connection keeps retrying in the background and buffers publishes until
// it succeeds. Only a malformed url fails.
func DialNATS(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("devhookd"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{conn: nc, subject: subject, close: nc.Close}, nil
}

func (*NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(kind MessageKind) string {
	return strings.TrimSuffix(s.subject, ".") + "." + string(kind)
}

func (s *NATSSink) Notify(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.conn.Publish(s.Subject(msg.Kind), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() {
	if s.close != nil {
		s.close()
	}
}
