package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/devhook/internal/logger"
	"github.com/g960059/devhook/internal/model"
)

type recordingSink struct {
	mu    sync.Mutex
	msgs  []Message
	err   error
	block chan struct{}
}

func (*recordingSink) Name() string { return "recording" }

func (s *recordingSink) Notify(_ context.Context, msg Message) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestTransitionMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := TransitionMessage(model.TransitionEvent{EventID: "e1", Device: "DiskB (ID2)", Kind: model.TransitionAttach, ObservedAt: at})
	assert.Equal(t, KindTransition, msg.Kind)
	assert.Equal(t, "DiskB (ID2)", msg.DeviceID)
	assert.Equal(t, "connect", msg.EventType)
	assert.Equal(t, "DiskB (ID2) connected", msg.Text)
	assert.Equal(t, at, msg.At)
}

func TestHubDeliversToSinksAndSubscribers(t *testing.T) {
	hub := NewHub(logger.NewTestLogger(), 8)
	sink := &recordingSink{}
	hub.AddSink(sink)
	hub.Start()

	sub, cancel := hub.Subscribe(4)
	defer cancel()

	hub.Publish(Message{Kind: KindTransition, DeviceID: "A (1)", Text: "A (1) connected"})

	select {
	case got := <-sub:
		assert.Equal(t, "A (1)", got.DeviceID)
		assert.False(t, got.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message")
	}
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	hub.Close()
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewHub(logger.NewTestLogger(), 1)
	sink := &recordingSink{block: make(chan struct{})}
	hub.AddSink(sink)
	hub.Start()
	drops := 0
	hub.OnDrop(func() { drops++ })

	_, cancel := hub.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.Publish(Message{Kind: KindTransition, Text: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow sink or full subscriber")
	}
	assert.Positive(t, hub.Dropped())
	assert.Equal(t, int(hub.Dropped()), drops)

	close(sink.block)
	hub.Close()
}

func TestHubSinkFailureIsNotFatal(t *testing.T) {
	hub := NewHub(logger.NewTestLogger(), 4)
	failing := &recordingSink{err: errors.New("dbus unavailable")}
	ok := &recordingSink{}
	hub.AddSink(failing)
	hub.AddSink(ok)
	hub.Start()

	hub.Publish(Message{Kind: KindTransition, Text: "A connected"})
	hub.Publish(Message{Kind: KindTransition, Text: "B connected"})
	hub.Close()

	assert.Equal(t, 2, failing.count())
	assert.Equal(t, 2, ok.count())
}

func TestHubCloseClosesSubscribersAndIgnoresLatePublish(t *testing.T) {
	hub := NewHub(logger.NewTestLogger(), 4)
	sub, cancel := hub.Subscribe(1)
	hub.Close()

	_, open := <-sub
	assert.False(t, open)
	cancel()

	hub.Publish(Message{Text: "late"})
	late, _ := hub.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}

type fakeRunner struct {
	name string
	args []string
	err  error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.name = name
	f.args = append([]string(nil), args...)
	return []byte("no session bus"), f.err
}

func TestDesktopSinkInvokesNotifySend(t *testing.T) {
	r := &fakeRunner{}
	sink := NewDesktopSinkWithRunner(r)
	require.NoError(t, sink.Notify(context.Background(), Message{Kind: KindTransition, Text: "DiskB (ID2) connected"}))

	assert.Equal(t, "notify-send", r.name)
	require.GreaterOrEqual(t, len(r.args), 2)
	assert.Equal(t, "Device", r.args[len(r.args)-2])
	assert.Equal(t, "DiskB (ID2) connected", r.args[len(r.args)-1])

	r.err = errors.New("exit status 1")
	err := sink.Notify(context.Background(), Message{Kind: KindHealth, Health: "degraded", Text: "degraded"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session bus")
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return nil
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := &NATSSink{conn: pub, subject: "devhook.transitions"}

	msg := Message{Kind: KindTransition, EventID: "e1", DeviceID: "A (1)", EventType: "disconnect", Text: "A (1) disconnected"}
	require.NoError(t, sink.Notify(context.Background(), msg))
	assert.Equal(t, "devhook.transitions.transition", pub.subject)

	var decoded Message
	require.NoError(t, json.Unmarshal(pub.data, &decoded))
	assert.Equal(t, "A (1)", decoded.DeviceID)
	assert.Equal(t, "disconnect", decoded.EventType)
	sink.Close()
}

func TestDialNATSUnreachableServerKeepsRetrying(t *testing.T) {
	sink, err := DialNATS("nats://127.0.0.1:1", "devhook.transitions")
	require.NoError(t, err)
	require.NotNil(t, sink)
	t.Cleanup(sink.Close)

	msg := Message{Kind: KindTransition, DeviceID: "A (1)", EventType: "connect", Text: "A (1) connected"}
	assert.NoError(t, sink.Notify(context.Background(), msg), "publishes are buffered while reconnecting")
}
