// Package notify fans device notifications out to subscribers and sinks
// without ever blocking the publisher.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/g960059/devhook/internal/logger"
	"github.com/g960059/devhook/internal/model"
)

type MessageKind string

const (
	KindTransition MessageKind = "transition"
	KindHealth     MessageKind = "health"
	KindAction     MessageKind = "action"
)

type Message struct {
	Kind      MessageKind `json:"kind"`
	EventID   string      `json:"event_id,omitempty"`
	DeviceID  string      `json:"device_id,omitempty"`
	EventType string      `json:"event_type,omitempty"`
	Health    string      `json:"health,omitempty"`
	Text      string      `json:"text"`
	At        time.Time   `json:"at"`
}

// TransitionMessage is the notification for one device event.
func TransitionMessage(ev model.TransitionEvent) Message {
	return Message{
		Kind:      KindTransition,
		EventID:   ev.EventID,
		DeviceID:  string(ev.Device),
		EventType: string(ev.Kind),
		Text:      string(ev.Device) + " " + ev.Kind.Label(),
		At:        ev.ObservedAt,
	}
}

type Sink interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// Hub queues messages for its sinks and copies them to subscriber
// channels. Full queues and full subscriber channels drop the message.
type Hub struct {
	log     logger.Logger
	queue   chan Message
	timeout time.Duration

	mu     sync.Mutex
	sinks  []Sink
	subs   map[int]chan Message
	nextID int
	closed bool

	dropped atomic.Int64
	onDrop  func()
	done    chan struct{}
	started atomic.Bool
}

func NewHub(log logger.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		log:     log,
		queue:   make(chan Message, buffer),
		timeout: 5 * time.Second,
		subs:    map[int]chan Message{},
		done:    make(chan struct{}),
	}
}

// OnDrop registers a hook called once per dropped delivery.
func (h *Hub) OnDrop(fn func()) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// Subscribe returns a channel of future messages and a cancel func.
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
}

// Publish never blocks.
func (h *Hub) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub <- msg:
		default:
			h.dropLocked("subscriber")
		}
	}
	if len(h.sinks) == 0 {
		return
	}
	select {
	case h.queue <- msg:
	default:
		h.dropLocked("sink queue")
	}
}

func (h *Hub) dropLocked(where string) {
	h.dropped.Add(1)
	if h.onDrop != nil {
		h.onDrop()
	}
	h.log.Debug().Str("where", where).Msg("notification dropped")
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Start runs sink delivery until Close.
func (h *Hub) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(h.done)
		for msg := range h.queue {
			h.deliver(msg)
		}
	}()
}

func (h *Hub) deliver(msg Message) {
	h.mu.Lock()
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.Unlock()
	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		err := s.Notify(ctx, msg)
		cancel()
		if err != nil {
			h.log.Warn().Err(err).Str("sink", s.Name()).Str("kind", string(msg.Kind)).Msg("notification delivery failed")
		}
	}
}

// Close stops accepting messages, flushes queued sink deliveries and closes
// every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
	close(h.queue)
	h.mu.Unlock()
	if h.started.Load() {
		<-h.done
	}
}
