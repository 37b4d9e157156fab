// Package broadcast fans scan outcomes out to live dashboard sessions.
package broadcast

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/attendance"
)

var ErrClosed = errors.New("broadcast: hub closed")

const (
	EventAccepted = "accepted"
	EventRejected = "rejected"
)

// Message is what dashboards receive.
type Message struct {
	Event      string               `json:"event"`
	Status     attendance.Status    `json:"status,omitempty"`
	Reason     attendance.Reason    `json:"reason,omitempty"`
	SubjectID  string               `json:"subject_id,omitempty"`
	RoomID     string               `json:"room_id,omitempty"`
	Day        string               `json:"day,omitempty"`
	ObservedAt time.Time            `json:"observed_at"`
	Repeat     bool                 `json:"repeat,omitempty"`
	Record     *attendance.Record   `json:"record,omitempty"`
	Counters   *attendance.Counters `json:"counters,omitempty"`

	// Origin identifies the relay that put the message on the wire.
	Origin string `json:"origin,omitempty"`
}

// FromOutcome maps a terminal outcome to a dashboard message.
func FromOutcome(o attendance.Outcome) Message {
	m := Message{
		Event:      EventRejected,
		Status:     o.Status,
		Reason:     o.Reason,
		SubjectID:  o.SubjectID,
		RoomID:     o.RoomID,
		Day:        o.Day,
		ObservedAt: o.ObservedAt,
		Repeat:     o.Repeat,
		Record:     o.Record,
		Counters:   o.Counters,
	}
	if o.Accepted {
		m.Event = EventAccepted
	}
	return m
}

// HubMetrics is optional instrumentation.
type HubMetrics interface {
	SetSubscribers(n int)
	SubscriberDropped()
}

// Subscription is one connected session. C is closed when the session is
// unsubscribed, evicted or the hub shuts down.
type Subscription struct {
	ID string
	C  <-chan Message
}

// Hub is an in-process publish/subscribe point. Publishing never blocks: a
// subscriber whose queue is full is evicted.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]chan Message
	buffer int
	closed bool

	log     *log.Logger
	metrics HubMetrics
}

func NewHub(buffer int, logger *log.Logger, m HubMetrics) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		subs:    make(map[string]chan Message),
		buffer:  buffer,
		log:     logger,
		metrics: m,
	}
}

// Subscribe registers a session. It only sees messages published afterwards.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	id := uuid.NewString()
	ch := make(chan Message, h.buffer)
	h.subs[id] = ch
	h.gauge()
	return &Subscription{ID: id, C: ch}, nil
}

// Unsubscribe removes a session. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(sub.ID)
}

// Publish implements attendance.Publisher.
func (h *Hub) Publish(_ context.Context, o attendance.Outcome) {
	h.Broadcast(FromOutcome(o))
}

// Broadcast delivers m to every current subscriber without waiting.
func (h *Hub) Broadcast(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- m:
		default:
			h.log.Printf("stream subscriber %s too slow, dropping", id)
			h.remove(id)
			if h.metrics != nil {
				h.metrics.SubscriberDropped()
			}
		}
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id := range h.subs {
		h.remove(id)
	}
}

// remove must be called with mu held.
func (h *Hub) remove(id string) {
	ch, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(ch)
	h.gauge()
}

func (h *Hub) gauge() {
	if h.metrics != nil {
		h.metrics.SetSubscribers(len(h.subs))
	}
}

// Multi publishes to each publisher in order.
type Multi []attendance.Publisher

func (m Multi) Publish(ctx context.Context, o attendance.Outcome) {
	for _, p := range m {
		p.Publish(ctx, o)
	}
}
