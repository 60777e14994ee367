package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/micro-ha/device-intake/internal/model"
)

type Type string

const (
	TypeFileReceived   Type = "file_received"
	TypeBatchRejected  Type = "batch_rejected"
	TypeBatchCompleted Type = "batch_completed"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type          `json:"type"`
	BatchID   string        `json:"batch_id"`
	File      string        `json:"file"`
	Outcome   model.Outcome `json:"outcome,omitempty"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Message   string        `json:"message,omitempty"`
	At        time.Time     `json:"at"`
}

const defaultBuffer = 32

// Hub fans events out to subscribers. Publishing never blocks; a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Uint64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: map[*Subscription]struct{}{}, buffer: buffer}
}

type Subscription struct {
	hub  *Hub
	ch   chan Event
	once sync.Once
}

// C delivers events until the subscription is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{hub: h, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped counts events lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
