package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
)

// Event is the wire form pushed to live subscribers.
type Event struct {
	Type          string          `json:"type"`
	EscrowID      string          `json:"escrow_id,omitempty"`
	At            string          `json:"at"`
	Data          json.RawMessage `json:"data,omitempty"`
	FallbacksUsed []string        `json:"fallbacks_used,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// FromEscrow converts an escrow event, keeping its block timestamp.
func FromEscrow(evt escrow.Event) Event {
	out := NewEvent(evt.Type, evt.Payload)
	out.EscrowID = evt.EscrowID
	if !evt.OccurredAt.IsZero() {
		out.At = evt.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	out.FallbacksUsed = append([]string(nil), evt.FallbacksUsed...)
	return out
}

type subscription struct {
	escrowID string
}

// Hub fans events out to subscribers. Slow subscribers drop events rather
// than block the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]subscription
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]subscription{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	return h.SubscribeEscrow("", buffer)
}

// SubscribeEscrow receives only events for escrowID; empty means all.
func (h *Hub) SubscribeEscrow(escrowID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = subscription{escrowID: escrowID}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, sub := range h.subs {
		if sub.escrowID != "" && sub.escrowID != evt.EscrowID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

// Emit makes the hub an escrow.EventSink.
func (h *Hub) Emit(_ context.Context, evt escrow.Event) {
	h.Publish(FromEscrow(evt))
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
