package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
)

// Message is one escrow event as carried on the bus. Key is the escrow id so
// a partition preserves per-escrow order.
type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	Type          string         `json:"type"`
	EscrowID      string         `json:"escrow_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
	FallbacksUsed []string       `json:"fallbacks_used,omitempty"`
}

func Encode(evt escrow.Event) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:          evt.Type,
		EscrowID:      evt.EscrowID,
		OccurredAt:    evt.OccurredAt.UTC(),
		Payload:       evt.Payload,
		FallbacksUsed: evt.FallbacksUsed,
	})
}

func Decode(msg Message) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(msg.Value, &env)
	return env, err
}
