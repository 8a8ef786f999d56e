package escrow

import (
	"context"
	"time"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrowfsm"
)

// Distribution maps a party to the amount it receives on settlement.
type Distribution map[string]int64

func (d Distribution) Total() int64 {
	var sum int64
	for _, v := range d {
		sum += v
	}
	return sum
}

func (d Distribution) clone() Distribution {
	if d == nil {
		return nil
	}
	out := make(Distribution, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// EmergencyRecord describes the activation. FromState is the state the lock
// was extended from; an empty value is read as TIME_LOCKED.
type EmergencyRecord struct {
	ActivatedAt      time.Time     `json:"activated_at"`
	ActivatedBy      string        `json:"activated_by"`
	FromState        string        `json:"from_state,omitempty"`
	PanicCodeHash    string        `json:"-"`
	Reason           string        `json:"reason"`
	ExtensionApplied time.Duration `json:"extension_applied"`
	FallbackUsed     bool          `json:"fallback_used"`
}

type DisputeRef struct {
	ID        string        `json:"id"`
	RaisedBy  string        `json:"raised_by"`
	Reason    string        `json:"reason"`
	Fee       int64         `json:"fee"`
	Extension time.Duration `json:"extension"`
	RaisedAt  time.Time     `json:"raised_at"`
	// Local is set when no arbitration case could be opened; only the
	// administrator can resolve such a dispute.
	Local bool `json:"local"`
}

// Snapshot is a point-in-time copy of an escrow.
type Snapshot struct {
	ID                     string           `json:"id"`
	Buyer                  string           `json:"buyer"`
	Seller                 string           `json:"seller"`
	Amount                 int64            `json:"amount"`
	Description            string           `json:"description"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
	State                  string           `json:"state"`
	Deadline               time.Time        `json:"deadline,omitempty"`
	CustomTimeLock         time.Duration    `json:"custom_time_lock,omitempty"`
	PanicCodeHash          string           `json:"-"`
	EarlyReleaseAuthorized bool             `json:"early_release_authorized"`
	Emergency              *EmergencyRecord `json:"emergency,omitempty"`
	Dispute                *DisputeRef      `json:"dispute,omitempty"`
	Distribution           Distribution     `json:"distribution,omitempty"`
	FallbacksUsed          []string         `json:"fallbacks_used,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Emergency != nil {
		em := *s.Emergency
		out.Emergency = &em
	}
	if s.Dispute != nil {
		d := *s.Dispute
		out.Dispute = &d
	}
	out.Distribution = s.Distribution.clone()
	out.FallbacksUsed = append([]string(nil), s.FallbacksUsed...)
	return out
}

func (s Snapshot) isParty(caller string) bool {
	return caller != "" && (caller == s.Buyer || caller == s.Seller)
}

// beforeReceipt reports an emergency raised while the escrow was only
// funded, so the seller never confirmed receipt.
func (s Snapshot) beforeReceipt() bool {
	return s.Emergency != nil && s.Emergency.FromState == escrowfsm.Funded
}

func (s Snapshot) counterparty(caller string) string {
	if caller == s.Buyer {
		return s.Seller
	}
	return s.Buyer
}

const (
	EventEscrowCreated      = "EscrowCreated"
	EventEscrowFunded       = "EscrowFunded"
	EventReceiptConfirmed   = "ReceiptConfirmed"
	EventFundsReleased      = "FundsReleased"
	EventEmergencyActivated = "EmergencyActivated"
	EventDisputeRaised      = "DisputeRaised"
	EventDisputeResolved    = "DisputeResolved"
	EventReputationUpdated  = "ReputationUpdated"
	EventEscrowRefunded     = "EscrowRefunded"
)

type Event struct {
	Type          string         `json:"type"`
	EscrowID      string         `json:"escrow_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
	FallbacksUsed []string       `json:"fallbacks_used,omitempty"`
}

// EventSink receives events after the state change that produced them has
// been applied. Sinks handle their own delivery errors.
type EventSink interface {
	Emit(ctx context.Context, evt Event)
}

type SinkFunc func(ctx context.Context, evt Event)

func (f SinkFunc) Emit(ctx context.Context, evt Event) { f(ctx, evt) }

type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, evt Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, evt)
		}
	}
}

// Persister stores escrow snapshots durably.
type Persister interface {
	SaveEscrow(ctx context.Context, s Snapshot) error
}

// Observer receives counters for state changes and fallbacks.
type Observer interface {
	IncEscrowState(state string)
	IncFallback(module string)
}
