package escrowfsm

import (
	"context"
	"errors"
)

const (
	Created          = "CREATED"
	Funded           = "FUNDED"
	ReceiptConfirmed = "RECEIPT_CONFIRMED"
	TimeLocked       = "TIME_LOCKED"
	Releasing        = "RELEASING"
	Released         = "RELEASED"
	Disputed         = "DISPUTED"
	DisputeResolved  = "DISPUTE_RESOLVED"
	EmergencyLocked  = "EMERGENCY_LOCKED"
	Refunded         = "REFUNDED"
)

var ErrInvalidTransition = errors.New("invalid escrow transition")

type Event string

const (
	EventFund           Event = "FUND"
	EventConfirmReceipt Event = "CONFIRM_RECEIPT"
	EventLock           Event = "LOCK"
	EventBeginRelease   Event = "BEGIN_RELEASE"
	EventRelease        Event = "RELEASE"
	EventDispute        Event = "DISPUTE"
	EventResolve        Event = "RESOLVE"
	EventEmergency      Event = "EMERGENCY"
	EventRefund         Event = "REFUND"
)

// CanTransition reports whether from -> to is a legal edge. The graph has no
// back edges, so no state can be revisited.
func CanTransition(from, to string) bool {
	switch from {
	case Created:
		return to == Funded
	case Funded:
		return to == ReceiptConfirmed || to == Disputed || to == EmergencyLocked || to == Releasing
	case ReceiptConfirmed:
		return to == TimeLocked
	case TimeLocked:
		return to == Releasing || to == Disputed || to == EmergencyLocked
	case EmergencyLocked:
		return to == Releasing || to == Disputed
	case Disputed:
		return to == Releasing
	case Releasing:
		return to == Released || to == Refunded || to == DisputeResolved
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventFund:
		return Transition(from, Funded)
	case EventConfirmReceipt:
		return Transition(from, ReceiptConfirmed)
	case EventLock:
		return Transition(from, TimeLocked)
	case EventBeginRelease:
		return Transition(from, Releasing)
	case EventRelease:
		return Transition(from, Released)
	case EventDispute:
		return Transition(from, Disputed)
	case EventResolve:
		return Transition(from, DisputeResolved)
	case EventEmergency:
		return Transition(from, EmergencyLocked)
	case EventRefund:
		return Transition(from, Refunded)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status string) bool {
	switch status {
	case Released, Refunded, DisputeResolved:
		return true
	default:
		return false
	}
}

// IsSettling is true for the marker state and every terminal state: funds are
// either leaving custody or already gone.
func IsSettling(status string) bool {
	return status == Releasing || IsTerminal(status)
}

func QuorumReached(received, required int) bool {
	if required <= 0 {
		required = 1
	}
	return received >= required
}

type TwoPhase struct {
	Prepare  func(ctx context.Context) error
	Commit   func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// ExecuteTwoPhase runs prepare/commit with rollback on commit failure.
func ExecuteTwoPhase(ctx context.Context, t TwoPhase) error {
	if t.Prepare != nil {
		if err := t.Prepare(ctx); err != nil {
			return err
		}
	}
	if t.Commit == nil {
		return errors.New("commit missing")
	}
	if err := t.Commit(ctx); err != nil {
		if t.Rollback != nil {
			_ = t.Rollback(ctx)
		}
		return err
	}
	return nil
}
