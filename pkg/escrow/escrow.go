package escrow

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrowfsm"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/registry"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/timelock"
)

// Escrow is one trade. All entry points serialize on mu; value leaves or
// enters custody only with busy set, and mu is released for the duration of
// that external call so a nested call observes busy and is rejected.
type Escrow struct {
	f    *Factory
	id   string
	mu   sync.Mutex
	s    Snapshot
	busy bool
}

func (e *Escrow) ID() string { return e.id }

func (e *Escrow) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone()
}

// HashPanicCode returns the digest a buyer registers when funding.
func HashPanicCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func updaterID(escrowID string) string { return "escrow:" + escrowID }

func (e *Escrow) run(ctx context.Context, op string, fn func(context.Context, time.Time) ([]Event, error)) error {
	ctx, span := e.f.tracer.Start(ctx, "escrow."+op, trace.WithAttributes(attribute.String("escrow.id", e.id)))
	defer span.End()

	now := e.f.now()
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		span.SetStatus(codes.Error, ErrReentrancyDetected.Error())
		return ErrReentrancyDetected
	}
	before := e.s.State
	events, err := fn(ctx, now)
	if err == nil {
		e.s.UpdatedAt = now
		e.f.persist(ctx, e.s.clone())
	}
	after := e.s.State
	e.mu.Unlock()

	span.SetAttributes(attribute.String("escrow.state", after))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if after != before {
		e.f.observeState(after)
	}
	e.f.emit(ctx, events)
	return nil
}

// external runs fn with mu released. busy must already be set.
func (e *Escrow) external(fn func() error) error {
	e.mu.Unlock()
	defer e.mu.Lock()
	return fn()
}

func (e *Escrow) moveLocked(ev escrowfsm.Event) error {
	next, err := escrowfsm.Next(e.s.State, ev)
	if err != nil {
		return fmt.Errorf("%w: %s from %s", ErrInvalidState, ev, e.s.State)
	}
	e.s.State = next
	return nil
}

func (e *Escrow) eventLocked(typ string, now time.Time, payload map[string]any, fb *registry.Fallbacks) Event {
	return Event{
		Type:          typ,
		EscrowID:      e.id,
		OccurredAt:    now,
		Payload:       payload,
		FallbacksUsed: fb.List(),
	}
}

func (e *Escrow) noteFallbacksLocked(fb *registry.Fallbacks) {
	for _, fact := range fb.List() {
		e.s.FallbacksUsed = append(e.s.FallbacksUsed, fact)
		module, _, _ := strings.Cut(fact, ".")
		e.f.observeFallback(module)
	}
}

// settleLocked pays dist out of custody and moves the escrow to final through
// the RELEASING marker. The marker and busy are set before the payout; if the
// payout fails the previous state is restored.
func (e *Escrow) settleLocked(ctx context.Context, final string, dist Distribution) error {
	prev := e.s.State
	custodian := e.f.custodian
	return escrowfsm.ExecuteTwoPhase(ctx, escrowfsm.TwoPhase{
		Prepare: func(context.Context) error {
			if err := e.moveLocked(escrowfsm.EventBeginRelease); err != nil {
				return err
			}
			e.busy = true
			return nil
		},
		Commit: func(ctx context.Context) error {
			err := e.external(func() error { return custodian.Payout(ctx, e.id, dist) })
			if err != nil {
				return fmt.Errorf("payout: %w", err)
			}
			next, err := escrowfsm.Transition(escrowfsm.Releasing, final)
			if err != nil {
				return err
			}
			e.s.State = next
			e.s.Distribution = dist.clone()
			e.busy = false
			return nil
		},
		Rollback: func(context.Context) error {
			e.s.State = prev
			e.busy = false
			return nil
		},
	})
}

// Fund moves the escrowed amount from the buyer into custody and stores the
// panic code digest.
func (e *Escrow) Fund(ctx context.Context, caller, panicCodeHash string) error {
	return e.run(ctx, "Fund", func(ctx context.Context, now time.Time) ([]Event, error) {
		if caller != e.s.Buyer {
			return nil, ErrUnauthorized
		}
		if e.s.State != escrowfsm.Created {
			return nil, ErrAlreadyFunded
		}
		hash := strings.ToLower(strings.TrimSpace(panicCodeHash))
		if raw, err := hex.DecodeString(hash); err != nil || len(raw) != sha256.Size {
			return nil, ErrInvalidPanicHash
		}
		buyer, amount := e.s.Buyer, e.s.Amount
		custodian := e.f.custodian
		err := escrowfsm.ExecuteTwoPhase(ctx, escrowfsm.TwoPhase{
			Prepare: func(context.Context) error {
				e.busy = true
				return nil
			},
			Commit: func(ctx context.Context) error {
				if err := e.external(func() error { return custodian.Deposit(ctx, e.id, buyer, amount) }); err != nil {
					return fmt.Errorf("deposit: %w", err)
				}
				if err := e.moveLocked(escrowfsm.EventFund); err != nil {
					return err
				}
				e.s.PanicCodeHash = hash
				e.busy = false
				return nil
			},
			Rollback: func(context.Context) error {
				e.busy = false
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		return []Event{e.eventLocked(EventEscrowFunded, now, map[string]any{"buyer": buyer, "amount": amount}, nil)}, nil
	})
}

// ConfirmReceipt starts the time lock.
func (e *Escrow) ConfirmReceipt(ctx context.Context, caller string) error {
	return e.run(ctx, "ConfirmReceipt", func(ctx context.Context, now time.Time) ([]Event, error) {
		if caller != e.s.Seller {
			return nil, ErrUnauthorized
		}
		if err := e.requireFundedLocked(escrowfsm.Funded); err != nil {
			return nil, err
		}
		var fb registry.Fallbacks
		lock := e.lockDurationLocked(&fb, now)

		confirmed, err := escrowfsm.Next(e.s.State, escrowfsm.EventConfirmReceipt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		locked, err := escrowfsm.Next(confirmed, escrowfsm.EventLock)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		e.s.State = locked
		e.s.Deadline = now.Add(lock)
		e.noteFallbacksLocked(&fb)
		return []Event{e.eventLocked(EventReceiptConfirmed, now, map[string]any{
			"deadline":      e.s.Deadline,
			"lock_duration": lock.String(),
		}, &fb)}, nil
	})
}

func (e *Escrow) lockDurationLocked(fb *registry.Fallbacks, now time.Time) time.Duration {
	reg := e.f.registry
	if custom := e.s.CustomTimeLock; custom > 0 {
		bounds := registry.Use(fb, registry.Ask(reg, registry.KindTimeLock, "Bounds", func(p registry.TimeLock) ([2]time.Duration, error) {
			lo, hi := p.Bounds()
			return [2]time.Duration{lo, hi}, nil
		}), [2]time.Duration{registry.DefaultMinLockDuration, registry.DefaultMaxLockDuration})
		if custom >= bounds[0] && custom <= bounds[1] {
			return custom
		}
	}
	buyer, seller := e.s.Buyer, e.s.Seller
	trusted := registry.Use(fb, registry.Ask(reg, registry.KindReputation, "IsTrustworthy", func(r registry.Reputation) (bool, error) {
		return r.IsTrustworthy(buyer, now) && r.IsTrustworthy(seller, now), nil
	}), false)
	tc := timelock.Context{Buyer: buyer, Seller: seller, BothTrustworthy: trusted}
	amount := e.s.Amount
	d := registry.Use(fb, registry.Ask(reg, registry.KindTimeLock, "DurationFor", func(p registry.TimeLock) (time.Duration, error) {
		return p.DurationFor(amount, tc), nil
	}), registry.DefaultLockDuration)
	if d <= 0 {
		fb.Add("TimeLock.DurationFor: non-positive duration")
		d = registry.DefaultLockDuration
	}
	return d
}

// AuthorizeEarlyRelease lets either party release before the deadline. An
// emergency activation revokes it.
func (e *Escrow) AuthorizeEarlyRelease(ctx context.Context, caller string) error {
	return e.run(ctx, "AuthorizeEarlyRelease", func(context.Context, time.Time) ([]Event, error) {
		if caller != e.s.Buyer {
			return nil, ErrUnauthorized
		}
		if err := e.requireFundedLocked(escrowfsm.Funded, escrowfsm.TimeLocked); err != nil {
			return nil, err
		}
		e.s.EarlyReleaseAuthorized = true
		return nil, nil
	})
}

// ReleaseFunds pays the seller once the time lock has elapsed, or at once
// if the buyer authorized early release.
func (e *Escrow) ReleaseFunds(ctx context.Context, caller string) error {
	return e.run(ctx, "ReleaseFunds", func(ctx context.Context, now time.Time) ([]Event, error) {
		if !e.s.isParty(caller) {
			return nil, ErrUnauthorized
		}
		switch e.s.State {
		case escrowfsm.TimeLocked:
			if !e.s.EarlyReleaseAuthorized && now.Before(e.s.Deadline) {
				return nil, ErrTimeLockActive
			}
		case escrowfsm.EmergencyLocked:
			if e.s.beforeReceipt() {
				return nil, fmt.Errorf("%w: receipt not confirmed", ErrInvalidState)
			}
			if now.Before(e.s.Deadline) {
				return nil, ErrTimeLockActive
			}
		case escrowfsm.Funded:
			if !e.s.EarlyReleaseAuthorized {
				return nil, fmt.Errorf("%w: receipt not confirmed", ErrInvalidState)
			}
		default:
			return nil, e.stateErrLocked()
		}
		seller, amount := e.s.Seller, e.s.Amount
		if err := e.settleLocked(ctx, escrowfsm.Released, Distribution{seller: amount}); err != nil {
			return nil, err
		}
		var fb registry.Fallbacks
		repEvents := e.recordTradesLocked(&fb, now)
		e.noteFallbacksLocked(&fb)
		events := []Event{e.eventLocked(EventFundsReleased, now, map[string]any{
			"to":          seller,
			"amount":      amount,
			"released_by": caller,
		}, &fb)}
		return append(events, repEvents...), nil
	})
}

func (e *Escrow) recordTradesLocked(fb *registry.Fallbacks, now time.Time) []Event {
	var events []Event
	updater, amount := updaterID(e.id), e.s.Amount
	for _, user := range []string{e.s.Buyer, e.s.Seller} {
		q := registry.Ask(e.f.registry, registry.KindReputation, "RecordTrade", func(r registry.Reputation) (int, error) {
			return r.RecordTrade(updater, user, amount, true, now)
		})
		if !q.OK {
			fb.Add(q.Fact())
			continue
		}
		events = append(events, e.eventLocked(EventReputationUpdated, now, map[string]any{
			"user":      user,
			"new_score": q.Value,
			"reason":    "trade_completed",
		}, nil))
	}
	return events
}

// EmergencyStop extends the lock when the caller presents the panic code.
// A wrong caller, a wrong code and a missing digest fail identically.
func (e *Escrow) EmergencyStop(ctx context.Context, caller, panicCode string) error {
	return e.run(ctx, "EmergencyStop", func(ctx context.Context, now time.Time) ([]Event, error) {
		presented := sha256.Sum256([]byte(panicCode))
		var stored [sha256.Size]byte
		raw, _ := hex.DecodeString(e.s.PanicCodeHash)
		copy(stored[:], raw)
		ok := subtle.ConstantTimeCompare(presented[:], stored[:]) &
			subtle.ConstantTimeEq(int32(len(raw)), sha256.Size) &
			subtle.ConstantTimeEq(boolToInt32(e.s.isParty(caller)), 1)
		if ok != 1 {
			return nil, ErrInvalidPanicCode
		}
		switch e.s.State {
		case escrowfsm.Funded, escrowfsm.TimeLocked:
		default:
			return nil, e.stateErrLocked()
		}

		var fb registry.Fallbacks
		codeHash := hex.EncodeToString(presented[:])
		ext, fallback := e.emergencyExtensionLocked(ctx, &fb, caller, codeHash, now)
		from := e.s.State
		if err := e.moveLocked(escrowfsm.EventEmergency); err != nil {
			return nil, err
		}
		base := e.s.Deadline
		if base.Before(now) {
			base = now
		}
		e.s.Deadline = base.Add(ext)
		e.s.EarlyReleaseAuthorized = false
		e.s.Emergency = &EmergencyRecord{
			ActivatedAt:      now,
			ActivatedBy:      caller,
			FromState:        from,
			PanicCodeHash:    codeHash,
			Reason:           "panic code presented",
			ExtensionApplied: ext,
			FallbackUsed:     fallback,
		}
		e.noteFallbacksLocked(&fb)
		return []Event{e.eventLocked(EventEmergencyActivated, now, map[string]any{
			"escrow_id":    e.id,
			"extension":    ext.String(),
			"deadline":     e.s.Deadline,
			"activated_by": caller,
		}, &fb)}, nil
	})
}

// emergencyExtensionLocked asks EmergencyControl first; a refusal or absence
// falls back to the time-lock policy and then to the hardcoded default.
func (e *Escrow) emergencyExtensionLocked(ctx context.Context, fb *registry.Fallbacks, caller, codeHash string, now time.Time) (time.Duration, bool) {
	reg := e.f.registry
	id := e.id
	q := registry.Ask(reg, registry.KindEmergency, "Activate", func(m registry.Emergency) (time.Duration, error) {
		return m.Activate(ctx, id, caller, codeHash, "panic code presented", now)
	})
	if q.OK && q.Value > 0 {
		return q.Value, false
	}
	if q.OK {
		fb.Add("Emergency.Activate: non-positive extension")
	} else {
		fb.Add(q.Fact())
	}
	ext := registry.Use(fb, registry.Ask(reg, registry.KindTimeLock, "EmergencyExtension", func(p registry.TimeLock) (time.Duration, error) {
		return p.EmergencyExtension(), nil
	}), registry.DefaultEmergencyExtension)
	if ext <= 0 {
		ext = registry.DefaultEmergencyExtension
	}
	return ext, true
}

// RaiseDispute charges the arbitration fee to the caller, opens a case and
// extends the deadline. Each escrow can be disputed once.
func (e *Escrow) RaiseDispute(ctx context.Context, caller, reason string) error {
	return e.run(ctx, "RaiseDispute", func(ctx context.Context, now time.Time) ([]Event, error) {
		if !e.s.isParty(caller) {
			return nil, ErrUnauthorized
		}
		if e.s.Dispute != nil {
			return nil, ErrDisputeExists
		}
		if err := e.requireFundedLocked(escrowfsm.Funded, escrowfsm.TimeLocked, escrowfsm.EmergencyLocked); err != nil {
			return nil, err
		}
		reg := e.f.registry
		var fb registry.Fallbacks
		fee := registry.Use(&fb, registry.Ask(reg, registry.KindArbitration, "Fee", func(a registry.Arbitration) (int64, error) {
			return a.Fee(), nil
		}), registry.DefaultArbitrationFee)
		if fee < 0 {
			fee = 0
		}
		custodian := e.f.custodian
		e.busy = true
		err := e.external(func() error { return custodian.CollectFee(ctx, e.id, caller, fee) })
		e.busy = false
		if err != nil {
			return nil, fmt.Errorf("arbitration fee: %w", err)
		}

		id, amount, respondent := e.id, e.s.Amount, e.s.counterparty(caller)
		reason = strings.TrimSpace(reason)
		q := registry.Ask(reg, registry.KindArbitration, "Open", func(a registry.Arbitration) (string, error) {
			return a.Open(id, amount, caller, respondent, reason, now)
		})
		disputeID, local := q.Value, false
		if !q.OK {
			fb.Add(q.Fact())
			disputeID, local = uuid.NewString(), true
		}
		ext := registry.Use(&fb, registry.Ask(reg, registry.KindTimeLock, "DisputeExtension", func(p registry.TimeLock) (time.Duration, error) {
			return p.DisputeExtension(), nil
		}), registry.DefaultDisputeExtension)

		if err := e.moveLocked(escrowfsm.EventDispute); err != nil {
			return nil, err
		}
		base := e.s.Deadline
		if base.Before(now) {
			base = now
		}
		e.s.Deadline = base.Add(ext)
		e.s.Dispute = &DisputeRef{
			ID:        disputeID,
			RaisedBy:  caller,
			Reason:    reason,
			Fee:       fee,
			Extension: ext,
			RaisedAt:  now,
			Local:     local,
		}
		e.noteFallbacksLocked(&fb)
		return []Event{e.eventLocked(EventDisputeRaised, now, map[string]any{
			"dispute_id": disputeID,
			"raised_by":  caller,
			"fee":        fee,
		}, &fb)}, nil
	})
}

// ResolveDispute settles a dispute with dist. An arbitration decision binds
// the distribution; the administrator may choose freely only when
// arbitration cannot decide (module absent, case escalated or expired).
func (e *Escrow) ResolveDispute(ctx context.Context, caller string, dist Distribution) error {
	return e.run(ctx, "ResolveDispute", func(ctx context.Context, now time.Time) ([]Event, error) {
		if err := e.requireDisputedLocked(); err != nil {
			return nil, err
		}
		normalized, err := e.validateDistributionLocked(dist)
		if err != nil {
			return nil, err
		}
		var fb registry.Fallbacks
		fin, err := e.authorizeResolutionLocked(&fb, caller, normalized, now)
		if err != nil {
			return nil, err
		}
		return e.finishResolutionLocked(ctx, normalized, caller, fin, &fb, now)
	})
}

// SettleFromArbitration applies a finalized arbitration decision. Anyone may
// trigger it since the decision fixes the distribution.
func (e *Escrow) SettleFromArbitration(ctx context.Context) error {
	return e.run(ctx, "SettleFromArbitration", func(ctx context.Context, now time.Time) ([]Event, error) {
		if err := e.requireDisputedLocked(); err != nil {
			return nil, err
		}
		d := e.s.Dispute
		if d.Local {
			return nil, fmt.Errorf("%w: dispute %s has no arbitration case", ErrModuleUnavailable, d.ID)
		}
		q := e.arbitrationStatusLocked(now)
		if !q.OK {
			if errors.Is(q.Err, arbitration.ErrNoQuorum) {
				return nil, fmt.Errorf("%w: arbitration has no quorum for dispute %s", ErrNotYet, d.ID)
			}
			return nil, fmt.Errorf("%w: %s", ErrModuleUnavailable, q.Reason)
		}
		buyerShare, sellerShare := e.sharesLocked(q.Value)
		dist := Distribution{e.s.Buyer: buyerShare, e.s.Seller: sellerShare}
		var fb registry.Fallbacks
		return e.finishResolutionLocked(ctx, dist, "arbitration:"+q.Value.ResolvedBy, finishResolve, &fb, now)
	})
}

// finish says what the arbitration case needs once the payout went through.
type finish int

const (
	finishNone finish = iota
	finishResolve
	finishManual
)

// arbitrationStatusLocked reads the case without finalizing it; Resolve is
// only called after the payout succeeded. A case that is not RESOLVED is
// reported with the error Resolve would return.
func (e *Escrow) arbitrationStatusLocked(now time.Time) registry.Query[arbitration.Record] {
	disputeID := e.s.Dispute.ID
	return registry.Ask(e.f.registry, registry.KindArbitration, "Resolve", func(a registry.Arbitration) (arbitration.Record, error) {
		st, err := a.CheckEscalation(disputeID, now)
		if err != nil {
			return arbitration.Record{}, err
		}
		rec, err := a.Status(disputeID)
		if err != nil {
			return arbitration.Record{}, err
		}
		switch st {
		case arbitration.StateResolved:
			return rec, nil
		case arbitration.StateEscalated:
			return rec, arbitration.ErrDisputeEscalated
		case arbitration.StateExpired:
			return rec, arbitration.ErrDisputeFinalized
		default:
			return rec, arbitration.ErrNoQuorum
		}
	})
}

func (e *Escrow) sharesLocked(rec arbitration.Record) (buyer, seller int64) {
	if p := rec.Payout; p != nil && p.Buyer+p.Seller == e.s.Amount {
		return p.Buyer, p.Seller
	}
	return rec.Resolution.Shares(e.s.Amount)
}

func (e *Escrow) authorizeResolutionLocked(fb *registry.Fallbacks, caller string, dist Distribution, now time.Time) (finish, error) {
	d := e.s.Dispute
	isAdmin := e.f.isAdmin(caller)
	if d.Local {
		if !isAdmin {
			return finishNone, ErrUnauthorized
		}
		fb.Add("Arbitration.Resolve: no arbitration case, resolved by administrator")
		return finishNone, nil
	}
	resolver := isAdmin || e.f.registry.IsAuthorized(caller, registry.KindArbitration)
	q := e.arbitrationStatusLocked(now)
	switch {
	case q.OK:
		if !resolver {
			return finishNone, ErrUnauthorized
		}
		buyerShare, sellerShare := e.sharesLocked(q.Value)
		if dist[e.s.Buyer] != buyerShare || dist[e.s.Seller] != sellerShare {
			return finishNone, fmt.Errorf("%w: arbitration decided %s", ErrInvalidDistribution, q.Value.Resolution)
		}
		return finishResolve, nil
	case errors.Is(q.Err, arbitration.ErrNoQuorum):
		if !resolver {
			return finishNone, ErrUnauthorized
		}
		return finishNone, fmt.Errorf("%w: arbitration has no quorum for dispute %s", ErrNotYet, d.ID)
	default:
		if !isAdmin {
			return finishNone, ErrUnauthorized
		}
		fb.Add(q.Fact())
		if errors.Is(q.Err, arbitration.ErrDisputeEscalated) || errors.Is(q.Err, arbitration.ErrDisputeFinalized) {
			return finishManual, nil
		}
		return finishNone, nil
	}
}

func (e *Escrow) finishResolutionLocked(ctx context.Context, dist Distribution, resolvedBy string, fin finish, fb *registry.Fallbacks, now time.Time) ([]Event, error) {
	if err := e.settleLocked(ctx, escrowfsm.DisputeResolved, dist); err != nil {
		return nil, err
	}
	e.closeArbitrationLocked(fb, fin, resolvedBy, dist, now)
	repEvents := e.recordDisputeLocked(fb, dist, now)
	e.noteFallbacksLocked(fb)
	payout := make(map[string]any, len(dist))
	for party, amount := range dist {
		payout[party] = amount
	}
	events := []Event{e.eventLocked(EventDisputeResolved, now, map[string]any{
		"dispute_id":   e.s.Dispute.ID,
		"distribution": payout,
		"resolved_by":  resolvedBy,
	}, fb)}
	return append(events, repEvents...), nil
}

// closeArbitrationLocked brings the arbitration case in line with the payout
// that was just made.
func (e *Escrow) closeArbitrationLocked(fb *registry.Fallbacks, fin finish, resolver string, dist Distribution, now time.Time) {
	disputeID := e.s.Dispute.ID
	buyerShare, sellerShare := dist[e.s.Buyer], dist[e.s.Seller]
	var q registry.Query[arbitration.Record]
	switch fin {
	case finishResolve:
		q = registry.Ask(e.f.registry, registry.KindArbitration, "Resolve", func(a registry.Arbitration) (arbitration.Record, error) {
			rec, _, err := a.Resolve(disputeID, now)
			return rec, err
		})
	case finishManual:
		q = registry.Ask(e.f.registry, registry.KindArbitration, "ManualSettle", func(a registry.Arbitration) (arbitration.Record, error) {
			return a.ManualSettle(disputeID, resolver, buyerShare, sellerShare, now)
		})
	default:
		return
	}
	if !q.OK {
		fb.Add(q.Fact())
	}
}

// recordDisputeLocked books the outcome for both parties. An even split has
// no loser and is not booked.
func (e *Escrow) recordDisputeLocked(fb *registry.Fallbacks, dist Distribution, now time.Time) []Event {
	claimant := e.s.Dispute.RaisedBy
	defendant := e.s.counterparty(claimant)
	if dist[claimant] == dist[defendant] {
		return nil
	}
	claimantWon := dist[claimant] > dist[defendant]
	reg, updater := e.f.registry, updaterID(e.id)
	q := registry.Ask(reg, registry.KindReputation, "RecordDispute", func(r registry.Reputation) (map[string]int, error) {
		if err := r.RecordDispute(updater, claimant, defendant, claimantWon, now); err != nil {
			return nil, err
		}
		return map[string]int{claimant: r.Score(claimant, now), defendant: r.Score(defendant, now)}, nil
	})
	if !q.OK {
		fb.Add(q.Fact())
		return nil
	}
	winner, loser := claimant, defendant
	if !claimantWon {
		winner, loser = defendant, claimant
	}
	return []Event{
		e.eventLocked(EventReputationUpdated, now, map[string]any{"user": winner, "new_score": q.Value[winner], "reason": "dispute_won"}, nil),
		e.eventLocked(EventReputationUpdated, now, map[string]any{"user": loser, "new_score": q.Value[loser], "reason": "dispute_lost"}, nil),
	}
}

// Refund returns the escrowed amount to the buyer. The seller may refund
// voluntarily at any point before settlement. The buyer may reclaim an
// escrow locked by an emergency raised before receipt, once its extended
// deadline has passed; after receipt the buyer's remedy is a dispute.
func (e *Escrow) Refund(ctx context.Context, caller string) error {
	return e.run(ctx, "Refund", func(ctx context.Context, now time.Time) ([]Event, error) {
		if !e.s.isParty(caller) {
			return nil, ErrUnauthorized
		}
		state := e.s.State
		switch {
		case escrowfsm.IsSettling(state):
			return nil, ErrAlreadyReleased
		case state == escrowfsm.Created:
			return nil, ErrNotFunded
		case caller == e.s.Seller && (state == escrowfsm.Funded || state == escrowfsm.TimeLocked || state == escrowfsm.EmergencyLocked):
		case caller == e.s.Buyer && state == escrowfsm.EmergencyLocked && e.s.beforeReceipt():
			if now.Before(e.s.Deadline) {
				return nil, ErrTimeLockActive
			}
		case caller == e.s.Buyer && state != escrowfsm.Disputed:
			return nil, ErrUnauthorized
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidState, state)
		}
		buyer, amount := e.s.Buyer, e.s.Amount
		if err := e.settleLocked(ctx, escrowfsm.Refunded, Distribution{buyer: amount}); err != nil {
			return nil, err
		}
		return []Event{e.eventLocked(EventEscrowRefunded, now, map[string]any{
			"to":          buyer,
			"amount":      amount,
			"refunded_by": caller,
		}, nil)}, nil
	})
}

func (e *Escrow) requireFundedLocked(allowed ...string) error {
	for _, st := range allowed {
		if e.s.State == st {
			return nil
		}
	}
	return e.stateErrLocked()
}

func (e *Escrow) requireDisputedLocked() error {
	if e.s.State == escrowfsm.Disputed {
		return nil
	}
	if e.s.Dispute == nil && !escrowfsm.IsSettling(e.s.State) {
		return ErrNoDispute
	}
	return e.stateErrLocked()
}

func (e *Escrow) stateErrLocked() error {
	switch {
	case e.s.State == escrowfsm.Created:
		return ErrNotFunded
	case escrowfsm.IsSettling(e.s.State):
		return ErrAlreadyReleased
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, e.s.State)
	}
}

// validateDistributionLocked accepts payouts to the two parties only, each
// non-negative, summing exactly to the escrowed amount.
func (e *Escrow) validateDistributionLocked(dist Distribution) (Distribution, error) {
	out := Distribution{e.s.Buyer: 0, e.s.Seller: 0}
	for party, amount := range dist {
		if _, ok := out[party]; !ok {
			return nil, fmt.Errorf("%w: %q is not a party", ErrInvalidDistribution, party)
		}
		if amount < 0 || amount > e.s.Amount {
			return nil, fmt.Errorf("%w: share %d out of range", ErrInvalidDistribution, amount)
		}
		out[party] = amount
	}
	if out.Total() != e.s.Amount {
		return nil, fmt.Errorf("%w: total %d, escrowed %d", ErrInvalidDistribution, out.Total(), e.s.Amount)
	}
	return out, nil
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
