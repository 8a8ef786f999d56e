package arbitration

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newArb(t *testing.T) *Arbitration {
	t.Helper()
	a, err := New(DefaultConfig(), "arb-1", "arb-2", "arb-3")
	if err != nil {
		t.Fatalf("new arbitration: %v", err)
	}
	return a
}

func open(t *testing.T, a *Arbitration) string {
	t.Helper()
	id, err := a.Open("esc-1", 100, "buyer", "seller", "item never arrived", t0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return id
}

func TestTwoOfThreeResolvesBeforeThirdVote(t *testing.T) {
	a := newArb(t)
	id := open(t, a)

	rec, err := a.Vote(id, "arb-1", DecisionRefundBuyer, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	if rec.State != StateUnderReview {
		t.Fatalf("expected under review, got %s", rec.State)
	}
	if _, _, err := a.Resolve(id, t0.Add(time.Hour)); !errors.Is(err, ErrNoQuorum) || !errors.Is(err, ErrNotYet) {
		t.Fatalf("expected no quorum not-yet error, got %v", err)
	}
	rec, err = a.Vote(id, "arb-2", DecisionRefundBuyer, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("vote 2: %v", err)
	}
	if rec.State != StateResolved || rec.Resolution != DecisionRefundBuyer || rec.ResolvedBy != "consensus" {
		t.Fatalf("expected consensus resolution, got %+v", rec)
	}
	buyer, seller := rec.Resolution.Shares(rec.Amount)
	if buyer != 100 || seller != 0 {
		t.Fatalf("expected {buyer:100, seller:0}, got %d/%d", buyer, seller)
	}
	if _, err := a.Vote(id, "arb-3", DecisionReleaseSeller, t0.Add(3*time.Hour)); !errors.Is(err, ErrDisputeFinalized) {
		t.Fatalf("third vote after resolution must be rejected, got %v", err)
	}
}

func TestFirstDecisionToReachThresholdWins(t *testing.T) {
	a, err := New(Config{Threshold: 2, EscalationTime: time.Hour, ManualWindow: time.Hour}, "a", "b", "c", "d")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id, _ := a.Open("esc", 10, "buyer", "seller", "", t0)
	_, _ = a.Vote(id, "a", DecisionReleaseSeller, t0)
	_, _ = a.Vote(id, "b", DecisionRefundBuyer, t0)
	rec, _ := a.Vote(id, "c", DecisionRefundBuyer, t0)
	if rec.Resolution != DecisionRefundBuyer {
		t.Fatalf("expected refund to win, got %+v", rec)
	}
	if _, err := a.Vote(id, "d", DecisionReleaseSeller, t0); !errors.Is(err, ErrDisputeFinalized) {
		t.Fatalf("resolution must not be amended, got %v", err)
	}
}

func TestVoteValidation(t *testing.T) {
	a := newArb(t)
	id := open(t, a)
	if _, err := a.Vote(id, "stranger", DecisionRefundBuyer, t0); !errors.Is(err, ErrNotArbitrator) {
		t.Fatalf("expected not arbitrator, got %v", err)
	}
	if _, err := a.Vote(id, "arb-1", Decision("MAYBE"), t0); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected invalid decision, got %v", err)
	}
	if _, err := a.Vote("missing", "arb-1", DecisionSplit, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := a.Vote(id, "arb-1", DecisionSplit, t0); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := a.Vote(id, "arb-1", DecisionRefundBuyer, t0); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected duplicate vote rejection, got %v", err)
	}
	a.RemoveArbitrator("arb-2")
	if _, err := a.Vote(id, "arb-2", DecisionSplit, t0); !errors.Is(err, ErrNotArbitrator) {
		t.Fatalf("removed arbitrator must not vote, got %v", err)
	}
	rec, _ := a.Status(id)
	if rec.Tally()[DecisionSplit] != 1 {
		t.Fatalf("unexpected tally %v", rec.Tally())
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	a := newArb(t)
	id := open(t, a)
	_, _ = a.Vote(id, "arb-1", DecisionSplit, t0)
	_, _ = a.Vote(id, "arb-3", DecisionSplit, t0)

	first, isFirst, err := a.Resolve(id, t0)
	if err != nil || !isFirst {
		t.Fatalf("expected first finalization, got first=%v err=%v", isFirst, err)
	}
	again, isFirst, err := a.Resolve(id, t0.Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("repeat resolve must not error: %v", err)
	}
	if isFirst {
		t.Fatal("repeat resolve must not report a new finalization")
	}
	if again.State != first.State || again.Resolution != first.Resolution || !again.ResolvedAt.Equal(first.ResolvedAt) {
		t.Fatalf("repeat resolve changed state: %+v vs %+v", again, first)
	}
}

func TestEscalationAndManualResolution(t *testing.T) {
	a := newArb(t)
	id := open(t, a)
	_, _ = a.Vote(id, "arb-1", DecisionRefundBuyer, t0)
	_, _ = a.Vote(id, "arb-2", DecisionReleaseSeller, t0)

	late := t0.Add(DefaultConfig().EscalationTime)
	if _, err := a.Vote(id, "arb-3", DecisionRefundBuyer, late); !errors.Is(err, ErrDisputeEscalated) {
		t.Fatalf("expected escalated, got %v", err)
	}
	if st, _ := a.CheckEscalation(id, late); st != StateEscalated {
		t.Fatalf("expected escalated state, got %s", st)
	}
	if _, _, err := a.Resolve(id, late); !errors.Is(err, ErrDisputeEscalated) {
		t.Fatalf("expected resolve to report escalation, got %v", err)
	}
	rec, err := a.ManualResolve(id, "admin", DecisionSplit, late.Add(time.Hour))
	if err != nil {
		t.Fatalf("manual resolve: %v", err)
	}
	if rec.State != StateResolved || rec.ResolvedBy != "manual:admin" {
		t.Fatalf("unexpected manual resolution %+v", rec)
	}
	if _, err := a.ManualResolve(id, "admin", DecisionRefundBuyer, late.Add(2*time.Hour)); !errors.Is(err, ErrDisputeFinalized) {
		t.Fatalf("manual resolution must be final, got %v", err)
	}
}

func TestManualSettle(t *testing.T) {
	a := newArb(t)
	id := open(t, a)
	if _, err := a.ManualSettle(id, "admin", 50, 50, t0); !errors.Is(err, ErrNotEscalated) {
		t.Fatalf("expected not escalated, got %v", err)
	}
	cfg := DefaultConfig()
	expired := t0.Add(cfg.EscalationTime + cfg.ManualWindow)
	if st, _ := a.CheckEscalation(id, expired); st != StateExpired {
		t.Fatalf("expected expired, got %s", st)
	}
	rec, _ := a.Status(id)
	if _, err := a.ManualSettle(id, "admin", rec.Amount, 1, expired); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("payout must match the disputed amount, got %v", err)
	}
	rec, err := a.ManualSettle(id, "admin", 0, rec.Amount, expired)
	if err != nil {
		t.Fatalf("manual settle: %v", err)
	}
	if rec.State != StateResolved || !rec.Finalized || rec.Resolution != DecisionReleaseSeller || rec.Payout == nil || rec.Payout.Seller != rec.Amount {
		t.Fatalf("unexpected settled record %+v", rec)
	}
	if changed := a.Sweep(expired.Add(365 * 24 * time.Hour)); len(changed) != 0 {
		t.Fatalf("settled case must not move again, got %v", changed)
	}
	if _, err := a.ManualSettle(id, "admin", rec.Amount, 0, expired); !errors.Is(err, ErrDisputeFinalized) {
		t.Fatalf("expected finalized, got %v", err)
	}
	for want, payout := range map[Decision][2]int64{
		DecisionRefundBuyer:   {10, 0},
		DecisionReleaseSeller: {0, 10},
		DecisionSplit:         {4, 6},
	} {
		if got := DecisionFor(payout[0], payout[1]); got != want {
			t.Fatalf("DecisionFor(%v) = %s, want %s", payout, got, want)
		}
	}
}

func TestManualResolveRequiresEscalation(t *testing.T) {
	a := newArb(t)
	id := open(t, a)
	if _, err := a.ManualResolve(id, "admin", DecisionSplit, t0); !errors.Is(err, ErrNotEscalated) {
		t.Fatalf("expected not escalated, got %v", err)
	}
}

func TestSweepExpiresAbandonedEscalations(t *testing.T) {
	a := newArb(t)
	id := open(t, a)
	cfg := DefaultConfig()
	if changed := a.Sweep(t0.Add(cfg.EscalationTime)); len(changed) != 1 || changed[0] != id {
		t.Fatalf("expected escalation sweep to report %s, got %v", id, changed)
	}
	if changed := a.Sweep(t0.Add(cfg.EscalationTime + cfg.ManualWindow)); len(changed) != 1 {
		t.Fatalf("expected expiry sweep, got %v", changed)
	}
	rec, _ := a.Status(id)
	if rec.State != StateExpired {
		t.Fatalf("expected expired, got %s", rec.State)
	}
	if changed := a.Sweep(t0.Add(365 * 24 * time.Hour)); len(changed) != 0 {
		t.Fatalf("expired disputes must stay expired, got %v", changed)
	}
}

func TestOpenValidation(t *testing.T) {
	a := newArb(t)
	if _, err := a.Open("esc", 0, "b", "s", "", t0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero amount, got %v", err)
	}
	if _, err := a.Open("esc", 10, "b", "b", "", t0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for same party, got %v", err)
	}
	if _, err := a.Open("esc", 10, "b", "s", "", t0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := a.Open("esc", 10, "s", "b", "", t0); !errors.Is(err, ErrDuplicateDispute) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	rec, err := a.ForEscrow("esc")
	if err != nil || rec.Claimant != "b" {
		t.Fatalf("lookup by escrow failed: %+v %v", rec, err)
	}
}

func TestSharesAlwaysSumToAmount(t *testing.T) {
	for _, amount := range []int64{1, 2, 99, 100, 101, 1 << 40} {
		for _, d := range []Decision{DecisionRefundBuyer, DecisionReleaseSeller, DecisionSplit} {
			b, s := d.Shares(amount)
			if b+s != amount || b < 0 || s < 0 {
				t.Fatalf("%s on %d: %d + %d", d, amount, b, s)
			}
		}
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	a := newArb(t)
	bad := DefaultConfig()
	bad.Fee = -1
	if err := a.UpdateConfig(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	good := DefaultConfig()
	good.Fee = 25
	if err := a.UpdateConfig(good); err != nil || a.Fee() != 25 {
		t.Fatalf("update failed: fee=%d err=%v", a.Fee(), err)
	}
}

func TestRestore(t *testing.T) {
	a := newArb(t)
	a.Restore(Record{ID: "d-1", EscrowID: "esc-9", State: StateEscalated, EscalateAt: t0, Votes: map[string]Decision{"arb-1": DecisionSplit}})
	rec, err := a.ForEscrow("esc-9")
	if err != nil || rec.ID != "d-1" || rec.Votes["arb-1"] != DecisionSplit {
		t.Fatalf("restore failed: %+v %v", rec, err)
	}
}
