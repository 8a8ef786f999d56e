package arbitration

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrowfsm"
)

type State string

const (
	StateRaised      State = "RAISED"
	StateUnderReview State = "UNDER_REVIEW"
	StateResolved    State = "RESOLVED"
	StateEscalated   State = "ESCALATED"
	StateExpired     State = "EXPIRED"
)

type Decision string

const (
	DecisionRefundBuyer   Decision = "REFUND_BUYER"
	DecisionReleaseSeller Decision = "RELEASE_SELLER"
	DecisionSplit         Decision = "SPLIT"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionRefundBuyer, DecisionReleaseSeller, DecisionSplit:
		return true
	default:
		return false
	}
}

// Shares splits amount between buyer and seller. Split gives the odd unit to
// the seller so the two shares always sum to amount.
func (d Decision) Shares(amount int64) (buyer, seller int64) {
	switch d {
	case DecisionRefundBuyer:
		return amount, 0
	case DecisionReleaseSeller:
		return 0, amount
	default:
		buyer = amount / 2
		return buyer, amount - buyer
	}
}

var (
	ErrNotYet           = errors.New("not yet")
	ErrNoQuorum         = fmt.Errorf("%w: consensus threshold not reached", ErrNotYet)
	ErrNotFound         = errors.New("dispute not found")
	ErrNotArbitrator    = errors.New("caller is not an arbitrator")
	ErrAlreadyVoted     = errors.New("arbitrator already voted")
	ErrInvalidDecision  = errors.New("invalid decision")
	ErrDisputeFinalized = errors.New("dispute already finalized")
	ErrDisputeEscalated = errors.New("dispute escalated to manual resolution")
	ErrNotEscalated     = errors.New("dispute is not escalated")
	ErrDuplicateDispute = errors.New("dispute already open for escrow")
	ErrInvalidInput     = errors.New("invalid dispute input")
	ErrInvalidConfig    = errors.New("invalid arbitration config")
)

type Config struct {
	Threshold      int           `yaml:"threshold" json:"threshold"`
	EscalationTime time.Duration `yaml:"escalation_time" json:"escalation_time"`
	// ManualWindow bounds how long an escalated dispute waits for an
	// administrator before it expires.
	ManualWindow time.Duration `yaml:"manual_window" json:"manual_window"`
	Fee          int64         `yaml:"fee" json:"fee"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:      2,
		EscalationTime: 7 * 24 * time.Hour,
		ManualWindow:   14 * 24 * time.Hour,
		Fee:            10,
	}
}

func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be positive", ErrInvalidConfig)
	}
	if c.EscalationTime <= 0 || c.ManualWindow <= 0 {
		return fmt.Errorf("%w: escalation and manual windows must be positive", ErrInvalidConfig)
	}
	if c.Fee < 0 {
		return fmt.Errorf("%w: fee must not be negative", ErrInvalidConfig)
	}
	return nil
}

type Record struct {
	ID         string              `json:"id"`
	EscrowID   string              `json:"escrow_id"`
	Amount     int64               `json:"amount_in_escrow"`
	Claimant   string              `json:"claimant"`
	Respondent string              `json:"respondent"`
	Reason     string              `json:"reason"`
	State      State               `json:"state"`
	Votes      map[string]Decision `json:"votes"`
	Resolution Decision            `json:"resolution,omitempty"`
	ResolvedBy string              `json:"resolved_by,omitempty"`
	OpenedAt   time.Time           `json:"opened_at"`
	EscalateAt time.Time           `json:"escalate_at"`
	ResolvedAt time.Time           `json:"resolved_at,omitempty"`
	// Payout holds the exact shares of a manual settlement, which need not
	// match one of the vote decisions.
	Payout *Payout `json:"payout,omitempty"`
	// Finalized is set by the first Resolve call after a resolution exists.
	Finalized bool `json:"finalized"`
}

type Payout struct {
	Buyer  int64 `json:"buyer"`
	Seller int64 `json:"seller"`
}

// DecisionFor names the decision closest to a payout: everything to one
// party, otherwise a split.
func DecisionFor(buyer, seller int64) Decision {
	switch {
	case seller == 0:
		return DecisionRefundBuyer
	case buyer == 0:
		return DecisionReleaseSeller
	default:
		return DecisionSplit
	}
}

func (r Record) clone() Record {
	votes := make(map[string]Decision, len(r.Votes))
	for k, v := range r.Votes {
		votes[k] = v
	}
	r.Votes = votes
	if r.Payout != nil {
		p := *r.Payout
		r.Payout = &p
	}
	return r
}

// Tally counts votes per decision.
func (r Record) Tally() map[Decision]int {
	out := map[Decision]int{}
	for _, d := range r.Votes {
		out[d]++
	}
	return out
}

type Arbitration struct {
	mu          sync.RWMutex
	cfg         Config
	arbitrators map[string]struct{}
	disputes    map[string]*Record
	byEscrow    map[string]string
}

func New(cfg Config, arbitrators ...string) (*Arbitration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Arbitration{
		cfg:         cfg,
		arbitrators: map[string]struct{}{},
		disputes:    map[string]*Record{},
		byEscrow:    map[string]string{},
	}
	for _, id := range arbitrators {
		a.AddArbitrator(id)
	}
	return a, nil
}

func (a *Arbitration) AddArbitrator(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	a.mu.Lock()
	a.arbitrators[id] = struct{}{}
	a.mu.Unlock()
}

// RemoveArbitrator stops id from casting new votes; votes already cast stand.
func (a *Arbitration) RemoveArbitrator(id string) {
	a.mu.Lock()
	delete(a.arbitrators, strings.TrimSpace(id))
	a.mu.Unlock()
}

func (a *Arbitration) IsArbitrator(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.arbitrators[strings.TrimSpace(id)]
	return ok
}

func (a *Arbitration) Fee() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Fee
}

func (a *Arbitration) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// UpdateConfig applies to disputes opened afterwards; open disputes keep the
// escalation deadline they were opened with.
func (a *Arbitration) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	return nil
}

func (a *Arbitration) Open(escrowID string, amount int64, claimant, respondent, reason string, now time.Time) (string, error) {
	escrowID = strings.TrimSpace(escrowID)
	claimant = strings.TrimSpace(claimant)
	respondent = strings.TrimSpace(respondent)
	if escrowID == "" || claimant == "" || respondent == "" || claimant == respondent || amount <= 0 {
		return "", ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byEscrow[escrowID]; ok {
		return "", ErrDuplicateDispute
	}
	rec := &Record{
		ID:         uuid.NewString(),
		EscrowID:   escrowID,
		Amount:     amount,
		Claimant:   claimant,
		Respondent: respondent,
		Reason:     strings.TrimSpace(reason),
		State:      StateRaised,
		Votes:      map[string]Decision{},
		OpenedAt:   now,
		EscalateAt: now.Add(a.cfg.EscalationTime),
	}
	a.disputes[rec.ID] = rec
	a.byEscrow[escrowID] = rec.ID
	return rec.ID, nil
}

// Vote records one vote per arbitrator. The first decision whose tally reaches
// the threshold becomes the resolution; it cannot be amended afterwards.
func (a *Arbitration) Vote(disputeID, arbitrator string, decision Decision, now time.Time) (Record, error) {
	arbitrator = strings.TrimSpace(arbitrator)
	if !decision.Valid() {
		return Record{}, ErrInvalidDecision
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.disputes[disputeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if _, ok := a.arbitrators[arbitrator]; !ok {
		return Record{}, ErrNotArbitrator
	}
	a.checkTimeoutsLocked(rec, now)
	switch rec.State {
	case StateResolved, StateExpired:
		return rec.clone(), ErrDisputeFinalized
	case StateEscalated:
		return rec.clone(), ErrDisputeEscalated
	}
	if _, voted := rec.Votes[arbitrator]; voted {
		return rec.clone(), ErrAlreadyVoted
	}
	rec.Votes[arbitrator] = decision
	rec.State = StateUnderReview
	count := 0
	for _, d := range rec.Votes {
		if d == decision {
			count++
		}
	}
	if escrowfsm.QuorumReached(count, a.cfg.Threshold) {
		rec.State = StateResolved
		rec.Resolution = decision
		rec.ResolvedBy = "consensus"
		rec.ResolvedAt = now
	}
	return rec.clone(), nil
}

// Resolve finalizes a resolved dispute. The first successful call returns
// first=true; later calls return the same record with first=false and change
// nothing.
func (a *Arbitration) Resolve(disputeID string, now time.Time) (rec Record, first bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.disputes[disputeID]
	if !ok {
		return Record{}, false, ErrNotFound
	}
	a.checkTimeoutsLocked(r, now)
	switch r.State {
	case StateResolved:
		if r.Finalized {
			return r.clone(), false, nil
		}
		r.Finalized = true
		return r.clone(), true, nil
	case StateEscalated:
		return r.clone(), false, ErrDisputeEscalated
	case StateExpired:
		return r.clone(), false, ErrDisputeFinalized
	default:
		return r.clone(), false, ErrNoQuorum
	}
}

// ManualResolve is the escalation fallback: the caller has already been
// authorized as an administrator.
func (a *Arbitration) ManualResolve(disputeID, resolver string, decision Decision, now time.Time) (Record, error) {
	if !decision.Valid() {
		return Record{}, ErrInvalidDecision
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.disputes[disputeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	a.checkTimeoutsLocked(r, now)
	switch r.State {
	case StateEscalated:
	case StateResolved, StateExpired:
		return r.clone(), ErrDisputeFinalized
	default:
		return r.clone(), ErrNotEscalated
	}
	r.State = StateResolved
	r.Resolution = decision
	r.ResolvedBy = "manual:" + strings.TrimSpace(resolver)
	r.ResolvedAt = now
	return r.clone(), nil
}

// ManualSettle records a settlement the administrator made for a dispute the
// arbitrators did not decide in time, including one already expired. The
// record is resolved and finalized with the exact payout.
func (a *Arbitration) ManualSettle(disputeID, resolver string, buyer, seller int64, now time.Time) (Record, error) {
	if buyer < 0 || seller < 0 {
		return Record{}, ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.disputes[disputeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	a.checkTimeoutsLocked(r, now)
	switch r.State {
	case StateEscalated, StateExpired:
	case StateResolved:
		return r.clone(), ErrDisputeFinalized
	default:
		return r.clone(), ErrNotEscalated
	}
	if buyer+seller != r.Amount {
		return r.clone(), ErrInvalidInput
	}
	r.State = StateResolved
	r.Resolution = DecisionFor(buyer, seller)
	r.Payout = &Payout{Buyer: buyer, Seller: seller}
	r.ResolvedBy = "manual:" + strings.TrimSpace(resolver)
	r.ResolvedAt = now
	r.Finalized = true
	return r.clone(), nil
}

// CheckEscalation applies the timeouts to one dispute and returns its state.
func (a *Arbitration) CheckEscalation(disputeID string, now time.Time) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.disputes[disputeID]
	if !ok {
		return "", ErrNotFound
	}
	a.checkTimeoutsLocked(r, now)
	return r.State, nil
}

// Sweep applies timeouts to every open dispute and returns the ids whose state
// changed.
func (a *Arbitration) Sweep(now time.Time) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var changed []string
	for id, r := range a.disputes {
		before := r.State
		a.checkTimeoutsLocked(r, now)
		if r.State != before {
			changed = append(changed, id)
		}
	}
	return changed
}

func (a *Arbitration) checkTimeoutsLocked(r *Record, now time.Time) {
	switch r.State {
	case StateRaised, StateUnderReview:
		if !now.Before(r.EscalateAt) {
			r.State = StateEscalated
		}
	}
	if r.State == StateEscalated && !now.Before(r.EscalateAt.Add(a.cfg.ManualWindow)) {
		r.State = StateExpired
	}
}

func (a *Arbitration) Status(disputeID string) (Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.disputes[disputeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.clone(), nil
}

func (a *Arbitration) ForEscrow(escrowID string) (Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byEscrow[strings.TrimSpace(escrowID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return a.disputes[id].clone(), nil
}

// Restore loads a persisted record, e.g. after a restart.
func (a *Arbitration) Restore(r Record) {
	r = r.clone()
	a.mu.Lock()
	a.disputes[r.ID] = &r
	a.byEscrow[r.EscrowID] = r.ID
	a.mu.Unlock()
}
