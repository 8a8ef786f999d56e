package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/emergency"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrowfsm"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/registry"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/reputation"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/timelock"
)

// FactoryCaller is the updater identity the factory holds on the reputation
// ledger. Each escrow additionally holds "escrow:<id>".
const FactoryCaller = "escrow-factory"

const tracerName = "github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"

type CreateParams struct {
	Buyer          string        `json:"buyer"`
	Seller         string        `json:"seller"`
	Amount         int64         `json:"amount"`
	Description    string        `json:"description"`
	CustomTimeLock time.Duration `json:"custom_time_lock,omitempty"`
}

type Option func(*Factory)

// WithClock sets the block clock. All deadlines and policy windows use it.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) {
		if now != nil {
			f.now = now
		}
	}
}

func WithSink(s EventSink) Option {
	return func(f *Factory) { f.sink = s }
}

func WithPersister(p Persister) Option {
	return func(f *Factory) { f.persister = p }
}

func WithObserver(o Observer) Option {
	return func(f *Factory) { f.observer = o }
}

func WithIDGenerator(fn func() string) Option {
	return func(f *Factory) {
		if fn != nil {
			f.newID = fn
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *Factory) {
		if tp != nil {
			f.tracer = tp.Tracer(tracerName)
		}
	}
}

// Factory creates escrows, owns the module registry they consult and
// exposes the administrative and read surface.
type Factory struct {
	admin     string
	registry  *registry.Registry
	custodian Custodian
	sink      EventSink
	persister Persister
	observer  Observer
	now       func() time.Time
	newID     func() string
	tracer    trace.Tracer

	mu      sync.RWMutex
	escrows map[string]*Escrow
}

func NewFactory(admin string, reg *registry.Registry, custodian Custodian, opts ...Option) (*Factory, error) {
	admin = strings.TrimSpace(admin)
	if admin == "" {
		return nil, errors.New("administrator identity required")
	}
	if custodian == nil {
		return nil, errors.New("custodian required")
	}
	if reg == nil {
		reg = registry.New()
	}
	f := &Factory{
		admin:     admin,
		registry:  reg,
		custodian: custodian,
		now:       time.Now,
		newID:     uuid.NewString,
		tracer:    otel.Tracer(tracerName),
		escrows:   map[string]*Escrow{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := reg.Authorize(FactoryCaller, registry.KindReputation); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Factory) Registry() *registry.Registry { return f.registry }

func (f *Factory) Admin() string { return f.admin }

func (f *Factory) Now() time.Time { return f.now() }

// CreateEscrow registers a new escrow in CREATED and returns its id.
func (f *Factory) CreateEscrow(ctx context.Context, p CreateParams) (id string, err error) {
	ctx, span := f.tracer.Start(ctx, "escrow.CreateEscrow")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	p.Buyer = strings.TrimSpace(p.Buyer)
	p.Seller = strings.TrimSpace(p.Seller)
	if p.Amount <= 0 {
		return "", ErrInvalidAmount
	}
	if p.Buyer == "" || p.Seller == "" || p.Buyer == p.Seller {
		return "", ErrInvalidParty
	}
	if p.CustomTimeLock < 0 {
		return "", ErrInvalidTimeLock
	}
	now := f.now()
	id = f.newID()
	e := &Escrow{
		f:  f,
		id: id,
		s: Snapshot{
			ID:             id,
			Buyer:          p.Buyer,
			Seller:         p.Seller,
			Amount:         p.Amount,
			Description:    strings.TrimSpace(p.Description),
			CreatedAt:      now,
			UpdatedAt:      now,
			State:          escrowfsm.Created,
			CustomTimeLock: p.CustomTimeLock,
		},
	}
	f.mu.Lock()
	if _, exists := f.escrows[id]; exists {
		f.mu.Unlock()
		return "", fmt.Errorf("escrow id collision: %s", id)
	}
	f.escrows[id] = e
	f.mu.Unlock()

	if err := f.registry.Authorize(updaterID(id), registry.KindReputation); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("escrow.id", id))
	f.persist(ctx, e.Snapshot())
	f.observeState(escrowfsm.Created)
	f.emit(ctx, []Event{{
		Type:       EventEscrowCreated,
		EscrowID:   id,
		OccurredAt: now,
		Payload: map[string]any{
			"id":     id,
			"buyer":  p.Buyer,
			"seller": p.Seller,
			"amount": p.Amount,
		},
	}})
	return id, nil
}

// Restore re-registers a persisted escrow, e.g. at startup.
func (f *Factory) Restore(s Snapshot) error {
	if s.ID == "" {
		return ErrNotFound
	}
	e := &Escrow{f: f, id: s.ID, s: s.clone()}
	f.mu.Lock()
	f.escrows[s.ID] = e
	f.mu.Unlock()
	if !escrowfsm.IsTerminal(s.State) {
		return f.registry.Authorize(updaterID(s.ID), registry.KindReputation)
	}
	return nil
}

func (f *Factory) Escrow(id string) (*Escrow, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.escrows[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (f *Factory) GetEscrow(id string) (Snapshot, error) {
	e, err := f.Escrow(id)
	if err != nil {
		return Snapshot{}, err
	}
	return e.Snapshot(), nil
}

func (f *Factory) List() []Snapshot {
	f.mu.RLock()
	all := make([]*Escrow, 0, len(f.escrows))
	for _, e := range f.escrows {
		all = append(all, e)
	}
	f.mu.RUnlock()
	out := make([]Snapshot, 0, len(all))
	for _, e := range all {
		out = append(out, e.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetTimeLockRemaining is zero once the deadline has passed or when no
// deadline is set.
func (f *Factory) GetTimeLockRemaining(id string) (time.Duration, error) {
	s, err := f.GetEscrow(id)
	if err != nil {
		return 0, err
	}
	if s.Deadline.IsZero() || escrowfsm.IsSettling(s.State) {
		return 0, nil
	}
	if left := s.Deadline.Sub(f.now()); left > 0 {
		return left, nil
	}
	return 0, nil
}

type ReputationView struct {
	User        string `json:"user"`
	Score       int    `json:"score"`
	Trustworthy bool   `json:"trustworthy"`
	Fallback    string `json:"fallback,omitempty"`
}

func (f *Factory) GetReputationScore(user string) ReputationView {
	now := f.now()
	type answer struct {
		score   int
		trusted bool
	}
	q := registry.Ask(f.registry, registry.KindReputation, "Score", func(r registry.Reputation) (answer, error) {
		return answer{score: r.Score(user, now), trusted: r.IsTrustworthy(user, now)}, nil
	})
	if !q.OK {
		f.observeFallback(registry.KindReputation.String())
		return ReputationView{User: user, Score: registry.DefaultScore, Fallback: q.Fact()}
	}
	return ReputationView{User: user, Score: q.Value.score, Trustworthy: q.Value.trusted}
}

type DisputeStatus struct {
	EscrowID   string            `json:"escrow_id"`
	Dispute    DisputeRef        `json:"dispute"`
	State      string            `json:"state"`
	Votes      map[string]string `json:"votes,omitempty"`
	Resolution string            `json:"resolution,omitempty"`
	EscalateAt time.Time         `json:"escalate_at,omitempty"`
	Fallback   string            `json:"fallback,omitempty"`
}

// GetDisputeStatus reports the arbitration view of an escrow's dispute,
// applying escalation timeouts at call time.
func (f *Factory) GetDisputeStatus(escrowID string) (DisputeStatus, error) {
	s, err := f.GetEscrow(escrowID)
	if err != nil {
		return DisputeStatus{}, err
	}
	if s.Dispute == nil {
		return DisputeStatus{}, ErrNoDispute
	}
	out := DisputeStatus{EscrowID: s.ID, Dispute: *s.Dispute}
	if s.Dispute.Local {
		out.State = "LOCAL"
		out.Fallback = "Arbitration.Open: no arbitration case"
		return out, nil
	}
	now := f.now()
	disputeID := s.Dispute.ID
	q := registry.Ask(f.registry, registry.KindArbitration, "Status", func(a registry.Arbitration) (arbitration.Record, error) {
		if _, err := a.CheckEscalation(disputeID, now); err != nil {
			return arbitration.Record{}, err
		}
		return a.Status(disputeID)
	})
	if !q.OK {
		out.State = "UNAVAILABLE"
		out.Fallback = q.Fact()
		return out, nil
	}
	out.State = string(q.Value.State)
	out.Resolution = string(q.Value.Resolution)
	out.EscalateAt = q.Value.EscalateAt
	if len(q.Value.Votes) > 0 {
		out.Votes = make(map[string]string, len(q.Value.Votes))
		for arb, d := range q.Value.Votes {
			out.Votes[arb] = string(d)
		}
	}
	return out, nil
}

// SweepEscalations applies dispute timeouts and returns the dispute ids whose
// state changed.
func (f *Factory) SweepEscalations(ctx context.Context) []string {
	_, span := f.tracer.Start(ctx, "escrow.SweepEscalations")
	defer span.End()
	h, ok := f.registry.Get(registry.KindArbitration)
	if !ok {
		return nil
	}
	sweeper, ok := h.(interface{ Sweep(time.Time) []string })
	if !ok {
		return nil
	}
	changed := sweeper.Sweep(f.now())
	span.SetAttributes(attribute.Int("disputes.changed", len(changed)))
	return changed
}

func (f *Factory) isAdmin(caller string) bool {
	return caller != "" && caller == f.admin
}

func (f *Factory) requireAdmin(caller string) error {
	if !f.isAdmin(strings.TrimSpace(caller)) {
		return ErrNotAdmin
	}
	return nil
}

// SetModule installs or clears (nil handle) the module registered under name.
func (f *Factory) SetModule(caller, name string, handle any) error {
	if err := f.requireAdmin(caller); err != nil {
		return err
	}
	if err := f.registry.SetByName(name, handle); err != nil {
		return err
	}
	log.Printf("escrow: module %s updated by %s", name, caller)
	return nil
}

func (f *Factory) SetAuthorizedCaller(caller, target, module string, allowed bool) error {
	if err := f.requireAdmin(caller); err != nil {
		return err
	}
	kind, err := registry.ParseKind(module)
	if err != nil {
		return err
	}
	if !allowed {
		f.registry.Revoke(target, kind)
		return nil
	}
	return f.registry.Authorize(target, kind)
}

func (f *Factory) AddSecurityContact(caller, contact string) error {
	if err := f.requireAdmin(caller); err != nil {
		return err
	}
	h, err := moduleAs[interface{ AddSecurityContact(string) error }](f, registry.KindEmergency)
	if err != nil {
		return err
	}
	return h.AddSecurityContact(contact)
}

func (f *Factory) RemoveSecurityContact(caller, contact string) error {
	if err := f.requireAdmin(caller); err != nil {
		return err
	}
	h, err := moduleAs[interface{ RemoveSecurityContact(string) }](f, registry.KindEmergency)
	if err != nil {
		return err
	}
	h.RemoveSecurityContact(contact)
	return nil
}

func (f *Factory) AddArbitrator(caller, arbitrator string) error {
	if err := f.requireAdmin(caller); err != nil {
		return err
	}
	h, err := moduleAs[interface{ AddArbitrator(string) }](f, registry.KindArbitration)
	if err != nil {
		return err
	}
	h.AddArbitrator(arbitrator)
	return nil
}

func (f *Factory) RemoveArbitrator(caller, arbitrator string) error {
	if err := f.requireAdmin(caller); err != nil {
		return err
	}
	h, err := moduleAs[interface{ RemoveArbitrator(string) }](f, registry.KindArbitration)
	if err != nil {
		return err
	}
	h.RemoveArbitrator(arbitrator)
	return nil
}

func (f *Factory) UpdateTimeLockConfig(caller string, cfg timelock.Config) error {
	return updateConfig(f, caller, registry.KindTimeLock, cfg)
}

func (f *Factory) UpdateEmergencyConfig(caller string, cfg emergency.Config) error {
	return updateConfig(f, caller, registry.KindEmergency, cfg)
}

func (f *Factory) UpdateArbitrationConfig(caller string, cfg arbitration.Config) error {
	return updateConfig(f, caller, registry.KindArbitration, cfg)
}

func (f *Factory) UpdateReputationConfig(caller string, cfg reputation.Config) error {
	return updateConfig(f, caller, registry.KindReputation, cfg)
}

func updateConfig[C any](f *Factory, caller string, kind registry.Kind, cfg C) error {
	if err := f.requireAdmin(caller); err != nil {
		return err
	}
	h, err := moduleAs[interface{ UpdateConfig(C) error }](f, kind)
	if err != nil {
		return err
	}
	return h.UpdateConfig(cfg)
}

func moduleAs[M any](f *Factory, kind registry.Kind) (M, error) {
	var zero M
	h, ok := f.registry.Get(kind)
	if !ok {
		return zero, fmt.Errorf("%w: %s not set", ErrModuleUnavailable, kind)
	}
	m, ok := h.(M)
	if !ok {
		return zero, fmt.Errorf("%w: %s handle %T does not support this operation", ErrModuleUnavailable, kind, h)
	}
	return m, nil
}

func (f *Factory) emit(ctx context.Context, events []Event) {
	if f.sink == nil {
		return
	}
	for _, evt := range events {
		f.sink.Emit(ctx, evt)
	}
}

func (f *Factory) persist(ctx context.Context, s Snapshot) {
	if f.persister == nil {
		return
	}
	if err := f.persister.SaveEscrow(ctx, s); err != nil {
		log.Printf("escrow: persist %s: %v", s.ID, err)
	}
}

func (f *Factory) observeState(state string) {
	if f.observer != nil {
		f.observer.IncEscrowState(state)
	}
}

func (f *Factory) observeFallback(module string) {
	if f.observer != nil {
		f.observer.IncFallback(module)
	}
}
