// Package registry binds the policy modules escrow instances consult. Handles
// are looked up live on every query so a swapped module takes effect for
// existing escrows, and every query either answers or reports Unavailable so
// the caller can substitute a documented default.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/timelock"
)

var (
	ErrUnknownModule = errors.New("unknown module")
	ErrWrongHandle   = errors.New("handle does not implement module interface")
)

type Kind int

const (
	KindTimeLock Kind = iota + 1
	KindEmergency
	KindArbitration
	KindReputation
)

var kindNames = map[Kind]string{
	KindTimeLock:    "TimeLock",
	KindEmergency:   "Emergency",
	KindArbitration: "Arbitration",
	KindReputation:  "Reputation",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func Kinds() []Kind {
	return []Kind{KindTimeLock, KindEmergency, KindArbitration, KindReputation}
}

// ParseKind maps an administrative module name to its Kind. Matching ignores
// case and a trailing "Policy", "Control" or "Ledger" suffix.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, suffix := range []string{"policy", "control", "ledger"} {
		n = strings.TrimSuffix(n, suffix)
	}
	for k, kn := range kindNames {
		if strings.ToLower(kn) == n {
			return k, nil
		}
	}
	if n == "dispute" || n == "disputearbitration" {
		return KindArbitration, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownModule, name)
}

type TimeLock interface {
	DurationFor(amount int64, tc timelock.Context) time.Duration
	DisputeExtension() time.Duration
	EmergencyExtension() time.Duration
	Bounds() (time.Duration, time.Duration)
}

type Emergency interface {
	Activate(ctx context.Context, escrowID, subject, codeHash, reason string, now time.Time) (time.Duration, error)
	Extension() time.Duration
}

type Arbitration interface {
	Fee() int64
	Open(escrowID string, amount int64, claimant, respondent, reason string, now time.Time) (string, error)
	Resolve(disputeID string, now time.Time) (arbitration.Record, bool, error)
	ManualSettle(disputeID, resolver string, buyer, seller int64, now time.Time) (arbitration.Record, error)
	Status(disputeID string) (arbitration.Record, error)
	CheckEscalation(disputeID string, now time.Time) (arbitration.State, error)
}

type Reputation interface {
	RecordTrade(caller, user string, amount int64, successful bool, now time.Time) (int, error)
	RecordDispute(caller, claimant, defendant string, claimantWon bool, now time.Time) error
	Score(user string, now time.Time) int
	IsTrustworthy(user string, now time.Time) bool
}

// CallerGate is implemented by modules that keep their own updater set.
// Authorizations made through the registry are forwarded to it.
type CallerGate interface {
	Authorize(caller string)
	Revoke(caller string)
}

type Registration struct {
	Kind              Kind      `json:"-"`
	Name              string    `json:"name"`
	Handle            any       `json:"-"`
	Set               bool      `json:"set"`
	AuthorizedCallers []string  `json:"authorized_callers"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type entry struct {
	handle    any
	callers   map[string]struct{}
	updatedAt time.Time
}

type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]*entry
	now     func() time.Time
}

func New() *Registry {
	r := &Registry{entries: map[Kind]*entry{}, now: time.Now}
	for _, k := range Kinds() {
		r.entries[k] = &entry{callers: map[string]struct{}{}}
	}
	return r
}

// Set installs handle for kind. A nil handle clears the slot; queries then
// report Unavailable. Callers already authorized for kind are replayed onto
// the new handle.
func (r *Registry) Set(kind Kind, handle any) error {
	if _, ok := kindNames[kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, kind)
	}
	if handle != nil && !implements(kind, handle) {
		return fmt.Errorf("%w: %T as %s", ErrWrongHandle, handle, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[kind]
	e.handle = handle
	e.updatedAt = r.now()
	if gate, ok := handle.(CallerGate); ok {
		for c := range e.callers {
			gate.Authorize(c)
		}
	}
	return nil
}

func (r *Registry) SetByName(name string, handle any) error {
	kind, err := ParseKind(name)
	if err != nil {
		return err
	}
	return r.Set(kind, handle)
}

func (r *Registry) Get(kind Kind) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	if !ok || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

func (r *Registry) Authorize(caller string, kind Kind) error {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return errors.New("caller required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, kind)
	}
	e.callers[caller] = struct{}{}
	if gate, ok := e.handle.(CallerGate); ok {
		gate.Authorize(caller)
	}
	return nil
}

func (r *Registry) Revoke(caller string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[kind]
	if !ok {
		return
	}
	delete(e.callers, caller)
	if gate, ok := e.handle.(CallerGate); ok {
		gate.Revoke(caller)
	}
}

func (r *Registry) IsAuthorized(caller string, kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	if !ok {
		return false
	}
	_, ok = e.callers[caller]
	return ok
}

func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.entries))
	for _, k := range Kinds() {
		e := r.entries[k]
		callers := make([]string, 0, len(e.callers))
		for c := range e.callers {
			callers = append(callers, c)
		}
		sort.Strings(callers)
		out = append(out, Registration{
			Kind:              k,
			Name:              k.String(),
			Handle:            e.handle,
			Set:               e.handle != nil,
			AuthorizedCallers: callers,
			UpdatedAt:         e.updatedAt,
		})
	}
	return out
}

func implements(kind Kind, handle any) bool {
	switch kind {
	case KindTimeLock:
		_, ok := handle.(TimeLock)
		return ok
	case KindEmergency:
		_, ok := handle.(Emergency)
		return ok
	case KindArbitration:
		_, ok := handle.(Arbitration)
		return ok
	case KindReputation:
		_, ok := handle.(Reputation)
		return ok
	default:
		return false
	}
}
