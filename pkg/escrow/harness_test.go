package escrow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/emergency"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/registry"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/reputation"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/timelock"
)

const (
	admin     = "admin"
	buyer     = "buyer"
	seller    = "seller"
	panicCode = "red-umbrella-42"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(_ context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, evt := range r.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

type counters struct {
	mu        sync.Mutex
	states    map[string]int
	fallbacks map[string]int
}

func (c *counters) IncEscrowState(state string) {
	c.mu.Lock()
	c.states[state]++
	c.mu.Unlock()
}

func (c *counters) IncFallback(module string) {
	c.mu.Lock()
	c.fallbacks[module]++
	c.mu.Unlock()
}

type harness struct {
	clock    *clock
	ledger   *MemoryLedger
	events   *recorder
	counters *counters
	factory  *Factory
	reg      *registry.Registry
	arb      *arbitration.Arbitration
	em       *emergency.Control
	rep      *reputation.Ledger
	tl       *timelock.Policy
}

type harnessOpts struct {
	noModules bool
	wrap      func(*MemoryLedger) Custodian
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	h := &harness{
		clock:    &clock{now: t0},
		ledger:   NewMemoryLedger(),
		events:   &recorder{},
		counters: &counters{states: map[string]int{}, fallbacks: map[string]int{}},
		reg:      registry.New(),
	}
	h.ledger.Credit(buyer, 1000)
	h.ledger.Credit(seller, 100)

	if !opts.noModules {
		var err error
		h.tl = timelock.NewDefault()
		h.rep = reputation.NewDefault()
		if h.arb, err = arbitration.New(arbitration.DefaultConfig(), "arb-1", "arb-2", "arb-3"); err != nil {
			t.Fatalf("arbitration: %v", err)
		}
		if h.em, err = emergency.New(emergency.DefaultConfig()); err != nil {
			t.Fatalf("emergency: %v", err)
		}
		for kind, handle := range map[registry.Kind]any{
			registry.KindTimeLock:    h.tl,
			registry.KindReputation:  h.rep,
			registry.KindArbitration: h.arb,
			registry.KindEmergency:   h.em,
		} {
			if err := h.reg.Set(kind, handle); err != nil {
				t.Fatalf("set %s: %v", kind, err)
			}
		}
	}

	var custodian Custodian = h.ledger
	if opts.wrap != nil {
		custodian = opts.wrap(h.ledger)
	}
	seq := 0
	f, err := NewFactory(admin, h.reg, custodian,
		WithClock(h.clock.Now),
		WithSink(h.events),
		WithObserver(h.counters),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("esc-%d", seq)
		}),
	)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	h.factory = f
	return h
}

func (h *harness) create(t *testing.T, amount int64) *Escrow {
	t.Helper()
	id, err := h.factory.CreateEscrow(context.Background(), CreateParams{Buyer: buyer, Seller: seller, Amount: amount, Description: "vintage camera"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err := h.factory.Escrow(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	return e
}

func (h *harness) funded(t *testing.T, amount int64) *Escrow {
	t.Helper()
	e := h.create(t, amount)
	if err := e.Fund(context.Background(), buyer, HashPanicCode(panicCode)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return e
}

func (h *harness) locked(t *testing.T, amount int64) *Escrow {
	t.Helper()
	e := h.funded(t, amount)
	if err := e.ConfirmReceipt(context.Background(), seller); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return e
}

func assertConserved(t *testing.T, h *harness, e *Escrow) {
	t.Helper()
	s := e.Snapshot()
	if got := s.Distribution.Total(); got != s.Amount {
		t.Fatalf("distribution %v sums to %d, escrowed %d", s.Distribution, got, s.Amount)
	}
	if held := h.ledger.Held(s.ID); held != 0 {
		t.Fatalf("escrow %s still holds %d after %s", s.ID, held, s.State)
	}
}
