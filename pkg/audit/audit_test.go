package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
)

type fakeAuditDB struct {
	execErr  error
	execArgs [][]any
	rows     [][]any
	queryErr error
}

func (f *fakeAuditDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append(f.execArgs, append([]any(nil), args...))
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeAuditRows{rows: f.rows}, nil
}

type fakeAuditRows struct {
	rows [][]any
	pos  int
}

func (r *fakeAuditRows) Close()                                       {}
func (r *fakeAuditRows) Err() error                                   { return nil }
func (r *fakeAuditRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeAuditRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeAuditRows) Values() ([]any, error)                       { return r.rows[r.pos-1], nil }
func (r *fakeAuditRows) RawValues() [][]byte                          { return nil }
func (r *fakeAuditRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeAuditRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeAuditRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(row))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = row[i].(string)
		case *json.RawMessage:
			*d = json.RawMessage(row[i].(string))
		case *time.Time:
			*d = row[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func TestAudited(t *testing.T) {
	cases := []struct {
		evt  escrow.Event
		want bool
	}{
		{escrow.Event{Type: escrow.EventEmergencyActivated}, true},
		{escrow.Event{Type: escrow.EventDisputeRaised}, true},
		{escrow.Event{Type: escrow.EventDisputeResolved}, true},
		{escrow.Event{Type: escrow.EventEscrowFunded}, false},
		{escrow.Event{Type: escrow.EventReceiptConfirmed, FallbacksUsed: []string{"TimeLock.DurationFor: module not set"}}, true},
	}
	for _, tc := range cases {
		if got := Audited(tc.evt); got != tc.want {
			t.Fatalf("Audited(%s, fallbacks=%d) = %v, want %v", tc.evt.Type, len(tc.evt.FallbacksUsed), got, tc.want)
		}
	}
}

func TestEmitRedactsIdentities(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt"), Redact: true}
	var sink escrow.EventSink = w
	sink.Emit(context.Background(), escrow.Event{
		Type:       escrow.EventDisputeResolved,
		EscrowID:   "esc-1",
		OccurredAt: t0,
		Payload: map[string]any{
			"dispute_id":   "d-1",
			"resolved_by":  "admin",
			"distribution": map[string]any{"buyer": int64(100), "seller": int64(0)},
		},
		FallbacksUsed: []string{"Reputation.RecordDispute: module not set"},
	})
	sink.Emit(context.Background(), escrow.Event{Type: escrow.EventEscrowFunded, EscrowID: "esc-1"})

	if len(db.execArgs) != 1 {
		t.Fatalf("expected one audit row, got %d", len(db.execArgs))
	}
	args := db.execArgs[0]
	if args[0] != "esc-1" || args[1] != escrow.EventDisputeResolved {
		t.Fatalf("unexpected args %v", args)
	}
	if args[2] != hashString("admin", []byte("salt")) {
		t.Fatalf("expected hashed actor, got %v", args[2])
	}
	detail := string(args[3].(json.RawMessage))
	for _, leaked := range []string{"admin", `"buyer"`, `"seller"`} {
		if strings.Contains(detail, leaked) {
			t.Fatalf("identity %s leaked into detail %s", leaked, detail)
		}
	}
	if !strings.Contains(detail, `"d-1"`) {
		t.Fatalf("expected dispute id kept, got %s", detail)
	}
	if got := string(args[4].([]byte)); got != `["Reputation.RecordDispute: module not set"]` {
		t.Fatalf("unexpected fallbacks %s", got)
	}
	if !args[5].(time.Time).Equal(t0) {
		t.Fatalf("unexpected occurred_at %v", args[5])
	}
}

func TestEmitWithoutRedaction(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	w.Emit(context.Background(), escrow.Event{
		Type:     escrow.EventEmergencyActivated,
		EscrowID: "esc-2",
		Payload:  map[string]any{"activated_by": "seller", "extension": "48h0m0s"},
	})
	if db.execArgs[0][2] != "seller" {
		t.Fatalf("expected plain actor, got %v", db.execArgs[0][2])
	}
	if got := string(db.execArgs[0][4].([]byte)); got != "[]" {
		t.Fatalf("expected empty fallback list, got %s", got)
	}

	db.execErr = errors.New("insert failed")
	w.Emit(context.Background(), escrow.Event{Type: escrow.EventDisputeRaised, EscrowID: "esc-2"})
}

func TestListForEscrow(t *testing.T) {
	db := &fakeAuditDB{rows: [][]any{
		{"esc-1", escrow.EventEmergencyActivated, "h1", `{"extension":"48h0m0s"}`, `["Emergency.Activate: module not set"]`, t0},
		{"esc-1", escrow.EventDisputeRaised, "h2", `{}`, `[]`, t0.Add(time.Hour)},
	}}
	w := &Writer{DB: db}
	recs, err := w.ListForEscrow(context.Background(), "esc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].Fallbacks[0] != "Emergency.Activate: module not set" || len(recs[1].Fallbacks) != 0 {
		t.Fatalf("unexpected records %+v", recs)
	}

	db.queryErr = errors.New("no table")
	if _, err := w.ListForEscrow(context.Background(), "esc-1"); err == nil {
		t.Fatal("expected query error")
	}
}

func TestHashBytesUsesSalt(t *testing.T) {
	if hashString("buyer", nil) == hashString("buyer", []byte("salt")) {
		t.Fatal("salt must change the digest")
	}
	if len(hashString("buyer", nil)) != 64 {
		t.Fatal("expected hex sha256")
	}
}
