package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends to escrow_audit. With Redact set, identities in the record
// are replaced by salted SHA-256 digests before they reach the table.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	EscrowID   string          `json:"escrow_id"`
	EventType  string          `json:"event_type"`
	ActorHash  string          `json:"actor_hash"`
	Detail     json.RawMessage `json:"detail"`
	Fallbacks  []string        `json:"fallbacks"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if len(rec.Detail) == 0 {
		rec.Detail = json.RawMessage(`{}`)
	}
	fallbacks, err := json.Marshal(nonNil(rec.Fallbacks))
	if err != nil {
		return err
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO escrow_audit (escrow_id, event_type, actor_hash, detail, fallbacks, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.EscrowID, rec.EventType, rec.ActorHash, rec.Detail, fallbacks, rec.OccurredAt.UTC())
	return err
}

func (w *Writer) ListForEscrow(ctx context.Context, escrowID string) ([]Record, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT escrow_id, event_type, actor_hash, detail, fallbacks, occurred_at
		FROM escrow_audit WHERE escrow_id=$1 ORDER BY occurred_at, id
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var fallbacks json.RawMessage
		if err := rows.Scan(&rec.EscrowID, &rec.EventType, &rec.ActorHash, &rec.Detail, &fallbacks, &rec.OccurredAt); err != nil {
			return nil, err
		}
		if len(fallbacks) > 0 {
			if err := json.Unmarshal(fallbacks, &rec.Fallbacks); err != nil {
				return nil, fmt.Errorf("decode fallbacks: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Audited reports whether an event belongs in the trail: emergency and
// dispute events always, anything else only when a policy default was used.
func Audited(evt escrow.Event) bool {
	switch evt.Type {
	case escrow.EventEmergencyActivated, escrow.EventDisputeRaised, escrow.EventDisputeResolved:
		return true
	}
	return len(evt.FallbacksUsed) > 0
}

// FromEvent builds the audit record for evt.
func (w *Writer) FromEvent(evt escrow.Event) (Record, error) {
	detail := evt.Payload
	actor := actorOf(detail)
	if w.Redact {
		detail = redactPayload(detail, w.HashSalt)
		if actor != "" {
			actor = hashString(actor, w.HashSalt)
		}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return Record{}, err
	}
	return Record{
		EscrowID:   evt.EscrowID,
		EventType:  evt.Type,
		ActorHash:  actor,
		Detail:     raw,
		Fallbacks:  append([]string(nil), evt.FallbacksUsed...),
		OccurredAt: evt.OccurredAt,
	}, nil
}

// Emit makes the writer an escrow.EventSink. Failures are logged.
func (w *Writer) Emit(ctx context.Context, evt escrow.Event) {
	if !Audited(evt) {
		return
	}
	rec, err := w.FromEvent(evt)
	if err == nil {
		err = w.Append(ctx, rec)
	}
	if err != nil {
		log.Printf("audit: %s for %s: %v", evt.Type, evt.EscrowID, err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
