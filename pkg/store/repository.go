package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/reputation"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository persists escrow snapshots, reputation records and dispute
// records. It implements escrow.Persister.
type Repository struct {
	DB DB
}

func NewRepository(db DB) *Repository {
	return &Repository{DB: db}
}

func (r *Repository) SaveEscrow(ctx context.Context, s escrow.Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode escrow %s: %w", s.ID, err)
	}
	var deadline *time.Time
	if !s.Deadline.IsZero() {
		d := s.Deadline.UTC()
		deadline = &d
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO escrows (id, buyer, seller, amount, state, deadline, panic_code_hash, snapshot, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			deadline = EXCLUDED.deadline,
			panic_code_hash = EXCLUDED.panic_code_hash,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
	`, s.ID, s.Buyer, s.Seller, s.Amount, s.State, deadline, s.PanicCodeHash, raw, s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save escrow %s: %w", s.ID, err)
	}
	return nil
}

// LoadEscrows returns every persisted escrow with its panic-code hash, which
// the JSON snapshot omits.
func (r *Repository) LoadEscrows(ctx context.Context) ([]escrow.Snapshot, error) {
	rows, err := r.DB.Query(ctx, `SELECT snapshot, panic_code_hash FROM escrows ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load escrows: %w", err)
	}
	defer rows.Close()
	var out []escrow.Snapshot
	for rows.Next() {
		var raw []byte
		var hash string
		if err := rows.Scan(&raw, &hash); err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		var s escrow.Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode escrow: %w", err)
		}
		s.PanicCodeHash = hash
		if s.Emergency != nil {
			s.Emergency.PanicCodeHash = hash
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) SaveReputation(ctx context.Context, rec reputation.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode reputation %s: %w", rec.User, err)
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO user_reputation (user_id, record, updated_at) VALUES ($1,$2,now())
		ON CONFLICT (user_id) DO UPDATE SET record = EXCLUDED.record, updated_at = now()
	`, rec.User, raw)
	if err != nil {
		return fmt.Errorf("save reputation %s: %w", rec.User, err)
	}
	return nil
}

func (r *Repository) LoadReputation(ctx context.Context) ([]reputation.Record, error) {
	return loadJSON[reputation.Record](ctx, r.DB, `SELECT record FROM user_reputation ORDER BY user_id`)
}

func (r *Repository) SaveDispute(ctx context.Context, rec arbitration.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dispute %s: %w", rec.ID, err)
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO disputes (id, escrow_id, state, record, updated_at) VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, record = EXCLUDED.record, updated_at = now()
	`, rec.ID, rec.EscrowID, string(rec.State), raw)
	if err != nil {
		return fmt.Errorf("save dispute %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Repository) LoadDisputes(ctx context.Context) ([]arbitration.Record, error) {
	return loadJSON[arbitration.Record](ctx, r.DB, `SELECT record FROM disputes ORDER BY id`)
}

func loadJSON[T any](ctx context.Context, db DB, query string) ([]T, error) {
	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
