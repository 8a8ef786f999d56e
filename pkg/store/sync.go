package store

import (
	"context"
	"log"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/reputation"
)

type ReputationSource interface {
	Get(user string) (reputation.Record, bool)
}

type DisputeSource interface {
	ForEscrow(escrowID string) (arbitration.Record, error)
}

type recordSaver interface {
	SaveReputation(ctx context.Context, rec reputation.Record) error
	SaveDispute(ctx context.Context, rec arbitration.Record) error
}

// ModuleSync is an escrow.EventSink that copies reputation and dispute
// records into the repository whenever an event changes them. Either source
// may be nil.
type ModuleSync struct {
	Repo       recordSaver
	Reputation ReputationSource
	Disputes   DisputeSource
}

func (m *ModuleSync) Emit(ctx context.Context, evt escrow.Event) {
	switch evt.Type {
	case escrow.EventReputationUpdated:
		user, _ := evt.Payload["user"].(string)
		m.saveUser(ctx, user)
	case escrow.EventDisputeRaised, escrow.EventDisputeResolved:
		m.saveDispute(ctx, evt.EscrowID)
	}
}

func (m *ModuleSync) saveUser(ctx context.Context, user string) {
	if m.Reputation == nil || user == "" {
		return
	}
	rec, ok := m.Reputation.Get(user)
	if !ok {
		return
	}
	if err := m.Repo.SaveReputation(ctx, rec); err != nil {
		log.Printf("store: sync reputation %s: %v", user, err)
	}
}

func (m *ModuleSync) saveDispute(ctx context.Context, escrowID string) {
	if m.Disputes == nil {
		return
	}
	rec, err := m.Disputes.ForEscrow(escrowID)
	if err != nil {
		return
	}
	if err := m.Repo.SaveDispute(ctx, rec); err != nil {
		log.Printf("store: sync dispute %s: %v", rec.ID, err)
	}
}
