package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/auth"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/httpx"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/registry"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/telemetry"
)

type createRequest struct {
	Seller            string `json:"seller"`
	Amount            int64  `json:"amount"`
	Description       string `json:"description"`
	CustomTimeLockSec int64  `json:"custom_time_lock_sec"`
}

// createEscrow opens an escrow with the caller as buyer.
func (s *Server) createEscrow(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := s.Factory.CreateEscrow(r.Context(), escrow.CreateParams{
		Buyer:          auth.Caller(r.Context()),
		Seller:         req.Seller,
		Amount:         req.Amount,
		Description:    req.Description,
		CustomTimeLock: time.Duration(req.CustomTimeLockSec) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.Factory.GetEscrow(id)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, snap)
}

// operation runs fn against the escrow named in the path and answers with
// its snapshot afterwards.
func (s *Server) operation(fn func(ctx context.Context, e *escrow.Escrow, caller string, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := s.Factory.Escrow(chi.URLParam(r, "escrow_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := fn(r.Context(), e, auth.Caller(r.Context()), r); err != nil {
			writeError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, e.Snapshot())
	}
}

func (s *Server) fundEscrow(w http.ResponseWriter, r *http.Request) {
	s.operation(func(ctx context.Context, e *escrow.Escrow, caller string, r *http.Request) error {
		var body struct {
			PanicCodeHash string `json:"panic_code_hash"`
		}
		if err := httpx.DecodeJSON(r, &body); err != nil {
			return err
		}
		return e.Fund(ctx, caller, body.PanicCodeHash)
	})(w, r)
}

func (s *Server) confirmReceipt(w http.ResponseWriter, r *http.Request) {
	s.operation(func(ctx context.Context, e *escrow.Escrow, caller string, _ *http.Request) error {
		return e.ConfirmReceipt(ctx, caller)
	})(w, r)
}

func (s *Server) authorizeRelease(w http.ResponseWriter, r *http.Request) {
	s.operation(func(ctx context.Context, e *escrow.Escrow, caller string, _ *http.Request) error {
		return e.AuthorizeEarlyRelease(ctx, caller)
	})(w, r)
}

func (s *Server) releaseFunds(w http.ResponseWriter, r *http.Request) {
	s.operation(func(ctx context.Context, e *escrow.Escrow, caller string, _ *http.Request) error {
		return e.ReleaseFunds(ctx, caller)
	})(w, r)
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	s.operation(func(ctx context.Context, e *escrow.Escrow, caller string, r *http.Request) error {
		var body struct {
			PanicCode string `json:"panic_code"`
		}
		if err := httpx.DecodeJSON(r, &body); err != nil {
			return err
		}
		return e.EmergencyStop(ctx, caller, body.PanicCode)
	})(w, r)
}

func (s *Server) raiseDispute(w http.ResponseWriter, r *http.Request) {
	s.operation(func(ctx context.Context, e *escrow.Escrow, caller string, r *http.Request) error {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := httpx.DecodeJSON(r, &body); err != nil {
			return err
		}
		return e.RaiseDispute(ctx, caller, body.Reason)
	})(w, r)
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	s.operation(func(ctx context.Context, e *escrow.Escrow, caller string, r *http.Request) error {
		var body struct {
			Distribution escrow.Distribution `json:"distribution"`
		}
		if err := httpx.DecodeJSON(r, &body); err != nil {
			return err
		}
		return e.ResolveDispute(ctx, caller, body.Distribution)
	})(w, r)
}

func (s *Server) settleDispute(w http.ResponseWriter, r *http.Request) {
	s.operation(func(ctx context.Context, e *escrow.Escrow, _ string, _ *http.Request) error {
		return e.SettleFromArbitration(ctx)
	})(w, r)
}

func (s *Server) refundEscrow(w http.ResponseWriter, r *http.Request) {
	s.operation(func(ctx context.Context, e *escrow.Escrow, caller string, _ *http.Request) error {
		return e.Refund(ctx, caller)
	})(w, r)
}

type voter interface {
	Vote(disputeID, arbitrator string, decision arbitration.Decision, now time.Time) (arbitration.Record, error)
}

type voteResponse struct {
	Dispute     arbitration.Record `json:"dispute"`
	Settled     bool               `json:"settled"`
	SettleError string             `json:"settle_error,omitempty"`
	Escrow      *escrow.Snapshot   `json:"escrow,omitempty"`
}

// voteDispute records the caller's vote and settles the escrow as soon as
// the vote reaches consensus.
func (s *Server) voteDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	caller := auth.Caller(r.Context())
	disputeID := chi.URLParam(r, "dispute_id")
	ctx, span := telemetry.StartOperation(r.Context(), "VoteDispute", "", caller)
	var err error
	defer func() { telemetry.EndOperation(span, err) }()

	handle, _ := s.Factory.Registry().Get(registry.KindArbitration)
	arb, ok := handle.(voter)
	if !ok {
		err = escrow.ErrModuleUnavailable
		writeError(w, err)
		return
	}
	var rec arbitration.Record
	rec, err = arb.Vote(disputeID, caller, arbitration.Decision(strings.ToUpper(strings.TrimSpace(body.Decision))), s.Factory.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.Disputes != nil {
		if saveErr := s.Disputes.SaveDispute(ctx, rec); saveErr != nil {
			log.Printf("escrowd: save dispute %s: %v", rec.ID, saveErr)
		}
	}
	resp := voteResponse{Dispute: rec}
	if rec.State == arbitration.StateResolved {
		if e, lookupErr := s.Factory.Escrow(rec.EscrowID); lookupErr == nil {
			if settleErr := e.SettleFromArbitration(ctx); settleErr != nil {
				resp.SettleError = settleErr.Error()
			} else {
				resp.Settled = true
			}
			snap := e.Snapshot()
			resp.Escrow = &snap
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) listEscrows(w http.ResponseWriter, r *http.Request) {
	caller := auth.Caller(r.Context())
	all := caller == s.Factory.Admin()
	party := strings.TrimSpace(r.URL.Query().Get("party"))
	out := []escrow.Snapshot{}
	for _, snap := range s.Factory.List() {
		if !all && snap.Buyer != caller && snap.Seller != caller {
			continue
		}
		if party != "" && snap.Buyer != party && snap.Seller != party {
			continue
		}
		out = append(out, snap)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// getEscrow falls back to the shared snapshot cache for escrows owned by
// another gateway instance.
func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrow_id")
	snap, err := s.Factory.GetEscrow(id)
	if errors.Is(err, escrow.ErrNotFound) && s.Snapshots != nil {
		if cached, cacheErr := s.Snapshots.Lookup(r.Context(), id); cacheErr == nil {
			w.Header().Set("X-Escrow-Source", "cache")
			httpx.WriteJSON(w, http.StatusOK, cached)
			return
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) getTimeLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrow_id")
	left, err := s.Factory.GetTimeLockRemaining(id)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, _ := s.Factory.GetEscrow(id)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"escrow_id":         id,
		"state":             snap.State,
		"deadline":          snap.Deadline,
		"remaining_seconds": int64(left / time.Second),
	})
}

func (s *Server) getDispute(w http.ResponseWriter, r *http.Request) {
	status, err := s.Factory.GetDisputeStatus(chi.URLParam(r, "escrow_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (s *Server) getReputation(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Factory.GetReputationScore(chi.URLParam(r, "user")))
}

func (s *Server) emergencyStatus(w http.ResponseWriter, r *http.Request) {
	if s.Modules.Emergency == nil {
		writeError(w, escrow.ErrModuleUnavailable)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.Modules.Emergency.Status(auth.Caller(r.Context()), s.Factory.Now()))
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	caller := auth.Caller(r.Context())
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"party": caller, "balance": s.Ledger.Balance(caller)})
}
