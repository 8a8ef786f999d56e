package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/auth"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/emergency"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/httpx"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/registry"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/reputation"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/telemetry"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/timelock"
)

// adminOp traces fn and writes its result. The factory enforces the
// administrator check for its own methods; fn must do so for anything else.
func (s *Server) adminOp(op string, fn func(ctx context.Context, caller string, r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := auth.Caller(r.Context())
		ctx, span := telemetry.StartOperation(r.Context(), "admin."+op, chi.URLParam(r, "escrow_id"), caller)
		out, err := fn(ctx, caller, r)
		telemetry.EndOperation(span, err)
		if err != nil {
			writeError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, out)
	}
}

func (s *Server) requireAdmin(caller string) error {
	if caller != s.Factory.Admin() {
		return escrow.ErrNotAdmin
	}
	return nil
}

func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	s.adminOp("ListModules", func(_ context.Context, caller string, _ *http.Request) (any, error) {
		if err := s.requireAdmin(caller); err != nil {
			return nil, err
		}
		return s.Factory.Registry().Registrations(), nil
	})(w, r)
}

// setModule detaches a module ({"attached": false}) or re-attaches the
// instance the gateway was started with.
func (s *Server) setModule(w http.ResponseWriter, r *http.Request) {
	s.adminOp("SetModule", func(_ context.Context, caller string, r *http.Request) (any, error) {
		var body struct {
			Attached bool `json:"attached"`
		}
		if err := httpx.DecodeJSON(r, &body); err != nil {
			return nil, err
		}
		name := chi.URLParam(r, "module")
		kind, err := registry.ParseKind(name)
		if err != nil {
			return nil, err
		}
		var handle any
		if body.Attached {
			handle = s.Modules.byKind()[kind]
		}
		if err := s.Factory.SetModule(caller, name, handle); err != nil {
			return nil, err
		}
		return s.Factory.Registry().Registrations(), nil
	})(w, r)
}

func (s *Server) setAuthorizedCaller(w http.ResponseWriter, r *http.Request) {
	s.adminOp("SetAuthorizedCaller", func(_ context.Context, caller string, r *http.Request) (any, error) {
		target := chi.URLParam(r, "caller")
		allowed := r.Method == http.MethodPut
		if err := s.Factory.SetAuthorizedCaller(caller, target, chi.URLParam(r, "module"), allowed); err != nil {
			return nil, err
		}
		return map[string]any{"caller": target, "module": chi.URLParam(r, "module"), "allowed": allowed}, nil
	})(w, r)
}

// updateConfig overlays the JSON body on the module's current configuration.
func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	s.adminOp("UpdateConfig", func(_ context.Context, caller string, r *http.Request) (any, error) {
		kind, err := registry.ParseKind(chi.URLParam(r, "module"))
		if err != nil {
			return nil, err
		}
		switch kind {
		case registry.KindTimeLock:
			return overlayConfig(r, s.Modules.TimeLock, func(cfg timelock.Config) error {
				return s.Factory.UpdateTimeLockConfig(caller, cfg)
			})
		case registry.KindEmergency:
			return overlayConfig(r, s.Modules.Emergency, func(cfg emergency.Config) error {
				return s.Factory.UpdateEmergencyConfig(caller, cfg)
			})
		case registry.KindArbitration:
			return overlayConfig(r, s.Modules.Arbitration, func(cfg arbitration.Config) error {
				return s.Factory.UpdateArbitrationConfig(caller, cfg)
			})
		case registry.KindReputation:
			return overlayConfig(r, s.Modules.Reputation, func(cfg reputation.Config) error {
				return s.Factory.UpdateReputationConfig(caller, cfg)
			})
		}
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownModule, kind)
	})(w, r)
}

type configured[C any] interface {
	Config() C
}

func overlayConfig[C any, M configured[C]](r *http.Request, module M, apply func(C) error) (C, error) {
	cfg := module.Config()
	if err := httpx.DecodeJSON(r, &cfg); err != nil {
		return cfg, err
	}
	if err := apply(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *Server) securityContact(w http.ResponseWriter, r *http.Request) {
	s.adminOp("SecurityContact", func(_ context.Context, caller string, r *http.Request) (any, error) {
		contact := chi.URLParam(r, "contact")
		var err error
		if r.Method == http.MethodPut {
			err = s.Factory.AddSecurityContact(caller, contact)
		} else {
			err = s.Factory.RemoveSecurityContact(caller, contact)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"contacts": s.Modules.Emergency.Contacts()}, nil
	})(w, r)
}

func (s *Server) arbitrator(w http.ResponseWriter, r *http.Request) {
	s.adminOp("Arbitrator", func(_ context.Context, caller string, r *http.Request) (any, error) {
		id := chi.URLParam(r, "arbitrator")
		var err error
		if r.Method == http.MethodPut {
			err = s.Factory.AddArbitrator(caller, id)
		} else {
			err = s.Factory.RemoveArbitrator(caller, id)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"arbitrator": id, "active": s.Modules.Arbitration.IsArbitrator(id)}, nil
	})(w, r)
}

// creditLedger tops up a party's balance in the in-process custodian.
func (s *Server) creditLedger(w http.ResponseWriter, r *http.Request) {
	s.adminOp("CreditLedger", func(_ context.Context, caller string, r *http.Request) (any, error) {
		if err := s.requireAdmin(caller); err != nil {
			return nil, err
		}
		var body struct {
			Party  string `json:"party"`
			Amount int64  `json:"amount"`
		}
		if err := httpx.DecodeJSON(r, &body); err != nil {
			return nil, err
		}
		body.Party = strings.TrimSpace(body.Party)
		if body.Party == "" {
			return nil, escrow.ErrInvalidParty
		}
		if body.Amount <= 0 {
			return nil, escrow.ErrInvalidAmount
		}
		s.Ledger.Credit(body.Party, body.Amount)
		return map[string]any{"party": body.Party, "balance": s.Ledger.Balance(body.Party)}, nil
	})(w, r)
}

func (s *Server) escrowAudit(w http.ResponseWriter, r *http.Request) {
	s.adminOp("EscrowAudit", func(ctx context.Context, caller string, r *http.Request) (any, error) {
		if err := s.requireAdmin(caller); err != nil {
			return nil, err
		}
		if s.Audit == nil {
			return nil, fmt.Errorf("%w: audit trail not configured", escrow.ErrModuleUnavailable)
		}
		return s.Audit.ListForEscrow(ctx, chi.URLParam(r, "escrow_id"))
	})(w, r)
}
