package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/audit"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/auth"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/emergency"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrowfsm"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/httpx"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/metrics"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/registry"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/reputation"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/stream"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/telemetry"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/timelock"
)

type snapshotLookup interface {
	Lookup(ctx context.Context, id string) (escrow.Snapshot, error)
}

type auditReader interface {
	ListForEscrow(ctx context.Context, escrowID string) ([]audit.Record, error)
}

type disputeSaver interface {
	SaveDispute(ctx context.Context, rec arbitration.Record) error
}

// Server is the HTTP gateway in front of one escrow factory. Snapshots,
// Audit and Disputes are optional.
type Server struct {
	Factory   *escrow.Factory
	Ledger    *escrow.MemoryLedger
	Modules   modules
	Metrics   *metrics.Registry
	Events    *stream.Hub
	Snapshots snapshotLookup
	Audit     auditReader
	Disputes  disputeSaver
	WSOrigins []string
}

func authMiddleware() (func(http.Handler) http.Handler, error) {
	mode := env("AUTH_MODE", auth.ModeHS256)
	if mode == auth.ModeOff && env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return nil, errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	return auth.Middleware(auth.Config{
		Mode:     mode,
		Secret:   env("AUTH_HS256_SECRET", ""),
		Issuer:   env("AUTH_ISSUER", ""),
		Audience: env("AUTH_AUDIENCE", ""),
		Leeway:   envDurationSec("AUTH_LEEWAY_SEC", 30),
	})
}

func (s *Server) Routes(authMW func(http.Handler) http.Handler, corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("escrowd"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "escrowd"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Route("/v1/escrows", func(r chi.Router) {
			r.Get("/", s.listEscrows)
			r.Post("/", s.createEscrow)
			r.Route("/{escrow_id}", func(r chi.Router) {
				r.Get("/", s.getEscrow)
				r.Get("/timelock", s.getTimeLock)
				r.Get("/dispute", s.getDispute)
				r.Post("/fund", s.fundEscrow)
				r.Post("/confirm", s.confirmReceipt)
				r.Post("/authorize-release", s.authorizeRelease)
				r.Post("/release", s.releaseFunds)
				r.Post("/emergency", s.emergencyStop)
				r.Post("/disputes", s.raiseDispute)
				r.Post("/resolve", s.resolveDispute)
				r.Post("/settle", s.settleDispute)
				r.Post("/refund", s.refundEscrow)
			})
		})
		r.Post("/v1/disputes/{dispute_id}/votes", s.voteDispute)
		r.Get("/v1/reputation/{user}", s.getReputation)
		r.Get("/v1/emergency/status", s.emergencyStatus)
		r.Get("/v1/balance", s.getBalance)
		r.Get("/v1/stream", s.streamEvents)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Get("/modules", s.listModules)
			r.Put("/modules/{module}", s.setModule)
			r.Put("/modules/{module}/callers/{caller}", s.setAuthorizedCaller)
			r.Delete("/modules/{module}/callers/{caller}", s.setAuthorizedCaller)
			r.Put("/config/{module}", s.updateConfig)
			r.Put("/security-contacts/{contact}", s.securityContact)
			r.Delete("/security-contacts/{contact}", s.securityContact)
			r.Put("/arbitrators/{arbitrator}", s.arbitrator)
			r.Delete("/arbitrators/{arbitrator}", s.arbitrator)
			r.Post("/ledger/credit", s.creditLedger)
			r.Get("/escrows/{escrow_id}/audit", s.escrowAudit)
		})
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is needed by the websocket upgrade on /v1/stream.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		pattern := r.Method + " " + r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = r.Method + " " + rctx.RoutePattern()
		}
		s.Metrics.Observe(pattern, rec.code, elapsed)
		s.Metrics.ObserveLatency(pattern, elapsed)
	})
}

// sweepLoop applies dispute escalation timeouts and refreshes gauges until ctx ends.
func (s *Server) sweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Server) sweepOnce(ctx context.Context) []string {
	changed := s.Factory.SweepEscalations(ctx)
	if s.Disputes != nil && s.Modules.Arbitration != nil {
		for _, id := range changed {
			rec, err := s.Modules.Arbitration.Status(id)
			if err != nil {
				continue
			}
			if err := s.Disputes.SaveDispute(ctx, rec); err != nil {
				log.Printf("escrowd: save dispute %s: %v", id, err)
			}
		}
	}
	open := 0
	for _, snap := range s.Factory.List() {
		if !escrowfsm.IsTerminal(snap.State) {
			open++
		}
	}
	s.Metrics.SetGauge("escrows_open", float64(open))
	s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	return changed
}

type errorClass struct {
	status int
	code   string
	errs   []error
}

// errorClasses is checked in order; the first match wins.
var errorClasses = []errorClass{
	{http.StatusNotFound, "not_found", []error{escrow.ErrNotFound, escrow.ErrNoDispute, arbitration.ErrNotFound}},
	{http.StatusForbidden, "forbidden", []error{
		escrow.ErrUnauthorized, escrow.ErrNotAdmin, escrow.ErrInvalidPanicCode,
		arbitration.ErrNotArbitrator, reputation.ErrUnauthorizedUpdater,
	}},
	{http.StatusTooEarly, "not_yet", []error{escrow.ErrNotYet, arbitration.ErrNotYet, emergency.ErrNotYet}},
	{http.StatusPaymentRequired, "insufficient_funds", []error{escrow.ErrInsufficientFunds}},
	{http.StatusServiceUnavailable, "module_unavailable", []error{escrow.ErrModuleUnavailable}},
	{http.StatusConflict, "invalid_state", []error{
		escrow.ErrInvalidState, escrow.ErrAlreadyFunded, escrow.ErrNotFunded, escrow.ErrDisputeExists,
		escrow.ErrAlreadyReleased, escrow.ErrReentrancyDetected, escrowfsm.ErrInvalidTransition,
		arbitration.ErrAlreadyVoted, arbitration.ErrDisputeFinalized, arbitration.ErrDisputeEscalated,
		arbitration.ErrNotEscalated, arbitration.ErrDuplicateDispute,
	}},
	{http.StatusBadRequest, "invalid_request", []error{
		escrow.ErrInvalidAmount, escrow.ErrInvalidParty, escrow.ErrInvalidTimeLock, escrow.ErrInvalidPanicHash,
		escrow.ErrInvalidDistribution, timelock.ErrInvalidConfig, emergency.ErrInvalidConfig,
		emergency.ErrInvalidContact, arbitration.ErrInvalidConfig, arbitration.ErrInvalidDecision,
		arbitration.ErrInvalidInput, reputation.ErrInvalidConfig, reputation.ErrInvalidInput,
		registry.ErrUnknownModule, registry.ErrWrongHandle, httpx.ErrInvalidBody,
	}},
}

func classify(err error) (int, string) {
	for _, c := range errorClasses {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.status, c.code
			}
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("escrowd: %v", err)
		msg = "internal error"
	}
	httpx.ErrorCode(w, status, code, msg)
}
