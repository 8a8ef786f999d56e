package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/arbitration"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/audit"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/config"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/emergency"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrowfsm"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/eventbus"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/hardening"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/metrics"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/ratelimit"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/registry"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/reputation"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/store"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/stream"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/telemetry"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/timelock"
)

type escrowdDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (escrowdDB, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (escrowdDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runEscrowd(ctx, initTelemetry, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("escrowd: %v", err)
	}
}

// modules holds the policy module instances the gateway was started with, so
// an administrator can detach one and later re-attach it.
type modules struct {
	TimeLock    *timelock.Policy
	Emergency   *emergency.Control
	Arbitration *arbitration.Arbitration
	Reputation  *reputation.Ledger
}

func (m modules) byKind() map[registry.Kind]any {
	return map[registry.Kind]any{
		registry.KindTimeLock:    m.TimeLock,
		registry.KindEmergency:   m.Emergency,
		registry.KindArbitration: m.Arbitration,
		registry.KindReputation:  m.Reputation,
	}
}

func buildModules(policy config.Policy, limiter ratelimit.Limiter, notifier emergency.Notifier) (modules, error) {
	var (
		m   modules
		err error
	)
	if m.TimeLock, err = timelock.New(policy.TimeLock); err != nil {
		return m, err
	}
	if m.Reputation, err = reputation.New(policy.Reputation); err != nil {
		return m, err
	}
	if m.Arbitration, err = arbitration.New(policy.Arbitration, policy.Arbitrators...); err != nil {
		return m, err
	}
	if m.Emergency, err = emergency.New(policy.Emergency, emergency.WithLimiter(limiter), emergency.WithNotifier(notifier)); err != nil {
		return m, err
	}
	for _, contact := range policy.SecurityContacts {
		if err := m.Emergency.AddSecurityContact(contact); err != nil {
			return m, err
		}
	}
	return m, nil
}

func buildNotifier() emergency.Notifier {
	notifiers := emergency.MultiNotifier{emergency.LogNotifier{}}
	if url := strings.TrimSpace(env("EMERGENCY_WEBHOOK_URL", "")); url != "" {
		headers := map[string]string{}
		if token := env("EMERGENCY_WEBHOOK_TOKEN", ""); token != "" {
			headers["Authorization"] = "Bearer " + token
		}
		notifiers = append(notifiers, emergency.WebhookNotifier{
			Client:   telemetry.InstrumentClient(&http.Client{Timeout: envDurationSec("EMERGENCY_WEBHOOK_TIMEOUT_SEC", 3)}),
			Endpoint: url,
			Headers:  headers,
			Retries:  envInt("EMERGENCY_WEBHOOK_RETRIES", 1),
		})
	}
	return notifiers
}

func runEscrowd(ctx context.Context, initTelemetry initTelemetryFunc, openDB openDBFunc, openRedis openRedisFunc, listen listenFunc) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	shutdown, err := initTelemetry(ctx, "escrowd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()
	if err := hardening.ValidateProduction(hardening.FromEnv("escrowd", os.Getenv)); err != nil {
		return err
	}

	policy, err := config.Load(env("ESCROW_POLICY_FILE", ""))
	if err != nil {
		return err
	}
	admin := strings.TrimSpace(env("ESCROW_ADMIN", ""))
	if admin == "" {
		return errors.New("ESCROW_ADMIN is required")
	}

	var (
		repo     *store.Repository
		auditLog *audit.Writer
	)
	if env("ESCROW_STORE", "postgres") == "postgres" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		if env("ESCROW_MIGRATE_ON_START", "true") == "true" {
			if _, err := store.Migrate(ctx, pool, store.Migrations, log.Printf); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		repo = store.NewRepository(pool)
		auditLog = &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   strings.EqualFold(env("AUDIT_REDACT", "true"), "true"),
		}
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	var limiter ratelimit.Limiter = ratelimit.NewInMemory(policy.Emergency.Window)
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, policy.Emergency.Window)
	}

	mods, err := buildModules(policy, limiter, buildNotifier())
	if err != nil {
		return err
	}
	if repo != nil {
		if err := restoreModules(ctx, repo, mods); err != nil {
			return err
		}
	}
	reg := registry.New()
	for kind, handle := range mods.byKind() {
		if err := reg.Set(kind, handle); err != nil {
			return err
		}
	}
	for _, caller := range splitList(env("ESCROW_ARBITRATION_CALLERS", "")) {
		if err := reg.Authorize(caller, registry.KindArbitration); err != nil {
			return err
		}
	}

	s := &Server{
		Ledger:    escrow.NewMemoryLedger(),
		Modules:   mods,
		Metrics:   metrics.NewRegistry(),
		Events:    stream.NewHub(),
		WSOrigins: splitList(env("WS_ALLOWED_ORIGINS", "")),
	}
	sinks := escrow.MultiSink{s.Events, escrow.SinkFunc(func(_ context.Context, evt escrow.Event) { s.Metrics.IncEvent(evt.Type) })}
	persister := &store.CachingPersister{Cache: store.NewCache(ctx, redisClient), TTL: envDurationSec("ESCROW_CACHE_TTL_SEC", 3600)}
	s.Snapshots = persister
	if repo != nil {
		persister.Next = repo
		s.Disputes = repo
		sinks = append(sinks, &store.ModuleSync{Repo: repo, Reputation: mods.Reputation, Disputes: mods.Arbitration})
	}
	if auditLog != nil {
		s.Audit = auditLog
		sinks = append(sinks, auditLog)
	}
	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		publisher, err := eventbus.NewKafkaPublisher(eventbus.KafkaConfig{
			Brokers:      brokers,
			Topic:        env("KAFKA_ESCROW_TOPIC", "escrow.events"),
			WriteTimeout: envDurationSec("KAFKA_WRITE_TIMEOUT_SEC", 5),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	s.Factory, err = escrow.NewFactory(admin, reg, s.Ledger,
		escrow.WithSink(sinks),
		escrow.WithPersister(persister),
		escrow.WithObserver(s.Metrics),
	)
	if err != nil {
		return err
	}
	if repo != nil {
		restored, err := restoreEscrows(ctx, repo, s.Factory, s.Ledger)
		if err != nil {
			return err
		}
		log.Printf("escrowd: restored %d escrows", restored)
	}

	authMW, err := authMiddleware()
	if err != nil {
		return err
	}
	addr := env("ADDR", ":8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(authMW, env("CORS_ALLOWED_ORIGINS", "")),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("escrowd listening on %s", addr)
		if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationSec("HTTP_SHUTDOWN_TIMEOUT_SEC", 10))
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.sweepLoop(gctx, envDurationSec("ESCROW_SWEEP_INTERVAL_SEC", 60))
		return nil
	})
	err = g.Wait()
	mods.Emergency.Wait()
	return err
}

func restoreModules(ctx context.Context, repo *store.Repository, m modules) error {
	users, err := repo.LoadReputation(ctx)
	if err != nil {
		return fmt.Errorf("restore reputation: %w", err)
	}
	for _, rec := range users {
		m.Reputation.Restore(rec)
	}
	disputes, err := repo.LoadDisputes(ctx)
	if err != nil {
		return fmt.Errorf("restore disputes: %w", err)
	}
	for _, rec := range disputes {
		m.Arbitration.Restore(rec)
	}
	return nil
}

// restoreEscrows re-registers persisted escrows and puts their funds back
// into custody of the in-process ledger.
func restoreEscrows(ctx context.Context, repo *store.Repository, f *escrow.Factory, ledger *escrow.MemoryLedger) (int, error) {
	snaps, err := repo.LoadEscrows(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore escrows: %w", err)
	}
	for _, snap := range snaps {
		if err := f.Restore(snap); err != nil {
			return 0, fmt.Errorf("restore escrow %s: %w", snap.ID, err)
		}
		if holdsFunds(snap.State) {
			ledger.Hold(snap.ID, snap.Amount)
		}
	}
	return len(snaps), nil
}

func holdsFunds(state string) bool {
	switch state {
	case escrowfsm.Funded, escrowfsm.ReceiptConfirmed, escrowfsm.TimeLocked, escrowfsm.EmergencyLocked, escrowfsm.Disputed, escrowfsm.Releasing:
		return true
	default:
		return false
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
