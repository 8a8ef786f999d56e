//go:build integration

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/store"
)

// Run with: go test -tags=integration -timeout 120s -run TestMigratorWithRealPostgres ./cmd/migrator/...
func TestMigratorWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	applied, err := store.Migrate(ctx, pool, migrationsFS(""), t.Logf)
	if err != nil || applied == 0 {
		t.Fatalf("embedded migrations: applied=%d err=%v", applied, err)
	}
	if _, err := pool.Exec(ctx, "SELECT id, state FROM escrows LIMIT 1"); err != nil {
		t.Fatalf("escrows table missing: %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "900_extra.sql"), []byte("CREATE TABLE extra_table (id SERIAL PRIMARY KEY);"), 0o644); err != nil {
		t.Fatalf("failed to write migration: %v", err)
	}
	if applied, err := store.Migrate(ctx, pool, migrationsFS(dir), t.Logf); err != nil || applied != 1 {
		t.Fatalf("dir migrations: applied=%d err=%v", applied, err)
	}
	if applied, err := store.Migrate(ctx, pool, migrationsFS(dir), t.Logf); err != nil || applied != 0 {
		t.Fatalf("second run must skip: applied=%d err=%v", applied, err)
	}
}
