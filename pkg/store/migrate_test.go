package store

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

func TestEmbeddedMigrationsCoverSchema(t *testing.T) {
	files, err := fs.Glob(Migrations, "*.sql")
	if err != nil || len(files) == 0 {
		t.Fatalf("expected embedded migrations, got %v %v", files, err)
	}
	var all strings.Builder
	for _, f := range files {
		b, _ := fs.ReadFile(Migrations, f)
		all.Write(b)
	}
	for _, table := range []string{"escrows", "user_reputation", "disputes", "escrow_audit"} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("missing table %s", table)
		}
	}
}

func TestMigrateAppliesPendingFilesInOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"002_b.sql":  {Data: []byte("CREATE TABLE b ();")},
		"001_a.sql":  {Data: []byte("CREATE TABLE a ();")},
		"003_c.sql":  {Data: []byte("CREATE TABLE c ();")},
		"README.txt": {Data: []byte("ignored")},
	}
	db := &fakeDB{applied: map[string]bool{"002_b.sql": true}}
	var logs []string
	n, err := Migrate(context.Background(), db, fsys, func(format string, args ...any) { logs = append(logs, format) })
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 applied, got %d", n)
	}
	tx := db.tx
	if tx.commits != 2 || len(tx.execs) != 4 {
		t.Fatalf("unexpected tx usage commits=%d execs=%v", tx.commits, tx.execs)
	}
	if tx.execs[0] != "CREATE TABLE a ();" || tx.execs[2] != "CREATE TABLE c ();" {
		t.Fatalf("unexpected apply order %v", tx.execs)
	}
	if len(logs) != 3 {
		t.Fatalf("expected per-file and summary logs, got %v", logs)
	}
}

func TestMigrateFailures(t *testing.T) {
	if _, err := Migrate(context.Background(), nil, nil, nil); err == nil {
		t.Fatal("expected db requirement")
	}

	db := &fakeDB{execErr: errors.New("denied")}
	if _, err := Migrate(context.Background(), db, fstest.MapFS{}, nil); err == nil || !strings.Contains(err.Error(), "schema_migrations") {
		t.Fatalf("expected bookkeeping error, got %v", err)
	}

	db = &fakeDB{tx: &fakeTx{execErr: errors.New("syntax error")}}
	fsys := fstest.MapFS{"001_bad.sql": {Data: []byte("CREATE TABLE")}}
	if _, err := Migrate(context.Background(), db, fsys, func(string, ...any) {}); err == nil || !strings.Contains(err.Error(), "001_bad.sql") {
		t.Fatalf("expected apply error, got %v", err)
	}
	if db.tx.rollbacks != 1 {
		t.Fatalf("expected rollback, got %d", db.tx.rollbacks)
	}
}
