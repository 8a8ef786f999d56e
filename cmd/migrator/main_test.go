package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/store"
)

type fakeMigratorDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	closed     bool
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeMigratorRow{exists: true}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("begin not expected")
}

func (f *fakeMigratorDB) Close() { f.closed = true }

type fakeMigratorRow struct {
	exists bool
	err    error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected bool")
	}
	*b = r.exists
	return nil
}

func TestMainDirectMigrator(t *testing.T) {
	origLogFatalf := logFatalf
	origOpenDB := openDBFn
	defer func() {
		logFatalf = origLogFatalf
		openDBFn = origOpenDB
	}()

	t.Run("main success path", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		db := &fakeMigratorDB{}
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) { return db, nil }

		main()

		if fatalCalled {
			t.Fatal("logFatalf should not be called when every migration is already applied")
		}
		if !db.closed {
			t.Fatal("pool must be closed")
		}
	})

	t.Run("main db error calls logFatalf", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return nil, errors.New("db connection failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on db error")
		}
	})

	t.Run("main migration error calls logFatalf", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return &fakeMigratorDB{
				queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
					return fakeMigratorRow{err: errors.New("lookup failed")}
				},
			}, nil
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on migration error")
		}
	})
}

func TestMigrationsFS(t *testing.T) {
	embedded, err := fs.Glob(migrationsFS(""), "*.sql")
	if err != nil || len(embedded) == 0 {
		t.Fatalf("expected embedded migrations, got %v %v", embedded, err)
	}
	if migrationsFS("  ") != store.Migrations {
		t.Fatal("blank dir must use embedded migrations")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "900_extra.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	files, err := fs.Glob(migrationsFS(dir), "*.sql")
	if err != nil || len(files) != 1 || files[0] != "900_extra.sql" {
		t.Fatalf("expected dir migrations, got %v %v", files, err)
	}
}
