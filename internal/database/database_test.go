package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	tmpDir := t.TempDir()
	db, err := Open(&Config{Path: filepath.Join(tmpDir, "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func TestOpenCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "data", "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != dbPath {
		t.Errorf("Expected path %s, got %s", dbPath, db.Path())
	}
}

func TestHealth(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := db.Health(context.Background()); err != nil {
		t.Errorf("Health check failed: %v", err)
	}
}

func TestMigratorRun(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	ctx := context.Background()
	migrator := NewMigrator(db)

	if err := migrator.Run(ctx); err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}

	// Schema tables exist after migration
	for _, table := range []string{"events", "devices"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s after migrations: %v", table, err)
		}
	}

	var applied int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&applied); err != nil {
		t.Fatalf("Failed to read schema_migrations: %v", err)
	}
	if applied == 0 {
		t.Error("Expected at least one applied migration")
	}
}

func TestMigratorIdempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	ctx := context.Background()
	migrator := NewMigrator(db)

	if err := migrator.Run(ctx); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	var before int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&before); err != nil {
		t.Fatalf("Failed to read schema_migrations: %v", err)
	}

	if err := migrator.Run(ctx); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	var after int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&after); err != nil {
		t.Fatalf("Failed to read schema_migrations: %v", err)
	}
	if before != after {
		t.Errorf("Re-running migrations should be a no-op, got %d then %d", before, after)
	}
}

func TestTransactionRollback(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	ctx := context.Background()
	if _, err := db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	wantErr := errors.New("boom")
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected wrapped error from transaction, got %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Insert should have rolled back, found %d rows", count)
	}
}
