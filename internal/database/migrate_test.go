package database

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrateNewDB(t *testing.T) {
	db := openTestDB(t)

	version, err := db.getSchemaVersion()
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}

	for _, table := range []string{"platforms", "hashtags", "posts", "sync_runs", "sync_results"} {
		var n int
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("expected table %s", table)
		}
	}
}

func TestOpenCreatesDataDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "nested", "trendsync.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	version, err := db.getSchemaVersion()
	if err != nil || version != latestVersion() {
		t.Errorf("expected migrated schema, got version %d (%v)", version, err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idem.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	version, err := db2.getSchemaVersion()
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestExpandDDL(t *testing.T) {
	stmt := "CREATE TABLE t (id {{pk}}, score {{float}})"
	if got := expandDDL(stmt, dialectSQLite); got != "CREATE TABLE t (id INTEGER PRIMARY KEY AUTOINCREMENT, score REAL)" {
		t.Errorf("unexpected sqlite DDL %q", got)
	}
	if got := expandDDL(stmt, dialectPostgres); !strings.Contains(got, "BIGSERIAL") || !strings.Contains(got, "DOUBLE PRECISION") {
		t.Errorf("unexpected postgres DDL %q", got)
	}
}
