package db

import (
	"path/filepath"
	"testing"
)

func TestOpenSQLite_AppliesMigrations(t *testing.T) {
	conn, err := OpenSQLite(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	v, err := SQLiteVersion(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 1 {
		t.Errorf("expected schema version >= 1, got %d", v)
	}

	var name string
	if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='call_session'`).Scan(&name); err != nil {
		t.Fatalf("call_session table missing: %v", err)
	}
}

func TestMigrateSQLite_Idempotent(t *testing.T) {
	conn, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "calls.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if err := MigrateSQLite(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var rows int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("expected a single schema_version row, got %d", rows)
	}
}

func TestLoadSQLiteMigrations_Sorted(t *testing.T) {
	migs, err := loadSQLiteMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("expected embedded migrations")
	}
	for i := 1; i < len(migs); i++ {
		if migs[i].Version <= migs[i-1].Version {
			t.Errorf("migrations out of order at %d", i)
		}
	}
}

func TestSQLiteStatus(t *testing.T) {
	conn, err := OpenSQLite(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	statuses, err := SQLiteStatus(conn)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected embedded migrations")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("%s should be applied after open", s.Name)
		}
	}
}
