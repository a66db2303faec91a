package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_tags.sql":         {Data: []byte("ALTER TABLE call_session ADD COLUMN x TEXT;")},
		"001_call_session.sql": {Data: []byte("CREATE TABLE call_session (id TEXT);")},
		"010_index.sql":        {Data: []byte("CREATE INDEX i ON call_session (id);")},
		"README.md":            {Data: []byte("docs")},
		"notes_draft.sql":      {Data: []byte("SELECT 1;")},
		"nounderscore.sql":     {Data: []byte("SELECT 1;")},
		"sub/003_nested.sql":   {Data: []byte("SELECT 1;")},
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d: %+v", len(migrations), migrations)
	}
	wantVersions := []int{1, 2, 10}
	for i, v := range wantVersions {
		if migrations[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_call_session.sql" || migrations[0].SQL != "CREATE TABLE call_session (id TEXT);" {
		t.Errorf("unexpected first migration %+v", migrations[0])
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := LoadMigrations(fstest.MapFS{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected none, got %d", len(migrations))
	}
}

func TestPostgresMigrations_Embedded(t *testing.T) {
	migrations, err := LoadMigrations(PostgresMigrations(""))
	if err != nil {
		t.Fatalf("load embedded: %v", err)
	}
	if len(migrations) == 0 || migrations[0].Name != "001_call_session.sql" {
		t.Fatalf("expected embedded call_session migration, got %+v", migrations)
	}
}

func TestPostgresMigrations_DirOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_custom.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	migrations, err := LoadMigrations(PostgresMigrations(dir))
	if err != nil || len(migrations) != 1 || migrations[0].Name != "001_custom.sql" {
		t.Fatalf("expected directory override, got %+v %v", migrations, err)
	}

	// A missing directory falls back to the embedded set.
	migrations, err = LoadMigrations(PostgresMigrations(filepath.Join(dir, "missing")))
	if err != nil || len(migrations) == 0 || migrations[0].Name != "001_call_session.sql" {
		t.Fatalf("expected embedded fallback, got %+v %v", migrations, err)
	}
}

func TestMigrationStatuses(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	migrations := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}
	statuses := migrationStatuses(migrations, map[int]time.Time{1: at})

	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("first migration should be applied at %v: %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("second migration should be pending: %+v", statuses[1])
	}
}

func TestMigrator_RejectsBadSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{})
	if _, err := m.Up(context.Background(), "tenant_a; DROP TABLE x"); err == nil {
		t.Error("expected error for injected schema name")
	}
	if _, err := m.Status(context.Background(), "1bad"); err == nil {
		t.Error("expected error for schema starting with a digit")
	}
}
