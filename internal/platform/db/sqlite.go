package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed sqlite/*.sql
var sqliteMigrationsFS embed.FS

// OpenSQLite opens (creating if needed) the SQLite database at path and
// applies the embedded schema. A single open connection serialises writers.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := MigrateSQLite(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func loadSQLiteMigrations() ([]Migration, error) {
	sub, err := fs.Sub(sqliteMigrationsFS, "sqlite")
	if err != nil {
		return nil, err
	}
	return LoadMigrations(sub)
}

// MigrateSQLite applies the embedded SQLite migrations in order, tracking the
// applied version in schema_version.
func MigrateSQLite(conn *sql.DB) error {
	migrations, err := loadSQLiteMigrations()
	if err != nil {
		return err
	}
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		current = m.Version
	}
	return tx.Commit()
}

// SQLiteVersion reports the schema version recorded in schema_version.
func SQLiteVersion(conn *sql.DB) (int, error) {
	var v int
	err := conn.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// SQLiteStatus reports every embedded migration as applied or pending
// against the recorded schema version.
func SQLiteStatus(conn *sql.DB) ([]MigrationStatus, error) {
	migrations, err := loadSQLiteMigrations()
	if err != nil {
		return nil, err
	}
	current, err := SQLiteVersion(conn)
	if err != nil {
		return nil, err
	}
	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		statuses = append(statuses, MigrationStatus{Version: m.Version, Name: m.Name, Applied: m.Version <= current})
	}
	return statuses, nil
}

// SQLitePinger adapts *sql.DB to the Pinger used by HealthHandler.
type SQLitePinger struct{ DB *sql.DB }

func (p SQLitePinger) Ping(ctx context.Context) error { return p.DB.PingContext(ctx) }
