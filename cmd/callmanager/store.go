package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/callmanager/internal/config"
	"github.com/ehr/callmanager/internal/domain/callsession"
	"github.com/ehr/callmanager/internal/platform/db"
	"github.com/ehr/callmanager/internal/platform/hipaa"
)

// backend is an opened call store plus the handles serve and the admin
// commands need around it.
type backend struct {
	name   string
	store  callsession.Store
	pool   *pgxpool.Pool
	sqlite *sql.DB

	memoryLog *hipaa.MemoryAccessLog
}

func (b *backend) pinger() db.Pinger {
	switch {
	case b.pool != nil:
		return b.pool
	case b.sqlite != nil:
		return db.SQLitePinger{DB: b.sqlite}
	}
	return nil
}

// accessLog returns the PHI access trail stored next to the calls.
func (b *backend) accessLog() hipaa.AccessStore {
	switch {
	case b.pool != nil:
		return hipaa.NewPGAccessLog(b.pool)
	case b.sqlite != nil:
		return hipaa.NewSQLiteAccessLog(b.sqlite)
	}
	if b.memoryLog == nil {
		b.memoryLog = hipaa.NewMemoryAccessLog()
	}
	return b.memoryLog
}

func (b *backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.sqlite != nil {
		b.sqlite.Close()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	b := &backend{name: cfg.StoreBackend}
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, err
		}
		b.pool = pool
		b.store = callsession.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	case config.BackendSQLite:
		conn, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.sqlite = conn
		b.store = callsession.NewSQLiteStore(conn)
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite database")
	case config.BackendMemory:
		b.store = callsession.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return b, nil
}

// tenantContext scopes ctx to the default tenant's schema when the store is
// postgres. Outside HTTP requests nothing else sets the search path.
func (b *backend) tenantContext(ctx context.Context, tenantID string) (context.Context, func(), error) {
	if b.pool == nil {
		return ctx, func() {}, nil
	}
	return db.WithTenantConn(ctx, b.pool, tenantID)
}
