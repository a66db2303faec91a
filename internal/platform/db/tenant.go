package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var (
	tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	schemaPattern   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// TenantSchema is the postgres schema holding a tenant's call sessions.
func TenantSchema(tenantID string) string {
	return "tenant_" + tenantID
}

// TenantMiddleware pins a pooled connection to the tenant's schema for the
// rest of the request. The postgres call store picks it up through
// ConnFromContext.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx, release, err := WithTenantConn(c.Request().Context(), pool, tenantID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)

			return next(c)
		}
	}
}

// WithTenantConn acquires a connection scoped to the tenant's schema and
// returns a context carrying it. release resets the connection and returns
// it to the pool.
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string) (context.Context, func(), error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return ctx, nil, fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", TenantSchema(tenantID))); err != nil {
		conn.Release()
		return ctx, nil, fmt.Errorf("set search_path for %s: %w", tenantID, err)
	}
	release := func() {
		conn.Exec(context.Background(), "RESET search_path")
		conn.Release()
	}
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, release, nil
}

// ResolveTenant records the tenant without holding a connection, for
// long-lived routes such as the websocket feed.
func ResolveTenant(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}
			ctx := context.WithValue(c.Request().Context(), TenantIDKey, tenantID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	// JWT claim wins over anything the caller sends.
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the tenant's schema and applies migrations to
// it. A nil migrations set only creates the schema.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrations fs.FS) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	schema := TenantSchema(tenantID)

	if migrations == nil {
		if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
			return fmt.Errorf("create schema %s: %w", schema, err)
		}
		return nil
	}
	if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
		return fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return nil
}
