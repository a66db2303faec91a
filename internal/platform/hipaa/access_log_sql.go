package hipaa

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/callmanager/internal/platform/db"
)

const accessCols = `id, accessed_at, user_id, user_roles, call_id, patient_id, action,
	method, path, status_code, ip_address, user_agent, request_id`

// whereClause renders the filters of q. placeholder returns the bind marker
// for the n-th argument (1-based).
func whereClause(q AccessQuery, placeholder func(n int) string, encodeTime func(time.Time) any) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, placeholder(len(args))))
	}
	if q.UserID != "" {
		add("user_id = %s", q.UserID)
	}
	if q.CallID != "" {
		add("call_id = %s", q.CallID)
	}
	if q.PatientID != "" {
		add("patient_id = %s", q.PatientID)
	}
	if q.Action != "" {
		add("action = %s", q.Action)
	}
	if q.Start != nil {
		add("accessed_at >= %s", encodeTime(*q.Start))
	}
	if q.End != nil {
		add("accessed_at <= %s", encodeTime(*q.End))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type pgQueryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGAccessLog stores records in the tenant schema's call_access_log table.
type PGAccessLog struct {
	pool *pgxpool.Pool
}

func NewPGAccessLog(pool *pgxpool.Pool) *PGAccessLog {
	return &PGAccessLog{pool: pool}
}

// conn prefers the tenant-scoped connection of the request.
func (l *PGAccessLog) conn(ctx context.Context) pgQueryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return l.pool
}

func (l *PGAccessLog) Append(ctx context.Context, r *AccessRecord) error {
	roles := r.UserRoles
	if roles == nil {
		roles = []string{}
	}
	_, err := l.conn(ctx).Exec(ctx, `INSERT INTO call_access_log (`+accessCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.AccessedAt, r.UserID, roles, r.CallID, r.PatientID, r.Action,
		r.Method, r.Path, r.StatusCode, r.IPAddress, r.UserAgent, r.RequestID)
	if err != nil {
		return fmt.Errorf("hipaa access log: insert: %w", err)
	}
	return nil
}

func (l *PGAccessLog) Search(ctx context.Context, q AccessQuery) (*AccessResult, error) {
	q.applyDefaults()
	where, args := whereClause(q, func(n int) string { return fmt.Sprintf("$%d", n) },
		func(t time.Time) any { return t })
	conn := l.conn(ctx)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM call_access_log`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("hipaa access log: count: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM call_access_log%s ORDER BY accessed_at DESC LIMIT %d OFFSET %d`,
		accessCols, where, q.Limit, q.Offset)
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hipaa access log: search: %w", err)
	}
	defer rows.Close()

	records := []*AccessRecord{}
	for rows.Next() {
		var r AccessRecord
		if err := rows.Scan(&r.ID, &r.AccessedAt, &r.UserID, &r.UserRoles, &r.CallID, &r.PatientID,
			&r.Action, &r.Method, &r.Path, &r.StatusCode, &r.IPAddress, &r.UserAgent, &r.RequestID); err != nil {
			return nil, err
		}
		r.TenantID = db.TenantFromContext(ctx)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &AccessResult{Records: records, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// sqliteTimeLayout matches the call store so timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteAccessLog stores records in the call_access_log table of a database
// opened with db.OpenSQLite.
type SQLiteAccessLog struct {
	db *sql.DB
}

func NewSQLiteAccessLog(conn *sql.DB) *SQLiteAccessLog {
	return &SQLiteAccessLog{db: conn}
}

func (l *SQLiteAccessLog) Append(ctx context.Context, r *AccessRecord) error {
	roles, err := json.Marshal(r.UserRoles)
	if err != nil {
		return err
	}
	if r.UserRoles == nil {
		roles = []byte("[]")
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO call_access_log (`+accessCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.AccessedAt.UTC().Format(sqliteTimeLayout), r.UserID, string(roles), r.CallID, r.PatientID,
		r.Action, r.Method, r.Path, r.StatusCode, r.IPAddress, r.UserAgent, r.RequestID)
	if err != nil {
		return fmt.Errorf("hipaa access log: insert: %w", err)
	}
	return nil
}

func (l *SQLiteAccessLog) Search(ctx context.Context, q AccessQuery) (*AccessResult, error) {
	q.applyDefaults()
	where, args := whereClause(q, func(int) string { return "?" },
		func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) })

	var total int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_access_log`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("hipaa access log: count: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM call_access_log%s ORDER BY accessed_at DESC LIMIT %d OFFSET %d`,
		accessCols, where, q.Limit, q.Offset)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hipaa access log: search: %w", err)
	}
	defer rows.Close()

	records := []*AccessRecord{}
	for rows.Next() {
		var (
			r         AccessRecord
			at, roles string
		)
		if err := rows.Scan(&r.ID, &at, &r.UserID, &roles, &r.CallID, &r.PatientID,
			&r.Action, &r.Method, &r.Path, &r.StatusCode, &r.IPAddress, &r.UserAgent, &r.RequestID); err != nil {
			return nil, err
		}
		if r.AccessedAt, err = time.Parse(sqliteTimeLayout, at); err != nil {
			return nil, fmt.Errorf("hipaa access log: accessed_at: %w", err)
		}
		if err := json.Unmarshal([]byte(roles), &r.UserRoles); err != nil {
			return nil, fmt.Errorf("hipaa access log: user_roles: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &AccessResult{Records: records, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}
