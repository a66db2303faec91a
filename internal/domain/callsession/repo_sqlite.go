package callsession

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists calls in the call_session table of a SQLite database
// opened with db.OpenSQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already migrated SQLite handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func encodeTags(tags []string) (string, error) {
	b, err := json.Marshal(tagsOrEmpty(tags))
	return string(b), err
}

func nullSummary(s *Summary) (sql.NullString, error) {
	b, err := encodeSummary(s)
	if err != nil || b == nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func scanSQLiteCall(row rowScanner) (*Call, Partition, error) {
	var (
		c                                  Call
		scheduledStart, createdAt, updated string
		scheduledEnd, actualStart          sql.NullString
		actualEnd, summary                 sql.NullString
		duration                           sql.NullInt64
		status, aiStatus, tags, partition  string
		verified                           int
	)
	err := row.Scan(&c.ID, &c.PatientID, &c.PatientName, &c.TherapistID, &c.TherapistName,
		&scheduledStart, &scheduledEnd, &actualStart, &actualEnd, &duration,
		&status, &verified, &aiStatus, &tags, &summary, &partition, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}

	if c.ScheduledStart, err = parseTime(scheduledStart); err != nil {
		return nil, "", fmt.Errorf("parse scheduled_start: %w", err)
	}
	if c.ScheduledEnd, err = parseTimePtr(scheduledEnd); err != nil {
		return nil, "", fmt.Errorf("parse scheduled_end: %w", err)
	}
	if c.ActualStart, err = parseTimePtr(actualStart); err != nil {
		return nil, "", fmt.Errorf("parse actual_start: %w", err)
	}
	if c.ActualEnd, err = parseTimePtr(actualEnd); err != nil {
		return nil, "", fmt.Errorf("parse actual_end: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, "", fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, "", fmt.Errorf("parse updated_at: %w", err)
	}
	if duration.Valid {
		d := int(duration.Int64)
		c.DurationMinutes = &d
	}
	c.Status = Status(status)
	c.AIStatus = AIStatus(aiStatus)
	c.Verified = verified != 0

	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, "", fmt.Errorf("decode tags of call %s: %w", c.ID, err)
	}
	if len(c.Tags) == 0 {
		c.Tags = nil
	}
	if summary.Valid {
		var s Summary
		if err := json.Unmarshal([]byte(summary.String), &s); err != nil {
			return nil, "", fmt.Errorf("decode summary of call %s: %w", c.ID, err)
		}
		c.Summary = &s
	}
	return &c, Partition(partition), nil
}

func (r *SQLiteStore) InsertActive(ctx context.Context, c *Call) error {
	tags, err := encodeTags(c.Tags)
	if err != nil {
		return err
	}
	summary, err := nullSummary(c.Summary)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO call_session (id, patient_id, patient_name, therapist_id, therapist_name,
			scheduled_start, scheduled_end, actual_start, actual_end, duration_minutes,
			status, verified, ai_status, tags, summary, call_partition, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,'active',?,?)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.PatientID, c.PatientName, c.TherapistID, c.TherapistName,
		formatTime(c.ScheduledStart), formatTimePtr(c.ScheduledEnd), formatTimePtr(c.ActualStart),
		formatTimePtr(c.ActualEnd), nullInt(c.DurationMinutes),
		string(c.Status), boolToInt(c.Verified), string(c.AIStatus), tags, summary,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert call %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, c.ID)
	}
	return nil
}

func (r *SQLiteStore) Get(ctx context.Context, id string) (*Call, Partition, error) {
	c, p, err := scanSQLiteCall(r.db.QueryRowContext(ctx, `SELECT `+callCols+` FROM call_session WHERE id = ?`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, p, err
}

func (r *SQLiteStore) ListActive(ctx context.Context, status Status) ([]*Call, error) {
	query := `SELECT ` + callCols + ` FROM call_session WHERE call_partition = 'active'`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY scheduled_start ASC, id ASC`
	return listSQLite(ctx, r.db, query, args...)
}

func (r *SQLiteStore) ListHistory(ctx context.Context, f HistoryFilter) ([]*Call, error) {
	query := `SELECT ` + callCols + ` FROM call_session WHERE call_partition = 'history'`
	var args []any
	if f.PatientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	if f.TherapistID != "" {
		query += ` AND therapist_id = ?`
		args = append(args, f.TherapistID)
	}
	if f.StartDate != nil {
		query += ` AND scheduled_start >= ?`
		args = append(args, formatTime(*f.StartDate))
	}
	if f.EndDate != nil {
		query += ` AND scheduled_start <= ?`
		args = append(args, formatTime(*f.EndDate))
	}
	query += ` ORDER BY scheduled_start DESC, id ASC`
	return listSQLite(ctx, r.db, query, args...)
}

func listSQLite(ctx context.Context, q sqlRunner, query string, args ...any) ([]*Call, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*Call{}
	for rows.Next() {
		c, _, err := scanSQLiteCall(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *SQLiteStore) UpdateActive(ctx context.Context, id string, fn func(c *Call) error) (*Call, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	c, _, err := scanSQLiteCall(tx.QueryRowContext(ctx,
		`SELECT `+callCols+` FROM call_session WHERE id = ? AND call_partition = 'active'`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ID = id

	tags, err := encodeTags(c.Tags)
	if err != nil {
		return nil, err
	}
	summary, err := nullSummary(c.Summary)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE call_session SET actual_start = ?, actual_end = ?, duration_minutes = ?,
			status = ?, verified = ?, ai_status = ?, tags = ?, summary = ?,
			call_partition = ?, updated_at = ?
		WHERE id = ?`,
		formatTimePtr(c.ActualStart), formatTimePtr(c.ActualEnd), nullInt(c.DurationMinutes),
		string(c.Status), boolToInt(c.Verified), string(c.AIStatus), tags, summary,
		string(c.Partition()), formatTime(c.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update call %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit call %s: %w", id, err)
	}
	return c, nil
}

func (r *SQLiteStore) PromoteToHistory(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE call_session SET call_partition = 'history' WHERE id = ? AND call_partition = 'active'`, id)
	if err != nil {
		return fmt.Errorf("promote call %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *SQLiteStore) AttachSummary(ctx context.Context, id string, s *Summary) (*Call, error) {
	summary, err := nullSummary(s)
	if err != nil {
		return nil, err
	}
	c, _, err := scanSQLiteCall(r.db.QueryRowContext(ctx, `
		UPDATE call_session SET summary = ?
		WHERE id = ? AND call_partition = 'history'
		RETURNING `+callCols, summary, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
