package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/callmanager/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// pgStore persists calls in a single call_session table. The call_partition
// column is the partition; one row per id makes dual membership impossible.
type pgStore struct{ pool *pgxpool.Pool }

// NewPGStore returns a Store backed by PostgreSQL.
func NewPGStore(pool *pgxpool.Pool) Store { return &pgStore{pool: pool} }

func (r *pgStore) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const callCols = `id, patient_id, patient_name, therapist_id, therapist_name,
	scheduled_start, scheduled_end, actual_start, actual_end, duration_minutes,
	status, verified, ai_status, tags, summary, call_partition, created_at, updated_at`

func (r *pgStore) scanCall(row pgx.Row) (*Call, Partition, error) {
	var (
		c                Call
		status, aiStatus string
		partition        string
		summary          []byte
	)
	err := row.Scan(&c.ID, &c.PatientID, &c.PatientName, &c.TherapistID, &c.TherapistName,
		&c.ScheduledStart, &c.ScheduledEnd, &c.ActualStart, &c.ActualEnd, &c.DurationMinutes,
		&status, &c.Verified, &aiStatus, &c.Tags, &summary, &partition, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	c.Status = Status(status)
	c.AIStatus = AIStatus(aiStatus)
	if len(c.Tags) == 0 {
		c.Tags = nil
	}
	if len(summary) > 0 {
		var s Summary
		if err := json.Unmarshal(summary, &s); err != nil {
			return nil, "", fmt.Errorf("decode summary of call %s: %w", c.ID, err)
		}
		c.Summary = &s
	}
	return &c, Partition(partition), nil
}

func encodeSummary(s *Summary) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (r *pgStore) InsertActive(ctx context.Context, c *Call) error {
	summary, err := encodeSummary(c.Summary)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO call_session (id, patient_id, patient_name, therapist_id, therapist_name,
			scheduled_start, scheduled_end, actual_start, actual_end, duration_minutes,
			status, verified, ai_status, tags, summary, call_partition, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,'active',$16,$17)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.PatientID, c.PatientName, c.TherapistID, c.TherapistName,
		c.ScheduledStart, c.ScheduledEnd, c.ActualStart, c.ActualEnd, c.DurationMinutes,
		string(c.Status), c.Verified, string(c.AIStatus), tagsOrEmpty(c.Tags), summary,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, c.ID)
	}
	return nil
}

func (r *pgStore) Get(ctx context.Context, id string) (*Call, Partition, error) {
	c, p, err := r.scanCall(r.conn(ctx).QueryRow(ctx, `SELECT `+callCols+` FROM call_session WHERE id = $1`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, p, err
}

func (r *pgStore) ListActive(ctx context.Context, status Status) ([]*Call, error) {
	query := `SELECT ` + callCols + ` FROM call_session WHERE call_partition = 'active'`
	var args []interface{}
	if status != "" {
		query += ` AND status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY scheduled_start ASC, id ASC`
	return r.list(ctx, query, args...)
}

func (r *pgStore) ListHistory(ctx context.Context, f HistoryFilter) ([]*Call, error) {
	query := `SELECT ` + callCols + ` FROM call_session WHERE call_partition = 'history'`
	var args []interface{}
	idx := 1

	if f.PatientID != "" {
		query += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, f.PatientID)
		idx++
	}
	if f.TherapistID != "" {
		query += fmt.Sprintf(` AND therapist_id = $%d`, idx)
		args = append(args, f.TherapistID)
		idx++
	}
	if f.StartDate != nil {
		query += fmt.Sprintf(` AND scheduled_start >= $%d`, idx)
		args = append(args, *f.StartDate)
		idx++
	}
	if f.EndDate != nil {
		query += fmt.Sprintf(` AND scheduled_start <= $%d`, idx)
		args = append(args, *f.EndDate)
	}
	query += ` ORDER BY scheduled_start DESC, id ASC`
	return r.list(ctx, query, args...)
}

func (r *pgStore) list(ctx context.Context, query string, args ...interface{}) ([]*Call, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*Call{}
	for rows.Next() {
		c, _, err := r.scanCall(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *pgStore) UpdateActive(ctx context.Context, id string, fn func(c *Call) error) (*Call, error) {
	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	c, _, err := r.scanCall(tx.QueryRow(ctx,
		`SELECT `+callCols+` FROM call_session WHERE id = $1 AND call_partition = 'active' FOR UPDATE`, id))
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

	summary, err := encodeSummary(c.Summary)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE call_session SET actual_start=$2, actual_end=$3, duration_minutes=$4,
			status=$5, verified=$6, ai_status=$7, tags=$8, summary=$9,
			call_partition=$10, updated_at=$11
		WHERE id = $1`,
		c.ID, c.ActualStart, c.ActualEnd, c.DurationMinutes,
		string(c.Status), c.Verified, string(c.AIStatus), tagsOrEmpty(c.Tags), summary,
		string(c.Partition()), c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update call %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit call %s: %w", id, err)
	}
	return c, nil
}

func (r *pgStore) PromoteToHistory(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE call_session SET call_partition = 'history' WHERE id = $1 AND call_partition = 'active'`, id)
	if err != nil {
		return fmt.Errorf("promote call %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *pgStore) AttachSummary(ctx context.Context, id string, s *Summary) (*Call, error) {
	summary, err := encodeSummary(s)
	if err != nil {
		return nil, err
	}
	c, _, err := r.scanCall(r.conn(ctx).QueryRow(ctx, `
		UPDATE call_session SET summary = $2
		WHERE id = $1 AND call_partition = 'history'
		RETURNING `+callCols, id, summary))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}
