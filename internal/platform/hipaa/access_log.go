// Package hipaa keeps the PHI access trail for call sessions: every audited
// request is persisted as an AccessRecord and can be searched or exported by
// compliance staff.
package hipaa

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/callmanager/internal/platform/db"
	"github.com/ehr/callmanager/internal/platform/middleware"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// AccessRecord is one persisted access to call data.
type AccessRecord struct {
	ID         string    `json:"id"`
	AccessedAt time.Time `json:"accessedAt"`
	TenantID   string    `json:"tenantId,omitempty"`
	UserID     string    `json:"userId"`
	UserRoles  []string  `json:"userRoles"`
	CallID     string    `json:"callId,omitempty"`
	PatientID  string    `json:"patientId,omitempty"`
	Action     string    `json:"action"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"statusCode"`
	IPAddress  string    `json:"ipAddress"`
	UserAgent  string    `json:"userAgent"`
	RequestID  string    `json:"requestId,omitempty"`
}

// AccessQuery filters a search. Zero fields are ignored.
type AccessQuery struct {
	UserID    string
	CallID    string
	PatientID string
	Action    string
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}

func (q *AccessQuery) applyDefaults() {
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
	if q.Limit > maxSearchLimit {
		q.Limit = maxSearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// Matches reports whether r satisfies every non-zero filter.
func (q AccessQuery) Matches(r *AccessRecord) bool {
	if q.UserID != "" && r.UserID != q.UserID {
		return false
	}
	if q.CallID != "" && r.CallID != q.CallID {
		return false
	}
	if q.PatientID != "" && r.PatientID != q.PatientID {
		return false
	}
	if q.Action != "" && r.Action != q.Action {
		return false
	}
	if q.Start != nil && r.AccessedAt.Before(*q.Start) {
		return false
	}
	if q.End != nil && r.AccessedAt.After(*q.End) {
		return false
	}
	return true
}

// AccessResult is one page of records, newest first.
type AccessResult struct {
	Records []*AccessRecord `json:"records"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// AccessStore persists and searches access records.
type AccessStore interface {
	Append(ctx context.Context, r *AccessRecord) error
	Search(ctx context.Context, q AccessQuery) (*AccessResult, error)
}

// Recorder adapts an AccessStore to the audit middleware.
type Recorder struct {
	Store AccessStore
}

// RecordAccess converts the audit entry and appends it.
func (r Recorder) RecordAccess(ctx context.Context, e middleware.AuditEntry) error {
	return r.Store.Append(ctx, FromAuditEntry(ctx, e))
}

// FromAuditEntry builds a record from an audit entry, tagging the tenant
// resolved for the request.
func FromAuditEntry(ctx context.Context, e middleware.AuditEntry) *AccessRecord {
	return &AccessRecord{
		ID:         uuid.NewString(),
		AccessedAt: e.Timestamp,
		TenantID:   db.TenantFromContext(ctx),
		UserID:     e.UserID,
		UserRoles:  append([]string(nil), e.UserRoles...),
		CallID:     e.CallID,
		PatientID:  e.PatientID,
		Action:     e.Action,
		Method:     e.Method,
		Path:       e.Path,
		StatusCode: e.StatusCode,
		IPAddress:  e.IPAddress,
		UserAgent:  e.UserAgent,
		RequestID:  e.RequestID,
	}
}

// MemoryAccessLog keeps records in process memory. Used with the memory call
// store.
type MemoryAccessLog struct {
	mu      sync.RWMutex
	records []*AccessRecord
}

func NewMemoryAccessLog() *MemoryAccessLog {
	return &MemoryAccessLog{}
}

func (m *MemoryAccessLog) Append(_ context.Context, r *AccessRecord) error {
	cp := *r
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.AccessedAt.IsZero() {
		cp.AccessedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.records = append(m.records, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryAccessLog) Search(_ context.Context, q AccessQuery) (*AccessResult, error) {
	q.applyDefaults()

	m.mu.RLock()
	var filtered []*AccessRecord
	for _, r := range m.records {
		if q.Matches(r) {
			cp := *r
			filtered = append(filtered, &cp)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].AccessedAt.After(filtered[j].AccessedAt)
	})
	return page(filtered, len(filtered), q), nil
}

func page(records []*AccessRecord, total int, q AccessQuery) *AccessResult {
	start := q.Offset
	if start > len(records) {
		start = len(records)
	}
	end := start + q.Limit
	if end > len(records) {
		end = len(records)
	}
	out := records[start:end]
	if out == nil {
		out = []*AccessRecord{}
	}
	return &AccessResult{Records: out, Total: total, Limit: q.Limit, Offset: q.Offset}
}
