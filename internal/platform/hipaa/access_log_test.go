package hipaa

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehr/callmanager/internal/platform/db"
	"github.com/ehr/callmanager/internal/platform/middleware"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func record(id, user, call, action string, at time.Time) *AccessRecord {
	return &AccessRecord{
		ID: id, AccessedAt: at, UserID: user, UserRoles: []string{"therapist"},
		CallID: call, Action: action, Method: "GET", Path: "/api/call-manager/calls/" + call,
		StatusCode: 200, IPAddress: "10.0.0.1", UserAgent: "test",
	}
}

func runAccessStoreContract(t *testing.T, newStore func(t *testing.T) AccessStore) {
	ctx := context.Background()

	t.Run("search filters and orders newest first", func(t *testing.T) {
		s := newStore(t)
		s.Append(ctx, record("a", "u1", "c1", "read", t0))
		s.Append(ctx, record("b", "u2", "c1", "status", t0.Add(time.Minute)))
		s.Append(ctx, record("c", "u1", "c2", "read", t0.Add(2*time.Minute)))

		res, err := s.Search(ctx, AccessQuery{})
		if err != nil {
			t.Fatal(err)
		}
		if res.Total != 3 || len(res.Records) != 3 || res.Records[0].ID != "c" || res.Records[2].ID != "a" {
			t.Fatalf("unexpected result %+v", res)
		}
		if res.Limit != defaultSearchLimit {
			t.Errorf("expected default limit, got %d", res.Limit)
		}

		res, _ = s.Search(ctx, AccessQuery{CallID: "c1", UserID: "u1"})
		if res.Total != 1 || res.Records[0].ID != "a" {
			t.Fatalf("AND filters: got %+v", res.Records)
		}
		if len(res.Records[0].UserRoles) != 1 || res.Records[0].UserRoles[0] != "therapist" {
			t.Errorf("roles not round-tripped: %v", res.Records[0].UserRoles)
		}

		from := t0.Add(30 * time.Second)
		res, _ = s.Search(ctx, AccessQuery{Start: &from, Action: "read"})
		if res.Total != 1 || res.Records[0].ID != "c" {
			t.Fatalf("time filter: got %+v", res.Records)
		}
	})

	t.Run("paging keeps total", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"a", "b", "c", "d"} {
			s.Append(ctx, record(id, "u1", "c1", "read", t0.Add(time.Duration(i)*time.Minute)))
		}
		res, err := s.Search(ctx, AccessQuery{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatal(err)
		}
		if res.Total != 4 || len(res.Records) != 2 || res.Records[0].ID != "c" {
			t.Fatalf("unexpected page %+v", res)
		}
		res, _ = s.Search(ctx, AccessQuery{Offset: 10})
		if res.Records == nil || len(res.Records) != 0 {
			t.Fatalf("past the end should be an empty page, got %v", res.Records)
		}
	})
}

func TestMemoryAccessLog(t *testing.T) {
	runAccessStoreContract(t, func(t *testing.T) AccessStore { return NewMemoryAccessLog() })
}

func TestSQLiteAccessLog(t *testing.T) {
	runAccessStoreContract(t, func(t *testing.T) AccessStore {
		conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "calls.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { conn.Close() })
		return NewSQLiteAccessLog(conn)
	})
}

func TestAccessQuery_LimitClamped(t *testing.T) {
	q := AccessQuery{Limit: 5000, Offset: -3}
	q.applyDefaults()
	if q.Limit != maxSearchLimit || q.Offset != 0 {
		t.Fatalf("unexpected defaults %+v", q)
	}
}

func TestRecorder_ConvertsAuditEntry(t *testing.T) {
	store := NewMemoryAccessLog()
	entry := middleware.AuditEntry{
		UserID: "dr-1", UserRoles: []string{"therapist"}, CallID: "c1", PatientID: "p1",
		Action: "verify", Method: "POST", Path: "/api/call-manager/calls/c1/verify",
		StatusCode: 200, Timestamp: t0, RequestID: "req-1",
	}
	if err := (Recorder{Store: store}).RecordAccess(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	res, _ := store.Search(context.Background(), AccessQuery{PatientID: "p1"})
	if res.Total != 1 {
		t.Fatalf("expected 1 record, got %d", res.Total)
	}
	r := res.Records[0]
	if r.ID == "" || r.Action != "verify" || r.RequestID != "req-1" || !r.AccessedAt.Equal(t0) {
		t.Fatalf("unexpected record %+v", r)
	}
}
