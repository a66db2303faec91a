package callsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func sampleCall(id, patientID string, start time.Time) *Call {
	return &Call{
		ID:             id,
		PatientID:      patientID,
		PatientName:    "Patient " + patientID,
		TherapistID:    "d1",
		TherapistName:  "Dr. Michael Brown",
		ScheduledStart: start,
		Status:         StatusScheduled,
		AIStatus:       AIStatusPending,
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	}
}

func archive(t *testing.T, s Store, c *Call) {
	t.Helper()
	ctx := context.Background()
	if err := s.InsertActive(ctx, c); err != nil {
		t.Fatalf("insert %s: %v", c.ID, err)
	}
	_, err := s.UpdateActive(ctx, c.ID, func(c *Call) error {
		start := c.ScheduledStart
		end := start.Add(45 * time.Minute)
		c.ActualStart, c.ActualEnd = &start, &end
		c.Status = StatusCompleted
		c.recomputeDuration()
		return nil
	})
	if err != nil {
		t.Fatalf("complete %s: %v", c.ID, err)
	}
}

// runStoreContract exercises behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		s := newStore(t)
		c := sampleCall("c1", "p1", baseTime)
		c.Tags = []string{"anxiety"}
		end := baseTime.Add(time.Hour)
		c.ScheduledEnd = &end
		if err := s.InsertActive(ctx, c); err != nil {
			t.Fatalf("insert: %v", err)
		}
		got, p, err := s.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if p != PartitionActive {
			t.Errorf("expected active partition, got %s", p)
		}
		if got.PatientID != "p1" || got.Status != StatusScheduled || got.AIStatus != AIStatusPending {
			t.Errorf("unexpected call %+v", got)
		}
		if !got.ScheduledStart.Equal(baseTime) || got.ScheduledEnd == nil || !got.ScheduledEnd.Equal(end) {
			t.Errorf("timestamps not preserved: %+v", got)
		}
		if len(got.Tags) != 1 || got.Tags[0] != "anxiety" {
			t.Errorf("tags not preserved: %v", got.Tags)
		}
		if got.DurationMinutes != nil || got.ActualStart != nil {
			t.Errorf("unexpected actual timing: %+v", got)
		}
	})

	t.Run("InsertConflict", func(t *testing.T) {
		s := newStore(t)
		s.InsertActive(ctx, sampleCall("c1", "p1", baseTime))
		if err := s.InsertActive(ctx, sampleCall("c1", "p2", baseTime)); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		archive(t, s, sampleCall("c2", "p1", baseTime))
		if err := s.InsertActive(ctx, sampleCall("c2", "p1", baseTime)); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict for history id, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		if _, _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListActiveOrderAndFilter", func(t *testing.T) {
		s := newStore(t)
		s.InsertActive(ctx, sampleCall("late", "p1", baseTime.Add(2*time.Hour)))
		s.InsertActive(ctx, sampleCall("early", "p2", baseTime))
		live := sampleCall("live", "p3", baseTime.Add(time.Hour))
		live.Status = StatusInProgress
		s.InsertActive(ctx, live)

		all, err := s.ListActive(ctx, "")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 3 || all[0].ID != "early" || all[1].ID != "live" || all[2].ID != "late" {
			t.Fatalf("expected ascending order, got %v", ids(all))
		}
		inProgress, _ := s.ListActive(ctx, StatusInProgress)
		if len(inProgress) != 1 || inProgress[0].ID != "live" {
			t.Fatalf("expected only live, got %v", ids(inProgress))
		}
	})

	t.Run("UpdateActiveMovesTerminalToHistory", func(t *testing.T) {
		s := newStore(t)
		archive(t, s, sampleCall("c1", "p1", baseTime))

		got, p, err := s.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if p != PartitionHistory || got.Status != StatusCompleted {
			t.Fatalf("expected completed in history, got %s in %s", got.Status, p)
		}
		if got.DurationMinutes == nil || *got.DurationMinutes != 45 {
			t.Fatalf("expected duration 45, got %v", got.DurationMinutes)
		}
		active, _ := s.ListActive(ctx, "")
		if len(active) != 0 {
			t.Fatalf("completed call still active: %v", ids(active))
		}
		if _, err := s.UpdateActive(ctx, "c1", func(*Call) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("history call must not be updatable, got %v", err)
		}
	})

	t.Run("UpdateActiveErrorAborts", func(t *testing.T) {
		s := newStore(t)
		s.InsertActive(ctx, sampleCall("c1", "p1", baseTime))
		boom := errors.New("boom")
		_, err := s.UpdateActive(ctx, "c1", func(c *Call) error {
			c.Verified = true
			c.Status = StatusCancelled
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		got, p, _ := s.Get(ctx, "c1")
		if got.Verified || got.Status != StatusScheduled || p != PartitionActive {
			t.Fatalf("aborted update leaked: %+v in %s", got, p)
		}
	})

	t.Run("PromoteToHistoryPreservesFields", func(t *testing.T) {
		s := newStore(t)
		c := sampleCall("c1", "p1", baseTime)
		c.Verified = true
		s.InsertActive(ctx, c)
		if err := s.PromoteToHistory(ctx, "c1"); err != nil {
			t.Fatalf("promote: %v", err)
		}
		got, p, _ := s.Get(ctx, "c1")
		if p != PartitionHistory || !got.Verified || got.Status != StatusScheduled {
			t.Fatalf("unexpected promoted call %+v in %s", got, p)
		}
		if err := s.PromoteToHistory(ctx, "c1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second promote, got %v", err)
		}
	})

	t.Run("ListHistoryFilters", func(t *testing.T) {
		s := newStore(t)
		archive(t, s, sampleCall("h1", "p1", baseTime.Add(-72*time.Hour)))
		archive(t, s, sampleCall("h2", "p1", baseTime.Add(-24*time.Hour)))
		archive(t, s, sampleCall("h3", "p2", baseTime.Add(-48*time.Hour)))
		other := sampleCall("h4", "p1", baseTime.Add(-12*time.Hour))
		other.TherapistID = "d2"
		archive(t, s, other)

		all, _ := s.ListHistory(ctx, HistoryFilter{})
		if len(all) != 4 || all[0].ID != "h4" || all[3].ID != "h1" {
			t.Fatalf("expected descending order, got %v", ids(all))
		}

		since := baseTime.Add(-48 * time.Hour)
		got, _ := s.ListHistory(ctx, HistoryFilter{PatientID: "p1", StartDate: &since})
		if len(got) != 2 || got[0].ID != "h4" || got[1].ID != "h2" {
			t.Fatalf("expected [h4 h2], got %v", ids(got))
		}

		until := baseTime.Add(-48 * time.Hour)
		got, _ = s.ListHistory(ctx, HistoryFilter{EndDate: &until})
		if len(got) != 2 || got[0].ID != "h3" || got[1].ID != "h1" {
			t.Fatalf("expected inclusive end bound [h3 h1], got %v", ids(got))
		}

		got, _ = s.ListHistory(ctx, HistoryFilter{PatientID: "p1", TherapistID: "d2"})
		if len(got) != 1 || got[0].ID != "h4" {
			t.Fatalf("expected [h4], got %v", ids(got))
		}
	})

	t.Run("AttachSummary", func(t *testing.T) {
		s := newStore(t)
		s.InsertActive(ctx, sampleCall("active", "p1", baseTime))
		if _, err := s.AttachSummary(ctx, "active", &Summary{CallID: "active"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for active call, got %v", err)
		}

		archive(t, s, sampleCall("c1", "p1", baseTime))
		sum := &Summary{
			CallID: "c1", SummaryText: "text", KeyPoints: []string{"a", "b"},
			AIAssisted: true, Category: CategoryAnxiety, GeneratedAt: baseTime,
		}
		got, err := s.AttachSummary(ctx, "c1", sum)
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
		if got.Summary == nil || got.Summary.Category != CategoryAnxiety || len(got.Summary.KeyPoints) != 2 {
			t.Fatalf("unexpected summary %+v", got.Summary)
		}

		sum2 := &Summary{CallID: "c1", SummaryText: "again", KeyPoints: []string{"c"}, GeneratedAt: baseTime.Add(time.Minute)}
		s.AttachSummary(ctx, "c1", sum2)
		stored, _, _ := s.Get(ctx, "c1")
		if stored.Summary.SummaryText != "again" || !stored.Summary.GeneratedAt.Equal(sum2.GeneratedAt) {
			t.Fatalf("summary not replaced: %+v", stored.Summary)
		}
	})

	t.Run("ReturnedCallsAreCopies", func(t *testing.T) {
		s := newStore(t)
		c := sampleCall("c1", "p1", baseTime)
		c.Tags = []string{"x"}
		s.InsertActive(ctx, c)
		c.Tags[0] = "mutated"
		got, _, _ := s.Get(ctx, "c1")
		got.Verified = true
		again, _, _ := s.Get(ctx, "c1")
		if again.Verified || again.Tags[0] != "x" {
			t.Fatalf("store shares state with callers: %+v", again)
		}
	})

	t.Run("ConcurrentMembershipExclusive", func(t *testing.T) {
		s := newStore(t)
		const n = 20
		for i := 0; i < n; i++ {
			s.InsertActive(ctx, sampleCall(fmt.Sprintf("c%02d", i), "p1", baseTime.Add(time.Duration(i)*time.Minute)))
		}

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(2)
			id := fmt.Sprintf("c%02d", i)
			go func() {
				defer wg.Done()
				s.UpdateActive(ctx, id, func(c *Call) error {
					c.Status = StatusCancelled
					return nil
				})
			}()
			go func() {
				defer wg.Done()
				if _, _, err := s.Get(ctx, id); err != nil {
					t.Errorf("call %s vanished mid-move: %v", id, err)
				}
			}()
		}
		wg.Wait()

		active, _ := s.ListActive(ctx, "")
		history, _ := s.ListHistory(ctx, HistoryFilter{})
		if len(active) != 0 || len(history) != n {
			t.Fatalf("expected 0 active / %d history, got %d / %d", n, len(active), len(history))
		}
	})
}

func ids(calls []*Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.ID
	}
	return out
}
