package callsession

import (
	"math"
	"time"
)

// Status is the lifecycle state of a call.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusScheduled: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool { return validStatuses[s] }

// Terminal reports whether no further status change is accepted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// AIStatus tracks whether automated assistance is engaged for a call. It is
// independent of Status.
type AIStatus string

const (
	AIStatusPending  AIStatus = "pending"
	AIStatusActive   AIStatus = "active"
	AIStatusDisabled AIStatus = "disabled"
)

// Valid reports whether a is a known AI status value.
func (a AIStatus) Valid() bool {
	return a == AIStatusPending || a == AIStatusActive || a == AIStatusDisabled
}

// Partition names the half of the call store that holds a call.
type Partition string

const (
	PartitionActive  Partition = "active"
	PartitionHistory Partition = "history"
)

// PartitionFor derives the partition a call with the given status belongs to.
func PartitionFor(s Status) Partition {
	if s.Terminal() {
		return PartitionHistory
	}
	return PartitionActive
}

// Call is a therapy call tracked from scheduling through archival.
type Call struct {
	ID              string     `json:"id"`
	PatientID       string     `json:"patientId"`
	PatientName     string     `json:"patientName"`
	TherapistID     string     `json:"therapistId"`
	TherapistName   string     `json:"therapistName"`
	ScheduledStart  time.Time  `json:"scheduledStartTime"`
	ScheduledEnd    *time.Time `json:"scheduledEndTime,omitempty"`
	ActualStart     *time.Time `json:"actualStartTime,omitempty"`
	ActualEnd       *time.Time `json:"actualEndTime,omitempty"`
	DurationMinutes *int       `json:"duration,omitempty"`
	Status          Status     `json:"status"`
	Verified        bool       `json:"verified"`
	AIStatus        AIStatus   `json:"aiStatus"`
	Tags            []string   `json:"tags,omitempty"`
	Summary         *Summary   `json:"summary,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.ScheduledEnd = cloneTime(c.ScheduledEnd)
	out.ActualStart = cloneTime(c.ActualStart)
	out.ActualEnd = cloneTime(c.ActualEnd)
	if c.DurationMinutes != nil {
		d := *c.DurationMinutes
		out.DurationMinutes = &d
	}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	out.Summary = c.Summary.Clone()
	return &out
}

// Partition returns the partition the call's current status maps to.
func (c *Call) Partition() Partition { return PartitionFor(c.Status) }

// recomputeDuration keeps DurationMinutes set exactly when both actual
// timestamps are present.
func (c *Call) recomputeDuration() {
	if c.ActualStart == nil || c.ActualEnd == nil {
		c.DurationMinutes = nil
		return
	}
	d := durationMinutes(*c.ActualStart, *c.ActualEnd)
	c.DurationMinutes = &d
}

func durationMinutes(start, end time.Time) int {
	return int(math.Round(end.Sub(start).Minutes()))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Category is the session focus a summary is keyed by.
type Category string

const (
	CategoryAnxiety    Category = "anxiety"
	CategoryDepression Category = "depression"
	CategoryGeneral    Category = "general"
)

// Summary is the post-call artifact attached to a completed call.
type Summary struct {
	CallID      string    `json:"callId"`
	SummaryText string    `json:"summaryText"`
	KeyPoints   []string  `json:"keyPoints"`
	ActionItems []string  `json:"actionItems,omitempty"`
	AIAssisted  bool      `json:"aiAssisted"`
	Category    Category  `json:"category,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Clone returns a deep copy of the summary.
func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}
	out := *s
	out.KeyPoints = append([]string(nil), s.KeyPoints...)
	if s.ActionItems != nil {
		out.ActionItems = append([]string(nil), s.ActionItems...)
	}
	return &out
}

// Verification is the transient input of an identity check. Only its effect
// on Call.Verified is retained.
type Verification struct {
	CallID    string    `json:"callId"`
	PatientID string    `json:"patientId"`
	Verified  bool      `json:"verified"`
	Method    string    `json:"verificationMethod"`
	At        time.Time `json:"verifiedAt,omitempty"`
}

// CreateRequest carries the caller-supplied fields of a new call.
type CreateRequest struct {
	PatientID      string     `json:"patientId"`
	PatientName    string     `json:"patientName"`
	TherapistID    string     `json:"therapistId"`
	TherapistName  string     `json:"therapistName"`
	ScheduledStart time.Time  `json:"scheduledStartTime"`
	ScheduledEnd   *time.Time `json:"scheduledEndTime,omitempty"`
	Status         Status     `json:"status,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
}

// StatusUpdate moves a call along the status and AI-status axes. An empty
// AIStatus leaves the current value untouched.
type StatusUpdate struct {
	Status   Status   `json:"status"`
	AIStatus AIStatus `json:"aiStatus"`
	Actor    string   `json:"updatedBy,omitempty"`
}

// HistoryFilter narrows ListHistory. Every non-zero field must match.
type HistoryFilter struct {
	PatientID   string
	TherapistID string
	StartDate   *time.Time
	EndDate     *time.Time
}

// Matches reports whether c satisfies every supplied filter.
func (f HistoryFilter) Matches(c *Call) bool {
	if f.PatientID != "" && c.PatientID != f.PatientID {
		return false
	}
	if f.TherapistID != "" && c.TherapistID != f.TherapistID {
		return false
	}
	if f.StartDate != nil && c.ScheduledStart.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && c.ScheduledStart.After(*f.EndDate) {
		return false
	}
	return true
}

// JoinAck acknowledges a supervisor joining a live call. Media setup is
// handled elsewhere.
type JoinAck struct {
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	CallID   string    `json:"callId"`
	JoinedBy string    `json:"joinedBy,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}
