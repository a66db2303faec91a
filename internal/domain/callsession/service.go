package callsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/callmanager/internal/domain/mcp"
	"github.com/ehr/callmanager/internal/platform/db"
	"github.com/ehr/callmanager/internal/platform/websocket"
)

// PolicySource yields the AI-assistance policy in force.
type PolicySource interface {
	Current() mcp.Policy
}

const defaultVerificationMethod = "manual"

// Service runs the call lifecycle: creation, verification, status changes,
// archival and summaries.
type Service struct {
	store     Store
	policies  PolicySource
	summaries *SummaryGenerator
	events    websocket.EventPublisher
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// NewService wires the lifecycle service. A nil summaries uses
// DefaultSummaryGenerator; a nil events discards events.
func NewService(store Store, policies PolicySource, summaries *SummaryGenerator, events websocket.EventPublisher, logger zerolog.Logger) *Service {
	if summaries == nil {
		summaries = DefaultSummaryGenerator()
	}
	if events == nil {
		events = websocket.NopPublisher{}
	}
	return &Service{
		store:     store,
		policies:  policies,
		summaries: summaries,
		events:    events,
		logger:    logger.With().Str("component", "callsession").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
}

// CreateCall validates req and inserts a new active call. The initial AI
// status follows the policy enable flag.
func (s *Service) CreateCall(ctx context.Context, req CreateRequest, actor string) (*Call, error) {
	if err := validateCreate(&req); err != nil {
		return nil, err
	}

	now := s.now()
	aiStatus := AIStatusDisabled
	if s.policies.Current().Enabled {
		aiStatus = AIStatusPending
	}

	c := &Call{
		ID:             s.newID(),
		PatientID:      req.PatientID,
		PatientName:    req.PatientName,
		TherapistID:    req.TherapistID,
		TherapistName:  req.TherapistName,
		ScheduledStart: req.ScheduledStart.UTC(),
		ScheduledEnd:   utcPtr(req.ScheduledEnd),
		Status:         req.Status,
		AIStatus:       aiStatus,
		Tags:           req.Tags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.Status == StatusInProgress {
		start := now
		c.ActualStart = &start
	}

	if err := s.store.InsertActive(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info().Str("call_id", c.ID).Str("patient_id", c.PatientID).
		Str("status", string(c.Status)).Str("ai_status", string(c.AIStatus)).
		Str("actor", actor).Msg("call created")
	s.publish(ctx, websocket.EventCallCreated, c.ID, actor, c)
	return c, nil
}

func validateCreate(req *CreateRequest) error {
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.TherapistID = strings.TrimSpace(req.TherapistID)
	switch {
	case req.PatientID == "":
		return fmt.Errorf("%w: patientId is required", ErrValidation)
	case strings.TrimSpace(req.PatientName) == "":
		return fmt.Errorf("%w: patientName is required", ErrValidation)
	case req.TherapistID == "":
		return fmt.Errorf("%w: therapistId is required", ErrValidation)
	case strings.TrimSpace(req.TherapistName) == "":
		return fmt.Errorf("%w: therapistName is required", ErrValidation)
	case req.ScheduledStart.IsZero():
		return fmt.Errorf("%w: scheduledStartTime is required", ErrValidation)
	}
	if req.ScheduledEnd != nil && req.ScheduledEnd.Before(req.ScheduledStart) {
		return fmt.Errorf("%w: scheduledEndTime is before scheduledStartTime", ErrValidation)
	}
	if req.Status == "" {
		req.Status = StatusScheduled
	}
	if req.Status != StatusScheduled && req.Status != StatusInProgress {
		return fmt.Errorf("%w: initial status must be scheduled or in-progress, got %q", ErrInvalidTransition, req.Status)
	}
	tags := make([]string, 0, len(req.Tags))
	for _, t := range req.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		tags = nil
	}
	req.Tags = tags
	return nil
}

// GetCall returns a call from whichever partition holds it.
func (s *Service) GetCall(ctx context.Context, id string) (*Call, error) {
	c, _, err := s.store.Get(ctx, id)
	return c, err
}

// ListActive returns active calls, optionally restricted to one status.
func (s *Service) ListActive(ctx context.Context, status Status) ([]*Call, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	return s.store.ListActive(ctx, status)
}

// ListHistory returns archived calls matching f, newest first.
func (s *Service) ListHistory(ctx context.Context, f HistoryFilter) ([]*Call, error) {
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return nil, fmt.Errorf("%w: endDate is before startDate", ErrValidation)
	}
	return s.store.ListHistory(ctx, f)
}

// Verify records an identity check. The subject must be the call's patient;
// history calls are not verifiable.
func (s *Service) Verify(ctx context.Context, callID string, v Verification, actor string) (*Call, error) {
	if v.CallID != "" && v.CallID != callID {
		return nil, fmt.Errorf("%w: body callId %q does not match path", ErrValidation, v.CallID)
	}
	if v.Method == "" {
		v.Method = defaultVerificationMethod
	}

	updated, err := s.store.UpdateActive(ctx, callID, func(c *Call) error {
		if c.PatientID != v.PatientID {
			return fmt.Errorf("%w: call %s belongs to a different patient", ErrMismatch, callID)
		}
		c.Verified = v.Verified
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMismatch) {
			s.logger.Warn().Str("call_id", callID).Str("actor", actor).Msg("verification patient mismatch")
		}
		return nil, err
	}

	s.logger.Info().Str("call_id", callID).Bool("verified", updated.Verified).
		Str("method", v.Method).Str("actor", actor).Msg("call verified")
	s.publish(ctx, websocket.EventCallVerified, callID, actor, updated)
	return updated, nil
}

// UpdateStatus applies a status and AI-status change. Terminal transitions
// archive the call before returning; completion also stamps the actual end
// and duration, and triggers a summary when the policy asks for one.
func (s *Service) UpdateStatus(ctx context.Context, callID string, u StatusUpdate) (*Call, error) {
	if u.AIStatus != "" && !u.AIStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown aiStatus %q", ErrInvalidTransition, u.AIStatus)
	}

	current, _, err := s.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(current.Status, u.Status); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateActive(ctx, callID, func(c *Call) error {
		if err := CheckTransition(c.Status, u.Status); err != nil {
			return err
		}
		now := s.now()
		c.Status = u.Status
		if u.AIStatus != "" {
			c.AIStatus = u.AIStatus
		}
		c.UpdatedAt = now

		switch u.Status {
		case StatusInProgress:
			if c.ActualStart == nil {
				start := now
				c.ActualStart = &start
			}
		case StatusCompleted:
			end := now
			c.ActualEnd = &end
		}
		c.recomputeDuration()
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		// Archived by a concurrent writer between the read and the update.
		return nil, fmt.Errorf("%w: call %s is no longer active", ErrInvalidTransition, callID)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("call_id", callID).Str("from", string(current.Status)).
		Str("status", string(updated.Status)).Str("ai_status", string(updated.AIStatus)).
		Str("actor", u.Actor).Msg("call status updated")

	switch updated.Status {
	case StatusCompleted:
		s.publish(ctx, websocket.EventCallCompleted, callID, u.Actor, updated)
		if s.policies.Current().AutoSummarize {
			if _, err := s.GenerateSummary(ctx, callID, u.Actor); err != nil {
				s.logger.Error().Err(err).Str("call_id", callID).Msg("auto-summarize failed")
			} else if c, _, err := s.store.Get(ctx, callID); err == nil {
				updated = c
			}
		}
	case StatusCancelled:
		s.publish(ctx, websocket.EventCallCancelled, callID, u.Actor, updated)
	default:
		s.publish(ctx, websocket.EventCallStatus, callID, u.Actor, updated)
	}
	return updated, nil
}

// Join acknowledges a participant joining a live call.
func (s *Service) Join(ctx context.Context, callID, actor string) (*JoinAck, error) {
	_, partition, err := s.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if partition != PartitionActive {
		return nil, fmt.Errorf("%w: call %s is not active", ErrNotFound, callID)
	}

	ack := &JoinAck{
		Status:   "success",
		Message:  fmt.Sprintf("Successfully joined call %s", callID),
		CallID:   callID,
		JoinedBy: actor,
		JoinedAt: s.now(),
	}
	s.logger.Info().Str("call_id", callID).Str("actor", actor).Msg("call joined")
	s.publish(ctx, websocket.EventCallJoined, callID, actor, ack)
	return ack, nil
}

// GenerateSummary builds and attaches a summary to an archived call,
// replacing any earlier one.
func (s *Service) GenerateSummary(ctx context.Context, callID, actor string) (*Summary, error) {
	c, partition, err := s.store.Get(ctx, callID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPrecondition, callID)
	}
	if err != nil {
		return nil, err
	}
	if partition != PartitionHistory {
		return nil, fmt.Errorf("%w: call %s has not concluded", ErrPrecondition, callID)
	}

	policy := s.policies.Current()
	var prior []*Call
	if policy.MaxSessionsToReview > 0 {
		prior, err = s.store.ListHistory(ctx, HistoryFilter{PatientID: c.PatientID})
		if err != nil {
			return nil, err
		}
	}

	summary := s.summaries.Generate(c, prior, policy.MaxSessionsToReview, s.now())
	if _, err := s.store.AttachSummary(ctx, callID, summary); err != nil {
		return nil, err
	}

	s.logger.Info().Str("call_id", callID).Str("category", string(summary.Category)).
		Str("actor", actor).Msg("summary generated")
	s.publish(ctx, websocket.EventSummaryGenerated, callID, actor, summary)
	return summary, nil
}

func (s *Service) publish(ctx context.Context, eventType, callID, actor string, payload interface{}) {
	ev, err := websocket.NewEvent(eventType, websocket.CallTopic(callID), callID, actor, payload, s.now())
	if err != nil {
		s.logger.Error().Err(err).Str("type", eventType).Msg("build event")
		return
	}
	ev.Tenant = db.TenantFromContext(ctx)
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("type", eventType).Msg("publish event")
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
