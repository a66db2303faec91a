// Package sandbox loads a small, realistic set of call sessions for demos
// and local development: two live calls, three upcoming calls and three
// completed sessions with summaries.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/callmanager/internal/domain/callsession"
)

// SeedResult summarizes the output of a seed run.
type SeedResult struct {
	Active  int  `json:"active"`
	History int  `json:"history"`
	Skipped bool `json:"skipped"`
}

type activeSeed struct {
	patientID, patientName     string
	therapistID, therapistName string
	startOffset, endOffset     time.Duration
	live                       bool
}

type historySeed struct {
	patientID, patientName     string
	therapistID, therapistName string
	daysAgo                    int
	minutes                    int
	category                   callsession.Category
	summary                    string
	keyPoints, actionItems     []string
}

var activeSeeds = []activeSeed{
	{"p1", "Jane Smith", "d1", "Dr. Michael Brown", -15 * time.Minute, 30 * time.Minute, true},
	{"p2", "Robert Johnson", "d2", "Dr. Sarah Wilson", -5 * time.Minute, 25 * time.Minute, true},
	{"p3", "Michael Davis", "d3", "Dr. Lisa Chen", 30 * time.Minute, 90 * time.Minute, false},
	{"p4", "Emily Wilson", "d1", "Dr. Michael Brown", 2 * time.Hour, 2*time.Hour + 45*time.Minute, false},
	{"p5", "Thomas Jefferson", "d2", "Dr. Sarah Wilson", 3 * time.Hour, 3*time.Hour + 30*time.Minute, false},
}

var historySeeds = []historySeed{
	{
		"p1", "Jane Smith", "d1", "Dr. Michael Brown", 2, 45, callsession.CategoryAnxiety,
		"Discussed anxiety management techniques. Patient made good progress with breathing exercises.",
		[]string{
			"Breathing exercises helped with work anxiety",
			"Successfully managed stress during presentation",
			"Planning to practice mindfulness daily",
		},
		[]string{
			"Continue breathing exercises",
			"Add mindfulness practice",
			"Track anxiety triggers",
		},
	},
	{
		"p2", "Robert Johnson", "d2", "Dr. Sarah Wilson", 3, 30, callsession.CategoryGeneral,
		"Payment plan discussed. Patient agreed to monthly payment schedule for therapy sessions.",
		[]string{
			"Reviewed insurance coverage options",
			"Set up payment plan for remaining balance",
			"Discussed superbill submission process",
		},
		[]string{
			"Submit superbill to insurance",
			"Schedule automatic payments",
			"Contact insurance for additional coverage",
		},
	},
	{
		"p3", "Michael Davis", "d3", "Dr. Lisa Chen", 4, 60, callsession.CategoryGeneral,
		"Initial assessment completed. Treatment plan established with weekly sessions.",
		[]string{
			"Completed initial assessment",
			"Identified primary concern areas",
			"Discussed therapy approach and goals",
			"Scheduled future appointments",
		},
		[]string{
			"Complete intake paperwork",
			"Review therapy agreement",
			"Begin weekly session schedule",
		},
	},
}

// Seeder writes the demo data set into a call store. It writes through the
// store's normal operations so every backend sees the same lifecycle.
type Seeder struct {
	store  callsession.Store
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// NewSeeder creates a new Seeder for the given store.
func NewSeeder(store callsession.Store, logger zerolog.Logger) *Seeder {
	return &Seeder{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Seed loads the demo calls relative to the current time. A store that
// already holds calls is left alone unless force is set.
func (s *Seeder) Seed(ctx context.Context, force bool) (SeedResult, error) {
	if !force {
		empty, err := s.empty(ctx)
		if err != nil {
			return SeedResult{}, err
		}
		if !empty {
			s.logger.Info().Msg("call store not empty, skipping demo seed")
			return SeedResult{Skipped: true}, nil
		}
	}

	now := s.now().Truncate(time.Second)
	var res SeedResult

	for _, a := range activeSeeds {
		if err := s.seedActive(ctx, a, now); err != nil {
			return res, err
		}
		res.Active++
	}
	for _, h := range historySeeds {
		if err := s.seedHistory(ctx, h, now); err != nil {
			return res, err
		}
		res.History++
	}

	s.logger.Info().Int("active", res.Active).Int("history", res.History).Msg("demo calls seeded")
	return res, nil
}

func (s *Seeder) empty(ctx context.Context) (bool, error) {
	active, err := s.store.ListActive(ctx, "")
	if err != nil {
		return false, fmt.Errorf("list active: %w", err)
	}
	if len(active) > 0 {
		return false, nil
	}
	history, err := s.store.ListHistory(ctx, callsession.HistoryFilter{})
	if err != nil {
		return false, fmt.Errorf("list history: %w", err)
	}
	return len(history) == 0, nil
}

func (s *Seeder) seedActive(ctx context.Context, a activeSeed, now time.Time) error {
	start := now.Add(a.startOffset)
	end := now.Add(a.endOffset)
	c := &callsession.Call{
		ID:             s.newID(),
		PatientID:      a.patientID,
		PatientName:    a.patientName,
		TherapistID:    a.therapistID,
		TherapistName:  a.therapistName,
		ScheduledStart: start,
		ScheduledEnd:   &end,
		Status:         callsession.StatusScheduled,
		AIStatus:       callsession.AIStatusPending,
		Tags:           []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if a.live {
		c.Status = callsession.StatusInProgress
		c.ActualStart = &start
		c.Verified = true
		c.AIStatus = callsession.AIStatusActive
	}
	if err := s.store.InsertActive(ctx, c); err != nil {
		return fmt.Errorf("seed active call for %s: %w", a.patientID, err)
	}
	return nil
}

func (s *Seeder) seedHistory(ctx context.Context, h historySeed, now time.Time) error {
	start := now.AddDate(0, 0, -h.daysAgo)
	end := start.Add(time.Duration(h.minutes) * time.Minute)
	id := s.newID()

	c := &callsession.Call{
		ID:             id,
		PatientID:      h.patientID,
		PatientName:    h.patientName,
		TherapistID:    h.therapistID,
		TherapistName:  h.therapistName,
		ScheduledStart: start,
		ScheduledEnd:   &end,
		ActualStart:    &start,
		Status:         callsession.StatusInProgress,
		Verified:       true,
		AIStatus:       callsession.AIStatusActive,
		Tags:           []string{},
		CreatedAt:      start,
		UpdatedAt:      start,
	}
	if err := s.store.InsertActive(ctx, c); err != nil {
		return fmt.Errorf("seed history call for %s: %w", h.patientID, err)
	}

	_, err := s.store.UpdateActive(ctx, id, func(c *callsession.Call) error {
		minutes := h.minutes
		c.ActualEnd = &end
		c.DurationMinutes = &minutes
		c.Status = callsession.StatusCompleted
		c.UpdatedAt = end
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete seeded call %s: %w", id, err)
	}

	_, err = s.store.AttachSummary(ctx, id, &callsession.Summary{
		CallID:      id,
		SummaryText: h.summary,
		KeyPoints:   h.keyPoints,
		ActionItems: h.actionItems,
		AIAssisted:  true,
		Category:    h.category,
		GeneratedAt: end,
	})
	if err != nil {
		return fmt.Errorf("attach seeded summary %s: %w", id, err)
	}
	return nil
}
