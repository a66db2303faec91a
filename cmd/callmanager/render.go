package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ehr/callmanager/internal/domain/callsession"
	"github.com/ehr/callmanager/internal/platform/db"
)

const timeLayout = "2006-01-02 15:04"

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func renderCalls(w io.Writer, calls []callsession.Call) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Patient", "Therapist", "Scheduled", "Status", "AI", "Verified", "Duration"})
	for _, c := range calls {
		duration := ""
		if c.DurationMinutes != nil {
			duration = fmt.Sprintf("%dm", *c.DurationMinutes)
		}
		tw.AppendRow(table.Row{
			c.ID, c.PatientName, c.TherapistName, c.ScheduledStart.UTC().Format(timeLayout),
			c.Status, c.AIStatus, c.Verified, duration,
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(calls)})
	tw.Render()
}

func renderCallDetail(w io.Writer, c callsession.Call) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRows([]table.Row{
		{"ID", c.ID},
		{"Patient", fmt.Sprintf("%s (%s)", c.PatientName, c.PatientID)},
		{"Therapist", fmt.Sprintf("%s (%s)", c.TherapistName, c.TherapistID)},
		{"Status", c.Status},
		{"AI status", c.AIStatus},
		{"Verified", c.Verified},
		{"Scheduled", c.ScheduledStart.UTC().Format(timeLayout)},
		{"Started", formatOptTime(c.ActualStart)},
		{"Ended", formatOptTime(c.ActualEnd)},
		{"Tags", strings.Join(c.Tags, ", ")},
	})
	if c.Summary != nil {
		tw.AppendRow(table.Row{"Summary", c.Summary.SummaryText})
	}
	tw.Render()
}

func renderSummary(w io.Writer, s callsession.Summary) {
	fmt.Fprintf(w, "%s [%s]\n", s.SummaryText, s.Category)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Key point"})
	for i, k := range s.KeyPoints {
		tw.AppendRow(table.Row{i + 1, k})
	}
	tw.Render()
	if len(s.ActionItems) > 0 {
		fmt.Fprintln(w, "Action items:")
		for _, a := range s.ActionItems {
			fmt.Fprintf(w, "  - %s\n", a)
		}
	}
}

func renderMigrations(w io.Writer, statuses []db.MigrationStatus) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Version", "Name", "Status", "Applied at"})
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			appliedAt = formatOptTime(s.AppliedAt)
		}
		tw.AppendRow(table.Row{s.Version, s.Name, status, appliedAt})
	}
	tw.Render()
}
