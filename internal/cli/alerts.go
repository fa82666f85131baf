package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

// AlertsOptions holds flags for the alerts command.
type AlertsOptions struct {
	*RootOptions
	NoteID string // optional - filter to one note
}

// AlertEntry is one row of the alert ledger.
type AlertEntry struct {
	AlertID      string     `json:"alert_id"`
	NoteID       string     `json:"note_id"`
	Transition   string     `json:"transition"`
	TriggeredAt  time.Time  `json:"triggered_at"`
	Title        string     `json:"title"`
	Body         string     `json:"body"`
	PresentedAt  *time.Time `json:"presented_at,omitempty"`
	PresentError string     `json:"present_error,omitempty"`
}

// NewAlertsCommand creates the alerts command.
func NewAlertsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AlertsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List alerts from the alert ledger",
		Long: `List every alert the engine claimed, oldest first.

Each trigger produces at most one ledger row. A row without a presentation
time failed to present, or was claimed just before a crash and will be
presented again by recovery.

Examples:
  anchornotes alerts
  anchornotes alerts --note n1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlerts(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.NoteID, "note", "", "filter to one note")

	return cmd
}

func runAlerts(opts *AlertsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	s, err := openSession(opts.RootOptions, cmd, slog.LevelWarn, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	alerts, err := s.store.ListAlerts(ctx, opts.NoteID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list alerts", err)
	}

	entries := make([]AlertEntry, 0, len(alerts))
	for _, a := range alerts {
		entries = append(entries, AlertEntry{
			AlertID:      a.AlertID,
			NoteID:       a.NoteID,
			Transition:   string(a.Transition),
			TriggeredAt:  a.TriggeredAt,
			Title:        a.Title,
			Body:         a.Body,
			PresentedAt:  a.PresentedAt,
			PresentError: a.PresentError,
		})
	}

	return formatter.Emit(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No alerts.")
			return
		}
		for _, e := range entries {
			state := "presented"
			switch {
			case e.PresentError != "":
				state = "failed: " + e.PresentError
			case e.PresentedAt == nil:
				state = "claimed"
			}
			fmt.Fprintf(w, "%s %-10s %-5s %s: %s [%s]\n",
				e.TriggeredAt.Format(time.RFC3339), e.NoteID, e.Transition, e.Title, e.Body, state)
		}
	})
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Limit int
}

// EventEntry is one row of the transition log.
type EventEntry struct {
	ID               int64     `json:"id"`
	RecordID         string    `json:"record_id,omitempty"`
	PlatformRegionID string    `json:"platform_region_id"`
	Transition       string    `json:"transition"`
	OccurredAt       time.Time `json:"occurred_at"`
	Attempt          int       `json:"attempt"`
	Outcome          string    `json:"outcome"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the transition log",
		Long: `Show raw monitor events in arrival order with how each was resolved:
delivered, masked, duplicate, cooldown or inactive. An empty outcome means
the event is waiting for recovery to replay it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "most recent events to show (0 for all)")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	s, err := openSession(opts.RootOptions, cmd, slog.LevelWarn, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.store.ListTransitions(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list events", err)
	}

	entries := make([]EventEntry, 0, len(rows))
	for _, lt := range rows {
		entries = append(entries, EventEntry{
			ID:               lt.ID,
			RecordID:         lt.RecordID,
			PlatformRegionID: lt.PlatformRegionID,
			Transition:       string(lt.Transition),
			OccurredAt:       lt.OccurredAt,
			Attempt:          lt.DeliveryAttempt,
			Outcome:          lt.Outcome,
		})
	}

	return formatter.Emit(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No events.")
			return
		}
		for _, e := range entries {
			outcome := e.Outcome
			if outcome == "" {
				outcome = "unresolved"
			}
			fmt.Fprintf(w, "%6d %s %-12s %-5s attempt=%d %s\n",
				e.ID, e.OccurredAt.Format(time.RFC3339), e.PlatformRegionID, e.Transition, e.Attempt, outcome)
		}
	})
}
