package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/anchornotes/internal/engine"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	All bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [note-id]",
		Short: "Show geofence registration status",
		Long: `Show the registration status of a note's geofence, or of every bound
note with --all.

Statuses:
  none     the note has no geofence
  pending  waiting for a reconciliation pass or for platform capacity
  active   the platform is monitoring the region
  error    the platform rejected the region; rebind to retry

For a single note, the error status exits with code 1.

Examples:
  anchornotes status n1
  anchornotes status --all --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.All == (len(args) == 1) {
				return NewExitError(ExitCommandError, "pass a note id or --all")
			}
			noteID := ""
			if len(args) == 1 {
				noteID = args[0]
			}
			return runStatus(opts, noteID, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "list every bound note")

	return cmd
}

func runStatus(opts *StatusOptions, noteID string, cmd *cobra.Command) error {
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

	var statuses []engine.NoteStatus
	if opts.All {
		statuses, err = s.engine.Statuses(ctx)
	} else {
		var st engine.NoteStatus
		st, err = s.engine.NoteStatus(ctx, noteID)
		statuses = []engine.NoteStatus{st}
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read status", err)
	}

	if err := formatter.Emit(statuses, func(w io.Writer) {
		if len(statuses) == 0 {
			fmt.Fprintln(w, "No geofences bound.")
			return
		}
		for _, st := range statuses {
			line := fmt.Sprintf("%-20s %-8s", st.NoteID, st.Status)
			if st.PlatformRegionID != "" {
				line += " " + st.PlatformRegionID
			}
			if st.Error != "" {
				line += " " + st.Error
			}
			fmt.Fprintln(w, line)
		}
	}); err != nil {
		return err
	}

	// A single refused note fails the command so scripts can react to it.
	if !opts.All {
		if err := statuses[0].Err(); err != nil {
			return WrapExitError(ExitFailure, "geofence registration failed", err)
		}
	}
	return nil
}

// RelevantEntry is one note the device is currently inside.
type RelevantEntry struct {
	NoteID    string    `json:"note_id"`
	EnteredAt time.Time `json:"entered_at"`
}

// NewRelevantCommand creates the relevant command.
func NewRelevantCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relevant",
		Short: "List notes for the places the device is at",
		Long: `List notes whose region the device last entered and has not left.
Entries older than relevant_ttl are dropped by recovery.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelevant(rootOpts, cmd)
		},
	}
	return cmd
}

func runRelevant(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	s, err := openSession(opts, cmd, slog.LevelWarn, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	notes, err := s.store.RelevantNotes(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list relevant notes", err)
	}
	entries := make([]RelevantEntry, 0, len(notes))
	for _, n := range notes {
		entries = append(entries, RelevantEntry{NoteID: n.NoteID, EnteredAt: n.EnteredAt})
	}

	return formatter.Emit(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No relevant notes.")
			return
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%-20s since %s\n", e.NoteID, e.EnteredAt.Format(time.RFC3339))
		}
	})
}

// ConfigView is the effective configuration as printed by the config command.
type ConfigView struct {
	DBPath          string  `json:"db_path"`
	MaxRegions      int     `json:"max_regions"`
	MinRadiusMeters float64 `json:"min_radius_meters"`
	MaxRadiusMeters float64 `json:"max_radius_meters"`
	Debounce        string  `json:"debounce"`
	RetryInterval   string  `json:"retry_interval"`
	RegisterRate    float64 `json:"register_rate"`
	RegisterBurst   int     `json:"register_burst"`
	PassQuota       int     `json:"pass_quota"`
	InitialTrigger  bool    `json:"initial_trigger"`
	RelevantTTL     string  `json:"relevant_ttl"`
	MetricsAddr     string  `json:"metrics_addr"`
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		Long: `Load the configuration file (--config), apply ANCHORNOTES_* environment
overrides and --db, validate the result and print it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(rootOpts, cmd)
		},
	}
	return cmd
}

func runConfig(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}

	view := ConfigView{
		DBPath:          cfg.DBPath,
		MaxRegions:      cfg.MaxRegions,
		MinRadiusMeters: cfg.MinRadiusMeters,
		MaxRadiusMeters: cfg.MaxRadiusMeters,
		Debounce:        cfg.Debounce.String(),
		RetryInterval:   cfg.RetryInterval.String(),
		RegisterRate:    cfg.RegisterRate,
		RegisterBurst:   cfg.RegisterBurst,
		PassQuota:       cfg.PassQuota,
		InitialTrigger:  cfg.InitialTrigger,
		RelevantTTL:     cfg.RelevantTTL.String(),
		MetricsAddr:     cfg.MetricsAddr,
	}
	return formatter.Emit(view, func(w io.Writer) {
		fmt.Fprintf(w, "db_path:           %s\n", view.DBPath)
		fmt.Fprintf(w, "max_regions:       %d\n", view.MaxRegions)
		fmt.Fprintf(w, "radius_meters:     [%g, %g]\n", view.MinRadiusMeters, view.MaxRadiusMeters)
		fmt.Fprintf(w, "debounce:          %s\n", view.Debounce)
		fmt.Fprintf(w, "retry_interval:    %s\n", view.RetryInterval)
		fmt.Fprintf(w, "register_rate:     %g/s burst %d\n", view.RegisterRate, view.RegisterBurst)
		fmt.Fprintf(w, "pass_quota:        %d\n", view.PassQuota)
		fmt.Fprintf(w, "initial_trigger:   %t\n", view.InitialTrigger)
		fmt.Fprintf(w, "relevant_ttl:      %s\n", view.RelevantTTL)
		fmt.Fprintf(w, "metrics_addr:      %q\n", view.MetricsAddr)
	})
}
