package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/anchornotes/internal/engine"
	"github.com/roach88/anchornotes/internal/geo"
)

// BindOptions holds flags for the bind command.
type BindOptions struct {
	*RootOptions
	Lat      float64
	Lon      float64
	Radius   float64
	Mask     string
	Cooldown uint32
	Address  string
	Title    string
}

// BindResult is the bind command's output.
type BindResult struct {
	NoteID   string        `json:"note_id"`
	RecordID string        `json:"record_id"`
	Status   engine.Status `json:"status"`
	Mask     string        `json:"mask"`
	Spec     geo.Spec      `json:"spec"`
}

// NewBindCommand creates the bind command.
func NewBindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BindOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bind <note-id>",
		Short: "Attach a geofence to a note",
		Long: `Attach a circular geofence to a note, replacing any geofence it had.

The binding is stored immediately. Its region is registered with the
location monitor by the next reconciliation pass, so the status reads
"pending" until "anchornotes run" (or "anchornotes recover") picks it up.

Examples:
  anchornotes bind n1 --lat 40.7128 --lon -74.0060 --radius 100
  anchornotes bind n1 --lat 40.7128 --lon -74.0060 --radius 100 \
      --mask enter,exit --cooldown 600 --address "Corner Store" --title "Buy milk"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBind(opts, args[0], cmd)
		},
	}

	cmd.Flags().Float64Var(&opts.Lat, "lat", 0, "center latitude in degrees (required)")
	cmd.Flags().Float64Var(&opts.Lon, "lon", 0, "center longitude in degrees (required)")
	cmd.Flags().Float64Var(&opts.Radius, "radius", 0, "radius in meters (required)")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	_ = cmd.MarkFlagRequired("radius")
	cmd.Flags().StringVar(&opts.Mask, "mask", "enter", "transitions that alert (enter, exit, enter,exit)")
	cmd.Flags().Uint32Var(&opts.Cooldown, "cooldown", 0, "minimum seconds between alerts per transition")
	cmd.Flags().StringVar(&opts.Address, "address", "", "place name shown in alerts")
	cmd.Flags().StringVar(&opts.Title, "title", "", "note title shown in alerts")

	return cmd
}

func runBind(opts *BindOptions, noteID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	mask, err := geo.ParseMask(opts.Mask)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidSpec, err.Error(), nil)
		return WrapExitError(ExitFailure, "invalid --mask", err)
	}

	s, err := openSession(opts.RootOptions, cmd, slog.LevelWarn, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Title != "" {
		if err := s.store.PutNote(ctx, noteID, opts.Title); err != nil {
			return WrapExitError(ExitCommandError, "failed to save note title", err)
		}
	}

	spec := geo.Spec{
		CenterLat:       opts.Lat,
		CenterLon:       opts.Lon,
		RadiusMeters:    opts.Radius,
		Mask:            mask,
		CooldownSeconds: opts.Cooldown,
		AddressName:     opts.Address,
	}
	rec, err := s.engine.BindGeofence(ctx, noteID, spec)
	if errors.Is(err, engine.ErrInvalidSpec) {
		_ = formatter.Error(ErrCodeInvalidSpec, err.Error(), map[string]string{"note_id": noteID})
		return WrapExitError(ExitFailure, "geofence rejected", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to bind geofence", err)
	}

	status, err := s.engine.RegistrationStatus(ctx, noteID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read status", err)
	}

	result := BindResult{
		NoteID:   noteID,
		RecordID: rec.RecordID,
		Status:   status,
		Mask:     mask.String(),
		Spec:     rec.Spec,
	}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s: bound %s within %gm of %.6f,%.6f (%s)\n",
			noteID, result.Mask, opts.Radius, opts.Lat, opts.Lon, status)
	})
}

// UnbindResult is the unbind command's output.
type UnbindResult struct {
	NoteID  string `json:"note_id"`
	Removed bool   `json:"removed"`
}

// NewUnbindCommand creates the unbind command.
func NewUnbindCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unbind <note-id>",
		Short: "Remove a note's geofence",
		Long: `Remove a note's geofence. Unbinding a note without one succeeds.

No alert fires for the note once this returns; its platform region is
deregistered by the next reconciliation pass.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnbind(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runUnbind(opts *RootOptions, noteID string, cmd *cobra.Command) error {
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

	removed, err := s.engine.UnbindGeofence(ctx, noteID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to unbind geofence", err)
	}

	return formatter.Emit(UnbindResult{NoteID: noteID, Removed: removed}, func(w io.Writer) {
		if removed {
			fmt.Fprintf(w, "%s: geofence removed\n", noteID)
		} else {
			fmt.Fprintf(w, "%s: no geofence\n", noteID)
		}
	})
}
