package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/anchornotes/internal/engine"
	"github.com/roach88/anchornotes/internal/notify"
)

// RecoverResult is the recover command's output.
type RecoverResult struct {
	Reason          string `json:"reason"`
	StaleCleared    int    `json:"stale_cleared"`
	Registered      int    `json:"registered"`
	NewlyAdded      int    `json:"newly_added"`
	Deregistered    int    `json:"deregistered"`
	Pending         int    `json:"pending"`
	Failed          int    `json:"failed"`
	Replayed        int    `json:"replayed"`
	ReplayFailed    int    `json:"replay_failed"`
	Represented     int    `json:"represented"`
	ExpiredRelevant int64  `json:"expired_relevant"`
}

func newRecoverResult(r engine.RecoveryReport) RecoverResult {
	return RecoverResult{
		Reason:          r.Reason,
		StaleCleared:    r.StaleCleared,
		Registered:      r.Pass.Registered,
		NewlyAdded:      r.Pass.NewlyAdded,
		Deregistered:    r.Pass.Deregistered,
		Pending:         r.Pass.Pending,
		Failed:          r.Pass.Failed,
		Replayed:        r.Replayed,
		ReplayFailed:    r.ReplayFailed,
		Represented:     r.Represented,
		ExpiredRelevant: r.ExpiredRelevant,
	}
}

func (r RecoverResult) writeText(w io.Writer) {
	fmt.Fprintf(w, "Recovery (%s):\n", r.Reason)
	fmt.Fprintf(w, "  stale registrations cleared: %d\n", r.StaleCleared)
	fmt.Fprintf(w, "  regions registered:          %d (%d new, %d dropped)\n", r.Registered, r.NewlyAdded, r.Deregistered)
	fmt.Fprintf(w, "  pending / failed:            %d / %d\n", r.Pending, r.Failed)
	fmt.Fprintf(w, "  events replayed:             %d (%d failed)\n", r.Replayed, r.ReplayFailed)
	fmt.Fprintf(w, "  alerts presented again:      %d\n", r.Represented)
	fmt.Fprintf(w, "  relevant notes expired:      %d\n", r.ExpiredRelevant)
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run startup recovery once",
		Long: `Run the recovery sequence "anchornotes run" performs at startup, then exit.

Recovery clears registrations the monitor no longer holds, runs a
reconciliation pass, replays events logged but never resolved, presents
alerts claimed but never shown and expires stale relevant notes.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
	return cmd
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	s, err := openSession(opts, cmd, slog.LevelWarn, notify.NewWriterPresenter(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report, err := s.engine.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "recovery failed", err)
	}
	s.engine.Flush(ctx)

	result := newRecoverResult(report)
	return formatter.Emit(result, result.writeText)
}
