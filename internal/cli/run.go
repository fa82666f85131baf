package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/anchornotes/internal/notify"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string
	Input       string // position feed; "-" reads stdin
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine against a simulated location monitor",
		Long: `Start the reminder engine.

Startup runs recovery, which registers bound geofences with the monitor.
The engine then reads the device position feed, one command per line:

  <lat>,<lon>         move the device
  restart [reason]    simulate a location-service restart
  # comment           ignored

Alerts are printed to stdout as they are presented. The engine stops at the
end of the feed or on SIGINT/SIGTERM.

Examples:
  anchornotes run < positions.txt
  anchornotes run --input positions.txt --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	cmd.Flags().StringVar(&opts.Input, "input", "-", "position feed file (- for stdin)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	presenter := notify.Fanout{notify.NewWriterPresenter(out), notify.LogPresenter{}}

	s, err := openSession(opts.RootOptions, cmd, slog.LevelInfo, presenter)
	if err != nil {
		return err
	}
	defer s.Close()

	in := cmd.InOrStdin()
	if opts.Input != "-" {
		f, err := os.Open(opts.Input)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open input", err)
		}
		defer f.Close()
		in = f
		newFormatter(opts.RootOptions, cmd).VerboseLog("reading positions from %s", opts.Input)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	report, err := s.engine.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "startup recovery failed", err)
	}
	slog.Info("startup recovery complete",
		"registered", report.Pass.Registered,
		"pending", report.Pass.Pending,
		"replayed", report.Replayed,
	)

	metricsAddr := s.cfg.MetricsAddr
	if opts.MetricsAddr != "" {
		metricsAddr = opts.MetricsAddr
	}
	if metricsAddr != "" {
		srv := startMetricsServer(metricsAddr)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- s.engine.Run(ctx)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Error("reading position feed", "error", err)
		}
	}()

	fmt.Fprintln(out, "Engine started. Reading positions...")

	moves := 0
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				s.engine.Stop()
				err := <-runDone
				fmt.Fprintf(out, "Feed ended after %d positions.\n", moves)
				return engineExit(err)
			}
			moved, err := applyFeedLine(ctx, s, line)
			if err != nil {
				slog.Warn("skipping feed line", "line", line, "error", err)
				continue
			}
			if moved {
				moves++
			}
		case err := <-runDone:
			return engineExit(err)
		}
	}
}

// applyFeedLine executes one position feed command. It reports whether the
// line moved the device.
func applyFeedLine(ctx context.Context, s *session, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return false, nil
	}

	if cmd, rest, _ := strings.Cut(line, " "); cmd == "restart" {
		reason := strings.TrimSpace(rest)
		if reason == "" {
			reason = "location services restarted"
		}
		s.sim.Restart(ctx, time.Now(), reason)
		return false, nil
	}

	p, err := parsePosition(line)
	if err != nil {
		return false, err
	}
	events := s.sim.Move(ctx, p, time.Now())
	slog.Debug("device moved", "lat", p.Lat(), "lon", p.Lon(), "events", len(events))
	return true, nil
}

// parsePosition reads "lat,lon" in degrees.
func parsePosition(s string) (orb.Point, error) {
	latText, lonText, ok := strings.Cut(s, ",")
	if !ok {
		return orb.Point{}, fmt.Errorf("expected <lat>,<lon>, got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latText), 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonText), 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return orb.Point{}, fmt.Errorf("position %g,%g out of range", lat, lon)
	}
	return orb.Point{lon, lat}, nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func engineExit(err error) error {
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	slog.Info("engine stopped gracefully")
	return nil
}
