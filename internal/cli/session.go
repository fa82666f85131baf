package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/anchornotes/internal/config"
	"github.com/roach88/anchornotes/internal/engine"
	"github.com/roach88/anchornotes/internal/monitor"
	"github.com/roach88/anchornotes/internal/notify"
	"github.com/roach88/anchornotes/internal/store"
)

// session is one command's view of the engine: config, store, a simulated
// monitor and the engine wired around them.
type session struct {
	cfg    config.Config
	store  *store.Store
	sim    *monitor.Simulator
	engine *engine.Engine
}

// openSession loads configuration and opens the database. Alerts go to p;
// nil presents them as log records.
func openSession(opts *RootOptions, cmd *cobra.Command, logLevel slog.Level, p engine.Presenter) (*session, error) {
	configureLogging(cmd.ErrOrStderr(), opts.Verbose, logLevel)

	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath, store.WithLimits(cfg.Limits()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	if p == nil {
		p = notify.LogPresenter{}
	}
	sim := monitor.NewSimulator(cfg.MaxRegions)
	eng := engine.New(st, sim, p,
		engine.WithRegistrarConfig(cfg.Registrar()),
		engine.WithRelevantTTL(cfg.RelevantTTL),
	)
	sim.OnTransition(eng.HandleMonitorEvent)
	sim.OnRestart(eng.OnMonitorRestart)

	slog.Debug("session opened", "db", cfg.DBPath, "max_regions", cfg.MaxRegions)
	return &session{cfg: cfg, store: st, sim: sim, engine: eng}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
