package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/roach88/anchornotes/internal/config"
	"github.com/roach88/anchornotes/internal/engine"
	"github.com/roach88/anchornotes/internal/geo"
	"github.com/roach88/anchornotes/internal/monitor"
	"github.com/roach88/anchornotes/internal/notify"
	"github.com/roach88/anchornotes/internal/store"
	"github.com/roach88/anchornotes/internal/testutil"
)

// Harness runs one scenario against a real engine, a simulated monitor and
// a recording presenter, all sharing a manual clock.
type Harness struct {
	store     *store.Store
	engine    *engine.Engine
	sim       *monitor.Simulator
	presenter *notify.RecordingPresenter
	clock     *testutil.ManualClock
	start     time.Time
	logger    *slog.Logger

	// regions remembers the last platform region seen per note, so a
	// scripted transition can target a region after its note was unbound.
	regions map[string]string

	// lastLogID and alertState track what the trace has already shown.
	lastLogID  int64
	alertState map[string]string

	restartReport *engine.RecoveryReport
	restartErr    error
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation, with the
// clock starting at the scenario's start time.
//
// Execution flow:
//  1. Build config from defaults plus the scenario overrides
//  2. Wire store, simulator, presenter and engine
//  3. Execute flow steps, resolving queued events after each one
//  4. Evaluate assertions against the trace and the final state
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	start, err := scenario.StartTime()
	if err != nil {
		return nil, err
	}
	cfg, err := scenarioConfig(scenario.Config)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewManualClock(start)
	st, err := store.Open(":memory:",
		store.WithClock(clock.Now),
		store.WithLimits(cfg.Limits()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	sim := monitor.NewSimulator(cfg.MaxRegions)
	presenter := notify.NewRecordingPresenter()
	eng := engine.New(st, sim, presenter,
		engine.WithNow(clock.Now),
		engine.WithRegistrarConfig(cfg.Registrar()),
		engine.WithRelevantTTL(cfg.RelevantTTL),
	)

	h := &Harness{
		store:      st,
		engine:     eng,
		sim:        sim,
		presenter:  presenter,
		clock:      clock,
		start:      start,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		regions:    make(map[string]string),
		alertState: make(map[string]string),
	}

	sim.OnTransition(eng.HandleMonitorEvent)
	sim.OnRestart(func(ctx context.Context, at time.Time, reason string) {
		report, err := eng.HandleMonitorRestart(ctx, at, reason)
		h.restartReport, h.restartErr = &report, err
	})

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Op, err)
		}
		eng.Flush(ctx)
		if err := h.traceEffects(ctx, i+1, result); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Op, err)
		}
	}

	actx := &AssertionContext{
		Ctx:       ctx,
		Store:     st,
		Engine:    eng,
		Sim:       sim,
		Presenter: presenter,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	h.logger.Debug("scenario finished",
		"name", scenario.Name,
		"pass", result.Pass,
		"trace_events", len(result.Trace),
	)
	return result, nil
}

// scenarioConfig applies scenario overrides to the configuration defaults.
func scenarioConfig(sc ScenarioConfig) (config.Config, error) {
	cfg := config.Default()
	if sc.MaxRegions > 0 {
		cfg.MaxRegions = sc.MaxRegions
	}
	if sc.PassQuota > 0 {
		cfg.PassQuota = sc.PassQuota
	}
	if sc.InitialTrigger != nil {
		cfg.InitialTrigger = *sc.InitialTrigger
	}
	if sc.RelevantTTL != "" {
		d, err := time.ParseDuration(sc.RelevantTTL)
		if err != nil {
			return config.Config{}, fmt.Errorf("config.relevant_ttl: %w", err)
		}
		cfg.RelevantTTL = d
	}
	if sc.MinRadiusMeters != nil {
		cfg.MinRadiusMeters = *sc.MinRadiusMeters
	}
	if sc.MaxRadiusMeters != nil {
		cfg.MaxRadiusMeters = *sc.MaxRadiusMeters
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	switch step.Op {
	case OpNote:
		if err := h.store.PutNote(ctx, step.Note, step.Title); err != nil {
			return err
		}
		result.AddTrace(n, step.Op, "%s %q", step.Note, step.Title)

	case OpBind:
		return h.bind(ctx, n, step, result)

	case OpUnbind:
		removed, err := h.engine.UnbindGeofence(ctx, step.Note)
		if err != nil {
			return err
		}
		if removed {
			result.AddTrace(n, step.Op, "%s removed", step.Note)
		} else {
			result.AddTrace(n, step.Op, "%s absent", step.Note)
		}

	case OpReconcile:
		res, err := h.engine.Reconcile(ctx)
		if err != nil {
			return err
		}
		result.AddTrace(n, step.Op, "registered=%d added=%d deregistered=%d pending=%d failed=%d",
			res.Registered, res.NewlyAdded, res.Deregistered, res.Pending, res.Failed)

	case OpTransition:
		return h.transition(ctx, n, step, result)

	case OpMove:
		at := h.at(step.At)
		h.clock.Set(at)
		h.sim.Move(ctx, orb.Point{step.Lon, step.Lat}, at)
		result.AddTrace(n, step.Op, "%.4f,%.4f at=%s", step.Lat, step.Lon, h.offset(at))

	case OpRestart:
		at := h.at(step.At)
		h.clock.Set(at)
		reason := step.Reason
		if reason == "" {
			reason = "location services restarted"
		}
		h.restartReport, h.restartErr = nil, nil
		h.sim.Restart(ctx, at, reason)
		if h.restartErr != nil {
			return h.restartErr
		}
		if h.restartReport == nil {
			return errors.New("restart handler did not run")
		}
		result.AddTrace(n, step.Op, "%s", formatReport(*h.restartReport))

	case OpRecover:
		report, err := h.engine.Recover(ctx)
		if err != nil {
			return err
		}
		result.AddTrace(n, step.Op, "%s", formatReport(report))

	case OpAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		now := h.clock.Advance(d)
		result.AddTrace(n, step.Op, "+%s now=%s", d, h.offset(now))

	case OpFail:
		requestID := geo.RegionRequestID(step.Note)
		if step.Code == 0 {
			h.sim.ClearFault(requestID)
			result.AddTrace(n, step.Op, "%s cleared", step.Note)
			break
		}
		reason := step.Reason
		if reason == "" {
			reason = "rejected"
		}
		h.sim.Fail(requestID, &monitor.RejectedError{Code: step.Code, Reason: reason})
		result.AddTrace(n, step.Op, "%s code=%d", step.Note, step.Code)

	case OpAvailable:
		h.sim.SetAvailable(*step.Available)
		result.AddTrace(n, step.Op, "%t", *step.Available)

	case OpPresenter:
		if step.Error == "" {
			h.presenter.FailWith(nil)
			result.AddTrace(n, step.Op, "ok")
			break
		}
		h.presenter.FailWith(errors.New(step.Error))
		result.AddTrace(n, step.Op, "failing: %s", step.Error)

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

func (h *Harness) bind(ctx context.Context, n int, step Step, result *Result) error {
	mask, err := geo.ParseMask(step.Mask)
	if err != nil {
		return err
	}
	spec := geo.Spec{
		CenterLat:       step.Lat,
		CenterLon:       step.Lon,
		RadiusMeters:    step.Radius,
		Mask:            mask,
		CooldownSeconds: step.Cooldown,
		AddressName:     step.Address,
	}

	_, err = h.engine.BindGeofence(ctx, step.Note, spec)
	switch {
	case errors.Is(err, engine.ErrInvalidSpec):
		var ise *geo.InvalidSpecError
		field := "spec"
		if errors.As(err, &ise) {
			field = ise.Field
		}
		result.AddTrace(n, step.Op, "%s rejected: invalid %s", step.Note, field)
		return nil
	case err != nil:
		return err
	}

	result.AddTrace(n, step.Op, "%s mask=%s radius=%gm cooldown=%ds",
		step.Note, mask, step.Radius, step.Cooldown)
	return nil
}

func (h *Harness) transition(ctx context.Context, n int, step Step, result *Result) error {
	t, err := geo.ParseTransition(step.Transition)
	if err != nil {
		return err
	}

	regionID, err := h.regionFor(ctx, step.Note)
	if err != nil {
		return err
	}

	at := h.at(step.At)
	h.clock.Set(at)
	attempt := step.Attempt
	if attempt == 0 {
		attempt = 1
	}

	if err := h.engine.HandleTransition(ctx, regionID, t, at, attempt); err != nil {
		return err
	}
	result.AddTrace(n, step.Op, "%s %s at=%s attempt=%d", step.Note, t, h.offset(at), attempt)
	return nil
}

// regionFor resolves the platform region a scripted event targets: the
// note's live region, else the last region the note was seen with.
func (h *Harness) regionFor(ctx context.Context, noteID string) (string, error) {
	rec, err := h.store.ActiveForNote(ctx, noteID)
	switch {
	case err == nil && rec.PlatformRegionID != "":
		return rec.PlatformRegionID, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", err
	}
	if id, ok := h.regions[noteID]; ok {
		return id, nil
	}
	return "", fmt.Errorf("note %s has never held a region", noteID)
}

// traceEffects appends the transition log rows and alert ledger changes the
// step caused, then refreshes the note to region map.
func (h *Harness) traceEffects(ctx context.Context, n int, result *Result) error {
	rows, err := h.store.ListTransitions(ctx, 0)
	if err != nil {
		return err
	}
	for _, lt := range rows {
		if lt.ID <= h.lastLogID {
			continue
		}
		h.lastLogID = lt.ID

		subject := lt.PlatformRegionID
		if lt.RecordID != "" {
			rec, err := h.store.Get(ctx, lt.RecordID)
			if err != nil {
				return err
			}
			subject = rec.NoteID
		}
		outcome := lt.Outcome
		if outcome == "" {
			outcome = "unresolved"
		}
		result.AddTrace(n, "event", "%s %s at=%s -> %s",
			subject, lt.Transition, h.offset(lt.OccurredAt), outcome)
	}

	alerts, err := h.store.ListAlerts(ctx, "")
	if err != nil {
		return err
	}
	var changed []store.Alert
	for _, a := range alerts {
		state := alertState(a)
		if h.alertState[a.AlertID] == state {
			continue
		}
		h.alertState[a.AlertID] = state
		changed = append(changed, a)
	}
	sort.Slice(changed, func(i, j int) bool {
		a, b := changed[i], changed[j]
		if a.NoteID != b.NoteID {
			return a.NoteID < b.NoteID
		}
		if a.Transition != b.Transition {
			return a.Transition < b.Transition
		}
		return a.TriggeredAt.Before(b.TriggeredAt)
	})
	for _, a := range changed {
		result.AddTrace(n, "alert", "%s %s at=%s %s %s: %s",
			a.NoteID, a.Transition, h.offset(a.TriggeredAt), alertState(a), a.Title, a.Body)
	}

	for _, r := range h.sim.Regions() {
		if noteID, ok := geo.NoteIDFromRequestID(r.RequestID); ok {
			h.regions[noteID] = r.PlatformRegionID
		}
	}
	return nil
}

func alertState(a store.Alert) string {
	switch {
	case a.Presented():
		return "presented"
	case a.PresentError != "":
		return "failed"
	default:
		return "claimed"
	}
}

// at resolves a step offset; empty means the current clock.
func (h *Harness) at(offset string) time.Time {
	if offset == "" {
		return h.clock.Now()
	}
	d, _ := time.ParseDuration(offset) // validated at load
	return h.start.Add(d)
}

func (h *Harness) offset(t time.Time) string {
	return "+" + t.Sub(h.start).String()
}

func formatReport(r engine.RecoveryReport) string {
	return fmt.Sprintf("stale=%d registered=%d added=%d pending=%d replayed=%d represented=%d expired=%d",
		r.StaleCleared, r.Pass.Registered, r.Pass.NewlyAdded, r.Pass.Pending,
		r.Replayed, r.Represented, r.ExpiredRelevant)
}

// noteList renders note ids for error messages.
func noteList(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	return "[" + strings.Join(ids, " ") + "]"
}
