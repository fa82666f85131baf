package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/anchornotes/internal/geo"
	"github.com/roach88/anchornotes/internal/monitor"
	"github.com/roach88/anchornotes/internal/store"
)

// Engine is the location-triggered reminder engine.
//
// Editing calls (BindGeofence, UnbindGeofence) commit to the store and
// return; registration happens on the registrar's own goroutine. Monitor
// events are logged durably, queued, and resolved on per-record lanes.
//
// Thread-safety model:
//   - BindGeofence, UnbindGeofence, RegistrationStatus: safe from any goroutine
//   - HandleTransition, HandleMonitorRestart: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// INVARIANTS:
//   - at most one active record per note (store)
//   - one alert per (record, transition, triggeredAt) (alert ledger)
//   - an unbind that has committed is never followed by a dispatch (note lock)
type Engine struct {
	store      *store.Store
	monitor    monitor.Monitor
	registrar  *Registrar
	resolver   *Resolver
	dispatcher *Dispatcher
	recovery   *Recovery

	locks *noteLocks
	clock *Clock
	now   NowFunc
	queue *eventQueue
	lanes *laneSet

	registrarCfg RegistrarConfig
	relevantTTL  time.Duration
}

// Defaults for the engine's tunables. Real values come from config.
const (
	DefaultMaxRegions    = 100
	DefaultDebounce      = 2 * time.Second
	DefaultRetryInterval = time.Minute
	DefaultRelevantTTL   = time.Hour
)

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithNow overrides the wall clock.
func WithNow(now NowFunc) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRegistrarConfig sets the registrar tunables.
//
// Default: 100 regions, 2s debounce, 1m retry, unpaced, initial ENTER on.
func WithRegistrarConfig(cfg RegistrarConfig) EngineOption {
	return func(e *Engine) {
		e.registrarCfg = cfg
	}
}

// WithRelevantTTL sets how long a note stays relevant after an ENTER
// without a matching EXIT. Zero disables expiry.
func WithRelevantTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.relevantTTL = d
	}
}

// New wires the engine's components around a store, a monitor and a presenter.
func New(st *store.Store, mon monitor.Monitor, p Presenter, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   st,
		monitor: mon,
		locks:   newNoteLocks(),
		clock:   NewClock(),
		now:     systemNow,
		queue:   newEventQueue(),
		registrarCfg: RegistrarConfig{
			MaxRegions:     DefaultMaxRegions,
			InitialTrigger: true,
			Debounce:       DefaultDebounce,
			RetryInterval:  DefaultRetryInterval,
		},
		relevantTTL: DefaultRelevantTTL,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.dispatcher = NewDispatcher(st, p, e.now)
	e.resolver = NewResolver(st, e.dispatcher, e.locks)
	e.registrar = NewRegistrar(st, mon, e.registrarCfg, e.now)
	e.registrar.submit = e.submitSynthetic
	e.recovery = &Recovery{
		store:       st,
		monitor:     mon,
		registrar:   e.registrar,
		replay:      e.replay,
		dispatcher:  e.dispatcher,
		now:         e.now,
		relevantTTL: e.relevantTTL,
	}
	e.lanes = newLaneSet(func(ctx context.Context, ev TransitionEvent) error {
		_, err := e.process(ctx, ev)
		return err
	})

	return e
}

// Store returns the underlying record store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// BindGeofence attaches spec to noteID, superseding any previous geofence.
// Registration is scheduled, not awaited: the status is pending until the
// next reconciliation pass.
func (e *Engine) BindGeofence(ctx context.Context, noteID string, spec geo.Spec) (store.Record, error) {
	unlock := e.locks.Lock(noteID)
	rec, err := e.store.Put(ctx, noteID, spec)
	unlock()
	if err != nil {
		return store.Record{}, fmt.Errorf("bind geofence: %w", err)
	}

	slog.Info("geofence bound",
		"note_id", noteID,
		"record_id", rec.RecordID,
		"seq", rec.Seq,
		"mask", rec.Spec.Mask.String(),
	)
	e.registrar.Notify()
	return rec, nil
}

// UnbindGeofence removes the note's geofence. Idempotent: returns false
// when the note had none. Once it returns, no alert fires for the note.
func (e *Engine) UnbindGeofence(ctx context.Context, noteID string) (bool, error) {
	unlock := e.locks.Lock(noteID)
	defer unlock()

	rec, removed, err := e.store.Remove(ctx, noteID)
	if err != nil {
		return false, fmt.Errorf("unbind geofence: %w", err)
	}
	if !removed {
		return false, nil
	}
	if err := e.store.MarkOutside(ctx, noteID); err != nil {
		slog.Warn("unbind: clear relevance", "note_id", noteID, "error", err)
	}

	slog.Info("geofence unbound", "note_id", noteID, "record_id", rec.RecordID)
	e.registrar.Notify()
	return true, nil
}

// RegistrationStatus reports the note's registration state.
func (e *Engine) RegistrationStatus(ctx context.Context, noteID string) (Status, error) {
	st, err := e.NoteStatus(ctx, noteID)
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

// NoteStatus reports the note's registration state with details.
func (e *Engine) NoteStatus(ctx context.Context, noteID string) (NoteStatus, error) {
	rec, err := e.store.ActiveForNote(ctx, noteID)
	if errors.Is(err, store.ErrNotFound) {
		return NoteStatus{NoteID: noteID, Status: StatusNone}, nil
	}
	if err != nil {
		return NoteStatus{}, fmt.Errorf("registration status: %w", err)
	}
	return noteStatusOf(rec), nil
}

// Statuses reports every bound note, ordered by note id.
func (e *Engine) Statuses(ctx context.Context) ([]NoteStatus, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("statuses: %w", err)
	}
	out := make([]NoteStatus, 0, len(active))
	for _, rec := range active {
		out = append(out, noteStatusOf(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NoteID < out[j].NoteID })
	return out, nil
}

// Reconcile runs one registrar pass immediately.
func (e *Engine) Reconcile(ctx context.Context) (PassResult, error) {
	return e.registrar.Reconcile(ctx)
}

// WorkingSet returns the regions held after the last pass.
func (e *Engine) WorkingSet() []RegisteredRegion {
	return e.registrar.WorkingSet()
}

// HandleTransition accepts a raw event from the monitor.
//
// The event is written to the transition log before it is queued, so an
// event that is acknowledged here survives a crash and is replayed by
// recovery. Unknown region ids are logged and resolved as inactive.
func (e *Engine) HandleTransition(ctx context.Context, platformRegionID string, t geo.Transition, occurredAt time.Time, attempt int) error {
	if !t.Valid() {
		return fmt.Errorf("handle transition: unknown transition %q", t)
	}

	recordID := ""
	rec, err := e.store.FindByPlatformRegion(ctx, platformRegionID)
	switch {
	case err == nil:
		recordID = rec.RecordID
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("handle transition: %w", err)
	}

	logID, err := e.store.AppendTransition(ctx, store.LoggedTransition{
		RecordID:         recordID,
		PlatformRegionID: platformRegionID,
		Transition:       t,
		OccurredAt:       occurredAt,
		DeliveryAttempt:  attempt,
		ReceivedAt:       e.now(),
	})
	if err != nil {
		return fmt.Errorf("handle transition: %w", err)
	}

	if recordID == "" {
		slog.Info("transition for unknown region",
			"platform_region_id", platformRegionID,
			"transition", t,
		)
		recordTransition(TransitionEvent{Transition: t}, OutcomeInactive)
		if err := e.store.SetTransitionOutcome(ctx, logID, string(OutcomeInactive), e.now()); err != nil {
			return fmt.Errorf("handle transition: %w", err)
		}
		return nil
	}

	return e.enqueue(TransitionEvent{
		LogID:            logID,
		RecordID:         recordID,
		PlatformRegionID: platformRegionID,
		Transition:       t,
		OccurredAt:       occurredAt,
		DeliveryAttempt:  attempt,
	})
}

// HandleMonitorEvent adapts HandleTransition to monitor.Handler.
func (e *Engine) HandleMonitorEvent(ctx context.Context, ev monitor.Event) {
	if err := e.HandleTransition(ctx, ev.PlatformRegionID, ev.Transition, ev.OccurredAt, ev.Attempt); err != nil {
		slog.Error("monitor event dropped",
			"platform_region_id", ev.PlatformRegionID,
			"transition", ev.Transition,
			"error", err,
		)
	}
}

// HandleMonitorRestart records that the platform dropped its regions and
// runs recovery.
func (e *Engine) HandleMonitorRestart(ctx context.Context, at time.Time, reason string) (RecoveryReport, error) {
	if err := e.store.RecordMonitorRestart(ctx, at, reason); err != nil {
		return RecoveryReport{}, fmt.Errorf("monitor restart: %w", err)
	}
	return e.recovery.Run(ctx, ReasonMonitorRestart)
}

// OnMonitorRestart adapts HandleMonitorRestart to monitor.RestartHandler.
func (e *Engine) OnMonitorRestart(ctx context.Context, at time.Time, reason string) {
	if _, err := e.HandleMonitorRestart(ctx, at, reason); err != nil {
		slog.Error("recovery after monitor restart failed", "reason", reason, "error", err)
	}
}

// Recover runs startup recovery.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	return e.recovery.Run(ctx, ReasonStartup)
}

// Flush resolves every queued event and waits for the lanes to drain.
func (e *Engine) Flush(ctx context.Context) {
	e.drainQueue(ctx)
	e.lanes.WaitIdle()
}

// Run starts the registrar loop and resolves queued events.
// Blocks until ctx is cancelled or Stop() is called; queued events are
// drained before returning.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting",
		"max_regions", e.registrarCfg.MaxRegions,
		"debounce", e.registrarCfg.Debounce,
	)

	regCtx, cancel := context.WithCancel(ctx)
	regDone := make(chan struct{})
	go func() {
		defer close(regDone)
		_ = e.registrar.Run(regCtx)
	}()
	defer func() {
		cancel()
		<-regDone
	}()

	// Lanes finish in-flight events even when ctx is cancelled.
	laneCtx := context.WithoutCancel(ctx)
	for {
		e.drainQueue(laneCtx)

		select {
		case <-ctx.Done():
			e.lanes.WaitIdle()
			slog.Info("engine stopping", "reason", "context cancelled", "events_seen", e.clock.Current())
			return ctx.Err()
		case _, ok := <-e.queue.Wait():
			if !ok {
				e.drainQueue(laneCtx)
				e.lanes.WaitIdle()
				slog.Info("engine stopping", "reason", "stopped", "events_seen", e.clock.Current())
				return nil
			}
		}
	}
}

// Stop closes the event queue. Events handled afterwards stay in the
// transition log and are replayed by the next recovery.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) drainQueue(ctx context.Context) {
	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		e.lanes.Submit(ctx, ev)
	}
}

func (e *Engine) enqueue(ev TransitionEvent) error {
	ev.Seq = e.clock.Next()
	if !e.queue.Enqueue(ev) {
		return ErrStopped
	}
	return nil
}

// submitSynthetic logs and queues an event the engine generated itself.
func (e *Engine) submitSynthetic(ctx context.Context, ev TransitionEvent) {
	logID, err := e.store.AppendTransition(ctx, store.LoggedTransition{
		RecordID:         ev.RecordID,
		PlatformRegionID: ev.PlatformRegionID,
		Transition:       ev.Transition,
		OccurredAt:       ev.OccurredAt,
		ReceivedAt:       e.now(),
	})
	if err != nil {
		slog.Error("synthetic transition dropped", "record_id", ev.RecordID, "error", err)
		return
	}
	ev.LogID = logID
	if err := e.enqueue(ev); err != nil {
		slog.Debug("synthetic transition queued after stop", "record_id", ev.RecordID)
	}
}

// replay resolves logged events on their record lanes, behind anything
// already queued there, and waits for all of them. Used by recovery.
func (e *Engine) replay(ctx context.Context, evs []TransitionEvent) (replayed, failed int) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	wg.Add(len(evs))
	for _, ev := range evs {
		ev.Seq = e.clock.Next()
		e.lanes.SubmitNotify(ctx, ev, func(err error) {
			mu.Lock()
			if err != nil {
				failed++
			} else {
				replayed++
			}
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	return replayed, failed
}

// process resolves one event and records its outcome in the transition log.
// On failure the log row stays unresolved for the next recovery.
func (e *Engine) process(ctx context.Context, ev TransitionEvent) (Outcome, error) {
	outcome, err := e.resolver.Resolve(ctx, ev)
	if err != nil {
		recordResolveError()
		slog.Error("transition resolution failed",
			"seq", ev.Seq,
			"log_id", ev.LogID,
			"record_id", ev.RecordID,
			"transition", ev.Transition,
			"error", err,
		)
		return "", err
	}
	recordTransition(ev, outcome)

	if ev.LogID != 0 {
		if err := e.store.SetTransitionOutcome(ctx, ev.LogID, string(outcome), e.now()); err != nil {
			slog.Warn("record transition outcome", "log_id", ev.LogID, "error", err)
		}
	}
	return outcome, nil
}
