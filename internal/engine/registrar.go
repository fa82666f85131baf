package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/anchornotes/internal/geo"
	"github.com/roach88/anchornotes/internal/monitor"
	"github.com/roach88/anchornotes/internal/store"
)

// RegisteredRegion is one entry of the registrar's working set.
type RegisteredRegion struct {
	RecordID         string
	NoteID           string
	PlatformRegionID string
	RegisteredAt     time.Time
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Registered   int // regions held after the pass
	NewlyAdded   int
	Deregistered int
	Pending      int
	Failed       int
}

// RegistrarConfig holds the registrar's tunables.
type RegistrarConfig struct {
	// MaxRegions is the platform cap. Non-positive means unbounded.
	MaxRegions int

	// PassQuota caps Register calls per pass. Non-positive disables it.
	PassQuota int

	// Rate and Burst pace Register calls. Rate 0 means unlimited.
	Rate  rate.Limit
	Burst int

	// InitialTrigger submits a synthetic ENTER for a freshly registered
	// region that already contains the last known position.
	InitialTrigger bool

	// Debounce coalesces store mutations before a pass.
	Debounce time.Duration

	// RetryInterval is how often pending records are retried without a
	// triggering mutation.
	RetryInterval time.Duration
}

// Registrar reconciles the store's active records with the monitor's live set.
// It is the only component that calls Register and Deregister.
type Registrar struct {
	store   *store.Store
	monitor monitor.Monitor
	cfg     RegistrarConfig
	limiter *rate.Limiter
	now     NowFunc

	// submit receives synthetic initial ENTER events.
	submit func(ctx context.Context, ev TransitionEvent)

	passMu sync.Mutex // one pass at a time

	mu      sync.Mutex
	working map[string]RegisteredRegion // keyed by record id

	notify chan struct{}
}

// NewRegistrar creates a registrar.
func NewRegistrar(st *store.Store, mon monitor.Monitor, cfg RegistrarConfig, now NowFunc) *Registrar {
	if now == nil {
		now = systemNow
	}
	limit := cfg.Rate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Registrar{
		store:   st,
		monitor: mon,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		now:     now,
		working: make(map[string]RegisteredRegion),
		notify:  make(chan struct{}, 1),
	}
}

// Notify requests a pass. Calls are coalesced within the debounce window.
func (r *Registrar) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// WorkingSet returns the regions held after the last pass, in no particular order.
func (r *Registrar) WorkingSet() []RegisteredRegion {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RegisteredRegion, 0, len(r.working))
	for _, reg := range r.working {
		out = append(out, reg)
	}
	return out
}

// Run drives debounced and periodic passes until ctx is done.
func (r *Registrar) Run(ctx context.Context) error {
	var retry <-chan time.Time
	if r.cfg.RetryInterval > 0 {
		ticker := time.NewTicker(r.cfg.RetryInterval)
		defer ticker.Stop()
		retry = ticker.C
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.notify:
			if debounce == nil {
				debounce = time.After(r.cfg.Debounce)
			}
		case <-debounce:
			debounce = nil
			r.reconcileLogged(ctx, "mutation")
		case <-retry:
			r.reconcileLogged(ctx, "retry")
		}
	}
}

func (r *Registrar) reconcileLogged(ctx context.Context, trigger string) {
	res, err := r.Reconcile(ctx)
	if err != nil {
		slog.Error("reconciliation failed", "trigger", trigger, "error", err)
		return
	}
	slog.Debug("reconciliation pass",
		"trigger", trigger,
		"registered", res.Registered,
		"added", res.NewlyAdded,
		"deregistered", res.Deregistered,
		"pending", res.Pending,
		"failed", res.Failed,
	)
}

// Reconcile runs one pass:
//   - desired = active records without a registration error, most recently
//     edited first, truncated to the platform cap
//   - regions the platform holds that are not desired are deregistered first
//   - desired records without a live region are registered while capacity,
//     quota and pacing allow; the rest are marked pending
//
// A platform rejection of one record never blocks the others.
func (r *Registrar) Reconcile(ctx context.Context) (PassResult, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	start := time.Now()
	var res PassResult

	active, err := r.store.ListActive(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	liveIDs, err := r.monitor.ListRegistered(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: list platform regions: %w", err)
	}
	live := make(map[string]bool, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = true
	}

	// Records in error stay out until re-edited; ListActive is seq DESC.
	var desired []store.Record
	for _, rec := range active {
		if rec.RegistrationError == "" {
			desired = append(desired, rec)
		}
	}
	var overflow []store.Record
	if r.cfg.MaxRegions > 0 && len(desired) > r.cfg.MaxRegions {
		overflow = desired[r.cfg.MaxRegions:]
		desired = desired[:r.cfg.MaxRegions]
	}

	keep := make(map[string]bool, len(desired))
	for _, rec := range desired {
		if rec.PlatformRegionID != "" && live[rec.PlatformRegionID] {
			keep[rec.PlatformRegionID] = true
		}
	}

	// Deregister first so the freed capacity is usable in this pass.
	if err := r.deregisterUnwanted(ctx, liveIDs, keep, &res); err != nil {
		return res, err
	}
	if err := r.clearStale(ctx, live, keep); err != nil {
		return res, err
	}

	held := len(keep)
	quota := NewQuotaEnforcer(r.cfg.PassQuota)
	working := make(map[string]RegisteredRegion, len(desired))

	for _, rec := range desired {
		if keep[rec.PlatformRegionID] {
			working[rec.RecordID] = RegisteredRegion{
				RecordID:         rec.RecordID,
				NoteID:           rec.NoteID,
				PlatformRegionID: rec.PlatformRegionID,
				RegisteredAt:     *rec.RegisteredAt,
			}
			if rec.Pending {
				if err := r.store.MarkPending(ctx, rec.RecordID, false); err != nil {
					return res, fmt.Errorf("reconcile: %w", err)
				}
			}
			continue
		}

		if r.cfg.MaxRegions > 0 && held >= r.cfg.MaxRegions {
			if err := r.markPending(ctx, rec, ErrCapacityExceeded); err != nil {
				return res, err
			}
			res.Pending++
			continue
		}
		if err := quota.Check(rec.RecordID); err != nil {
			if err := r.markPending(ctx, rec, errors.Join(ErrCapacityExceeded, err)); err != nil {
				return res, err
			}
			res.Pending++
			continue
		}

		reg, ok, err := r.register(ctx, rec, &res)
		if err != nil {
			return res, err
		}
		if ok {
			working[rec.RecordID] = reg
			held++
		}
	}

	for _, rec := range overflow {
		if err := r.markPending(ctx, rec, ErrCapacityExceeded); err != nil {
			return res, err
		}
		res.Pending++
	}

	r.mu.Lock()
	r.working = working
	r.mu.Unlock()

	res.Registered = len(working)
	recordPass(res, time.Since(start))
	return res, nil
}

// deregisterUnwanted removes every live region not in keep and clears the
// registration of the record that owned it.
func (r *Registrar) deregisterUnwanted(ctx context.Context, liveIDs []string, keep map[string]bool, res *PassResult) error {
	for _, id := range liveIDs {
		if keep[id] {
			continue
		}
		if err := r.monitor.Deregister(ctx, id); err != nil {
			recordCall("deregister", "error")
			slog.Warn("deregister failed", "platform_region_id", id, "error", err)
			continue
		}
		recordCall("deregister", "ok")
		res.Deregistered++

		rec, err := r.store.FindByPlatformRegion(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		if err := r.store.MarkUnregistered(ctx, rec.RecordID); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		slog.Info("region deregistered",
			"platform_region_id", id,
			"record_id", rec.RecordID,
			"note_id", rec.NoteID,
		)
	}
	return nil
}

// clearStale drops store registrations the platform no longer holds.
func (r *Registrar) clearStale(ctx context.Context, live, keep map[string]bool) error {
	regs, err := r.store.ListRegistered(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	for _, rec := range regs {
		if keep[rec.PlatformRegionID] {
			continue
		}
		if live[rec.PlatformRegionID] && rec.Active() {
			// Still live and about to be re-evaluated; deregisterUnwanted
			// already handled anything not kept.
			continue
		}
		if err := r.store.MarkUnregistered(ctx, rec.RecordID); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}
	return nil
}

func (r *Registrar) register(ctx context.Context, rec store.Record, res *PassResult) (RegisteredRegion, bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return RegisteredRegion{}, false, fmt.Errorf("reconcile: pacing: %w", err)
	}

	// The platform reports both directions so relevance can follow the
	// device; the resolver applies the note's mask.
	spec := rec.Spec
	spec.Mask = geo.MaskBoth
	id, err := r.monitor.Register(ctx, monitor.Region{
		RequestID: geo.RegionRequestID(rec.NoteID),
		Spec:      spec,
	})
	if err != nil {
		if monitor.Transient(err) {
			recordCall("register", "transient")
			if err := r.markPending(ctx, rec, err); err != nil {
				return RegisteredRegion{}, false, err
			}
			res.Pending++
			return RegisteredRegion{}, false, nil
		}

		recordCall("register", "rejected")
		regErr := &RegistrationError{
			RecordID: rec.RecordID,
			NoteID:   rec.NoteID,
			Message:  monitor.UserMessage(err),
			Err:      err,
		}
		slog.Warn("region registration rejected",
			"record_id", rec.RecordID,
			"note_id", rec.NoteID,
			"error", regErr,
		)
		if err := r.store.MarkRegistrationError(ctx, rec.RecordID, regErr.Message); err != nil {
			return RegisteredRegion{}, false, fmt.Errorf("reconcile: %w", err)
		}
		res.Failed++
		return RegisteredRegion{}, false, nil
	}
	recordCall("register", "ok")

	at := r.now()
	ok, err := r.store.MarkRegistered(ctx, rec.RecordID, id, at)
	if err != nil {
		// Leave nothing orphaned on the platform.
		_ = r.monitor.Deregister(ctx, id)
		return RegisteredRegion{}, false, fmt.Errorf("reconcile: %w", err)
	}
	if !ok {
		// Unbound while we were registering.
		slog.Info("record retired during registration, rolling back",
			"record_id", rec.RecordID,
			"platform_region_id", id,
		)
		if err := r.monitor.Deregister(ctx, id); err != nil {
			slog.Warn("rollback deregister failed", "platform_region_id", id, "error", err)
		}
		return RegisteredRegion{}, false, nil
	}

	slog.Info("region registered",
		"record_id", rec.RecordID,
		"note_id", rec.NoteID,
		"platform_region_id", id,
	)
	res.NewlyAdded++

	reg := RegisteredRegion{
		RecordID:         rec.RecordID,
		NoteID:           rec.NoteID,
		PlatformRegionID: id,
		RegisteredAt:     at,
	}
	r.initialTrigger(ctx, rec, id, at)
	return reg, true, nil
}

// initialTrigger reports an ENTER for a region registered while the device
// is already inside it, since the platform only reports crossings.
func (r *Registrar) initialTrigger(ctx context.Context, rec store.Record, platformRegionID string, at time.Time) {
	if !r.cfg.InitialTrigger || r.submit == nil {
		return
	}
	p, ok, err := r.monitor.LastKnownPosition(ctx)
	if err != nil {
		slog.Debug("last known position unavailable", "error", err)
		return
	}
	if !ok || !rec.Spec.Contains(p) {
		return
	}

	slog.Debug("initial enter",
		"record_id", rec.RecordID,
		"distance_m", rec.Spec.DistanceTo(p),
	)
	r.submit(ctx, TransitionEvent{
		RecordID:         rec.RecordID,
		PlatformRegionID: platformRegionID,
		Transition:       geo.TransitionEnter,
		OccurredAt:       at,
	})
}

func (r *Registrar) markPending(ctx context.Context, rec store.Record, cause error) error {
	if !rec.Pending {
		slog.Info("record pending",
			"record_id", rec.RecordID,
			"note_id", rec.NoteID,
			"cause", cause,
		)
	}
	if err := r.store.MarkPending(ctx, rec.RecordID, true); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}
