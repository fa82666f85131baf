package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/anchornotes/internal/monitor"
	"github.com/roach88/anchornotes/internal/store"
)

// Recovery reasons, used as log and metric labels.
const (
	ReasonStartup        = "startup"
	ReasonMonitorRestart = "monitor_restart"
)

// RecoveryReport summarizes one recovery run.
type RecoveryReport struct {
	Reason          string
	StaleCleared    int
	Pass            PassResult
	Replayed        int
	ReplayFailed    int
	Represented     int
	ExpiredRelevant int64
}

// Recovery re-synchronizes the platform and the alert pipeline after process
// death, reboot or a location-service restart.
//
// Every step is idempotent, so running recovery twice, or concurrently with
// platform redelivery, never produces a second alert for the same trigger.
type Recovery struct {
	store       *store.Store
	monitor     monitor.Monitor
	registrar   *Registrar
	replay      func(ctx context.Context, evs []TransitionEvent) (replayed, failed int)
	dispatcher  *Dispatcher
	now         NowFunc
	relevantTTL time.Duration
}

// Run performs recovery:
//  1. registrations the platform no longer holds, or that predate the last
//     recorded monitor restart, are cleared
//  2. a reconciliation pass re-registers active records
//  3. unresolved transition log rows are replayed in arrival order on
//     their record lanes
//  4. alerts claimed but never presented are presented again
//  5. relevant-note entries older than the TTL are expired
func (rc *Recovery) Run(ctx context.Context, reason string) (RecoveryReport, error) {
	report := RecoveryReport{Reason: reason}
	recordRecovery(reason)
	slog.Info("recovery starting", "reason", reason)

	cleared, err := rc.clearStaleRegistrations(ctx)
	if err != nil {
		return report, err
	}
	report.StaleCleared = cleared

	pass, err := rc.registrar.Reconcile(ctx)
	if err != nil {
		return report, fmt.Errorf("recovery: %w", err)
	}
	report.Pass = pass

	replayed, failed, err := rc.replayTransitions(ctx)
	if err != nil {
		return report, err
	}
	report.Replayed, report.ReplayFailed = replayed, failed

	represented, err := rc.representAlerts(ctx)
	if err != nil {
		return report, err
	}
	report.Represented = represented

	if rc.relevantTTL > 0 {
		n, err := rc.store.ExpireRelevant(ctx, rc.now().Add(-rc.relevantTTL))
		if err != nil {
			return report, fmt.Errorf("recovery: %w", err)
		}
		report.ExpiredRelevant = n
	}

	slog.Info("recovery complete",
		"reason", reason,
		"stale_cleared", report.StaleCleared,
		"registered", report.Pass.Registered,
		"pending", report.Pass.Pending,
		"replayed", report.Replayed,
		"represented", report.Represented,
		"expired_relevant", report.ExpiredRelevant,
	)
	return report, nil
}

func (rc *Recovery) clearStaleRegistrations(ctx context.Context) (int, error) {
	restartAt, restarted, err := rc.store.LastMonitorRestart(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: %w", err)
	}
	liveIDs, err := rc.monitor.ListRegistered(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: list platform regions: %w", err)
	}
	live := make(map[string]bool, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = true
	}

	active, err := rc.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: %w", err)
	}

	cleared := 0
	for _, rec := range active {
		if !rec.Registered() {
			continue
		}
		stale := !live[rec.PlatformRegionID] ||
			(restarted && rec.RegisteredAt.Before(restartAt))
		if !stale {
			continue
		}
		if live[rec.PlatformRegionID] {
			if err := rc.monitor.Deregister(ctx, rec.PlatformRegionID); err != nil {
				slog.Warn("recovery: deregister stale region failed",
					"platform_region_id", rec.PlatformRegionID,
					"error", err,
				)
			}
		}
		if err := rc.store.MarkUnregistered(ctx, rec.RecordID); err != nil {
			return cleared, fmt.Errorf("recovery: %w", err)
		}
		cleared++
	}
	return cleared, nil
}

func (rc *Recovery) replayTransitions(ctx context.Context) (replayed, failed int, err error) {
	rows, err := rc.store.UnresolvedTransitions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("recovery: %w", err)
	}
	evs := make([]TransitionEvent, 0, len(rows))
	for _, row := range rows {
		evs = append(evs, TransitionEvent{
			LogID:            row.ID,
			RecordID:         row.RecordID,
			PlatformRegionID: row.PlatformRegionID,
			Transition:       row.Transition,
			OccurredAt:       row.OccurredAt,
			DeliveryAttempt:  row.DeliveryAttempt,
		})
	}
	replayed, failed = rc.replay(ctx, evs)
	if failed > 0 {
		slog.Warn("recovery: replay incomplete", "failed", failed, "replayed", replayed)
	}
	return replayed, failed, nil
}

func (rc *Recovery) representAlerts(ctx context.Context) (int, error) {
	alerts, err := rc.store.UnpresentedAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: %w", err)
	}
	n := 0
	for _, a := range alerts {
		if rc.dispatcher.Represent(ctx, a) == DispatchPresented {
			n++
		}
	}
	return n, nil
}
