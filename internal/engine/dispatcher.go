package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/anchornotes/internal/geo"
	"github.com/roach88/anchornotes/internal/store"
)

// Presenter shows an alert to the user.
// The alert id is stable across retries, so presentation layers that key
// notifications by id collapse a re-presented alert into the original one.
type Presenter interface {
	Present(ctx context.Context, alertID, title, body string) error
}

// DispatchResult is what happened to one dispatch attempt.
type DispatchResult string

const (
	DispatchPresented DispatchResult = "presented"
	DispatchDuplicate DispatchResult = "duplicate"
	DispatchFailed    DispatchResult = "failed"
	DispatchInactive  DispatchResult = "inactive"
)

// Alert text shown for each transition.
const (
	enterTitle = "Relevant Note Nearby"
	enterBody  = "You have a note for this location"
	exitTitle  = "Leaving Note Location"
	exitBody   = "You are leaving the location of a note"
)

// Dispatcher turns a resolved transition into at most one presented alert.
//
// Identity is AlertID(record, transition, triggeredAt). The alert ledger
// claim is the commit point: whoever claims the id presents it, everyone
// else observes a duplicate.
type Dispatcher struct {
	store     *store.Store
	presenter Presenter
	now       NowFunc
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st *store.Store, p Presenter, now NowFunc) *Dispatcher {
	if now == nil {
		now = systemNow
	}
	return &Dispatcher{store: st, presenter: p, now: now}
}

// Dispatch claims and presents the alert for (rec, t, triggeredAt).
//
// The record is re-checked first; a record retired since resolution yields
// DispatchInactive and nothing is claimed. Presentation failures are logged,
// stored on the alert row and reported as DispatchFailed with a nil error.
// Only store failures are returned as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, rec store.Record, t geo.Transition, triggeredAt time.Time) (DispatchResult, error) {
	active, err := d.store.IsActive(ctx, rec.RecordID)
	if err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	if !active {
		recordAlert(DispatchInactive)
		return DispatchInactive, nil
	}

	title, body := d.alertText(ctx, rec, t)
	alert := store.Alert{
		AlertID:     geo.AlertID(rec.RecordID, t, triggeredAt),
		RecordID:    rec.RecordID,
		NoteID:      rec.NoteID,
		Transition:  t,
		TriggeredAt: triggeredAt,
		Title:       title,
		Body:        body,
		ClaimedAt:   d.now(),
	}

	claimed, err := d.store.ClaimAlert(ctx, alert)
	if err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	if !claimed {
		slog.Debug("alert already claimed",
			"alert_id", alert.AlertID,
			"note_id", rec.NoteID,
		)
		recordAlert(DispatchDuplicate)
		return DispatchDuplicate, nil
	}

	return d.present(ctx, alert), nil
}

// Represent presents an alert that was claimed but never presented.
// Used by recovery after a crash between claim and presentation.
func (d *Dispatcher) Represent(ctx context.Context, a store.Alert) DispatchResult {
	active, err := d.store.IsActive(ctx, a.RecordID)
	if err != nil {
		slog.Warn("represent: active check failed", "alert_id", a.AlertID, "error", err)
		return DispatchFailed
	}
	if !active {
		// Unbound since the claim: the alert must not fire.
		if err := d.store.MarkAlertFailed(ctx, a.AlertID, "record retired before presentation"); err != nil {
			slog.Warn("represent: mark failed", "alert_id", a.AlertID, "error", err)
		}
		recordAlert(DispatchInactive)
		return DispatchInactive
	}
	return d.present(ctx, a)
}

func (d *Dispatcher) present(ctx context.Context, a store.Alert) DispatchResult {
	if err := d.presenter.Present(ctx, a.AlertID, a.Title, a.Body); err != nil {
		err = errors.Join(ErrDeliveryBestEffort, err)
		slog.Warn("alert presentation failed",
			"alert_id", a.AlertID,
			"note_id", a.NoteID,
			"transition", a.Transition,
			"error", err,
		)
		if merr := d.store.MarkAlertFailed(ctx, a.AlertID, err.Error()); merr != nil {
			slog.Error("record presentation failure", "alert_id", a.AlertID, "error", merr)
		}
		recordAlert(DispatchFailed)
		return DispatchFailed
	}

	if err := d.store.MarkAlertPresented(ctx, a.AlertID, d.now()); err != nil {
		// The user saw it; a later recovery re-presents under the same id.
		slog.Error("record presentation", "alert_id", a.AlertID, "error", err)
	}

	slog.Info("alert presented",
		"alert_id", a.AlertID,
		"note_id", a.NoteID,
		"transition", a.Transition,
	)
	recordAlert(DispatchPresented)
	return DispatchPresented
}

func (d *Dispatcher) alertText(ctx context.Context, rec store.Record, t geo.Transition) (title, body string) {
	title, body = enterTitle, enterBody
	if t == geo.TransitionExit {
		title, body = exitTitle, exitBody
	}

	noteTitle, err := d.store.NoteTitle(ctx, rec.NoteID)
	switch {
	case err == nil && noteTitle != "":
		body = fmt.Sprintf("%s: %s", body, noteTitle)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		slog.Debug("note title lookup failed", "note_id", rec.NoteID, "error", err)
	}
	if rec.Spec.AddressName != "" {
		body = fmt.Sprintf("%s (%s)", body, rec.Spec.AddressName)
	}
	return title, body
}
