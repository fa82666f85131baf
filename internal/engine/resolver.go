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

// Outcome is the resolution of one transition event.
// Values match the outcome column of the transition log.
type Outcome string

const (
	OutcomeDelivered Outcome = store.OutcomeDelivered
	OutcomeMasked    Outcome = store.OutcomeMasked
	OutcomeDuplicate Outcome = store.OutcomeDuplicate
	OutcomeCooldown  Outcome = store.OutcomeCooldown
	OutcomeInactive  Outcome = store.OutcomeInactive
)

// Resolver decides whether a raw transition becomes an alert.
//
// Per record and transition it runs Idle → Triggered → Suppressed|Delivered:
//  1. retired or unknown record → inactive
//  2. transition not in the mask → masked
//  3. occurredAt before the last delivered trigger → duplicate;
//     equal → re-offered to the dispatcher, whose ledger decides
//  4. occurredAt - lastTriggeredAt below the cooldown → cooldown
//  5. otherwise the trigger is recorded and the dispatcher runs
//
// Relevance follows the device whatever the mask says, but only for events
// that are not duplicates, and only after the trigger write succeeded.
// Cooldown is measured between event times, not against the wall clock, so a
// replayed or redelivered event resolves the same way it did the first time.
//
// The note lock is held from the record load to the end of dispatch, which
// is what makes an unbind that commits first win over an in-flight event.
type Resolver struct {
	store      *store.Store
	dispatcher *Dispatcher
	locks      *noteLocks
}

// NewResolver creates a resolver.
func NewResolver(st *store.Store, d *Dispatcher, locks *noteLocks) *Resolver {
	return &Resolver{store: st, dispatcher: d, locks: locks}
}

// Resolve runs one event to completion.
// A returned error means a store failure: nothing after the failing write
// happened and the event should be offered again later.
func (r *Resolver) Resolve(ctx context.Context, ev TransitionEvent) (Outcome, error) {
	rec, err := r.store.Get(ctx, ev.RecordID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeInactive, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve: %w", err)
	}

	unlock := r.locks.Lock(rec.NoteID)
	defer unlock()

	// Reload under the lock; an unbind may have committed while we waited.
	rec, err = r.store.Get(ctx, ev.RecordID)
	if err != nil {
		return "", fmt.Errorf("resolve: %w", err)
	}

	outcome, err := r.resolveLocked(ctx, rec, ev)
	if err != nil {
		return "", err
	}

	slog.Debug("transition resolved",
		"seq", ev.Seq,
		"record_id", ev.RecordID,
		"note_id", rec.NoteID,
		"transition", ev.Transition,
		"occurred_at", ev.OccurredAt,
		"attempt", ev.DeliveryAttempt,
		"outcome", outcome,
	)
	return outcome, nil
}

func (r *Resolver) resolveLocked(ctx context.Context, rec store.Record, ev TransitionEvent) (Outcome, error) {
	if !rec.Active() {
		return OutcomeInactive, nil
	}
	if !rec.Spec.Mask.Has(ev.Transition) {
		if err := r.trackRelevance(ctx, rec, ev); err != nil {
			return "", err
		}
		return OutcomeMasked, nil
	}

	last, fired := rec.LastTriggeredAt[ev.Transition]
	if fired && ev.OccurredAt.Before(last) {
		return OutcomeDuplicate, nil
	}

	if fired && ev.OccurredAt.Equal(last) {
		// Same trigger again: a redelivery, or a replay after a crash
		// between RecordTrigger and the claim.
		if err := r.trackRelevance(ctx, rec, ev); err != nil {
			return "", err
		}
		return r.dispatch(ctx, rec, ev)
	}

	cooldown := time.Duration(rec.Spec.CooldownSeconds) * time.Second
	if fired && ev.OccurredAt.Sub(last) < cooldown {
		if err := r.trackRelevance(ctx, rec, ev); err != nil {
			return "", err
		}
		return OutcomeCooldown, nil
	}

	if err := r.store.RecordTrigger(ctx, rec.RecordID, ev.Transition, ev.OccurredAt); err != nil {
		return "", fmt.Errorf("resolve: %w", err)
	}
	if err := r.trackRelevance(ctx, rec, ev); err != nil {
		return "", err
	}
	return r.dispatch(ctx, rec, ev)
}

func (r *Resolver) dispatch(ctx context.Context, rec store.Record, ev TransitionEvent) (Outcome, error) {
	res, err := r.dispatcher.Dispatch(ctx, rec, ev.Transition, ev.OccurredAt)
	if err != nil {
		return "", fmt.Errorf("resolve: %w", err)
	}
	switch res {
	case DispatchDuplicate:
		return OutcomeDuplicate, nil
	case DispatchInactive:
		return OutcomeInactive, nil
	default:
		// Failed presentation still counts as delivered: it is never retried.
		return OutcomeDelivered, nil
	}
}

// trackRelevance keeps the set of notes the device is inside.
// Both writes are idempotent, so a replay may repeat them.
func (r *Resolver) trackRelevance(ctx context.Context, rec store.Record, ev TransitionEvent) error {
	var err error
	switch ev.Transition {
	case geo.TransitionEnter:
		err = r.store.MarkInside(ctx, rec.NoteID, rec.RecordID, ev.OccurredAt)
	case geo.TransitionExit:
		err = r.store.MarkOutside(ctx, rec.NoteID)
	}
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	return nil
}
