package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/anchornotes/internal/geo"
)

// Outcome values written to the transition log once an event is resolved.
const (
	OutcomeDelivered = "delivered"
	OutcomeMasked    = "masked"
	OutcomeDuplicate = "duplicate"
	OutcomeCooldown  = "cooldown"
	OutcomeInactive  = "inactive"
	OutcomeFailed    = "failed"
)

// LoggedTransition is one raw event as received from the location monitor.
// Outcome is empty until the resolver has finished with it.
type LoggedTransition struct {
	ID               int64
	RecordID         string
	PlatformRegionID string
	Transition       geo.Transition
	OccurredAt       time.Time
	DeliveryAttempt  int
	ReceivedAt       time.Time
	Outcome          string
	ResolvedAt       *time.Time
}

// AppendTransition durably logs a received event before it is resolved.
// Returns the log id used to mark the outcome later.
func (s *Store) AppendTransition(ctx context.Context, lt LoggedTransition) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transition_log
		(record_id, platform_region_id, transition, occurred_at, delivery_attempt, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		lt.RecordID,
		lt.PlatformRegionID,
		string(lt.Transition),
		toNanos(lt.OccurredAt),
		lt.DeliveryAttempt,
		toNanos(lt.ReceivedAt),
	)
	if err != nil {
		return 0, writeErr("append transition", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, writeErr("append transition", err)
	}
	return id, nil
}

// SetTransitionOutcome marks a logged event as resolved. The first outcome
// sticks: a row replayed by recovery and also still queued keeps the
// resolution it got first.
func (s *Store) SetTransitionOutcome(ctx context.Context, id int64, outcome string, at time.Time) error {
	if outcome == "" {
		return fmt.Errorf("set transition outcome %d: empty outcome", id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE transition_log SET outcome = ?, resolved_at = ? WHERE id = ? AND outcome = ''`,
		outcome, toNanos(at), id,
	)
	if err != nil {
		return writeErr(fmt.Sprintf("set transition outcome %d", id), err)
	}
	return nil
}

// UnresolvedTransitions returns logged events without an outcome in arrival order.
func (s *Store) UnresolvedTransitions(ctx context.Context) ([]LoggedTransition, error) {
	return s.queryTransitions(ctx, `WHERE outcome = '' ORDER BY id ASC`)
}

// ListTransitions returns the most recent limit events, oldest first.
// A non-positive limit returns the whole log.
func (s *Store) ListTransitions(ctx context.Context, limit int) ([]LoggedTransition, error) {
	if limit <= 0 {
		return s.queryTransitions(ctx, `ORDER BY id ASC`)
	}
	return s.queryTransitions(ctx,
		`WHERE id IN (SELECT id FROM transition_log ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
}

func (s *Store) queryTransitions(ctx context.Context, clause string, args ...any) ([]LoggedTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, platform_region_id, transition, occurred_at,
		       delivery_attempt, received_at, outcome, resolved_at
		FROM transition_log `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []LoggedTransition{}
	for rows.Next() {
		var (
			lt       LoggedTransition
			t        string
			occurred int64
			received int64
			resolved sql.NullInt64
		)
		if err := rows.Scan(
			&lt.ID,
			&lt.RecordID,
			&lt.PlatformRegionID,
			&t,
			&occurred,
			&lt.DeliveryAttempt,
			&received,
			&lt.Outcome,
			&resolved,
		); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		lt.Transition = geo.Transition(t)
		lt.OccurredAt = fromNanos(occurred)
		lt.ReceivedAt = fromNanos(received)
		lt.ResolvedAt = nullableTime(resolved)
		out = append(out, lt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}
