package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/anchornotes/internal/geo"
)

// Alert is one user-visible notification in the alert ledger.
type Alert struct {
	AlertID      string
	RecordID     string
	NoteID       string
	Transition   geo.Transition
	TriggeredAt  time.Time
	Title        string
	Body         string
	ClaimedAt    time.Time
	PresentedAt  *time.Time
	PresentError string
}

// Presented reports whether presentation was attempted and succeeded.
func (a Alert) Presented() bool {
	return a.PresentedAt != nil
}

const alertColumns = `
	alert_id, record_id, note_id, transition, triggered_at, title, body,
	claimed_at, presented_at, present_error`

func scanAlert(row rowScanner) (Alert, error) {
	var (
		a         Alert
		t         string
		triggered int64
		claimed   int64
		presented sql.NullInt64
	)
	if err := row.Scan(
		&a.AlertID,
		&a.RecordID,
		&a.NoteID,
		&t,
		&triggered,
		&a.Title,
		&a.Body,
		&claimed,
		&presented,
		&a.PresentError,
	); err != nil {
		return Alert{}, err
	}
	a.Transition = geo.Transition(t)
	a.TriggeredAt = fromNanos(triggered)
	a.ClaimedAt = fromNanos(claimed)
	a.PresentedAt = nullableTime(presented)
	return a, nil
}

// ClaimAlert inserts the alert keyed by AlertID.
// Uses ON CONFLICT(alert_id) DO NOTHING: a second claim of the same id returns
// claimed=false and leaves the existing row untouched.
func (s *Store) ClaimAlert(ctx context.Context, a Alert) (claimed bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts
		(alert_id, record_id, note_id, transition, triggered_at, title, body, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(alert_id) DO NOTHING
	`,
		a.AlertID,
		a.RecordID,
		a.NoteID,
		string(a.Transition),
		toNanos(a.TriggeredAt),
		a.Title,
		a.Body,
		toNanos(a.ClaimedAt),
	)
	if err != nil {
		return false, writeErr("claim alert "+a.AlertID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("claim alert "+a.AlertID, err)
	}
	return n > 0, nil
}

// MarkAlertPresented records a successful presentation.
func (s *Store) MarkAlertPresented(ctx context.Context, alertID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET presented_at = ?, present_error = '' WHERE alert_id = ?`,
		toNanos(at), alertID,
	)
	if err != nil {
		return writeErr("mark alert presented "+alertID, err)
	}
	return nil
}

// MarkAlertFailed stores a presentation failure. Failed alerts are not retried
// by the dispatcher, but the row stays queryable.
func (s *Store) MarkAlertFailed(ctx context.Context, alertID, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET present_error = ? WHERE alert_id = ?`,
		msg, alertID,
	)
	if err != nil {
		return writeErr("mark alert failed "+alertID, err)
	}
	return nil
}

// GetAlert loads one alert by id.
func (s *Store) GetAlert(ctx context.Context, alertID string) (Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Alert{}, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return Alert{}, fmt.Errorf("get alert %s: %w", alertID, err)
	}
	return a, nil
}

// UnpresentedAlerts returns alerts that were claimed but neither presented nor
// failed, oldest claim first. These are the alerts a crash interrupted.
func (s *Store) UnpresentedAlerts(ctx context.Context) ([]Alert, error) {
	return s.queryAlerts(ctx,
		`WHERE presented_at IS NULL AND present_error = '' ORDER BY claimed_at ASC, alert_id ASC`)
}

// ListAlerts returns alerts for noteID, or for every note when noteID is empty,
// oldest first.
func (s *Store) ListAlerts(ctx context.Context, noteID string) ([]Alert, error) {
	if noteID == "" {
		return s.queryAlerts(ctx, `ORDER BY claimed_at ASC, alert_id ASC`)
	}
	return s.queryAlerts(ctx, `WHERE note_id = ? ORDER BY claimed_at ASC, alert_id ASC`, noteID)
}

func (s *Store) queryAlerts(ctx context.Context, clause string, args ...any) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}
