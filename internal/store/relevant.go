package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordMonitorRestart logs a restart of the platform location service.
// Registrations older than the latest restart are no longer trusted.
func (s *Store) RecordMonitorRestart(ctx context.Context, at time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_restarts (restarted_at, reason) VALUES (?, ?)`,
		toNanos(at), reason,
	)
	if err != nil {
		return writeErr("record monitor restart", err)
	}
	return nil
}

// LastMonitorRestart returns the most recent restart time, if any.
func (s *Store) LastMonitorRestart(ctx context.Context) (time.Time, bool, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(restarted_at) FROM monitor_restarts`,
	).Scan(&n); err != nil {
		return time.Time{}, false, fmt.Errorf("last monitor restart: %w", err)
	}
	if !n.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(n.Int64), true, nil
}

// RelevantNote is a note whose region the device is currently inside.
type RelevantNote struct {
	NoteID    string
	RecordID  string
	EnteredAt time.Time
}

// MarkInside adds the note to the relevant set, refreshing the entry time.
func (s *Store) MarkInside(ctx context.Context, noteID, recordID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relevant_notes (note_id, record_id, entered_at)
		VALUES (?, ?, ?)
		ON CONFLICT(note_id) DO UPDATE SET record_id = excluded.record_id, entered_at = excluded.entered_at
	`, noteID, recordID, toNanos(at))
	if err != nil {
		return writeErr("mark inside "+noteID, err)
	}
	return nil
}

// MarkOutside removes the note from the relevant set.
func (s *Store) MarkOutside(ctx context.Context, noteID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM relevant_notes WHERE note_id = ?`, noteID); err != nil {
		return writeErr("mark outside "+noteID, err)
	}
	return nil
}

// RelevantNotes lists the relevant set, most recently entered first.
func (s *Store) RelevantNotes(ctx context.Context) ([]RelevantNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT note_id, record_id, entered_at FROM relevant_notes ORDER BY entered_at DESC, note_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query relevant notes: %w", err)
	}
	defer rows.Close()

	out := []RelevantNote{}
	for rows.Next() {
		var (
			rn RelevantNote
			at int64
		)
		if err := rows.Scan(&rn.NoteID, &rn.RecordID, &at); err != nil {
			return nil, fmt.Errorf("scan relevant note: %w", err)
		}
		rn.EnteredAt = fromNanos(at)
		out = append(out, rn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relevant notes: %w", err)
	}
	return out, nil
}

// ExpireRelevant drops entries entered before cutoff and returns how many went.
func (s *Store) ExpireRelevant(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relevant_notes WHERE entered_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, writeErr("expire relevant", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, writeErr("expire relevant", err)
	}
	return n, nil
}

// PutNote upserts a note title in the local note directory.
func (s *Store) PutNote(ctx context.Context, noteID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (note_id, title, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(note_id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at
	`, noteID, title, toNanos(s.now()))
	if err != nil {
		return writeErr("put note "+noteID, err)
	}
	return nil
}

// NoteTitle returns the title stored for noteID, or ErrNotFound.
func (s *Store) NoteTitle(ctx context.Context, noteID string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM notes WHERE note_id = ?`, noteID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("note %s: %w", noteID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("note title %s: %w", noteID, err)
	}
	return title, nil
}
