package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/anchornotes/internal/geo"
)

// Record is one binding of a note to a geofence.
// Replacing a note's geofence retires the old record and inserts a new one,
// so RecordID identifies a specific spec, not a note.
type Record struct {
	RecordID string
	NoteID   string
	Spec     geo.Spec

	// Seq increases with every Put; higher means more recently edited.
	Seq       int64
	CreatedAt time.Time
	RetiredAt *time.Time

	RegisteredAt      *time.Time
	PlatformRegionID  string
	Pending           bool
	RegistrationError string

	LastTriggeredAt map[geo.Transition]time.Time
}

// Active reports whether the record has not been retired.
func (r Record) Active() bool {
	return r.RetiredAt == nil
}

// Registered reports whether the platform currently holds a region for the record.
func (r Record) Registered() bool {
	return r.RegisteredAt != nil && r.PlatformRegionID != ""
}

const recordColumns = `
	record_id, note_id, center_lat, center_lon, radius_meters, transition_mask,
	cooldown_seconds, address_name, seq, created_at, retired_at, registered_at,
	platform_region_id, pending, registration_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r          Record
		mask       int64
		cooldown   int64
		created    int64
		retired    sql.NullInt64
		registered sql.NullInt64
		regionID   sql.NullString
		pending    int64
	)
	err := row.Scan(
		&r.RecordID,
		&r.NoteID,
		&r.Spec.CenterLat,
		&r.Spec.CenterLon,
		&r.Spec.RadiusMeters,
		&mask,
		&cooldown,
		&r.Spec.AddressName,
		&r.Seq,
		&created,
		&retired,
		&registered,
		&regionID,
		&pending,
		&r.RegistrationError,
	)
	if err != nil {
		return Record{}, err
	}
	r.Spec.Mask = geo.TransitionMask(mask)
	r.Spec.CooldownSeconds = uint32(cooldown)
	r.CreatedAt = fromNanos(created)
	r.RetiredAt = nullableTime(retired)
	r.RegisteredAt = nullableTime(registered)
	r.PlatformRegionID = regionID.String
	r.Pending = pending != 0
	r.LastTriggeredAt = map[geo.Transition]time.Time{}
	return r, nil
}

// Put validates spec and makes it the note's active geofence.
// Any previously active record for the note is retired in the same transaction.
// Returns an error matching geo.ErrInvalidSpec when the spec is out of bounds;
// nothing is written in that case.
func (s *Store) Put(ctx context.Context, noteID string, spec geo.Spec) (Record, error) {
	if noteID == "" {
		return Record{}, fmt.Errorf("put: empty note id")
	}
	if err := geo.Validate(spec, s.limits); err != nil {
		return Record{}, fmt.Errorf("put %s: %w", noteID, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("put %s: generate record id: %w", noteID, err)
	}
	now := s.now().UTC()

	rec := Record{
		RecordID:        id.String(),
		NoteID:          noteID,
		Spec:            spec,
		CreatedAt:       fromNanos(toNanos(now)),
		LastTriggeredAt: map[geo.Transition]time.Time{},
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE geofence_records SET retired_at = ?
			WHERE note_id = ? AND retired_at IS NULL
		`, toNanos(now), noteID); err != nil {
			return fmt.Errorf("retire previous: %w", err)
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM geofence_records`,
		).Scan(&rec.Seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO geofence_records
			(record_id, note_id, center_lat, center_lon, radius_meters, transition_mask,
			 cooldown_seconds, address_name, seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.RecordID,
			rec.NoteID,
			spec.CenterLat,
			spec.CenterLon,
			spec.RadiusMeters,
			int64(spec.Mask),
			int64(spec.CooldownSeconds),
			spec.AddressName,
			rec.Seq,
			toNanos(now),
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return Record{}, writeErr("put "+noteID, err)
	}
	return rec, nil
}

// Remove retires the note's active record.
// Returns the retired record and true, or false when the note had no active
// geofence. Calling Remove twice is not an error.
func (s *Store) Remove(ctx context.Context, noteID string) (Record, bool, error) {
	var (
		rec     Record
		removed bool
	)
	now := s.now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM geofence_records WHERE note_id = ? AND retired_at IS NULL`,
			noteID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load active: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE geofence_records SET retired_at = ?, pending = 0 WHERE record_id = ?`,
			toNanos(now), r.RecordID,
		); err != nil {
			return fmt.Errorf("retire: %w", err)
		}

		retired := fromNanos(toNanos(now))
		r.RetiredAt = &retired
		r.Pending = false
		rec, removed = r, true
		return nil
	})
	if err != nil {
		return Record{}, false, writeErr("remove "+noteID, err)
	}
	return rec, removed, nil
}

// Get loads a record by id, active or retired.
func (s *Store) Get(ctx context.Context, recordID string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM geofence_records WHERE record_id = ?`,
		recordID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", recordID, err)
	}
	if err := s.loadTriggers(ctx, []*Record{&rec}); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ActiveForNote returns the note's active record, or ErrNotFound.
func (s *Store) ActiveForNote(ctx context.Context, noteID string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM geofence_records WHERE note_id = ? AND retired_at IS NULL`,
		noteID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("note %s: %w", noteID, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("active for note %s: %w", noteID, err)
	}
	if err := s.loadTriggers(ctx, []*Record{&rec}); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// FindByPlatformRegion resolves a platform region id back to its record.
// Retired records are included so late events can be attributed and discarded.
// When a region id was reused, the most recent record wins.
func (s *Store) FindByPlatformRegion(ctx context.Context, platformRegionID string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM geofence_records
		 WHERE platform_region_id = ?
		 ORDER BY seq DESC LIMIT 1`,
		platformRegionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("platform region %s: %w", platformRegionID, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("find platform region %s: %w", platformRegionID, err)
	}
	if err := s.loadTriggers(ctx, []*Record{&rec}); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// IsActive reports whether recordID exists and has not been retired.
func (s *Store) IsActive(ctx context.Context, recordID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM geofence_records WHERE record_id = ? AND retired_at IS NULL`,
		recordID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is active %s: %w", recordID, err)
	}
	return n > 0, nil
}

// ListActive returns every active record, most recently edited first.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ListActive(ctx context.Context) ([]Record, error) {
	return s.listRecords(ctx, `WHERE retired_at IS NULL ORDER BY seq DESC`)
}

// ListRegistered returns every record, active or retired, that still carries
// a platform region id.
func (s *Store) ListRegistered(ctx context.Context) ([]Record, error) {
	return s.listRecords(ctx, `WHERE platform_region_id IS NOT NULL ORDER BY seq DESC`)
}

func (s *Store) listRecords(ctx context.Context, clause string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM geofence_records `+clause)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	// The single connection must be released before trigger times are loaded.
	rows.Close()

	ptrs := make([]*Record, len(records))
	for i := range records {
		ptrs[i] = &records[i]
	}
	if err := s.loadTriggers(ctx, ptrs); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) loadTriggers(ctx context.Context, records []*Record) error {
	for _, rec := range records {
		rows, err := s.db.QueryContext(ctx,
			`SELECT transition, triggered_at FROM trigger_times WHERE record_id = ?`,
			rec.RecordID,
		)
		if err != nil {
			return fmt.Errorf("query trigger times: %w", err)
		}
		for rows.Next() {
			var (
				t  string
				at int64
			)
			if err := rows.Scan(&t, &at); err != nil {
				rows.Close()
				return fmt.Errorf("scan trigger time: %w", err)
			}
			rec.LastTriggeredAt[geo.Transition(t)] = fromNanos(at)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterate trigger times: %w", err)
		}
	}
	return nil
}

// MarkRegistered records that the platform accepted the region.
// Returns false without writing when the record was retired in the meantime;
// the caller must then deregister the region it just created.
func (s *Store) MarkRegistered(ctx context.Context, recordID, platformRegionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE geofence_records
		SET registered_at = ?, platform_region_id = ?, pending = 0, registration_error = ''
		WHERE record_id = ? AND retired_at IS NULL
	`, toNanos(at), platformRegionID, recordID)
	if err != nil {
		return false, writeErr("mark registered "+recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("mark registered "+recordID, err)
	}
	return n > 0, nil
}

// MarkUnregistered clears the registration of a record, active or retired.
func (s *Store) MarkUnregistered(ctx context.Context, recordID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE geofence_records
		SET registered_at = NULL, platform_region_id = NULL
		WHERE record_id = ?
	`, recordID)
	if err != nil {
		return writeErr("mark unregistered "+recordID, err)
	}
	return nil
}

// MarkPending flags an active record as waiting for platform capacity.
func (s *Store) MarkPending(ctx context.Context, recordID string, pending bool) error {
	v := 0
	if pending {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE geofence_records SET pending = ? WHERE record_id = ? AND retired_at IS NULL`,
		v, recordID,
	)
	if err != nil {
		return writeErr("mark pending "+recordID, err)
	}
	return nil
}

// MarkRegistrationError stores a platform rejection on the record.
// An empty message clears a previous error.
func (s *Store) MarkRegistrationError(ctx context.Context, recordID, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE geofence_records
		SET registration_error = ?, pending = 0
		WHERE record_id = ? AND retired_at IS NULL
	`, msg, recordID)
	if err != nil {
		return writeErr("mark registration error "+recordID, err)
	}
	return nil
}

// RecordTrigger upserts the last delivered time for (record, transition).
func (s *Store) RecordTrigger(ctx context.Context, recordID string, t geo.Transition, at time.Time) error {
	if !t.Valid() {
		return fmt.Errorf("record trigger %s: unknown transition %q", recordID, t)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_times (record_id, transition, triggered_at)
		VALUES (?, ?, ?)
		ON CONFLICT(record_id, transition) DO UPDATE SET triggered_at = excluded.triggered_at
	`, recordID, string(t), toNanos(at))
	if err != nil {
		return writeErr("record trigger "+recordID, err)
	}
	return nil
}

// LastTriggered returns the last delivered time for (record, transition).
// ok is false when the transition never fired.
func (s *Store) LastTriggered(ctx context.Context, recordID string, t geo.Transition) (at time.Time, ok bool, err error) {
	var n int64
	err = s.db.QueryRowContext(ctx,
		`SELECT triggered_at FROM trigger_times WHERE record_id = ? AND transition = ?`,
		recordID, string(t),
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last triggered %s: %w", recordID, err)
	}
	return fromNanos(n), true, nil
}
