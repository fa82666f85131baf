// Package store provides the SQLite-backed GeofenceRecord Store.
//
// The store is the source of truth for which notes are bound to which regions.
// It holds:
//   - Geofence records: one active row per note, retired rows kept for history
//   - Trigger times: last delivered time per (record, transition)
//   - Alerts: the idempotent alert ledger keyed by content-addressed alert id
//   - Transition log: every raw monitor event, with its resolution outcome
//   - Monitor restarts, the relevant-notes set and a small note directory
//
// # Critical Patterns
//
// Supersede, never overwrite: Put retires the prior active record and inserts
// a new one in a single transaction. A partial unique index on note_id
// WHERE retired_at IS NULL enforces at most one active record per note.
//
// Idempotent claims: ClaimAlert uses ON CONFLICT(alert_id) DO NOTHING and
// reports whether this caller won the claim.
//
// Conditional registration: MarkRegistered only applies while the record is
// active, so a concurrent Remove always wins.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: A returned write survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Every failed mutation is wrapped with ErrStoreWrite. Timestamps are stored
// as UTC unix nanoseconds.
package store
