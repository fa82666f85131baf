// Package geo defines the geofence vocabulary shared by the store, the
// reminder engine and the location monitor.
//
// A Spec is a circular region (center + radius) plus the transitions it
// reports and a per-transition cooldown. Specs are validated against
// platform Limits before they are persisted; out-of-range values are
// rejected, never clamped.
//
// # Identity
//
// Alerts are content-addressed: AlertID hashes (record, transition,
// triggeredAt) with domain separation so that re-dispatching the same
// transition after a crash produces the same alert key.
//
// Region request ids use the "note_{noteID}" format understood by the
// platform monitor.
package geo
