// Package engine implements the location-triggered reminder engine.
//
// The engine turns asynchronous, possibly repeated platform geofence events
// into at most one alert per trigger, and keeps the platform's bounded region
// set in line with the notes that carry geofences.
//
// ARCHITECTURE:
//
// Registrar:
// Reconciles active store records with the monitor's live set. Store
// mutations are coalesced within a debounce window; pending records are
// retried on a timer. When more records want regions than the platform
// allows, the most recently edited win.
//
// Resolver:
// One FIFO lane per record. Each event is checked for mask, staleness and
// cooldown before the trigger is recorded and handed to the dispatcher.
//
// Dispatcher:
// Re-checks that the record is still active, claims the content-addressed
// alert id in the alert ledger, then presents. Presentation is best effort.
//
// Recovery:
// Runs at startup and after a monitor restart. Clears registrations the
// platform lost, reconciles, replays unresolved transition log rows and
// re-presents alerts a crash interrupted.
//
// Event Processing Flow:
// 1. HandleTransition writes the raw event to the transition log
// 2. The event is queued and stamped with a logical seq
// 3. Run() moves queued events onto per-record lanes
// 4. The resolver runs under the note lock and records the outcome
//
// CRITICAL PATTERNS:
//
// Log before queue: an acknowledged event is durable before it is resolved.
//
// Claim before present: the alert ledger's ON CONFLICT DO NOTHING claim is
// the only path to a presentation, so replays and redeliveries collapse.
//
// Recheck before fire: the dispatcher re-reads the record under the note
// lock, so a committed unbind always wins.
package engine
