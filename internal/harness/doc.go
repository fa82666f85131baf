// Package harness runs scripted scenarios against the reminder engine.
//
// A scenario is a YAML file: an ordered flow of steps (bind a note, run a
// reconciliation pass, move the device, deliver or redeliver a platform
// event, restart location services, advance the clock) followed by
// assertions over the trace and the final state.
//
// Every run gets a fresh in-memory store, a simulated monitor, a recording
// presenter and a manual clock. After each step the engine's queue is
// flushed, so the events and alerts a step causes are traced under it and
// a scenario always produces the same trace.
//
// # Trace format
//
// The rendered trace starts with "scenario: <name>" and has one line per
// event:
//
//	01 bind       n1 mask=ENTER radius=50m cooldown=600s
//	02 reconcile  registered=1 added=1 deregistered=0 pending=0 failed=0
//	03 transition n1 ENTER at=+0s attempt=1
//	03 event      n1 ENTER at=+0s -> delivered
//	03 alert      n1 ENTER at=+0s presented Relevant Note Nearby: You have a note for this location
//
// Times are offsets from the scenario start. Record ids are random and
// never appear, which keeps golden files stable.
//
// # Assertions
//
//   - trace_contains: a line for op contains text
//   - trace_count: number of lines for op
//   - status: registration status of a note
//   - alert_count: alerts actually shown, overall or for one note
//   - outcome_count: transition log rows with a given outcome
//   - region_count: regions the simulated platform holds
//   - relevant: the relevant-note set
package harness
