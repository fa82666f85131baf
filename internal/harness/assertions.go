package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/anchornotes/internal/engine"
	"github.com/roach88/anchornotes/internal/monitor"
	"github.com/roach88/anchornotes/internal/notify"
	"github.com/roach88/anchornotes/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}

	return buf.String()
}

// AssertionContext provides the final state that state assertions query.
type AssertionContext struct {
	Ctx       context.Context
	Store     *store.Store
	Engine    *engine.Engine
	Sim       *monitor.Simulator
	Presenter *notify.RecordingPresenter
}

// EvaluateAssertions runs all assertions and returns their failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result.Trace, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertStatus:
		return assertStatus(trace, a, actx)
	case AssertAlertCount:
		return assertAlertCount(trace, a, actx)
	case AssertOutcomeCount:
		return assertOutcomeCount(trace, a, actx)
	case AssertRegionCount:
		return assertRegionCount(trace, a, actx)
	case AssertRelevant:
		return assertRelevant(trace, a, actx)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains checks that some trace line for the op contains the text.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Op == a.Op && strings.Contains(event.Detail, a.Contains) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s line containing %q", a.Op, a.Contains),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks how many trace lines carry the op.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Op == a.Op {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s lines", *a.Count, a.Op),
			Actual:   fmt.Sprintf("%d %s lines", count, a.Op),
			Trace:    trace,
		}
	}
	return nil
}

func assertStatus(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	status, err := actx.Engine.RegistrationStatus(actx.Ctx, a.Note)
	if err != nil {
		return fmt.Errorf("status of %s: %w", a.Note, err)
	}
	if string(status) != a.Status {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s is %s", a.Note, a.Status),
			Actual:   fmt.Sprintf("%s is %s", a.Note, status),
			Trace:    trace,
		}
	}
	return nil
}

// assertAlertCount counts distinct alerts the presenter actually showed.
func assertAlertCount(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	count := 0
	for _, shown := range actx.Presenter.Alerts() {
		if a.Note != "" {
			rec, err := actx.Store.GetAlert(actx.Ctx, shown.ID)
			if err != nil {
				return fmt.Errorf("alert %s: %w", shown.ID, err)
			}
			if rec.NoteID != a.Note {
				continue
			}
		}
		count++
	}

	if count != *a.Count {
		scope := "in total"
		if a.Note != "" {
			scope = "for " + a.Note
		}
		return &AssertionError{
			Type:     AssertAlertCount,
			Expected: fmt.Sprintf("%d alerts %s", *a.Count, scope),
			Actual:   fmt.Sprintf("%d alerts %s", count, scope),
			Trace:    trace,
		}
	}
	return nil
}

func assertOutcomeCount(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	rows, err := actx.Store.ListTransitions(actx.Ctx, 0)
	if err != nil {
		return fmt.Errorf("list transitions: %w", err)
	}
	count := 0
	for _, lt := range rows {
		if lt.Outcome == a.Outcome {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertOutcomeCount,
			Expected: fmt.Sprintf("%d events resolved %s", *a.Count, a.Outcome),
			Actual:   fmt.Sprintf("%d events resolved %s", count, a.Outcome),
			Trace:    trace,
		}
	}
	return nil
}

func assertRegionCount(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	count := len(actx.Sim.Regions())
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertRegionCount,
			Expected: fmt.Sprintf("%d platform regions", *a.Count),
			Actual:   fmt.Sprintf("%d platform regions", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertRelevant compares the relevant-note set, ignoring order.
func assertRelevant(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	relevant, err := actx.Store.RelevantNotes(actx.Ctx)
	if err != nil {
		return fmt.Errorf("relevant notes: %w", err)
	}
	actual := make([]string, 0, len(relevant))
	for _, r := range relevant {
		actual = append(actual, r.NoteID)
	}
	expected := append([]string(nil), a.Notes...)
	sort.Strings(actual)
	sort.Strings(expected)

	if strings.Join(actual, "\x00") != strings.Join(expected, "\x00") {
		return &AssertionError{
			Type:     AssertRelevant,
			Expected: noteList(expected),
			Actual:   noteList(actual),
			Trace:    trace,
		}
	}
	return nil
}
