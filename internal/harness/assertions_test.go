package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Step: 1, Op: OpBind, Detail: "n1 mask=ENTER radius=50m cooldown=600s"},
		{Step: 2, Op: OpTransition, Detail: "n1 ENTER at=+0s attempt=1"},
		{Step: 2, Op: "event", Detail: "n1 ENTER at=+0s -> delivered"},
		{Step: 3, Op: OpTransition, Detail: "n1 ENTER at=+5m0s attempt=1"},
		{Step: 3, Op: "event", Detail: "n1 ENTER at=+5m0s -> cooldown"},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Op: "event", Contains: "-> cooldown"}))

	err := assertTraceContains(trace, Assertion{Op: "event", Contains: "-> duplicate"})
	require.Error(t, err)
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Len(t, ae.Trace, len(trace))

	// The text must be on a line for the named op.
	assert.Error(t, assertTraceContains(trace, Assertion{Op: OpBind, Contains: "delivered"}))
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Op: "event", Count: count(2)}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: "alert", Count: count(0)}))

	err := assertTraceCount(trace, Assertion{Op: OpTransition, Count: count(3)})
	require.Error(t, err)
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "3 transition lines", ae.Expected)
	assert.Equal(t, "2 transition lines", ae.Actual)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertStatus,
		Expected: "n1 is active",
		Actual:   "n1 is pending",
		Trace:    sampleTrace()[:1],
	}

	assert.Equal(t, "Assertion failed: status\n"+
		"  Expected: n1 is active\n"+
		"  Actual: n1 is pending\n"+
		"\nFull trace:\n"+
		"  01 bind       n1 mask=ENTER radius=50m cooldown=600s\n", err.Error())
}

func TestAssertionError_NoTrace(t *testing.T) {
	err := &AssertionError{Type: AssertRegionCount, Expected: "1 platform regions", Actual: "0 platform regions"}
	assert.NotContains(t, err.Error(), "Full trace")
}

func TestEvaluateAssertions_StateChecks(t *testing.T) {
	scenario := &Scenario{
		Name:        "state_checks",
		Description: "every state assertion against one run",
		Flow: []Step{
			{Op: OpBind, Note: "n1", Lat: 40, Lon: -73, Radius: 50, Mask: "enter,exit"},
			{Op: OpBind, Note: "n2", Lat: 41, Lon: -73, Radius: 50, Mask: "enter"},
			{Op: OpReconcile},
			{Op: OpTransition, Note: "n1", Transition: "ENTER"},
			{Op: OpTransition, Note: "n2", Transition: "ENTER"},
			{Op: OpTransition, Note: "n1", Transition: "EXIT", At: "1m"},
		},
		Assertions: []Assertion{
			{Type: AssertRegionCount, Count: count(2)},
			{Type: AssertAlertCount, Count: count(3)},
			{Type: AssertAlertCount, Note: "n1", Count: count(2)},
			{Type: AssertAlertCount, Note: "n2", Count: count(1)},
			{Type: AssertOutcomeCount, Outcome: "delivered", Count: count(3)},
			{Type: AssertRelevant, Notes: []string{"n2"}},
			{Type: AssertStatus, Note: "n2", Status: "active"},
			{Type: AssertStatus, Note: "n3", Status: "none"},
			{Type: AssertTraceCount, Op: "alert", Count: count(3)},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestEvaluateAssertions_StateMismatches(t *testing.T) {
	scenario := &Scenario{
		Name:        "state_mismatches",
		Description: "each state assertion reports its mismatch",
		Flow: []Step{
			{Op: OpBind, Note: "n1", Lat: 40, Lon: -73, Radius: 50, Mask: "enter"},
			{Op: OpReconcile},
			{Op: OpTransition, Note: "n1", Transition: "ENTER"},
		},
		Assertions: []Assertion{
			{Type: AssertRegionCount, Count: count(0)},
			{Type: AssertOutcomeCount, Outcome: "cooldown", Count: count(1)},
			{Type: AssertRelevant, Notes: []string{}},
			{Type: AssertStatus, Note: "n1", Status: "error"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "Actual: 1 platform regions")
	assert.Contains(t, result.Errors[1], "Actual: 0 events resolved cooldown")
	assert.Contains(t, result.Errors[2], "Expected: []")
	assert.Contains(t, result.Errors[2], "Actual: [n1]")
	assert.Contains(t, result.Errors[3], "Actual: n1 is active")
}
