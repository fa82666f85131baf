package harness

import (
	"fmt"
	"strings"
)

// TraceEvent is one line of a scenario trace.
type TraceEvent struct {
	Step   int    `json:"step"`
	Op     string `json:"op"`
	Detail string `json:"detail"`
}

// String renders the event the way it appears in golden files.
func (e TraceEvent) String() string {
	return fmt.Sprintf("%02d %-10s %s", e.Step, e.Op, e.Detail)
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions hold.
	Pass bool `json:"pass"`

	// Trace contains every step and every event it caused, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a trace line.
func (r *Result) AddTrace(step int, op, format string, args ...any) {
	r.Trace = append(r.Trace, TraceEvent{
		Step:   step,
		Op:     op,
		Detail: fmt.Sprintf(format, args...),
	})
}

// Render returns the trace as text, one event per line.
func (r *Result) Render(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
