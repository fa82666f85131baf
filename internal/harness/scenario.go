package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/anchornotes/internal/geo"
)

// Scenario is a scripted run of the engine against the simulated monitor.
// Steps execute in order; after each step queued events are resolved before
// the next one starts, so the trace is deterministic.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the wall clock at the first step (RFC 3339).
	// Defaults to 2026-03-01T09:00:00Z.
	Start string `yaml:"start,omitempty"`

	// Config overrides engine tunables for this run.
	Config ScenarioConfig `yaml:"config,omitempty"`

	// Flow is the list of steps to execute.
	Flow []Step `yaml:"flow"`

	// Assertions validate the trace and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ScenarioConfig overrides configuration defaults.
type ScenarioConfig struct {
	MaxRegions      int      `yaml:"max_regions,omitempty"`
	PassQuota       int      `yaml:"pass_quota,omitempty"`
	InitialTrigger  *bool    `yaml:"initial_trigger,omitempty"`
	RelevantTTL     string   `yaml:"relevant_ttl,omitempty"`
	MinRadiusMeters *float64 `yaml:"min_radius_meters,omitempty"`
	MaxRadiusMeters *float64 `yaml:"max_radius_meters,omitempty"`
}

// Step is one scripted action. Op selects which fields apply.
type Step struct {
	Op string `yaml:"op"`

	// note, bind, unbind, transition, fail
	Note string `yaml:"note,omitempty"`

	// note
	Title string `yaml:"title,omitempty"`

	// bind, move
	Lat      float64 `yaml:"lat,omitempty"`
	Lon      float64 `yaml:"lon,omitempty"`
	Radius   float64 `yaml:"radius,omitempty"`
	Mask     string  `yaml:"mask,omitempty"`
	Cooldown uint32  `yaml:"cooldown,omitempty"`
	Address  string  `yaml:"address,omitempty"`

	// transition
	Transition string `yaml:"transition,omitempty"`
	Attempt    int    `yaml:"attempt,omitempty"`

	// transition, move, restart: offset from Start. Defaults to the current clock.
	At string `yaml:"at,omitempty"`

	// advance
	Duration string `yaml:"duration,omitempty"`

	// restart
	Reason string `yaml:"reason,omitempty"`

	// fail: platform status code; 0 clears the fault
	Code int `yaml:"code,omitempty"`

	// available
	Available *bool `yaml:"available,omitempty"`

	// presenter: error text for failing presentations; empty restores success
	Error string `yaml:"error,omitempty"`
}

// Step operations.
const (
	OpNote       = "note"
	OpBind       = "bind"
	OpUnbind     = "unbind"
	OpReconcile  = "reconcile"
	OpTransition = "transition"
	OpMove       = "move"
	OpRestart    = "restart"
	OpRecover    = "recover"
	OpAdvance    = "advance"
	OpFail       = "fail"
	OpAvailable  = "available"
	OpPresenter  = "presenter"
)

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a trace line for Op contains Contains
	// - "trace_count": Op appears exactly Count times
	// - "status": Note has registration status Status
	// - "alert_count": Count presented alerts, for Note or overall
	// - "outcome_count": Count transition log rows resolved as Outcome
	// - "region_count": the monitor holds Count regions
	// - "relevant": the relevant-note set equals Notes
	Type string `yaml:"type"`

	Op       string   `yaml:"op,omitempty"`
	Contains string   `yaml:"contains,omitempty"`
	Note     string   `yaml:"note,omitempty"`
	Status   string   `yaml:"status,omitempty"`
	Outcome  string   `yaml:"outcome,omitempty"`
	Count    *int     `yaml:"count,omitempty"`
	Notes    []string `yaml:"notes,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertStatus        = "status"
	AssertAlertCount    = "alert_count"
	AssertOutcomeCount  = "outcome_count"
	AssertRegionCount   = "region_count"
	AssertRelevant      = "relevant"
)

// defaultStart is the scenario wall clock when Start is empty.
var defaultStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// StartTime returns the scenario's wall clock origin.
func (s *Scenario) StartTime() (time.Time, error) {
	if s.Start == "" {
		return defaultStart, nil
	}
	t, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("start: %w", err)
	}
	return t.UTC(), nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := s.StartTime(); err != nil {
		return err
	}
	if s.Config.RelevantTTL != "" {
		if _, err := time.ParseDuration(s.Config.RelevantTTL); err != nil {
			return fmt.Errorf("config.relevant_ttl: %w", err)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	needNote := func() error {
		if st.Note == "" {
			return fmt.Errorf("flow[%d]: note is required for %s", index, st.Op)
		}
		return nil
	}
	checkDuration := func(field, v string) error {
		if v == "" {
			return nil
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("flow[%d].%s: %w", index, field, err)
		}
		return nil
	}

	switch st.Op {
	case "":
		return fmt.Errorf("flow[%d]: op is required", index)
	case OpNote:
		return needNote()
	case OpBind:
		if err := needNote(); err != nil {
			return err
		}
		if st.Mask == "" {
			return fmt.Errorf("flow[%d]: mask is required for bind", index)
		}
		if _, err := geo.ParseMask(st.Mask); err != nil {
			return fmt.Errorf("flow[%d].mask: %w", index, err)
		}
	case OpUnbind, OpFail:
		return needNote()
	case OpTransition:
		if err := needNote(); err != nil {
			return err
		}
		if _, err := geo.ParseTransition(st.Transition); err != nil {
			return fmt.Errorf("flow[%d].transition: %w", index, err)
		}
		return checkDuration("at", st.At)
	case OpMove, OpRestart:
		return checkDuration("at", st.At)
	case OpAdvance:
		if st.Duration == "" {
			return fmt.Errorf("flow[%d]: duration is required for advance", index)
		}
		return checkDuration("duration", st.Duration)
	case OpAvailable:
		if st.Available == nil {
			return fmt.Errorf("flow[%d]: available is required", index)
		}
	case OpReconcile, OpRecover, OpPresenter:
	default:
		return fmt.Errorf("flow[%d]: unknown op %q", index, st.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	needCount := func() error {
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Op == "" || a.Contains == "" {
			return fmt.Errorf("assertions[%d]: op and contains are required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		return needCount()
	case AssertStatus:
		if a.Note == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: note and status are required for status", index)
		}
	case AssertAlertCount, AssertRegionCount:
		return needCount()
	case AssertOutcomeCount:
		if a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: outcome is required for outcome_count", index)
		}
		return needCount()
	case AssertRelevant:
		if a.Notes == nil {
			return fmt.Errorf("assertions[%d]: notes is required for relevant (use [] for none)", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
