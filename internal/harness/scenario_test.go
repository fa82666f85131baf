package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
start: "2026-05-01T12:00:00Z"
config:
  max_regions: 3
  initial_trigger: false
flow:
  - op: bind
    note: n1
    lat: 40.0
    lon: -73.0
    radius: 50
    mask: enter|exit
    cooldown: 60
  - op: reconcile
  - op: transition
    note: n1
    transition: exit
    at: 90s
assertions:
  - type: alert_count
    count: 1
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, 3, scenario.Config.MaxRegions)
	require.NotNil(t, scenario.Config.InitialTrigger)
	assert.False(t, *scenario.Config.InitialTrigger)
	require.Len(t, scenario.Flow, 3)
	assert.Equal(t, OpBind, scenario.Flow[0].Op)
	assert.Equal(t, uint32(60), scenario.Flow[0].Cooldown)
	assert.Equal(t, "90s", scenario.Flow[2].At)
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, 1, *scenario.Assertions[0].Count)

	start, err := scenario.StartTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), start)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_DefaultStart(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: s
description: d
flow:
  - op: reconcile
assertions:
  - type: region_count
    count: 0
`))
	require.NoError(t, err)

	start, err := scenario.StartTime()
	require.NoError(t, err)
	assert.Equal(t, defaultStart, start)
}

func TestParseScenario_Invalid(t *testing.T) {
	const header = "name: s\ndescription: d\n"
	const okFlow = "flow:\n  - op: reconcile\n"
	const okAssert = "assertions:\n  - type: region_count\n    count: 0\n"

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing name", "description: d\n" + okFlow + okAssert, "name is required"},
		{"missing description", "name: s\n" + okFlow + okAssert, "description is required"},
		{"empty flow", header + "flow: []\n" + okAssert, "flow list is required"},
		{"no assertions", header + okFlow, "assertions list is required"},
		{"unknown field", header + okFlow + okAssert + "assertion: []\n", "field assertion not found"},
		{"bad start", header + "start: tomorrow\n" + okFlow + okAssert, "start"},
		{"bad ttl", header + "config:\n  relevant_ttl: soon\n" + okFlow + okAssert, "config.relevant_ttl"},
		{"missing op", header + "flow:\n  - note: n1\n" + okAssert, "op is required"},
		{"unknown op", header + "flow:\n  - op: teleport\n" + okAssert, `unknown op "teleport"`},
		{"bind without note", header + "flow:\n  - op: bind\n    mask: enter\n" + okAssert, "note is required for bind"},
		{"bind without mask", header + "flow:\n  - op: bind\n    note: n1\n" + okAssert, "mask is required"},
		{"bind bad mask", header + "flow:\n  - op: bind\n    note: n1\n    mask: dwell\n" + okAssert, "flow[0].mask"},
		{"bad transition", header + "flow:\n  - op: transition\n    note: n1\n    transition: DWELL\n" + okAssert, "flow[0].transition"},
		{"bad at", header + "flow:\n  - op: move\n    at: later\n" + okAssert, "flow[0].at"},
		{"advance without duration", header + "flow:\n  - op: advance\n" + okAssert, "duration is required"},
		{"available without value", header + "flow:\n  - op: available\n" + okAssert, "available is required"},
		{"missing assertion type", header + okFlow + "assertions:\n  - count: 1\n", "type is required"},
		{"unknown assertion type", header + okFlow + "assertions:\n  - type: vibes\n", `unknown assertion type "vibes"`},
		{"count missing", header + okFlow + "assertions:\n  - type: alert_count\n", "count is required"},
		{"negative count", header + okFlow + "assertions:\n  - type: region_count\n    count: -1\n", "count is required"},
		{"contains missing", header + okFlow + "assertions:\n  - type: trace_contains\n    op: bind\n", "op and contains are required"},
		{"status missing", header + okFlow + "assertions:\n  - type: status\n    note: n1\n", "note and status are required"},
		{"outcome missing", header + okFlow + "assertions:\n  - type: outcome_count\n    count: 1\n", "outcome is required"},
		{"relevant missing notes", header + okFlow + "assertions:\n  - type: relevant\n", "notes is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_EmptyRelevantList(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: s
description: d
flow:
  - op: reconcile
assertions:
  - type: relevant
    notes: []
`))
	require.NoError(t, err)
	assert.NotNil(t, scenario.Assertions[0].Notes)
	assert.Empty(t, scenario.Assertions[0].Notes)
}

func TestLoadScenario_TestdataFiles(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			assert.NoError(t, err)
		})
	}
}
