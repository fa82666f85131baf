package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessScenarios = "../harness/testdata/scenarios"

// copyScenario copies one harness scenario into dir/scenarios.
func copyScenario(t *testing.T, dir, name string) string {
	t.Helper()
	scenariosDir := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenariosDir, 0755))
	data, err := os.ReadFile(filepath.Join(harnessScenarios, name+".yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(scenariosDir, name+".yaml"), data, 0644))
	return scenariosDir
}

func TestSimulateAllScenariosPass(t *testing.T) {
	out, err := execute(t, NewSimulateCommand(testOptions(t)), harnessScenarios)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ cooldown_suppression")
	assert.Contains(t, out, "✓ restart_recovery")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestSimulateFilter(t *testing.T) {
	opts := testOptions(t)
	opts.Format = "json"

	out, err := execute(t, NewSimulateCommand(opts), harnessScenarios, "--filter", "restart_*")
	require.NoError(t, err, out)

	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, "restart_recovery", resp.Data.Scenarios[0].Name)
}

func TestSimulateNoMatches(t *testing.T) {
	out, err := execute(t, NewSimulateCommand(testOptions(t)), harnessScenarios, "--filter", "nothing_*")
	require.NoError(t, err)
	assert.Equal(t, "No scenarios found.\n", out)
}

func TestSimulateMissingDirectory(t *testing.T) {
	_, err := execute(t, NewSimulateCommand(testOptions(t)), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSimulateUpdateWritesGolden(t *testing.T) {
	dir := t.TempDir()
	scenariosDir := copyScenario(t, dir, "cooldown_suppression")

	out, err := execute(t, NewSimulateCommand(testOptions(t)), scenariosDir, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ cooldown_suppression (golden updated)")

	written, err := os.ReadFile(filepath.Join(dir, "golden", "cooldown_suppression.golden"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(written), "scenario: cooldown_suppression\n"))

	expected, err := os.ReadFile(filepath.Join(harnessScenarios, "..", "golden", "cooldown_suppression.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(expected), string(written))

	out, err = execute(t, NewSimulateCommand(testOptions(t)), scenariosDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ cooldown_suppression\n")
}

func TestSimulateGoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	scenariosDir := copyScenario(t, dir, "cooldown_suppression")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "golden", "cooldown_suppression.golden"),
		[]byte("scenario: cooldown_suppression\n"), 0644))

	out, err := execute(t, NewSimulateCommand(testOptions(t)), scenariosDir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ cooldown_suppression")
	assert.Contains(t, out, "does not match golden file")
	assert.Contains(t, out, "Simulation Summary: 0 passed, 1 failed, 1 total")
}

func TestSimulateLoadError(t *testing.T) {
	dir := t.TempDir()
	scenariosDir := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenariosDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(scenariosDir, "broken.yaml"), []byte("name: broken\n"), 0644))

	out, err := execute(t, NewSimulateCommand(testOptions(t)), scenariosDir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestSimulateFailingAssertion(t *testing.T) {
	dir := t.TempDir()
	scenariosDir := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenariosDir, 0755))
	scenario := `name: wrong_status
description: A bound note is pending until a pass runs.
flow:
  - op: bind
    note: n1
    lat: 40
    lon: -73
    radius: 100
    mask: enter
assertions:
  - type: status
    note: n1
    status: active
`
	require.NoError(t, os.WriteFile(filepath.Join(scenariosDir, "wrong_status.yaml"), []byte(scenario), 0644))

	opts := testOptions(t)
	opts.Format = "json"
	out, err := execute(t, NewSimulateCommand(opts), scenariosDir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
		Error  *CLIError      `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenarioFailed, resp.Error.Code)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.False(t, resp.Data.Scenarios[0].Pass)
	assert.NotEmpty(t, resp.Data.Scenarios[0].Errors)
}
