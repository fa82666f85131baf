package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	opts := testOptions(t)

	out, err := execute(t, NewConfigCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "db_path:           "+opts.Database)
	assert.Contains(t, out, "max_regions:       100")
	assert.Contains(t, out, "initial_trigger:   true")
	assert.Contains(t, out, "relevant_ttl:      1h0m0s")
}

func TestConfigFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anchornotes.cue")
	require.NoError(t, os.WriteFile(path, []byte("max_regions: 20\npass_quota: 3\n"), 0644))
	t.Setenv("ANCHORNOTES_PASS_QUOTA", "5")

	opts := testOptions(t)
	opts.ConfigPath = path
	opts.Format = "json"

	out, err := execute(t, NewConfigCommand(opts))
	require.NoError(t, err)

	var resp struct {
		Data ConfigView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 20, resp.Data.MaxRegions)
	assert.Equal(t, 5, resp.Data.PassQuota)
	assert.Equal(t, opts.Database, resp.Data.DBPath)
}

func TestConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ANCHORNOTES_MAX_REGIONS=7\n"), 0644))
	// Registered so the value godotenv sets is removed after the test.
	t.Setenv("ANCHORNOTES_MAX_REGIONS", "")
	require.NoError(t, os.Unsetenv("ANCHORNOTES_MAX_REGIONS"))

	opts := testOptions(t)
	opts.EnvFile = envFile

	out, err := execute(t, NewConfigCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "max_regions:       7")
}

func TestConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cue")
	require.NoError(t, os.WriteFile(path, []byte("max_regions: 0\n"), 0644))

	opts := testOptions(t)
	opts.ConfigPath = path

	out, err := execute(t, NewConfigCommand(opts))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load configuration")
	assert.Contains(t, out, ErrCodeConfig)

	_, err = execute(t, NewStatusCommand(opts), "--all")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
