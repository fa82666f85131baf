package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/anchornotes/internal/store"
)

func TestBindMissingRequiredFlags(t *testing.T) {
	cmd := NewBindCommand(testOptions(t))
	_, err := execute(t, cmd, "n1", "--lat", "40")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "radius")
}

func TestBindThenStatus(t *testing.T) {
	opts := testOptions(t)

	out, err := execute(t, NewBindCommand(opts), "n1",
		"--lat", "40", "--lon", "-73", "--radius", "100",
		"--mask", "enter,exit", "--cooldown", "600", "--title", "Buy milk")
	require.NoError(t, err)
	assert.Equal(t, "n1: bound ENTER|EXIT within 100m of 40.000000,-73.000000 (pending)\n", out)

	out, err = execute(t, NewStatusCommand(opts), "n1")
	require.NoError(t, err)
	assert.Contains(t, out, "n1")
	assert.Contains(t, out, "pending")

	out, err = execute(t, NewStatusCommand(opts), "unknown")
	require.NoError(t, err)
	assert.Contains(t, out, "none")
}

func TestBindJSON(t *testing.T) {
	opts := testOptions(t)
	opts.Format = "json"

	out, err := execute(t, NewBindCommand(opts), "n1", "--lat", "40", "--lon", "-73", "--radius", "100")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   BindResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "n1", resp.Data.NoteID)
	assert.Equal(t, "pending", string(resp.Data.Status))
	assert.Equal(t, "ENTER", resp.Data.Mask)
	assert.NotEmpty(t, resp.Data.RecordID)
}

func TestBindRejectsInvalidGeofence(t *testing.T) {
	opts := testOptions(t)

	// Below the default 10m minimum radius.
	out, err := execute(t, NewBindCommand(opts), "n1", "--lat", "40", "--lon", "-73", "--radius", "5")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "geofence rejected")
	assert.Contains(t, out, ErrCodeInvalidSpec)

	out, err = execute(t, NewStatusCommand(opts), "n1")
	require.NoError(t, err)
	assert.Contains(t, out, "none")
}

func TestStatusFailsForRefusedGeofence(t *testing.T) {
	opts := testOptions(t)

	_, err := execute(t, NewBindCommand(opts), "n1", "--lat", "40", "--lon", "-73", "--radius", "100")
	require.NoError(t, err)

	st, err := store.Open(opts.Database)
	require.NoError(t, err)
	rec, err := st.ActiveForNote(context.Background(), "n1")
	require.NoError(t, err)
	require.NoError(t, st.MarkRegistrationError(context.Background(), rec.RecordID, "Geofence error (code 13): internal"))
	require.NoError(t, st.Close())

	out, err := execute(t, NewStatusCommand(opts), "n1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "geofence registration failed")
	assert.Contains(t, out, "error")
	assert.Contains(t, out, "code 13")

	// Listing every note reports the state without failing.
	_, err = execute(t, NewStatusCommand(opts), "--all")
	require.NoError(t, err)
}

func TestBindRejectsUnknownMask(t *testing.T) {
	_, err := execute(t, NewBindCommand(testOptions(t)), "n1",
		"--lat", "40", "--lon", "-73", "--radius", "100", "--mask", "dwell")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid --mask")
}

func TestUnbind(t *testing.T) {
	opts := testOptions(t)

	_, err := execute(t, NewBindCommand(opts), "n1", "--lat", "40", "--lon", "-73", "--radius", "100")
	require.NoError(t, err)

	out, err := execute(t, NewUnbindCommand(opts), "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1: geofence removed\n", out)

	out, err = execute(t, NewUnbindCommand(opts), "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1: no geofence\n", out)
}

func TestStatusArguments(t *testing.T) {
	opts := testOptions(t)

	_, err := execute(t, NewStatusCommand(opts))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, NewStatusCommand(opts), "--all", "n1")
	require.Error(t, err)

	out, err := execute(t, NewStatusCommand(opts), "--all")
	require.NoError(t, err)
	assert.Equal(t, "No geofences bound.\n", out)
}

func TestStatusAll(t *testing.T) {
	opts := testOptions(t)
	for _, id := range []string{"a", "b"} {
		_, err := execute(t, NewBindCommand(opts), id, "--lat", "40", "--lon", "-73", "--radius", "100")
		require.NoError(t, err)
	}

	opts.Format = "json"
	out, err := execute(t, NewStatusCommand(opts), "--all")
	require.NoError(t, err)

	var resp struct {
		Data []struct {
			NoteID string `json:"note_id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	ids := []string{resp.Data[0].NoteID, resp.Data[1].NoteID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
