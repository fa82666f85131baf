package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingPresenter_CollapsesRepeatedID(t *testing.T) {
	p := NewRecordingPresenter()
	ctx := context.Background()

	require.NoError(t, p.Present(ctx, "a1", "T", "B"))
	require.NoError(t, p.Present(ctx, "a1", "T", "B"))
	require.NoError(t, p.Present(ctx, "a2", "T2", "B2"))

	assert.Equal(t, []Alert{{"a1", "T", "B"}, {"a2", "T2", "B2"}}, p.Alerts())
	assert.Equal(t, 2, p.Calls("a1"))
	assert.Equal(t, 0, p.Calls("missing"))
}

func TestRecordingPresenter_FailWith(t *testing.T) {
	p := NewRecordingPresenter()
	boom := errors.New("notifications disabled")
	p.FailWith(boom)

	assert.ErrorIs(t, p.Present(context.Background(), "a1", "T", "B"), boom)
	assert.Empty(t, p.Alerts())

	p.FailWith(nil)
	assert.NoError(t, p.Present(context.Background(), "a1", "T", "B"))
}

func TestWriterPresenter(t *testing.T) {
	var buf bytes.Buffer
	p := NewWriterPresenter(&buf)

	require.NoError(t, p.Present(context.Background(), "0123456789abcdef", "Relevant Note Nearby", "You have a note for this location"))
	assert.Equal(t, "[0123456789ab] Relevant Note Nearby: You have a note for this location\n", buf.String())
}

func TestLogPresenter(t *testing.T) {
	var buf bytes.Buffer
	p := LogPresenter{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, p.Present(context.Background(), "a1", "T", "B"))
	assert.True(t, strings.Contains(buf.String(), "alert_id=a1"))
}

func TestFanout_ReturnsFirstError(t *testing.T) {
	ok := NewRecordingPresenter()
	bad := NewRecordingPresenter()
	bad.FailWith(errors.New("boom"))

	err := Fanout{bad, ok}.Present(context.Background(), "a1", "T", "B")
	assert.EqualError(t, err, "boom")
	assert.Len(t, ok.Alerts(), 1, "later backends still run")
}
