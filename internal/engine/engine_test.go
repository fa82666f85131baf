package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/anchornotes/internal/geo"
	"github.com/roach88/anchornotes/internal/monitor"
	"github.com/roach88/anchornotes/internal/notify"
	"github.com/roach88/anchornotes/internal/store"
	"github.com/roach88/anchornotes/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testEnv bundles an engine with its collaborators.
type testEnv struct {
	e     *Engine
	st    *store.Store
	sim   *monitor.Simulator
	p     *notify.RecordingPresenter
	clock *testutil.ManualClock
	path  string
}

func setupTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// rawDB opens a second connection to the engine's database, for injecting
// faults the store API cannot produce.
func (env *testEnv) rawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", env.path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestEnv builds an engine with a 100-region simulator, no pacing and no
// initial trigger. mutate adjusts the registrar config before wiring.
func newTestEnv(t *testing.T, mutate ...func(*RegistrarConfig)) *testEnv {
	t.Helper()
	cfg := RegistrarConfig{
		MaxRegions:    100,
		Debounce:      10 * time.Millisecond,
		RetryInterval: time.Hour,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	path := filepath.Join(t.TempDir(), "test.db")
	st := setupTestStore(t, path)
	sim := monitor.NewSimulator(cfg.MaxRegions)
	p := notify.NewRecordingPresenter()
	clock := testutil.NewManualClock(t0)

	e := New(st, sim, p,
		WithNow(clock.Now),
		WithRegistrarConfig(cfg),
	)
	sim.OnTransition(e.HandleMonitorEvent)
	return &testEnv{e: e, st: st, sim: sim, p: p, clock: clock, path: path}
}

// cooldownSpec is the reference example: 50m around (40, -73), ENTER, 600s.
func cooldownSpec() geo.Spec {
	return geo.Spec{
		CenterLat:       40.0,
		CenterLon:       -73.0,
		RadiusMeters:    50,
		Mask:            geo.MaskEnter,
		CooldownSeconds: 600,
	}
}

// bindActive binds noteID and reconciles, returning the platform region id.
func (env *testEnv) bindActive(t *testing.T, noteID string, spec geo.Spec) string {
	t.Helper()
	ctx := context.Background()

	_, err := env.e.BindGeofence(ctx, noteID, spec)
	require.NoError(t, err)
	_, err = env.e.Reconcile(ctx)
	require.NoError(t, err)

	rec, err := env.st.ActiveForNote(ctx, noteID)
	require.NoError(t, err)
	require.True(t, rec.Registered(), "note %s not registered", noteID)
	return rec.PlatformRegionID
}

// deliver hands one event to the engine and waits for it to resolve.
func (env *testEnv) deliver(t *testing.T, regionID string, tr geo.Transition, at time.Time, attempt int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.e.HandleTransition(ctx, regionID, tr, at, attempt))
	env.e.Flush(ctx)
}

func (env *testEnv) outcomes(t *testing.T) []string {
	t.Helper()
	rows, err := env.st.ListTransitions(context.Background(), 0)
	require.NoError(t, err)
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Outcome
	}
	return out
}

func TestEngine_BindThenReconcileIsActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.e.BindGeofence(ctx, "n1", cooldownSpec())
	require.NoError(t, err)

	status, err := env.e.RegistrationStatus(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	res, err := env.e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Registered)
	assert.Equal(t, 1, res.NewlyAdded)

	status, err = env.e.RegistrationStatus(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)

	regions := env.sim.Regions()
	require.Len(t, regions, 1)
	assert.Equal(t, "note_n1", regions[0].RequestID)

	ws := env.e.WorkingSet()
	require.Len(t, ws, 1)
	assert.Equal(t, rec.RecordID, ws[0].RecordID)
	assert.Equal(t, t0, ws[0].RegisteredAt)
}

func TestEngine_BindRejectsInvalidSpec(t *testing.T) {
	env := newTestEnv(t)

	spec := cooldownSpec()
	spec.CenterLat = 91

	_, err := env.e.BindGeofence(context.Background(), "n1", spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSpec))

	status, err := env.e.RegistrationStatus(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusNone, status)
}

func TestEngine_UnbindIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bindActive(t, "n1", cooldownSpec())

	removed, err := env.e.UnbindGeofence(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = env.e.UnbindGeofence(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = env.e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, env.sim.Regions())

	status, err := env.e.RegistrationStatus(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusNone, status)
	assert.Equal(t, 0, env.e.locks.size())
}

func TestEngine_Statuses(t *testing.T) {
	env := newTestEnv(t, func(c *RegistrarConfig) { c.MaxRegions = 1 })
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		_, err := env.e.BindGeofence(ctx, id, cooldownSpec())
		require.NoError(t, err)
	}
	_, err := env.e.Reconcile(ctx)
	require.NoError(t, err)

	all, err := env.e.Statuses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].NoteID)
	assert.Equal(t, StatusActive, all[0].Status, "most recently edited wins")
	assert.Equal(t, "b", all[1].NoteID)
	assert.Equal(t, StatusPending, all[1].Status)
}

func TestEngine_UnknownRegionResolvesInactive(t *testing.T) {
	env := newTestEnv(t)

	env.deliver(t, "region-999", geo.TransitionEnter, t0, 1)

	assert.Equal(t, []string{store.OutcomeInactive}, env.outcomes(t))
	assert.Empty(t, env.p.Alerts())
}

func TestEngine_HandleTransitionRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t)

	err := env.e.HandleTransition(context.Background(), "region-1", geo.Transition("DWELL"), t0, 1)
	assert.Error(t, err)
}

func TestEngine_StoppedQueueKeepsEventForRecovery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	regionID := env.bindActive(t, "n1", cooldownSpec())

	env.e.Stop()
	err := env.e.HandleTransition(ctx, regionID, geo.TransitionEnter, t0, 1)
	assert.ErrorIs(t, err, ErrStopped)

	unresolved, err := env.st.UnresolvedTransitions(ctx)
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)

	_, err = env.e.Recover(ctx)
	require.NoError(t, err)
	assert.Len(t, env.p.Alerts(), 1)
}

func TestEngine_RunEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.e.Run(ctx) }()

	_, err := env.e.BindGeofence(ctx, "n1", cooldownSpec())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := env.e.RegistrationStatus(ctx, "n1")
		return err == nil && s == StatusActive
	}, 2*time.Second, 5*time.Millisecond)

	env.sim.Move(ctx, orb.Point{-73.0, 40.0}, t0)

	require.Eventually(t, func() bool {
		return len(env.p.Alerts()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_StopEndsRun(t *testing.T) {
	env := newTestEnv(t)

	done := make(chan error, 1)
	go func() { done <- env.e.Run(context.Background()) }()

	env.e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
