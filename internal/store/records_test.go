package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/anchornotes/internal/geo"
)

func TestPut_CreatesActiveRecord(t *testing.T) {
	clock := newSteppingClock()
	s := createTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	rec, err := s.Put(ctx, "n1", testSpec())
	require.NoError(t, err)

	assert.NotEmpty(t, rec.RecordID)
	assert.Equal(t, "n1", rec.NoteID)
	assert.Equal(t, int64(1), rec.Seq)
	assert.True(t, rec.Active())
	assert.False(t, rec.Registered())
	assert.Equal(t, epoch.Add(time.Second), rec.CreatedAt)

	got, err := s.Get(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.Equal(t, rec.Spec, got.Spec)
	assert.Equal(t, rec.CreatedAt, got.CreatedAt)
	assert.Empty(t, got.LastTriggeredAt)
}

func TestPut_SupersedesPriorRecord(t *testing.T) {
	s := createTestStore(t, WithClock(newSteppingClock().Now))
	ctx := context.Background()

	first, err := s.Put(ctx, "n1", testSpec())
	require.NoError(t, err)

	spec := testSpec()
	spec.RadiusMeters = 200
	second, err := s.Put(ctx, "n1", spec)
	require.NoError(t, err)

	assert.NotEqual(t, first.RecordID, second.RecordID)
	assert.Greater(t, second.Seq, first.Seq)

	old, err := s.Get(ctx, first.RecordID)
	require.NoError(t, err)
	assert.False(t, old.Active(), "prior record should be retired")

	active, err := s.ActiveForNote(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, second.RecordID, active.RecordID)
	assert.Equal(t, 200.0, active.Spec.RadiusMeters)

	list, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPut_RejectsInvalidSpec(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	spec := testSpec()
	spec.RadiusMeters = 5

	_, err := s.Put(ctx, "n1", spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, geo.ErrInvalidSpec))
	assert.False(t, errors.Is(err, ErrStoreWrite))

	_, err = s.ActiveForNote(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPut_UsesConfiguredLimits(t *testing.T) {
	s := createTestStore(t, WithLimits(geo.Limits{MinRadiusMeters: 100, MaxRadiusMeters: 500}))

	_, err := s.Put(context.Background(), "n1", testSpec())
	assert.ErrorIs(t, err, geo.ErrInvalidSpec)
	assert.Equal(t, 100.0, s.Limits().MinRadiusMeters)
}

func TestRemove_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, "n1", testSpec())
	require.NoError(t, err)

	removed, ok, err := s.Remove(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.RecordID, removed.RecordID)
	assert.False(t, removed.Active())

	_, ok, err = s.Remove(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	active, err := s.IsActive(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRemove_UnknownNote(t *testing.T) {
	s := createTestStore(t)

	_, ok, err := s.Remove(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListActive_MostRecentlyEditedFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, id, testSpec())
		require.NoError(t, err)
	}
	// Re-editing "a" moves it to the front.
	_, err := s.Put(ctx, "a", testSpec())
	require.NoError(t, err)

	list, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)

	var notes []string
	for _, r := range list {
		notes = append(notes, r.NoteID)
	}
	assert.Equal(t, []string{"a", "c", "b"}, notes)
}

func TestListActive_EmptyIsNotNil(t *testing.T) {
	s := createTestStore(t)

	list, err := s.ListActive(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestListActive_LoadsTriggerTimes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, "n1", testSpec())
	require.NoError(t, err)
	require.NoError(t, s.RecordTrigger(ctx, rec.RecordID, geo.TransitionEnter, epoch))

	list, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, epoch, list[0].LastTriggeredAt[geo.TransitionEnter])
}

func TestMarkRegistered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, "n1", testSpec())
	require.NoError(t, err)
	require.NoError(t, s.MarkPending(ctx, rec.RecordID, true))
	require.NoError(t, s.MarkRegistrationError(ctx, rec.RecordID, "boom"))

	ok, err := s.MarkRegistered(ctx, rec.RecordID, "region-1", epoch)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.True(t, got.Registered())
	assert.Equal(t, "region-1", got.PlatformRegionID)
	assert.Equal(t, epoch, *got.RegisteredAt)
	assert.False(t, got.Pending)
	assert.Empty(t, got.RegistrationError)

	byRegion, err := s.FindByPlatformRegion(ctx, "region-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RecordID, byRegion.RecordID)
}

func TestMarkRegistered_NoOpAfterRetire(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, "n1", testSpec())
	require.NoError(t, err)
	_, _, err = s.Remove(ctx, "n1")
	require.NoError(t, err)

	ok, err := s.MarkRegistered(ctx, rec.RecordID, "region-1", epoch)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.False(t, got.Registered())
}

func TestMarkUnregistered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, "n1", testSpec())
	require.NoError(t, err)
	_, err = s.MarkRegistered(ctx, rec.RecordID, "region-1", epoch)
	require.NoError(t, err)

	require.NoError(t, s.MarkUnregistered(ctx, rec.RecordID))

	got, err := s.Get(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.False(t, got.Registered())
	assert.Nil(t, got.RegisteredAt)

	_, err = s.FindByPlatformRegion(ctx, "region-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRegistered_IncludesRetired(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, "n1", testSpec())
	require.NoError(t, err)
	_, err = s.MarkRegistered(ctx, rec.RecordID, "region-1", epoch)
	require.NoError(t, err)
	_, _, err = s.Remove(ctx, "n1")
	require.NoError(t, err)

	regs, err := s.ListRegistered(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "region-1", regs[0].PlatformRegionID)
	assert.False(t, regs[0].Active())
}

func TestRecordTrigger_Upserts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, "n1", testSpec())
	require.NoError(t, err)

	_, ok, err := s.LastTriggered(ctx, rec.RecordID, geo.TransitionEnter)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordTrigger(ctx, rec.RecordID, geo.TransitionEnter, epoch))
	later := epoch.Add(700 * time.Second)
	require.NoError(t, s.RecordTrigger(ctx, rec.RecordID, geo.TransitionEnter, later))

	at, ok, err := s.LastTriggered(ctx, rec.RecordID, geo.TransitionEnter)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, later, at)

	_, ok, err = s.LastTriggered(ctx, rec.RecordID, geo.TransitionExit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordTrigger_RejectsUnknownTransition(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, "n1", testSpec())
	require.NoError(t, err)

	assert.Error(t, s.RecordTrigger(ctx, rec.RecordID, geo.Transition("DWELL"), epoch))
}

func TestRecordTrigger_UnknownRecordIsWriteFailure(t *testing.T) {
	s := createTestStore(t)

	err := s.RecordTrigger(context.Background(), "no-such-record", geo.TransitionEnter, epoch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreWrite)
}

func TestGet_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
