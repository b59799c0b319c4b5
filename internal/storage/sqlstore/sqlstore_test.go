package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchlabs/perch/internal/storage"
	"github.com/perchlabs/perch/internal/storage/migrate"
)

func openTestStore(t *testing.T, prefix string) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "perch.db")
	s, err := Open(context.Background(), dsn, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = migrate.Run(context.Background(), s.DB(), prefix, -1)
	require.NoError(t, err)
	return s
}

func TestSaveInsertsThenUpdates(t *testing.T) {
	s := openTestStore(t, "")
	ctx := t.Context()

	rec, err := s.Save(ctx, "", "counter", "c1", map[string]any{"count": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, rec.CreatedAt, rec.UpdatedAt)
	created := rec.CreatedAt

	time.Sleep(2 * time.Millisecond)
	rec, err = s.Save(ctx, "", "counter", "c1", map[string]any{"count": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, created, rec.CreatedAt, "created_at survives updates")
	assert.True(t, rec.UpdatedAt.After(created))
	assert.Equal(t, float64(2), rec.State["count"])
}

func TestLoadNotFound(t *testing.T) {
	s := openTestStore(t, "")
	_, err := s.Load(t.Context(), "", "counter", "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t, "")
	ctx := t.Context()
	_, err := s.Save(ctx, "", "counter", "c1", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "", "counter", "c1"))
	require.NoError(t, s.Delete(ctx, "", "counter", "c1"))
}

func TestPrefixScoping(t *testing.T) {
	s := openTestStore(t, "tenant")
	ctx := t.Context()
	_, err := s.Save(ctx, "tenant", "counter", "c1", map[string]any{"count": float64(5)})
	require.NoError(t, err)

	rec, err := s.Load(ctx, "tenant", "counter", "c1")
	require.NoError(t, err)
	assert.Equal(t, float64(5), rec.State["count"])
}

func TestInvalidPrefixRejected(t *testing.T) {
	s := openTestStore(t, "")
	_, err := s.Load(t.Context(), "bad-prefix;drop", "counter", "c1")
	require.Error(t, err)
}

func TestAlarmUpsertIsSingleRow(t *testing.T) {
	s := openTestStore(t, "")
	ctx := t.Context()
	now := time.Now()

	// Two schedules for the same name leave exactly one row at the second
	// scheduled time.
	require.NoError(t, s.UpsertAlarm(ctx, "", "counter", "c1", "tick", now.Add(time.Minute)))
	require.NoError(t, s.UpsertAlarm(ctx, "", "counter", "c1", "tick", now.Add(2*time.Minute)))

	alarms, err := s.ListAlarms(ctx, "", "counter", "c1")
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.WithinDuration(t, now.Add(2*time.Minute), alarms[0].ScheduledAt, time.Second)
	assert.Nil(t, alarms[0].ClaimedAt)
}

func TestAlarmListOrdering(t *testing.T) {
	s := openTestStore(t, "")
	ctx := t.Context()
	now := time.Now()
	require.NoError(t, s.UpsertAlarm(ctx, "", "t", "x", "later", now.Add(time.Hour)))
	require.NoError(t, s.UpsertAlarm(ctx, "", "t", "x", "sooner", now.Add(time.Minute)))

	alarms, err := s.ListAlarms(ctx, "", "t", "x")
	require.NoError(t, err)
	require.Len(t, alarms, 2)
	assert.Equal(t, "sooner", alarms[0].Name)
	assert.Equal(t, "later", alarms[1].Name)
}

func TestClaimRace(t *testing.T) {
	s := openTestStore(t, "")
	ctx := t.Context()
	now := time.Now()
	stale := now.Add(-time.Minute)
	require.NoError(t, s.UpsertAlarm(ctx, "", "t", "x", "tick", now.Add(-time.Second)))

	first, err := s.ClaimAlarm(ctx, "", "t", "x", "tick", now, stale)
	require.NoError(t, err)
	second, err := s.ClaimAlarm(ctx, "", "t", "x", "tick", now.Add(time.Millisecond), stale)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second, "exactly one claimer wins per window")
}

func TestStaleClaimIsReclaimable(t *testing.T) {
	s := openTestStore(t, "")
	ctx := t.Context()
	now := time.Now()

	require.NoError(t, s.UpsertAlarm(ctx, "", "t", "x", "tick", now.Add(-time.Hour)))
	// Simulate a worker that died mid-fire: claim far in the past.
	ok, err := s.ClaimAlarm(ctx, "", "t", "x", "tick", now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	require.True(t, ok)

	due, err := s.DueAlarms(ctx, "", now, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "stale claim must surface for retry")

	ok, err = s.ClaimAlarm(ctx, "", "t", "x", "tick", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetireMatchesClaimTimestamp(t *testing.T) {
	s := openTestStore(t, "")
	ctx := t.Context()
	now := time.Now()
	stale := now.Add(-time.Minute)
	require.NoError(t, s.UpsertAlarm(ctx, "", "t", "x", "tick", now.Add(-time.Second)))

	claimAt := now
	ok, err := s.ClaimAlarm(ctx, "", "t", "x", "tick", claimAt, stale)
	require.NoError(t, err)
	require.True(t, ok)

	// Reschedule between claim and retire clears the claim; the retire
	// must then leave the new row intact.
	require.NoError(t, s.UpsertAlarm(ctx, "", "t", "x", "tick", now.Add(time.Minute)))
	gone, err := s.RetireAlarm(ctx, "", "t", "x", "tick", claimAt)
	require.NoError(t, err)
	assert.False(t, gone)

	alarms, err := s.ListAlarms(ctx, "", "t", "x")
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Nil(t, alarms[0].ClaimedAt)
}

func TestMigrationsIncremental(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "perch.db")
	s, err := Open(context.Background(), dsn, Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	version, err := migrate.Run(ctx, s.DB(), "", -1)
	require.NoError(t, err)
	assert.Equal(t, migrate.Latest(), version)

	// Re-running from the recorded base is a no-op.
	version, err = migrate.Run(ctx, s.DB(), "", -1)
	require.NoError(t, err)
	assert.Equal(t, migrate.Latest(), version)

	current, err := migrate.Current(ctx, s.DB(), "")
	require.NoError(t, err)
	assert.Equal(t, migrate.Latest(), current)
}

func TestMigrationsFromExplicitBase(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "perch.db")
	s, err := Open(context.Background(), dsn, Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	// Apply v1 only, then upgrade from the explicit base.
	for _, m := range migrate.All[:1] {
		require.NoError(t, m.Apply(ctx, s.DB(), ""))
	}
	version, err := migrate.Run(ctx, s.DB(), "", 1)
	require.NoError(t, err)
	assert.Equal(t, migrate.Latest(), version)

	// The upgraded schema serves alarm claims.
	now := time.Now()
	require.NoError(t, s.UpsertAlarm(ctx, "", "t", "x", "tick", now))
	ok, err := s.ClaimAlarm(ctx, "", "t", "x", "tick", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}
