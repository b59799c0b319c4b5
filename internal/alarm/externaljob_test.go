package alarm

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/perchlabs/perch/internal/types"
)

func openJobsDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	// The external job system's own pending-jobs table.
	_, err = db.Exec(`CREATE TABLE jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue TEXT NOT NULL,
		worker TEXT NOT NULL,
		args TEXT NOT NULL,
		state TEXT NOT NULL,
		scheduled_at BIGINT NOT NULL,
		inserted_at BIGINT NOT NULL
	)`)
	require.NoError(t, err)
	return db
}

func newExternalJob(t *testing.T, db *sqlx.DB) *ExternalJob {
	t.Helper()
	return NewExternalJob(ExternalJobConfig{DB: db})
}

func jobCount(t *testing.T, db *sqlx.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM jobs`))
	return n
}

func TestScheduleReplacesPending(t *testing.T) {
	db := openJobsDB(t)
	e := newExternalJob(t, db)
	ref := types.Ref{Type: "counter", ID: "c1"}

	require.NoError(t, e.Schedule(t.Context(), ref, "tick", time.Minute))
	require.NoError(t, e.Schedule(t.Context(), ref, "tick", 2*time.Minute))

	assert.Equal(t, 1, jobCount(t, db), "schedule cancels the pending job before enqueueing")

	alarms, err := e.List(t.Context(), ref)
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), alarms[0].ScheduledAt, 5*time.Second)
}

func TestScheduleFloorsDelayAndPicksState(t *testing.T) {
	db := openJobsDB(t)
	e := newExternalJob(t, db)

	require.NoError(t, e.Schedule(t.Context(), types.Ref{Type: "t", ID: "a"}, "soon", 500*time.Millisecond))
	require.NoError(t, e.Schedule(t.Context(), types.Ref{Type: "t", ID: "b"}, "later", 90*time.Second))

	var states []string
	require.NoError(t, db.Select(&states, `SELECT state FROM jobs ORDER BY id`))
	assert.Equal(t, []string{"available", "scheduled"}, states)
}

func TestCancelFiltersPendingStates(t *testing.T) {
	db := openJobsDB(t)
	e := newExternalJob(t, db)
	ref := types.Ref{Type: "t", ID: "x"}

	require.NoError(t, e.Schedule(t.Context(), ref, "tick", time.Minute))
	// A completed job with the same args must survive a cancel.
	_, err := db.Exec(`UPDATE jobs SET state = 'completed'`)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(t.Context(), ref, "tick"))
	assert.Equal(t, 1, jobCount(t, db))
}

func TestCancelAllMatchesEntityOnly(t *testing.T) {
	db := openJobsDB(t)
	e := newExternalJob(t, db)

	require.NoError(t, e.Schedule(t.Context(), types.Ref{Type: "t", ID: "x"}, "a", time.Minute))
	require.NoError(t, e.Schedule(t.Context(), types.Ref{Type: "t", ID: "x"}, "b", time.Minute))
	require.NoError(t, e.Schedule(t.Context(), types.Ref{Type: "t", ID: "other"}, "c", time.Minute))

	require.NoError(t, e.CancelAll(t.Context(), types.Ref{Type: "t", ID: "x"}))
	alarms, err := e.List(t.Context(), types.Ref{Type: "t", ID: "x"})
	require.NoError(t, err)
	assert.Empty(t, alarms)

	others, err := e.List(t.Context(), types.Ref{Type: "t", ID: "other"})
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestListOrdersByScheduledTime(t *testing.T) {
	db := openJobsDB(t)
	e := newExternalJob(t, db)
	ref := types.Ref{Type: "t", ID: "x"}

	require.NoError(t, e.Schedule(t.Context(), ref, "later", time.Hour))
	require.NoError(t, e.Schedule(t.Context(), ref, "sooner", time.Minute))

	alarms, err := e.List(t.Context(), ref)
	require.NoError(t, err)
	require.Len(t, alarms, 2)
	assert.Equal(t, "sooner", alarms[0].Name)
}

func TestWorkerPerformClassification(t *testing.T) {
	cases := []struct {
		name    string
		fireErr error
		wantErr bool
	}{
		{"success retires", nil, false},
		{"persistence failure surfaces for retry", types.PersistenceFailed(errors.New("disk full")), true},
		{"unknown type is swallowed", types.UnknownHandler("ghost"), false},
		{"handler failure surfaces", types.HandlerFailure(errors.New("boom")), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWorker(func(ctx context.Context, ref types.Ref, name string) error {
				return tc.fireErr
			}, nil)
			err := w.Perform(t.Context(), JobArgs{Type: "t", ID: "x", Name: "tick"})
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
