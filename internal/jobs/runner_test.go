package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"workstats/internal/catalog"
	"workstats/internal/channels"
	"workstats/internal/jobs"
	"workstats/internal/logstore"
	"workstats/internal/metrics"
	"workstats/internal/sessions"
	"workstats/internal/stats"
	"workstats/internal/testsupport"
	"workstats/internal/timeframe"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now(loc *time.Location) time.Time { return c.t.In(loc) }

func setupRunner(t *testing.T, logs logstore.Querier) (*jobs.Runner, *gorm.DB, *metrics.Metrics) {
	t.Helper()
	cfg := testsupport.TestConfig(t)
	dbManager, logger := testsupport.SetupTestDBManager(t)
	m := metrics.New("workstats")

	r := jobs.NewRunner(cfg, dbManager, logs, nil, nil, m, logger)
	loc := testsupport.Shanghai(t)
	r.TimeProvider = fixedClock{t: time.Date(2024, 1, 4, 9, 0, 0, 0, loc)}
	return r, dbManager.GetConnection(), m
}

func seed(t *testing.T, db *gorm.DB, loc *time.Location) {
	t.Helper()
	for i, date := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		start := time.Date(2024, 1, 1+i, 12, 0, 0, 0, loc).UTC()
		require.NoError(t, db.Create(&[]sessions.Session{
			{SessionID: "S" + date + "a", WorksID: "C1", VisitorID: "V1", StartTime: start, EndTime: start.Add(time.Minute)},
			{SessionID: "S" + date + "b", WorksID: "C1", VisitorID: "V2", StartTime: start, EndTime: start.Add(time.Minute)},
		}).Error)
	}
	require.NoError(t, db.Create(&catalog.Channel{ChannelID: "CH1", Level: catalog.LeafLevel}).Error)
}

func TestRunPipeline(t *testing.T) {
	r, db, m := setupRunner(t, testsupport.NewFakeLogStore())
	loc := r.Location()
	seed(t, db, loc)

	day, err := timeframe.ParseDay("2024-01-03", loc)
	require.NoError(t, err)

	tallies := r.RunPipeline(context.Background(), day)
	require.Len(t, tallies, 3)
	assert.NoError(t, jobs.Failed(tallies))
	assert.Equal(t, jobs.JobDaily, tallies[0].Job)
	assert.Equal(t, "2024-01-03", tallies[0].Scope)
	assert.Equal(t, jobs.JobCumulative, tallies[1].Job)
	assert.Equal(t, "2024-01-04", tallies[1].Scope, "rollup selects rows touched on the run date")
	assert.Equal(t, jobs.JobChannels, tallies[2].Job)

	var cumulative stats.CumulativeStat
	require.NoError(t, db.Where("works_id = ?", "C1").First(&cumulative).Error)
	assert.Equal(t, 2, cumulative.PV, "only 2024-01-03 has daily rows so far")

	var placeholder channels.ChannelStat
	require.NoError(t, db.Where("channel_id = ? AND day = ?", "CH1", "2024-01-03").First(&placeholder).Error)
	assert.Equal(t, "web", placeholder.Device)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues(jobs.JobPipeline, metrics.StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsWritten.WithLabelValues("works_daily_stats")))
}

func TestBackfill(t *testing.T) {
	r, db, m := setupRunner(t, testsupport.NewFakeLogStore())
	loc := r.Location()
	seed(t, db, loc)

	days, err := timeframe.Days("2024-01-01", "2024-01-03", loc)
	require.NoError(t, err)
	stages, err := jobs.ParseStages("daily")
	require.NoError(t, err)

	tallies := r.Backfill(context.Background(), days, stages)
	require.Len(t, tallies, 4)
	assert.NoError(t, jobs.Failed(tallies))

	var cumulative stats.CumulativeStat
	require.NoError(t, db.Where("works_id = ?", "C1").First(&cumulative).Error)
	assert.Equal(t, 6, cumulative.PV)
	assert.Equal(t, 6, cumulative.UV, "lifetime UV is the sum of daily UV")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues(jobs.JobBackfill, metrics.StatusSuccess)))
}

func TestBackfillContinuesAfterFailedDay(t *testing.T) {
	loc := testsupport.Shanghai(t)
	badDay, err := timeframe.ParseDay("2024-01-02", loc)
	require.NoError(t, err)

	logs := &testsupport.FakeLogStore{
		Handler: func(q testsupport.FakeQuery) ([]logstore.Row, error) {
			if q.From.Equal(badDay.Start) {
				return nil, errors.New("log service timeout")
			}
			return nil, nil
		},
	}
	r, db, m := setupRunner(t, logs)
	seed(t, db, loc)

	days, err := timeframe.Days("2024-01-01", "2024-01-03", loc)
	require.NoError(t, err)

	tallies := r.Backfill(context.Background(), days, []string{jobs.JobChannels})
	require.Len(t, tallies, 3)
	assert.NoError(t, tallies[0].Err)
	assert.Error(t, tallies[1].Err)
	assert.NoError(t, tallies[2].Err)

	succeeded, failed := jobs.Summarize(tallies)
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, failed)
	assert.Error(t, jobs.Failed(tallies))

	var count int64
	require.NoError(t, db.Model(&channels.ChannelStat{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues(jobs.JobBackfill, metrics.StatusPartial)))
}

func TestBackfillStopsWhenCancelled(t *testing.T) {
	r, _, _ := setupRunner(t, testsupport.NewFakeLogStore())
	days, err := timeframe.Days("2024-01-01", "2024-01-03", r.Location())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Empty(t, r.Backfill(ctx, days, []string{jobs.JobDaily}))
}

func TestRunSessions(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r, db, m := setupRunner(t, testsupport.NewFakeLogStore(
		logstore.Row{"session_id": "S1", "works_id": "C1", "start_time": base, "end_time": base.Add(time.Minute)},
	))

	window, err := timeframe.NewWindow(base, base.Add(time.Hour))
	require.NoError(t, err)

	result, tally := r.RunSessions(context.Background(), window)
	require.NoError(t, tally.Err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, tally.Succeeded)

	var stored sessions.Session
	require.NoError(t, db.First(&stored).Error)
	assert.Equal(t, time.Date(2024, 1, 4, 1, 0, 0, 0, time.UTC), stored.CreatedAt.UTC(), "stamped with the runner clock")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsWritten.WithLabelValues("works_sessions")))
}

func TestParseStages(t *testing.T) {
	tests := []struct {
		raw     string
		want    []string
		wantErr bool
	}{
		{"daily,channels", []string{"daily", "channels"}, false},
		{" channels , daily ,channels", []string{"channels", "daily"}, false},
		{"daily,cumulative", nil, true},
		{"", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := jobs.ParseStages(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, jobs.ErrUnknownStage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
