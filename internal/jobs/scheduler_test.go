package jobs

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workstats/internal/catalog"
	"workstats/internal/logstore"
	"workstats/internal/testsupport"
)

type stoppedClock struct{ t time.Time }

func (c stoppedClock) Now(loc *time.Location) time.Time { return c.t.In(loc) }

func newTestScheduler(t *testing.T) (*Scheduler, *testsupport.FakeLogStore) {
	t.Helper()
	cfg := testsupport.TestConfig(t)
	dbManager, logger := testsupport.SetupTestDBManager(t)
	logs := testsupport.NewFakeLogStore()

	runner := NewRunner(cfg, dbManager, logs, nil, nil, nil, logger)
	runner.TimeProvider = stoppedClock{t: time.Date(2024, 1, 4, 9, 0, 0, 0, testsupport.Shanghai(t))}

	s := NewScheduler(cfg, runner, logger)
	t.Cleanup(s.cancel)
	return s, logs
}

func TestExecuteJobSafelySkipsOverlappingRuns(t *testing.T) {
	s, _ := newTestScheduler(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.executeJobSafely("slow", func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	ran := s.executeJobSafely("fast", func() error { return nil })
	assert.False(t, ran)

	close(release)
	wg.Wait()

	assert.True(t, s.executeJobSafely("fast", func() error { return nil }))
}

func TestExecuteJobSafelyRecoversPanics(t *testing.T) {
	s, _ := newTestScheduler(t)

	var after []string
	s.AfterRun = func(job string) { after = append(after, job) }

	assert.NotPanics(t, func() {
		s.executeJobSafely("boom", func() error { panic("nil map") })
	})
	assert.True(t, s.executeJobSafely("next", func() error { return errors.New("logged only") }))
	assert.Equal(t, []string{"boom", "next"}, after)
}

func TestRunPipelineIfDueRunsOncePerDay(t *testing.T) {
	s, logs := newTestScheduler(t)

	require.NoError(t, s.runPipelineIfDue())
	assert.Equal(t, "2024-01-03", s.lastPipelineDay)

	require.NoError(t, s.runPipelineIfDue())
	sessionsQuery := logstore.NewQueries(s.cfg.ClickHouseTable).Sessions
	for _, call := range logs.Calls() {
		assert.Equal(t, sessionsQuery, call.Query, "no leaf channels means only sessions are read")
	}

	s.runner.TimeProvider = stoppedClock{t: time.Date(2024, 1, 5, 0, 30, 0, 0, s.runner.Location())}
	require.NoError(t, s.runPipelineIfDue())
	assert.Equal(t, "2024-01-04", s.lastPipelineDay)
}

func TestRunPipelineIfDueRetriesAfterFailure(t *testing.T) {
	s, logs := newTestScheduler(t)

	require.NoError(t, testsupport.SetupTestDB(t).Create(&catalog.Channel{ChannelID: "CH1", Level: catalog.LeafLevel}).Error)
	logs.Handler = func(testsupport.FakeQuery) ([]logstore.Row, error) { return nil, errors.New("log service down") }

	assert.Error(t, s.runPipelineIfDue())
	assert.Empty(t, s.lastPipelineDay)
}

func sessionCalls(s *Scheduler, logs *testsupport.FakeLogStore) []testsupport.FakeQuery {
	query := logstore.NewQueries(s.cfg.ClickHouseTable).Sessions
	var out []testsupport.FakeQuery
	for _, call := range logs.Calls() {
		if call.Query == query {
			out = append(out, call)
		}
	}
	return out
}

func TestRunSessionsKeepsWindowsContiguous(t *testing.T) {
	s, logs := newTestScheduler(t)
	loc := s.runner.Location()
	s.cfg.SessionWindowSeconds = 3600

	s.runner.TimeProvider = stoppedClock{t: time.Date(2024, 1, 4, 10, 0, 0, 900_000_000, loc)}
	require.NoError(t, s.runSessions())

	// Two hours later, past a second boundary, with ticks skipped in between
	s.runner.TimeProvider = stoppedClock{t: time.Date(2024, 1, 4, 12, 0, 1, 100_000_000, loc)}
	require.NoError(t, s.runSessions())

	logs.Handler = func(testsupport.FakeQuery) ([]logstore.Row, error) { return nil, errors.New("log service down") }
	s.runner.TimeProvider = stoppedClock{t: time.Date(2024, 1, 4, 14, 0, 0, 0, loc)}
	assert.Error(t, s.runSessions())

	logs.Handler = nil
	s.runner.TimeProvider = stoppedClock{t: time.Date(2024, 1, 4, 16, 0, 0, 0, loc)}
	require.NoError(t, s.runSessions())

	calls := sessionCalls(s, logs)
	require.Len(t, calls, 4)
	assert.True(t, calls[0].From.Equal(time.Date(2024, 1, 4, 9, 0, 0, 0, loc)), "first run covers the trailing window")
	assert.True(t, calls[0].To.Equal(time.Date(2024, 1, 4, 10, 0, 0, 0, loc)))
	assert.True(t, calls[1].From.Equal(calls[0].To), "a delayed run starts where the last one ended")
	assert.True(t, calls[1].To.Equal(time.Date(2024, 1, 4, 12, 0, 1, 0, loc)))
	assert.True(t, calls[3].From.Equal(calls[1].To), "a failed window is retried")
	assert.True(t, s.sessionsTo.Equal(calls[3].To))
}

func TestRunSessionsOverlapsTrailingWindow(t *testing.T) {
	s, logs := newTestScheduler(t)
	loc := s.runner.Location()
	s.cfg.SessionWindowSeconds = 3600

	s.runner.TimeProvider = stoppedClock{t: time.Date(2024, 1, 4, 10, 0, 0, 0, loc)}
	require.NoError(t, s.runSessions())
	s.runner.TimeProvider = stoppedClock{t: time.Date(2024, 1, 4, 10, 5, 0, 0, loc)}
	require.NoError(t, s.runSessions())

	calls := sessionCalls(s, logs)
	require.Len(t, calls, 2)
	assert.True(t, calls[1].From.Equal(time.Date(2024, 1, 4, 9, 5, 0, 0, loc)), "runs closer than the window rescan it")
}

func TestRunPipelineIfDueReconstructsYesterdayFirst(t *testing.T) {
	s, logs := newTestScheduler(t)
	loc := s.runner.Location()

	// The daemon started after midnight and has only seen the trailing window
	s.runner.TimeProvider = stoppedClock{t: time.Date(2024, 1, 4, 0, 10, 0, 0, loc)}
	require.NoError(t, s.runSessions())
	require.NoError(t, s.runPipelineIfDue())

	calls := sessionCalls(s, logs)
	require.Len(t, calls, 2)
	assert.True(t, calls[1].From.Equal(time.Date(2024, 1, 3, 0, 0, 0, 0, loc)), "catch-up starts at the beginning of yesterday")
	assert.True(t, calls[1].To.Equal(time.Date(2024, 1, 4, 0, 10, 0, 0, loc)))
	assert.Equal(t, "2024-01-03", s.lastPipelineDay)

	// Next day: continuous coverage up to the boundary needs no extra run
	s.runner.TimeProvider = stoppedClock{t: time.Date(2024, 1, 5, 0, 5, 0, 0, loc)}
	require.NoError(t, s.runSessions())
	require.NoError(t, s.runPipelineIfDue())
	assert.Len(t, sessionCalls(s, logs), 3)
	assert.Equal(t, "2024-01-04", s.lastPipelineDay)
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.cfg.JobIntervalSeconds = 3600

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.IsRunning())
}
