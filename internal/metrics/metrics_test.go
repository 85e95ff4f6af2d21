package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workstats/internal/metrics"
)

func TestObserveRun(t *testing.T) {
	tests := []struct {
		name      string
		succeeded int
		failed    int
		err       error
		want      string
	}{
		{"clean", 3, 0, nil, metrics.StatusSuccess},
		{"some units failed", 2, 1, errors.New("channel CH1"), metrics.StatusPartial},
		{"nothing succeeded", 0, 0, errors.New("store down"), metrics.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New("workstats")

			got := m.ObserveRun("channels", time.Now(), tt.succeeded, tt.failed, tt.err)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("channels", tt.want)))
			assert.Equal(t, float64(tt.succeeded), testutil.ToFloat64(m.Units.WithLabelValues("channels", "succeeded")))
			assert.Equal(t, float64(tt.failed), testutil.ToFloat64(m.Units.WithLabelValues("channels", "failed")))
		})
	}
}

func TestAddRows(t *testing.T) {
	m := metrics.New("workstats")

	m.AddRows("works_sessions", 3)
	m.AddRows("works_sessions", 2)
	m.AddRows("works_daily_stats", 0)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.RowsWritten.WithLabelValues("works_sessions")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RowsWritten))
}

func TestPush(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Contains(t, r.URL.Path, "/metrics/job/workstats")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := metrics.New("workstats")
	m.ObserveRun("daily", time.Now(), 1, 0, nil)
	m.ObserveRun("channels", time.Now(), 2, 1, errors.New("channel CH1"))
	m.AddRows("works_daily_stats", 4)

	require.NoError(t, m.Push(srv.URL, "workstats"))
	assert.Equal(t, int32(1), hits.Load())

	assert.NoError(t, m.Push("", "workstats"), "empty url disables pushing")
}
