// Package metrics records batch job outcomes in Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Job run statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Metrics holds the job metrics on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	JobRuns     *prometheus.CounterVec
	Units       *prometheus.CounterVec
	RowsWritten *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	LastSuccess *prometheus.GaugeVec
}

// New creates and registers all metrics under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Total number of job runs by outcome",
			},
			[]string{"job_name", "status"},
		),
		Units: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_total",
				Help:      "Units of work processed (channels, content ids, write batches, days) by outcome",
			},
			[]string{"job_name", "outcome"},
		),
		RowsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Rows created, updated or replaced per table",
			},
			[]string{"table"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job run duration",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"job_name"},
		),
		LastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_last_success_timestamp_seconds",
				Help:      "Unix time of the last fully successful run",
			},
			[]string{"job_name"},
		),
	}
}

// ObserveRun records one run. Status is derived from the unit tally: any
// failed unit makes the run partial, no succeeded unit with a failure makes it failed.
func (m *Metrics) ObserveRun(job string, started time.Time, succeeded, failed int, err error) string {
	status := StatusSuccess
	switch {
	case err != nil && succeeded == 0:
		status = StatusFailed
	case err != nil || failed > 0:
		status = StatusPartial
	}

	m.JobRuns.WithLabelValues(job, status).Inc()
	m.Units.WithLabelValues(job, "succeeded").Add(float64(succeeded))
	m.Units.WithLabelValues(job, "failed").Add(float64(failed))
	m.JobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
	if status == StatusSuccess {
		m.LastSuccess.WithLabelValues(job).SetToCurrentTime()
	}
	return status
}

// AddRows counts rows written to table.
func (m *Metrics) AddRows(table string, n int) {
	if n > 0 {
		m.RowsWritten.WithLabelValues(table).Add(float64(n))
	}
}

// Push sends the registry to a Pushgateway under the given job name.
func (m *Metrics) Push(url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.Registry).Push(); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
