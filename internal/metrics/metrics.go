// Package metrics provides Prometheus metrics for a collector run.
//
// A run is a short-lived batch process, so metrics live in a registry owned
// by the run and are pushed to a Pushgateway when it ends instead of being
// scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds all Prometheus metrics of one run. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Job metrics
	Jobs *prometheus.CounterVec

	// Protocol metrics
	Collections     *prometheus.CounterVec
	CollectDuration *prometheus.HistogramVec
	ReportCount     *prometheus.GaugeVec
	RetryAttempts   *prometheus.CounterVec

	// Persistence metrics
	RowsWritten     *prometheus.CounterVec
	PersistDuration *prometheus.HistogramVec
	BackupErrors    prometheus.Counter

	// Run metrics
	LastSuccess prometheus.Gauge
}

// New creates the metrics of a run in a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dap_collector"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Jobs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Jobs evaluated by final state",
			},
			[]string{"kind", "state"},
		),
		Collections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collections_total",
				Help:      "Collector invocations by outcome",
			},
			[]string{"outcome"},
		),
		CollectDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collect_duration_seconds",
				Help:      "Time spent in one collector invocation",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
			},
			[]string{"outcome"},
		),
		ReportCount: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_report_count",
				Help:      "Reports aggregated in the last collected batch of a task",
			},
			[]string{"task_id"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		RowsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Rows written to the analytical store",
			},
			[]string{"table"},
		),
		PersistDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "persist_duration_seconds",
				Help:      "Time to replace the rows of one window",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"table"},
		),
		BackupErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backup_errors_total",
				Help:      "Window backups that could not be written",
			},
		),
		LastSuccess: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last run in which every job succeeded",
			},
		),
	}
}

// Registry returns the registry holding the run's metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncJob counts a job reaching a final state.
func (m *Metrics) IncJob(kind, state string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(kind, state).Inc()
}

// ObserveCollection records one collector invocation.
func (m *Metrics) ObserveCollection(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Collections.WithLabelValues(outcome).Inc()
	m.CollectDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetReportCount records the number of reports in a collected batch.
func (m *Metrics) SetReportCount(taskID string, n int64) {
	if m == nil || n < 0 {
		return
	}
	m.ReportCount.WithLabelValues(taskID).Set(float64(n))
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// ObservePersist records rows written to table and how long it took.
func (m *Metrics) ObservePersist(table string, rows int, d time.Duration) {
	if m == nil {
		return
	}
	m.RowsWritten.WithLabelValues(table).Add(float64(rows))
	m.PersistDuration.WithLabelValues(table).Observe(d.Seconds())
}

// IncBackupErrors increments the backup errors counter.
func (m *Metrics) IncBackupErrors() {
	if m == nil {
		return
	}
	m.BackupErrors.Inc()
}

// MarkSuccess sets the last success time.
func (m *Metrics) MarkSuccess(t time.Time) {
	if m == nil {
		return
	}
	m.LastSuccess.Set(float64(t.Unix()))
}

// Push sends the run's metrics to the Pushgateway at url, replacing the
// metrics previously pushed under the same job and grouping labels.
func (m *Metrics) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if m == nil || url == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(m.registry)
	for k, v := range grouping {
		p = p.Grouping(k, v)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
