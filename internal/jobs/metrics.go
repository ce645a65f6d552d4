package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/posting"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	postings   *prometheus.CounterVec
	unbalanced prometheus.Gauge
	logs       *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// RecordPosting counts one dispatcher run. It implements posting.OutcomeRecorder.
func (m *Metrics) RecordPosting(code events.Code, outcome posting.Outcome) {
	if m == nil {
		return
	}
	label := string(code)
	if label == "" {
		label = "unknown"
	}
	m.postings.WithLabelValues(label, string(outcome)).Inc()
}

// SetUnbalancedJournals publishes the latest integrity scan result.
func (m *Metrics) SetUnbalancedJournals(count int) {
	if m == nil {
		return
	}
	m.unbalanced.Set(float64(count))
}

// SetEventLogs publishes event log counts per status. Statuses absent from
// counts are reset to zero.
func (m *Metrics) SetEventLogs(counts map[posting.Status]int) {
	if m == nil {
		return
	}
	for _, status := range []posting.Status{posting.StatusQueued, posting.StatusSent, posting.StatusFailed} {
		m.logs.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_accounting_postings_total",
		Help: "Accounting event dispatches grouped by event code and outcome.",
	}, []string{"event_code", "outcome"})
	unbalanced := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_gl_unbalanced_journals",
		Help: "Journals whose base-currency lines did not balance at the last integrity scan.",
	})
	logs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odyssey_accounting_event_logs",
		Help: "Accounting event logs by status at the last integrity scan.",
	}, []string{"status"})
	registerer.MustRegister(runs, failures, duration, postings, unbalanced, logs)
	return &Metrics{runs: runs, failures: failures, duration: duration, postings: postings, unbalanced: unbalanced, logs: logs}
}
