// Package metrics provides Prometheus instrumentation for the sync services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metric collectors for scheduler, worker,
// reaper and circuit breaker.
type Metrics struct {
	ScanDuration       prometheus.Histogram
	ScanDecisions      *prometheus.CounterVec
	ScanRepoErrors     prometheus.Counter
	JobsEnqueued       *prometheus.CounterVec
	QueuePending       prometheus.Gauge
	QueueRunning       prometheus.Gauge
	RunsTotal          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	RecordsTotal       *prometheus.CounterVec
	RecordErrors       *prometheus.CounterVec
	CursorAdvances     *prometheus.CounterVec
	LeaseLostTotal     prometheus.Counter
	RenewFailures      prometheus.Counter
	WorkerBusy         *prometheus.GaugeVec
	RunsReclaimed      *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scm_sync_scan_duration_seconds",
			Help:    "Duration of a scheduler scan pass.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),

		ScanDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_sync_scan_decisions_total",
			Help: "Scheduler decisions per (repo, job_type), partitioned by action and reason.",
		}, []string{"action", "reason"}),

		ScanRepoErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "scm_sync_scan_repo_errors_total",
			Help: "Repositories whose evaluation failed during a scan.",
		}),

		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_sync_jobs_enqueued_total",
			Help: "Sync jobs enqueued, partitioned by job type and reason.",
		}, []string{"job_type", "reason"}),

		QueuePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "scm_sync_queue_pending",
			Help: "Pending sync jobs observed at the last scan.",
		}),

		QueueRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "scm_sync_queue_running",
			Help: "Running sync jobs observed at the last scan.",
		}),

		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_sync_runs_total",
			Help: "Finished runs, partitioned by job type and outcome.",
		}, []string{"job_type", "outcome"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scm_sync_run_duration_seconds",
			Help:    "Time from claim to run completion.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"job_type"}),

		RecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_sync_records_total",
			Help: "Records upserted, partitioned by job type and ledger action.",
		}, []string{"job_type", "action"}),

		RecordErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_sync_record_errors_total",
			Help: "Per-record errors, partitioned by job type and reason.",
		}, []string{"job_type", "reason"}),

		CursorAdvances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_sync_cursor_writes_total",
			Help: "Cursor writes after a run.",
		}, []string{"job_type"}),

		LeaseLostTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "scm_sync_lease_lost_total",
			Help: "Runs aborted because the lease was lost.",
		}),

		RenewFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "scm_sync_lease_renew_failures_total",
			Help: "Failed lease renewal attempts.",
		}),

		WorkerBusy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scm_sync_worker_busy",
			Help: "Whether the worker is currently executing a run (1=busy, 0=idle).",
		}, []string{"worker_id"}),

		RunsReclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_sync_runs_reclaimed_total",
			Help: "Runs reclaimed by the reaper, partitioned by reason and policy.",
		}, []string{"reason", "policy"}),

		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_sync_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"job_type", "from", "to"}),
	}
}
