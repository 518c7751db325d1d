package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
)

// WriteJSON renders the snapshot as indented JSON.
func WriteJSON(w io.Writer, s *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteText renders the snapshot as an aligned table.
func WriteText(w io.Writer, s *Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REPO\tJOB TYPE\tSTATE\tFAIL RATE\tSAMPLES\tWATERMARK\tAGE\tPENDING\tRUNNING\tLAST ERROR")
	for _, e := range s.Entries {
		state := string(e.State)
		if e.Degraded {
			state += "*"
		}
		wm, age := "-", "-"
		if e.Watermark != nil {
			wm = e.Watermark.String()
		}
		if e.CursorAgeSeconds != nil {
			age = (time.Duration(*e.CursorAgeSeconds) * time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%d\t%s\t%s\t%d\t%d\t%s\n",
			e.RepoID, e.JobType, state, e.FailureRate, e.Samples, wm, age, e.Pending, e.Running, oneLine(e.LastError, 60))
	}
	t := s.Totals
	fmt.Fprintf(tw, "\n%d streams, %d pending, %d running, %d open, %d half open\n",
		t.Streams, t.Pending, t.Running, t.Open, t.HalfOpen)
	return tw.Flush()
}

func oneLine(s string, limit int) string {
	if s == "" {
		return "-"
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit-3] + "..."
	}
	return s
}

var (
	descState = prometheus.NewDesc("scm_sync_stream_breaker_state",
		"Circuit breaker state of the stream (1 for the current state).",
		[]string{"repo_id", "job_type", "state"}, nil)
	descFailureRate = prometheus.NewDesc("scm_sync_stream_failure_rate",
		"Failure rate the breaker trips on.",
		[]string{"repo_id", "job_type"}, nil)
	descSamples = prometheus.NewDesc("scm_sync_stream_samples",
		"Outcomes in the breaker window.",
		[]string{"repo_id", "job_type"}, nil)
	descCursorAge = prometheus.NewDesc("scm_sync_stream_cursor_age_seconds",
		"Seconds since the cursor was last written.",
		[]string{"repo_id", "job_type"}, nil)
	descPending = prometheus.NewDesc("scm_sync_stream_pending_jobs",
		"Pending jobs of the stream.",
		[]string{"repo_id", "job_type"}, nil)
	descRunning = prometheus.NewDesc("scm_sync_stream_running_jobs",
		"Running jobs of the stream.",
		[]string{"repo_id", "job_type"}, nil)
	descDegraded = prometheus.NewDesc("scm_sync_stream_degraded",
		"Whether degraded parameters apply to the stream.",
		[]string{"repo_id", "job_type"}, nil)
)

var states = []breaker.State{breaker.StateClosed, breaker.StateOpen, breaker.StateHalfOpen}

// PrometheusCollector exports a fresh snapshot on every scrape.
type PrometheusCollector struct {
	collector *Collector
	timeout   time.Duration
	logger    *zap.Logger
}

// NewPrometheusCollector wraps c for registration with a prometheus registry.
func NewPrometheusCollector(c *Collector, logger *zap.Logger) *PrometheusCollector {
	return &PrometheusCollector{collector: c, timeout: 10 * time.Second, logger: logger}
}

// Describe implements prometheus.Collector.
func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	describe(ch)
}

// Collect implements prometheus.Collector.
func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	snap, err := p.collector.Collect(ctx, Filter{})
	if err != nil {
		p.logger.Error("collect status metrics", zap.Error(err))
		return
	}
	emit(ch, snap)
}

func describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descState, descFailureRate, descSamples, descCursorAge, descPending, descRunning, descDegraded} {
		ch <- d
	}
}

func emit(ch chan<- prometheus.Metric, snap *Snapshot) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	for _, e := range snap.Entries {
		repo, jt := e.RepoID, string(e.JobType)
		for _, s := range states {
			v := 0.0
			if e.State == s {
				v = 1
			}
			gauge(descState, v, repo, jt, string(s))
		}
		gauge(descFailureRate, e.FailureRate, repo, jt)
		gauge(descSamples, float64(e.Samples), repo, jt)
		if e.CursorAgeSeconds != nil {
			gauge(descCursorAge, *e.CursorAgeSeconds, repo, jt)
		}
		gauge(descPending, float64(e.Pending), repo, jt)
		gauge(descRunning, float64(e.Running), repo, jt)
		degraded := 0.0
		if e.Degraded {
			degraded = 1
		}
		gauge(descDegraded, degraded, repo, jt)
	}
}

// snapshotCollector exports an already collected snapshot.
type snapshotCollector struct{ snap *Snapshot }

func (s snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	describe(ch)
}

func (s snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	emit(ch, s.snap)
}

// WritePrometheus renders the snapshot in the Prometheus text exposition
// format.
func WritePrometheus(w io.Writer, s *Snapshot) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(snapshotCollector{snap: s}); err != nil {
		return fmt.Errorf("register status metrics: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather status metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
