// Package config loads the service configuration from SCM_ environment
// variables and an optional config file, and maps it onto the component
// configs.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/cursor"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/reaper"
	"github.com/leejennwah/scm-sync/internal/scheduler"
	"github.com/leejennwah/scm-sync/internal/scm"
	"github.com/leejennwah/scm-sync/internal/worker"
)

// ErrInvalid is returned when a configuration value is rejected.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SCM"

// Cursor store backends.
const (
	CursorBackendSQL   = "sql"
	CursorBackendRedis = "redis"
)

// Scheduler holds the scan policy (SCM_SCHEDULER_*).
type Scheduler struct {
	MaxRunning                  int      `mapstructure:"max_running"`
	MaxQueueDepth               int      `mapstructure:"max_queue_depth"`
	GlobalConcurrency           int      `mapstructure:"global_concurrency"`
	PerInstanceConcurrency      int      `mapstructure:"per_instance_concurrency"`
	ScanIntervalSeconds         int      `mapstructure:"scan_interval_seconds"`
	TickIntervalSeconds         int      `mapstructure:"tick_interval_seconds"`
	Cron                        string   `mapstructure:"cron"`
	MaxEnqueuePerScan           int      `mapstructure:"max_enqueue_per_scan"`
	EnableTenantFairness        bool     `mapstructure:"enable_tenant_fairness"`
	TenantMaxPerRound           int      `mapstructure:"tenant_max_per_round"`
	BackfillRepairWindowSeconds int      `mapstructure:"backfill_repair_window_seconds"`
	JobTypes                    []string `mapstructure:"job_types"`
}

// Worker holds the run execution settings (SCM_WORKER_*).
type Worker struct {
	ID                       string   `mapstructure:"id"`
	JobTypes                 []string `mapstructure:"job_types"`
	LeaseSeconds             int      `mapstructure:"lease_seconds"`
	RenewIntervalSeconds     int      `mapstructure:"renew_interval_seconds"`
	MaxRenewFailures         int      `mapstructure:"max_renew_failures"`
	BatchSize                int      `mapstructure:"batch_size"`
	DegradedBatchSize        int      `mapstructure:"degraded_batch_size"`
	SyncPolicy               string   `mapstructure:"sync_policy"`
	OverlapRevs              int64    `mapstructure:"overlap_revs"`
	OverlapSeconds           int      `mapstructure:"overlap_seconds"`
	PollIntervalSeconds      int      `mapstructure:"poll_interval_seconds"`
	MaxConsecutiveSameTenant int      `mapstructure:"max_consecutive_same_tenant"`
	MaxTenantsPerRound       int      `mapstructure:"max_tenants_per_round"`
	BulkSVNPaths             int      `mapstructure:"bulk_svn_paths"`
	BulkGitLines             int      `mapstructure:"bulk_git_lines"`
}

// Reaper holds the sweep settings (SCM_REAPER_*).
type Reaper struct {
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	JobGraceSeconds int    `mapstructure:"job_grace_seconds"`
	RunMaxSeconds   int    `mapstructure:"run_max_seconds"`
	Policy          string `mapstructure:"policy"`
	Limit           int    `mapstructure:"limit"`
}

// Breaker holds the circuit breaker thresholds (SCM_CB_*).
type Breaker struct {
	FailureRateThreshold       float64  `mapstructure:"failure_rate_threshold"`
	RateLimitThreshold         float64  `mapstructure:"rate_limit_threshold"`
	TimeoutThreshold           float64  `mapstructure:"timeout_threshold"`
	MinSamples                 int      `mapstructure:"min_samples"`
	WindowSize                 int      `mapstructure:"window_size"`
	WindowSeconds              int      `mapstructure:"window_seconds"`
	EMAEnabled                 bool     `mapstructure:"ema_enabled"`
	EMAAlpha                   float64  `mapstructure:"ema_alpha"`
	OpenDurationSeconds        int      `mapstructure:"open_duration_seconds"`
	ProbeBudgetPerInterval     int      `mapstructure:"probe_budget_per_interval"`
	ProbeJobTypes              []string `mapstructure:"probe_job_types"`
	RecoverySuccessCount       int      `mapstructure:"recovery_success_count"`
	BackfillOnlyMode           bool     `mapstructure:"backfill_only_mode"`
	BackfillOnlyJobTypes       []string `mapstructure:"backfill_only_job_types"`
	DegradedMinIntervalSeconds int      `mapstructure:"degraded_min_interval_seconds"`
}

// Source locates the adapter inputs.
type Source struct {
	JSONLDir string `mapstructure:"jsonl_dir"`
	GitDir   string `mapstructure:"git_dir"`
}

// Log configures the zap logger and optional file rotation.
type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Tracing struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Config is the complete service configuration.
type Config struct {
	DatabaseURL   string `mapstructure:"database_url"`
	CursorBackend string `mapstructure:"cursor_backend"`
	RedisURL      string `mapstructure:"redis_url"`
	// WakeSignal pushes a Redis token on every enqueue so idle workers
	// claim without waiting out their poll interval.
	WakeSignal    bool   `mapstructure:"wake_signal"`

	Scheduler Scheduler `mapstructure:"scheduler"`
	Worker    Worker    `mapstructure:"worker"`
	Reaper    Reaper    `mapstructure:"reaper"`
	Breaker   Breaker   `mapstructure:"cb"`
	Source    Source    `mapstructure:"source"`
	Log       Log       `mapstructure:"log"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Tracing   Tracing   `mapstructure:"tracing"`
}

func names(types []scm.JobType) []string {
	out := make([]string, len(types))
	for i, jt := range types {
		out[i] = string(jt)
	}
	return out
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	s := scheduler.DefaultConfig()
	w := worker.DefaultConfig()
	r := reaper.DefaultConfig()
	b := breaker.DefaultConfig()
	return &Config{
		DatabaseURL:   "sqlite://scm-sync.db",
		CursorBackend: CursorBackendSQL,
		RedisURL:      "localhost:6379",
		Scheduler: Scheduler{
			MaxRunning:                  s.MaxRunning,
			MaxQueueDepth:               s.MaxQueueDepth,
			GlobalConcurrency:           s.GlobalConcurrency,
			PerInstanceConcurrency:      s.PerInstanceConcurrency,
			ScanIntervalSeconds:         seconds(s.ScanInterval),
			TickIntervalSeconds:         seconds(s.TickInterval),
			MaxEnqueuePerScan:           s.MaxEnqueuePerScan,
			EnableTenantFairness:        s.TenantFairness,
			TenantMaxPerRound:           s.TenantMaxPerRound,
			BackfillRepairWindowSeconds: seconds(s.RepairWindow),
			JobTypes:                    []string{},
		},
		Worker: Worker{
			JobTypes:                 []string{},
			LeaseSeconds:             seconds(w.Lease),
			RenewIntervalSeconds:     seconds(w.RenewInterval),
			MaxRenewFailures:         w.MaxRenewFailures,
			BatchSize:                w.BatchSize,
			DegradedBatchSize:        b.DegradedBatchSize,
			SyncPolicy:               string(w.Policy),
			PollIntervalSeconds:      seconds(w.PollInterval),
			MaxConsecutiveSameTenant: w.MaxConsecutiveSameTenant,
			MaxTenantsPerRound:       w.MaxTenantsPerRound,
			BulkSVNPaths:             w.Bulk.SVNChangedPaths,
			BulkGitLines:             w.Bulk.GitLines,
		},
		Reaper: Reaper{
			IntervalSeconds: seconds(r.Interval),
			JobGraceSeconds: seconds(r.Grace),
			RunMaxSeconds:   seconds(r.RunMax),
			Policy:          string(r.Policy),
			Limit:           r.Limit,
		},
		Breaker: Breaker{
			FailureRateThreshold:       b.FailureRateThreshold,
			RateLimitThreshold:         b.RateLimitThreshold,
			TimeoutThreshold:           b.TimeoutThreshold,
			MinSamples:                 b.MinSamples,
			WindowSize:                 b.WindowSize,
			WindowSeconds:              seconds(b.WindowDuration),
			EMAEnabled:                 b.EMAEnabled,
			EMAAlpha:                   b.EMAAlpha,
			OpenDurationSeconds:        seconds(b.OpenDuration),
			ProbeBudgetPerInterval:     b.ProbeBudget,
			ProbeJobTypes:              names(b.ProbeJobTypes),
			RecoverySuccessCount:       b.RecoverySuccessCount,
			BackfillOnlyMode:           b.BackfillOnlyMode,
			BackfillOnlyJobTypes:       names(b.BackfillOnlyJobTypes),
			DegradedMinIntervalSeconds: seconds(b.DegradedMinInterval),
		},
		Source: Source{JSONLDir: "exports"},
		Log: Log{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Metrics: Metrics{Addr: ":9091"},
	}
}

// defaults flattens Default into viper keys. Registering every key is what
// lets AutomaticEnv resolve nested fields during Unmarshal.
func defaults(v *viper.Viper) {
	d := Default()
	set := map[string]any{
		"database_url":   d.DatabaseURL,
		"cursor_backend": d.CursorBackend,
		"redis_url":      d.RedisURL,
		"wake_signal":    d.WakeSignal,

		"scheduler.max_running":                    d.Scheduler.MaxRunning,
		"scheduler.max_queue_depth":                d.Scheduler.MaxQueueDepth,
		"scheduler.global_concurrency":             d.Scheduler.GlobalConcurrency,
		"scheduler.per_instance_concurrency":       d.Scheduler.PerInstanceConcurrency,
		"scheduler.scan_interval_seconds":          d.Scheduler.ScanIntervalSeconds,
		"scheduler.tick_interval_seconds":          d.Scheduler.TickIntervalSeconds,
		"scheduler.cron":                           d.Scheduler.Cron,
		"scheduler.max_enqueue_per_scan":           d.Scheduler.MaxEnqueuePerScan,
		"scheduler.enable_tenant_fairness":         d.Scheduler.EnableTenantFairness,
		"scheduler.tenant_max_per_round":           d.Scheduler.TenantMaxPerRound,
		"scheduler.backfill_repair_window_seconds": d.Scheduler.BackfillRepairWindowSeconds,
		"scheduler.job_types":                      d.Scheduler.JobTypes,

		"worker.id":                          d.Worker.ID,
		"worker.job_types":                   d.Worker.JobTypes,
		"worker.lease_seconds":               d.Worker.LeaseSeconds,
		"worker.renew_interval_seconds":      d.Worker.RenewIntervalSeconds,
		"worker.max_renew_failures":          d.Worker.MaxRenewFailures,
		"worker.batch_size":                  d.Worker.BatchSize,
		"worker.degraded_batch_size":         d.Worker.DegradedBatchSize,
		"worker.sync_policy":                 d.Worker.SyncPolicy,
		"worker.overlap_revs":                d.Worker.OverlapRevs,
		"worker.overlap_seconds":             d.Worker.OverlapSeconds,
		"worker.poll_interval_seconds":       d.Worker.PollIntervalSeconds,
		"worker.max_consecutive_same_tenant": d.Worker.MaxConsecutiveSameTenant,
		"worker.max_tenants_per_round":       d.Worker.MaxTenantsPerRound,
		"worker.bulk_svn_paths":              d.Worker.BulkSVNPaths,
		"worker.bulk_git_lines":              d.Worker.BulkGitLines,

		"reaper.interval_seconds":  d.Reaper.IntervalSeconds,
		"reaper.job_grace_seconds": d.Reaper.JobGraceSeconds,
		"reaper.run_max_seconds":   d.Reaper.RunMaxSeconds,
		"reaper.policy":            d.Reaper.Policy,
		"reaper.limit":             d.Reaper.Limit,

		"cb.failure_rate_threshold":        d.Breaker.FailureRateThreshold,
		"cb.rate_limit_threshold":          d.Breaker.RateLimitThreshold,
		"cb.timeout_threshold":             d.Breaker.TimeoutThreshold,
		"cb.min_samples":                   d.Breaker.MinSamples,
		"cb.window_size":                   d.Breaker.WindowSize,
		"cb.window_seconds":                d.Breaker.WindowSeconds,
		"cb.ema_enabled":                   d.Breaker.EMAEnabled,
		"cb.ema_alpha":                     d.Breaker.EMAAlpha,
		"cb.open_duration_seconds":         d.Breaker.OpenDurationSeconds,
		"cb.probe_budget_per_interval":     d.Breaker.ProbeBudgetPerInterval,
		"cb.probe_job_types":               d.Breaker.ProbeJobTypes,
		"cb.recovery_success_count":        d.Breaker.RecoverySuccessCount,
		"cb.backfill_only_mode":            d.Breaker.BackfillOnlyMode,
		"cb.backfill_only_job_types":       d.Breaker.BackfillOnlyJobTypes,
		"cb.degraded_min_interval_seconds": d.Breaker.DegradedMinIntervalSeconds,

		"source.jsonl_dir": d.Source.JSONLDir,
		"source.git_dir":   d.Source.GitDir,

		"log.level":        d.Log.Level,
		"log.format":       d.Log.Format,
		"log.file":         d.Log.File,
		"log.max_size_mb":  d.Log.MaxSizeMB,
		"log.max_backups":  d.Log.MaxBackups,
		"log.max_age_days": d.Log.MaxAgeDays,

		"metrics.addr":     d.Metrics.Addr,
		"tracing.endpoint": d.Tracing.Endpoint,
	}
	for k, val := range set {
		v.SetDefault(k, val)
	}
}

// Load reads the configuration. Environment variables override the file at
// path, which overrides the defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("tracing.endpoint", "SCM_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); err != nil {
		return nil, fmt.Errorf("bind tracing endpoint: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize drops the empty entries an unset list variable decodes to.
func (c *Config) normalize() {
	for _, list := range []*[]string{
		&c.Scheduler.JobTypes, &c.Worker.JobTypes,
		&c.Breaker.ProbeJobTypes, &c.Breaker.BackfillOnlyJobTypes,
	} {
		out := (*list)[:0]
		for _, s := range *list {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*list = out
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.DatabaseURL != "", "database_url is required")
	check(c.CursorBackend == CursorBackendSQL || c.CursorBackend == CursorBackendRedis,
		"cursor_backend must be %s or %s, got %q", CursorBackendSQL, CursorBackendRedis, c.CursorBackend)
	check(c.CursorBackend != CursorBackendRedis || c.RedisURL != "", "redis_url is required for the redis cursor backend")
	check(!c.WakeSignal || c.RedisURL != "", "redis_url is required for wake_signal")

	s := c.Scheduler
	check(s.ScanIntervalSeconds > 0, "scheduler.scan_interval_seconds must be positive")
	check(s.TickIntervalSeconds > 0, "scheduler.tick_interval_seconds must be positive")
	check(s.MaxRunning >= 0 && s.MaxQueueDepth >= 0 && s.GlobalConcurrency >= 0 && s.PerInstanceConcurrency >= 0,
		"scheduler ceilings must not be negative")
	check(s.MaxEnqueuePerScan >= 0, "scheduler.max_enqueue_per_scan must not be negative")
	check(s.BackfillRepairWindowSeconds >= 0, "scheduler.backfill_repair_window_seconds must not be negative")
	if s.Cron != "" {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.cron: %v", err))
		}
	}

	w := c.Worker
	check(w.LeaseSeconds > 0, "worker.lease_seconds must be positive")
	check(w.RenewIntervalSeconds > 0 && w.RenewIntervalSeconds < w.LeaseSeconds,
		"worker.renew_interval_seconds must be positive and shorter than the lease")
	check(w.MaxRenewFailures > 0, "worker.max_renew_failures must be positive")
	check(w.BatchSize > 0, "worker.batch_size must be positive")
	check(w.DegradedBatchSize > 0, "worker.degraded_batch_size must be positive")
	check(scm.Policy(w.SyncPolicy).Valid(), "worker.sync_policy must be strict or best_effort, got %q", w.SyncPolicy)
	check(w.OverlapRevs >= 0 && w.OverlapSeconds >= 0, "worker overlap must not be negative")
	check(w.PollIntervalSeconds > 0, "worker.poll_interval_seconds must be positive")

	r := c.Reaper
	check(r.IntervalSeconds > 0, "reaper.interval_seconds must be positive")
	check(r.JobGraceSeconds >= 0, "reaper.job_grace_seconds must not be negative")
	check(r.RunMaxSeconds >= 0, "reaper.run_max_seconds must not be negative")
	check(r.Policy == string(job.ReclaimToPending) || r.Policy == string(job.ReclaimToFailed),
		"reaper.policy must be to_pending or to_failed, got %q", r.Policy)

	b := c.Breaker
	for name, v := range map[string]float64{
		"cb.failure_rate_threshold": b.FailureRateThreshold,
		"cb.rate_limit_threshold":   b.RateLimitThreshold,
		"cb.timeout_threshold":      b.TimeoutThreshold,
	} {
		check(v > 0 && v <= 1, "%s must be in (0, 1], got %v", name, v)
	}
	check(!b.EMAEnabled || (b.EMAAlpha > 0 && b.EMAAlpha <= 1), "cb.ema_alpha must be in (0, 1]")
	check(b.MinSamples >= 0, "cb.min_samples must not be negative")
	check(b.WindowSize > 0 || b.WindowSeconds > 0, "cb.window_size or cb.window_seconds must be positive")
	check(b.OpenDurationSeconds > 0, "cb.open_duration_seconds must be positive")
	check(b.ProbeBudgetPerInterval >= 0, "cb.probe_budget_per_interval must not be negative")
	check(b.RecoverySuccessCount > 0, "cb.recovery_success_count must be positive")

	for name, list := range map[string][]string{
		"scheduler.job_types":        s.JobTypes,
		"worker.job_types":           w.JobTypes,
		"cb.probe_job_types":         b.ProbeJobTypes,
		"cb.backfill_only_job_types": b.BackfillOnlyJobTypes,
	} {
		if _, err := scm.ParseJobTypes(list); err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", name, err))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	check(c.Log.Format == "json" || c.Log.Format == "console", "log.format must be json or console, got %q", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func jobTypes(list []string) []scm.JobType {
	types, _ := scm.ParseJobTypes(list)
	return types
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// SchedulerConfig maps the scheduler settings.
func (c *Config) SchedulerConfig() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		ScanInterval:           secs(s.ScanIntervalSeconds),
		TickInterval:           secs(s.TickIntervalSeconds),
		Cron:                   s.Cron,
		RepairWindow:           secs(s.BackfillRepairWindowSeconds),
		MaxRunning:             s.MaxRunning,
		MaxQueueDepth:          s.MaxQueueDepth,
		GlobalConcurrency:      s.GlobalConcurrency,
		PerInstanceConcurrency: s.PerInstanceConcurrency,
		MaxEnqueuePerScan:      s.MaxEnqueuePerScan,
		TenantFairness:         s.EnableTenantFairness,
		TenantMaxPerRound:      s.TenantMaxPerRound,
		JobTypes:               jobTypes(s.JobTypes),
	}
}

// WorkerConfig maps the worker settings. An empty id keeps the generated one.
func (c *Config) WorkerConfig() worker.Config {
	w := c.Worker
	cfg := worker.DefaultConfig()
	if w.ID != "" {
		cfg.WorkerID = w.ID
	}
	cfg.JobTypes = jobTypes(w.JobTypes)
	cfg.Lease = secs(w.LeaseSeconds)
	cfg.RenewInterval = secs(w.RenewIntervalSeconds)
	cfg.MaxRenewFailures = w.MaxRenewFailures
	cfg.BatchSize = w.BatchSize
	cfg.Policy = scm.Policy(w.SyncPolicy)
	cfg.Overlap = cursor.Overlap{Revs: w.OverlapRevs, Duration: secs(w.OverlapSeconds)}
	cfg.PollInterval = secs(w.PollIntervalSeconds)
	cfg.MaxConsecutiveSameTenant = w.MaxConsecutiveSameTenant
	cfg.MaxTenantsPerRound = w.MaxTenantsPerRound
	cfg.Bulk = scm.BulkThresholds{SVNChangedPaths: w.BulkSVNPaths, GitLines: w.BulkGitLines}
	return cfg
}

// ReaperConfig maps the reaper settings.
func (c *Config) ReaperConfig() reaper.Config {
	r := c.Reaper
	return reaper.Config{
		Interval: secs(r.IntervalSeconds),
		Grace:    secs(r.JobGraceSeconds),
		RunMax:   secs(r.RunMaxSeconds),
		Policy:   job.ReclaimPolicy(r.Policy),
		Limit:    r.Limit,
	}
}

// BreakerConfig maps the breaker settings. The degraded batch size lives
// under worker since the worker applies it.
func (c *Config) BreakerConfig() breaker.Config {
	b := c.Breaker
	return breaker.Config{
		WindowSize:           b.WindowSize,
		WindowDuration:       secs(b.WindowSeconds),
		FailureRateThreshold: b.FailureRateThreshold,
		RateLimitThreshold:   b.RateLimitThreshold,
		TimeoutThreshold:     b.TimeoutThreshold,
		MinSamples:           b.MinSamples,
		EMAEnabled:           b.EMAEnabled,
		EMAAlpha:             b.EMAAlpha,
		OpenDuration:         secs(b.OpenDurationSeconds),
		ProbeBudget:          b.ProbeBudgetPerInterval,
		ProbeJobTypes:        jobTypes(b.ProbeJobTypes),
		RecoverySuccessCount: b.RecoverySuccessCount,
		BackfillOnlyMode:     b.BackfillOnlyMode,
		BackfillOnlyJobTypes: jobTypes(b.BackfillOnlyJobTypes),
		DegradedBatchSize:    c.Worker.DegradedBatchSize,
		DegradedMinInterval:  secs(b.DegradedMinIntervalSeconds),
	}
}
