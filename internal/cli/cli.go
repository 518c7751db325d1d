// Package cli implements the scm-sync command tree.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/config"
	"github.com/leejennwah/scm-sync/internal/cursor"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/logging"
	"github.com/leejennwah/scm-sync/internal/metrics"
	"github.com/leejennwah/scm-sync/internal/queue"
	"github.com/leejennwah/scm-sync/internal/scm"
	"github.com/leejennwah/scm-sync/internal/source/gitlog"
	"github.com/leejennwah/scm-sync/internal/source/jsonl"
	"github.com/leejennwah/scm-sync/internal/status"
	"github.com/leejennwah/scm-sync/internal/storage"
	"github.com/leejennwah/scm-sync/internal/tracing"
	"github.com/leejennwah/scm-sync/internal/worker"
)

// Version is set at build time.
var Version = "dev"

// rootOptions holds the global flags.
type rootOptions struct {
	configFile  string
	databaseURL string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "scm-sync",
		Short: "Incremental source-control history sync",
		Long: `scm-sync keeps SVN revisions, git commits, merge requests and review
events in sync with their upstream repositories. The scheduler enqueues due
streams, workers execute them under a lease, and the reaper reclaims runs
whose worker went away.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "database url, overrides SCM_DATABASE_URL")

	rootCmd.AddCommand(buildSchedulerCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand(opts))
	rootCmd.AddCommand(buildReaperCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildRepoCommand(opts))
	rootCmd.AddCommand(buildBreakerCommand(opts))
	rootCmd.AddCommand(buildMigrateCommand(opts))

	return rootCmd
}

// app holds the dependencies shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	clock    clock.Clock
	store    storage.Backend
	jobs     job.Repository
	redis    *redis.Client
	signal   *queue.RedisSignal
	cursors  *cursor.Cursors
	breakers *breaker.Controller
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	adapters scm.Adapters

	shutdownTracing tracing.Shutdown
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	if opts.databaseURL != "" {
		cfg.DatabaseURL = opts.databaseURL
	}
	return cfg, nil
}

// openApp connects the store and builds the shared collaborators. mutate may
// adjust the configuration from command flags and is validated afterwards.
func openApp(ctx context.Context, opts *rootOptions, service string, mutate func(*config.Config)) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", service))

	shutdownTracing, err := tracing.Init(ctx, service, cfg.Tracing.Endpoint)
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	clk := clock.Real{}
	store, err := storage.Open(ctx, cfg.DatabaseURL, clk, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:             cfg,
		logger:          logger,
		clock:           clk,
		store:           store,
		jobs:            store,
		registry:        prometheus.NewRegistry(),
		adapters:        adapters(cfg.Source),
		shutdownTracing: shutdownTracing,
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	var cursorStore cursor.Store = store
	if cfg.CursorBackend == config.CursorBackendRedis || cfg.WakeSignal {
		rdb, err := newRedis(ctx, cfg.RedisURL)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.redis = rdb
	}
	if cfg.CursorBackend == config.CursorBackendRedis {
		cursorStore = cursor.NewRedisStore(a.redis, logger)
	}
	if cfg.WakeSignal {
		a.signal = queue.NewRedisSignal(a.redis, logger)
		a.jobs = queue.Notify(store, a.signal, logger)
	}
	a.cursors = cursor.New(cursorStore)
	a.breakers = breaker.NewController(store, cfg.BreakerConfig(), clk, a.metrics, logger)
	return a, nil
}

// Close releases the store, redis and tracer.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Warn("tracing shutdown", zap.Error(err))
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newRedis(ctx context.Context, raw string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(raw, "://") {
		var err error
		if opts, err = redis.ParseURL(raw); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	} else {
		opts = &redis.Options{Addr: raw}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

// adapters reads every job type from JSON-lines exports, except commits,
// which come from local clones when a clone root is configured.
func adapters(cfg config.Source) scm.Adapters {
	out := jsonl.Adapters(cfg.JSONLDir)
	if cfg.GitDir != "" {
		out[scm.JobTypeCommits] = gitlog.New(cfg.GitDir)
	}
	return out
}

// newWorker builds a worker that waits on the wake signal when one is
// configured.
func (a *app) newWorker(cfg worker.Config) *worker.Worker {
	w := worker.New(a.store, a.jobs, a.cursors, a.breakers, a.adapters, a.store, a.clock, a.metrics, a.logger, cfg)
	if a.signal != nil {
		w.SetWaker(a.signal)
	}
	return w
}

func (a *app) collector() *status.Collector {
	return status.NewCollector(a.store, a.store, a.cursors, a.breakers, a.clock)
}

// serveHTTP serves the status router on addr until ctx is done. An empty
// addr disables the server.
func (a *app) serveHTTP(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           status.NewRouter(a.collector(), a.store, a.registry, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("http server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseJobTypes(names []string) ([]scm.JobType, error) {
	var flat []string
	for _, n := range names {
		flat = append(flat, strings.Split(n, ",")...)
	}
	return scm.ParseJobTypes(flat)
}
