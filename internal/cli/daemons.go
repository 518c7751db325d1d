package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/config"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/reaper"
	"github.com/leejennwah/scm-sync/internal/scheduler"
)

func buildSchedulerCommand(opts *rootOptions) *cobra.Command {
	var once, dryRun bool

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Scan repositories and enqueue due sync jobs",
		Long: `Scan every registered repository on each tick and enqueue incremental,
repair, probe or degraded jobs for streams that are due. --dry-run reports the
decisions of one pass without writing anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, "scm-sync-scheduler", nil)
			if err != nil {
				return err
			}
			defer a.Close()

			s := scheduler.New(a.store, a.jobs, a.cursors, a.breakers, a.clock, a.metrics, a.logger, a.cfg.SchedulerConfig())
			if once || dryRun {
				report, err := s.Scan(ctx, dryRun)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			}

			a.serveHTTP(ctx, a.cfg.Metrics.Addr)
			return s.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single scan pass and print its report")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report one pass without enqueueing (implies --once)")

	return cmd
}

func buildWorkerCommand(opts *rootOptions) *cobra.Command {
	var (
		workerID string
		jobTypes []string
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute sync jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := parseJobTypes(jobTypes)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, "scm-sync-worker", func(c *config.Config) {
				if workerID != "" {
					c.Worker.ID = workerID
				}
				if len(types) > 0 {
					c.Worker.JobTypes = nil
					for _, jt := range types {
						c.Worker.JobTypes = append(c.Worker.JobTypes, string(jt))
					}
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			w := a.newWorker(a.cfg.WorkerConfig())
			if once {
				report, err := w.RunOnce(ctx)
				if err != nil {
					return err
				}
				if report == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "no job claimed")
					return nil
				}
				return writeJSON(cmd.OutOrStdout(), report)
			}

			a.serveHTTP(ctx, a.cfg.Metrics.Addr)
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&workerID, "worker-id", "", "lease holder identity (default: generated)")
	cmd.Flags().StringSliceVar(&jobTypes, "job-types", nil, "job types to claim (default: all)")
	cmd.Flags().BoolVar(&once, "once", false, "claim and execute at most one job")

	return cmd
}

func buildReaperCommand(opts *rootOptions) *cobra.Command {
	var (
		once         bool
		dryRun       bool
		graceSeconds int
		policy       string
	)

	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Reclaim runs whose lease expired or that ran too long",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, "scm-sync-reaper", func(c *config.Config) {
				if cmd.Flags().Changed("grace-seconds") {
					c.Reaper.JobGraceSeconds = graceSeconds
				}
				if policy != "" {
					c.Reaper.Policy = policy
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			r := reaper.New(a.store, a.breakers, a.clock, a.metrics, a.logger, a.cfg.ReaperConfig())
			if once || dryRun {
				report, err := r.Sweep(ctx, dryRun)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			}

			a.serveHTTP(ctx, a.cfg.Metrics.Addr)
			a.logger.Info("reaper configured",
				zap.Duration("grace", a.cfg.ReaperConfig().Grace),
				zap.String("policy", a.cfg.Reaper.Policy),
			)
			return r.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and print its report")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list reclaimable runs without touching them (implies --once)")
	cmd.Flags().IntVar(&graceSeconds, "grace-seconds", int(reaper.DefaultConfig().Grace/time.Second), "seconds past lease expiry before a run is reclaimed")
	cmd.Flags().StringVar(&policy, "policy", "", fmt.Sprintf("reclaim policy: %s or %s", job.ReclaimToPending, job.ReclaimToFailed))

	return cmd
}
