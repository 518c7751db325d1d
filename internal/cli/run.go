package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/scm"
	"github.com/leejennwah/scm-sync/internal/worker"
)

// errClaimedElsewhere reports a manual job that a daemon worker claimed
// after it was enqueued and before this process could.
var errClaimedElsewhere = errors.New("manual job claimed by another worker")

// runOptions are the flags of `run incremental` and `run backfill`.
type runOptions struct {
	repoID          string
	jobType         string
	since           string
	until           string
	startRev        int64
	endRev          int64
	updateWatermark bool
	policy          string
	workerID        string
}

func buildRunCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enqueue a manual sync job and execute it in-process",
		Long: `Enqueue a manual job for one stream and execute it under the same claim
and lease protocol as the worker. The command fails if the stream already has
a pending or running job.`,
	}
	cmd.AddCommand(buildRunModeCommand(opts, scm.ModeIncremental))
	cmd.AddCommand(buildRunModeCommand(opts, scm.ModeBackfill))
	return cmd
}

func buildRunModeCommand(opts *rootOptions, mode scm.Mode) *cobra.Command {
	ro := &runOptions{startRev: -1, endRev: -1}

	cmd := &cobra.Command{
		Use:  string(mode),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManual(cmd, opts, ro, mode)
		},
	}
	if mode == scm.ModeIncremental {
		cmd.Short = "Sync a stream forward from its cursor"
	} else {
		cmd.Short = "Sync an explicit historical range without moving the cursor"
	}

	cmd.Flags().StringVar(&ro.repoID, "repo", "", "repository id, e.g. svn:core")
	cmd.Flags().StringVar(&ro.jobType, "job-type", "", "job type")
	cmd.Flags().StringVar(&ro.policy, "policy", "", "record error policy: strict or best_effort (default: configured)")
	cmd.Flags().StringVar(&ro.workerID, "worker-id", "", "lease holder identity (default: generated)")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("job-type")
	if mode == scm.ModeBackfill {
		cmd.Flags().StringVar(&ro.since, "since", "", "range start, RFC 3339 (timestamp job types)")
		cmd.Flags().StringVar(&ro.until, "until", "", "range end, RFC 3339 (timestamp job types)")
		cmd.Flags().Int64Var(&ro.startRev, "start-rev", -1, "range start revision (svn_revisions)")
		cmd.Flags().Int64Var(&ro.endRev, "end-rev", -1, "range end revision (svn_revisions)")
		cmd.Flags().BoolVar(&ro.updateWatermark, "update-watermark", false, "advance the cursor when the range completes")
	}
	return cmd
}

// params validates the window flags against the job type.
func (ro *runOptions) params(mode scm.Mode, jt scm.JobType) (job.Params, error) {
	p := job.Params{Mode: mode, Policy: scm.Policy(ro.policy), AdvanceWatermark: ro.updateWatermark}
	if mode == scm.ModeIncremental {
		return p, nil
	}

	kind := jt.WatermarkKind()
	revFlags := ro.startRev >= 0 || ro.endRev >= 0
	tsFlags := ro.since != "" || ro.until != ""
	switch {
	case kind == scm.WatermarkRevision && tsFlags:
		return p, fmt.Errorf("%w: %s takes --start-rev/--end-rev", job.ErrInvalidParams, jt)
	case kind == scm.WatermarkTimestamp && revFlags:
		return p, fmt.Errorf("%w: %s takes --since/--until", job.ErrInvalidParams, jt)
	}

	if kind == scm.WatermarkRevision {
		if ro.startRev >= 0 {
			w := scm.Revision(ro.startRev)
			p.Since = &w
		}
		if ro.endRev >= 0 {
			w := scm.Revision(ro.endRev)
			p.Until = &w
		}
		return p, nil
	}
	for _, f := range []struct {
		raw string
		dst **scm.Watermark
	}{{ro.since, &p.Since}, {ro.until, &p.Until}} {
		if f.raw == "" {
			continue
		}
		w, err := scm.ParseWatermark(kind, f.raw)
		if err != nil {
			return p, fmt.Errorf("%w: %v", job.ErrInvalidParams, err)
		}
		*f.dst = &w
	}
	return p, nil
}

func runManual(cmd *cobra.Command, opts *rootOptions, ro *runOptions, mode scm.Mode) error {
	jt, err := scm.ParseJobType(ro.jobType)
	if err != nil {
		return err
	}
	if err := scm.ValidateSourceID(ro.repoID); err != nil {
		return err
	}
	params, err := ro.params(mode, jt)
	if err != nil {
		return err
	}
	if err := params.Validate(jt); err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, opts, "scm-sync-run", nil)
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.store.GetRepository(ctx, ro.repoID)
	if err != nil {
		return err
	}
	j, err := job.New(repo, jt, job.ReasonManual, params, a.clock.Now())
	if err != nil {
		return err
	}
	ok, err := a.jobs.Enqueue(ctx, j)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrAlreadyActive, j.Key())
	}
	a.logger.Info("manual job enqueued",
		zap.String("job_id", j.ID.String()),
		zap.String("repo_id", j.RepoID),
		zap.String("job_type", string(j.JobType)),
		zap.String("mode", string(mode)),
	)

	cfg := a.cfg.WorkerConfig()
	if ro.workerID != "" {
		cfg.WorkerID = ro.workerID
	}
	report, err := executeManual(ctx, a.newWorker(cfg), j)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	switch {
	case report.LeaseLost:
		return fmt.Errorf("run %s lost its lease", report.RunID)
	case report.Outcome == job.OutcomeFailure:
		return fmt.Errorf("run %s failed: %s", report.RunID, report.Reason)
	}
	return nil
}

// executeManual runs j under this process's claim. The job stays pending
// between enqueue and claim, so a polling worker may take it first; it then
// runs there and is followed with `scm-sync status`.
func executeManual(ctx context.Context, w *worker.Worker, j *job.SyncJob) (*worker.Report, error) {
	report, err := w.ExecuteJob(ctx, j.ID)
	if errors.Is(err, job.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: job %s (%s) runs there; follow it with `scm-sync status`", errClaimedElsewhere, j.ID, j.Key())
	}
	return report, err
}
