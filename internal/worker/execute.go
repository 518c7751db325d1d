package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/cursor"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/scm"
)

const commitTimeout = 30 * time.Second

// Report summarizes one run. It is stored as the run's JSON summary.
type Report struct {
	JobID     uuid.UUID   `json:"job_id"`
	RunID     uuid.UUID   `json:"run_id"`
	RepoID    string      `json:"repo_id"`
	JobType   scm.JobType `json:"job_type"`
	Mode      scm.Mode    `json:"mode"`
	Policy    scm.Policy  `json:"policy"`
	JobReason job.Reason  `json:"job_reason"`
	BatchSize int         `json:"batch_size"`

	Outcome job.Outcome  `json:"outcome,omitempty"`
	Kind    breaker.Kind `json:"kind,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Error   string       `json:"error,omitempty"`

	Fetched int `json:"fetched"`
	scm.WriteCounts
	Bulk   int               `json:"bulk"`
	Errors []scm.RecordError `json:"errors"`

	CursorBefore  *scm.Watermark `json:"cursor_before,omitempty"`
	CursorAfter   *scm.Watermark `json:"cursor_after,omitempty"`
	CursorWritten bool           `json:"cursor_written"`
	LeaseLost     bool           `json:"lease_lost,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
}

// pass is the state of one fetch-and-upsert pass over the window.
type pass struct {
	current   *scm.Watermark
	window    cursor.Window
	progress  *cursor.Progress
	completed bool

	err    error
	reason string
	// kind is reported to the breaker; empty means the run never reached
	// the source.
	kind breaker.Kind
}

func (p *pass) fail(err error, reason string, kind breaker.Kind) {
	p.err, p.reason, p.kind = err, reason, kind
}

func (w *Worker) execute(ctx context.Context, c *job.Claim) (*Report, error) {
	j, run := c.Job, c.Run
	ctx, span := tracer.Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("job.id", j.ID.String()),
			attribute.String("run.id", run.ID.String()),
			attribute.String("repo.id", j.RepoID),
			attribute.String("job.type", string(j.JobType)),
			attribute.String("run.mode", string(j.Params.Mode)),
			attribute.Int("job.attempt", j.Attempts),
		),
	)
	defer span.End()

	w.metrics.WorkerBusy.WithLabelValues(w.cfg.WorkerID).Set(1)
	defer w.metrics.WorkerBusy.WithLabelValues(w.cfg.WorkerID).Set(0)

	log := w.logger.With(
		zap.String("job_id", j.ID.String()),
		zap.String("run_id", run.ID.String()),
		zap.String("repo_id", j.RepoID),
		zap.String("job_type", string(j.JobType)),
	)
	log.Info("run claimed",
		zap.String("mode", string(j.Params.Mode)),
		zap.String("reason", string(j.Reason)),
		zap.Int("attempt", j.Attempts),
	)

	policy := j.Params.Policy
	if policy == "" {
		policy = w.cfg.Policy
	}
	started := w.clock.Now()
	rep := &Report{
		JobID:     j.ID,
		RunID:     run.ID,
		RepoID:    j.RepoID,
		JobType:   j.JobType,
		Mode:      j.Params.Mode,
		Policy:    policy,
		JobReason: j.Reason,
		Errors:    []scm.RecordError{},
	}

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	stop := make(chan struct{})
	held := make(chan struct{})
	go func() {
		defer close(held)
		w.holdLease(runCtx, run, abort, stop)
	}()

	p := w.sync(runCtx, j, policy, rep)

	close(stop)
	<-held
	if cause := context.Cause(runCtx); errors.Is(cause, job.ErrLeaseLost) {
		return w.abandon(log, rep, cause), nil
	}

	// The commit must not be cut short by shutdown once the pass is over.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	rep.DurationMS = w.clock.Now().Sub(started).Milliseconds()
	if err := w.commit(cctx, log, j, run, p, rep); err != nil {
		if errors.Is(err, job.ErrLeaseLost) {
			return w.abandon(log, rep, err), nil
		}
		span.RecordError(err)
		return rep, err
	}

	span.SetAttributes(
		attribute.String("run.outcome", string(rep.Outcome)),
		attribute.Int("run.fetched", rep.Fetched),
		attribute.Int("run.errors", len(rep.Errors)),
	)
	return rep, nil
}

// sync resolves the window and walks the source pages, upserting each
// record in order.
func (w *Worker) sync(ctx context.Context, j *job.SyncJob, policy scm.Policy, rep *Report) *pass {
	p := &pass{progress: cursor.NewProgress()}
	defer func() {
		if errs := p.progress.Errors(); len(errs) > 0 {
			rep.Errors = errs
		}
	}()

	repo, err := w.repos.GetRepository(ctx, j.RepoID)
	if err != nil {
		p.fail(fmt.Errorf("get repository: %w", err), job.FailSetup, "")
		return p
	}
	adapter, err := w.adapters.For(j.JobType)
	if err != nil {
		p.fail(err, job.FailSetup, "")
		return p
	}
	cur, err := w.cursors.Get(ctx, j.RepoID, j.JobType)
	if err != nil {
		p.fail(err, job.FailSetup, "")
		return p
	}
	if cur != nil {
		wm := cur.Watermark
		p.current = &wm
		rep.CursorBefore = &wm
	}
	p.window, err = cursor.ComputeWindow(j.JobType, j.Params.Mode, p.current, j.Params.Since, j.Params.Until, w.cfg.Overlap)
	if err != nil {
		p.fail(fmt.Errorf("compute window: %w", err), job.FailSetup, "")
		return p
	}

	snap, err := w.breakers.Peek(ctx, j.Key())
	if err != nil {
		w.logger.Warn("read breaker state", zap.String("key", j.Key().String()), zap.Error(err))
	}
	rep.BatchSize = w.breakers.BatchSize(snap, w.cfg.BatchSize)

	req := scm.FetchRequest{
		Repo:      repo,
		JobType:   j.JobType,
		Since:     p.window.Since,
		Until:     p.window.Until,
		BatchSize: rep.BatchSize,
	}
	for {
		if err := ctx.Err(); err != nil {
			p.fail(context.Cause(ctx), job.FailInterrupted, "")
			return p
		}
		res, err := adapter.Fetch(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				p.fail(context.Cause(ctx), job.FailInterrupted, "")
				return p
			}
			kind := scm.ClassifyError(err)
			p.fail(fmt.Errorf("fetch: %w", err), failReason(kind), breaker.KindFromSource(kind))
			return p
		}

		rep.Fetched += len(res.Records)
		for i := range res.Records {
			if err := ctx.Err(); err != nil {
				p.fail(context.Cause(ctx), job.FailInterrupted, "")
				return p
			}
			if w.upsert(ctx, j, policy, &res.Records[i], p, rep) {
				return p
			}
		}

		if !res.HasMore {
			p.completed = true
			return p
		}
		if res.LastMarker == "" || res.LastMarker == req.Marker {
			p.fail(fmt.Errorf("fetch: source reported more records without advancing its marker"), job.FailSourceError, breaker.KindFailure)
			return p
		}
		req.Marker = res.LastMarker
	}
}

// upsert writes one record and reports whether the pass must stop.
func (w *Worker) upsert(ctx context.Context, j *job.SyncJob, policy scm.Policy, rec *scm.Record, p *pass, rep *Report) bool {
	if err := rec.Validate(j.JobType); err != nil {
		return w.recordFailed(j, policy, rec, scm.ReasonInvalid, err, p)
	}
	rec.Bulk = w.cfg.Bulk.IsBulk(j.JobType, rec)
	if rec.Bulk {
		rep.Bulk++
	}

	action, err := w.ledger.UpsertRecord(ctx, j.RepoID, j.JobType, rec)
	if err != nil {
		if ctx.Err() != nil {
			p.fail(context.Cause(ctx), job.FailInterrupted, "")
			return true
		}
		if errors.Is(err, scm.ErrIntegrity) {
			w.recordFailed(j, policy, rec, scm.ReasonIntegrity, err, p)
			p.fail(err, job.FailIntegrity, breaker.KindPartial)
			return true
		}
		return w.recordFailed(j, policy, rec, scm.ReasonWrite, err, p)
	}

	p.progress.Succeeded(rec.Watermark)
	rep.WriteCounts.Add(action)
	w.metrics.RecordsTotal.WithLabelValues(string(j.JobType), string(action)).Inc()
	return false
}

// recordFailed collects a per-record error. Strict runs stop at the first
// one; the source itself answered, so the breaker sees a partial.
func (w *Worker) recordFailed(j *job.SyncJob, policy scm.Policy, rec *scm.Record, reason scm.RecordErrorReason, err error, p *pass) bool {
	e := scm.RecordError{ID: rec.Key, Reason: reason, Message: err.Error()}
	if rec.Watermark.Kind != "" {
		e.Watermark = rec.Watermark.String()
	}
	p.progress.Failed(e)
	w.metrics.RecordErrors.WithLabelValues(string(j.JobType), string(reason)).Inc()
	if policy == scm.PolicyStrict {
		p.fail(fmt.Errorf("record %s: %w", rec.Key, err), job.FailRecordError, breaker.KindPartial)
		return true
	}
	return false
}

// commit decides the outcome, moves the cursor while the lease is verified,
// releases the lease and reports to the breaker.
func (w *Worker) commit(ctx context.Context, log *zap.Logger, j *job.SyncJob, run *job.Run, p *pass, rep *Report) error {
	switch {
	case p.err != nil:
		rep.Outcome, rep.Kind, rep.Reason, rep.Error = job.OutcomeFailure, p.kind, p.reason, p.err.Error()
	case len(rep.Errors) > 0:
		rep.Outcome, rep.Kind = job.OutcomePartial, breaker.KindPartial
	default:
		rep.Outcome, rep.Kind = job.OutcomeSuccess, breaker.KindSuccess
	}

	rep.CursorAfter = p.current
	next, advance := cursor.NextWatermark(j.JobType.WatermarkKind(), p.current, cursor.Outcome{
		Mode:             j.Params.Mode,
		Policy:           rep.Policy,
		Completed:        p.completed && p.err == nil,
		LastSuccess:      p.progress.LastSuccess(),
		RecordErrors:     len(rep.Errors),
		AdvanceWatermark: j.Params.AdvanceWatermark,
		WindowEnd:        p.window.Until,
	})
	if advance {
		if err := w.writeCursor(ctx, j, run, next, p.progress.SucceededCount()); err != nil {
			if errors.Is(err, job.ErrLeaseLost) {
				return err
			}
			log.Error("cursor not written", zap.String("watermark", next.String()), zap.Error(err))
		} else {
			rep.CursorAfter = &next
			rep.CursorWritten = true
			w.metrics.CursorAdvances.WithLabelValues(string(j.JobType)).Inc()
		}
	}

	summary, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	res := job.Result{Outcome: rep.Outcome, Reason: rep.Reason, Error: rep.Error, Summary: summary}
	if err := w.jobs.FinishRun(ctx, run.ID, w.cfg.WorkerID, res, w.clock.Now()); err != nil {
		if errors.Is(err, job.ErrLeaseLost) {
			return err
		}
		return fmt.Errorf("finish run: %w", err)
	}

	if rep.Kind != "" {
		if _, err := w.breakers.Observe(ctx, j.Key(), rep.Kind); err != nil {
			log.Warn("breaker observe failed", zap.String("kind", string(rep.Kind)), zap.Error(err))
		}
	}

	w.metrics.RunsTotal.WithLabelValues(string(j.JobType), string(rep.Outcome)).Inc()
	w.metrics.RunDuration.WithLabelValues(string(j.JobType)).Observe(float64(rep.DurationMS) / 1000)

	fields := []zap.Field{
		zap.String("outcome", string(rep.Outcome)),
		zap.Int("fetched", rep.Fetched),
		zap.Int("inserted", rep.Inserted),
		zap.Int("updated", rep.Updated),
		zap.Int("skipped", rep.Skipped),
		zap.Int("bulk", rep.Bulk),
		zap.Int("errors", len(rep.Errors)),
		zap.Stringer("cursor_before", optWatermark{rep.CursorBefore}),
		zap.Stringer("cursor_after", optWatermark{rep.CursorAfter}),
	}
	if rep.Outcome == job.OutcomeFailure {
		log.Warn("run failed", append(fields, zap.String("reason", rep.Reason), zap.String("error", rep.Error))...)
	} else {
		log.Info("run finished", fields...)
	}
	return nil
}

// writeCursor renews the lease as a fence and then persists the cursor, so a
// run that lost its stream never moves the cursor.
func (w *Worker) writeCursor(ctx context.Context, j *job.SyncJob, run *job.Run, wm scm.Watermark, count int) error {
	if err := w.renew(ctx, run); err != nil {
		return fmt.Errorf("fence lease: %w", err)
	}
	return w.cursors.Put(ctx, j.RepoID, j.JobType, &cursor.Value{
		Watermark:   wm,
		RunID:       run.ID.String(),
		SyncedAt:    w.clock.Now(),
		SyncedCount: count,
	})
}

// abandon gives up a run whose lease is gone. Nothing is written for it; the
// reaper owns the run from here.
func (w *Worker) abandon(log *zap.Logger, rep *Report, cause error) *Report {
	rep.LeaseLost = true
	rep.Outcome, rep.Kind = "", ""
	rep.Reason = job.FailLeaseLost
	rep.Error = cause.Error()
	w.metrics.LeaseLostTotal.Inc()
	log.Warn("lease lost, abandoning run", zap.Error(cause))
	return rep
}

func failReason(k scm.ErrorKind) string {
	switch k {
	case scm.KindRateLimited:
		return job.FailRateLimited
	case scm.KindTimeout:
		return job.FailTimeout
	default:
		return job.FailSourceError
	}
}

type optWatermark struct{ w *scm.Watermark }

func (o optWatermark) String() string {
	if o.w == nil {
		return "none"
	}
	return o.w.String()
}
