package cursor

import (
	"fmt"
	"time"

	"github.com/leejennwah/scm-sync/internal/scm"
)

// Overlap is the re-fetch margin applied below the current watermark.
type Overlap struct {
	Revs     int64
	Duration time.Duration
}

// Window is an inclusive fetch range. A nil Until means "up to head".
type Window struct {
	Since scm.Watermark
	Until *scm.Watermark
}

// ComputeWindow derives the fetch window of a run. Incremental runs start at
// the current watermark minus the overlap; backfills use the explicit range
// and ignore the cursor.
func ComputeWindow(jt scm.JobType, mode scm.Mode, current *scm.Watermark, since, until *scm.Watermark, ov Overlap) (Window, error) {
	kind := jt.WatermarkKind()
	for _, w := range []*scm.Watermark{current, since, until} {
		if w != nil && w.Kind != kind {
			return Window{}, fmt.Errorf("%s watermark for %s", w.Kind, jt)
		}
	}

	switch mode {
	case scm.ModeBackfill:
		if since == nil {
			return Window{}, fmt.Errorf("backfill requires a start watermark")
		}
		if until != nil && since.After(*until) {
			return Window{}, fmt.Errorf("backfill start %s is after end %s", since, until)
		}
		return Window{Since: *since, Until: until}, nil
	case scm.ModeIncremental:
		start := scm.ZeroFor(kind)
		if current != nil {
			start = current.Back(ov.Revs, ov.Duration)
		}
		return Window{Since: start, Until: until}, nil
	default:
		return Window{}, fmt.Errorf("unknown mode %q", mode)
	}
}

// Progress tracks the contiguous success point of a run. Records must be
// reported in watermark order.
type Progress struct {
	last      *scm.Watermark
	broken    bool
	succeeded int
	errors    []scm.RecordError
}

// NewProgress returns an empty tracker.
func NewProgress() *Progress {
	return &Progress{}
}

// Succeeded records a successful upsert at w.
func (p *Progress) Succeeded(w scm.Watermark) {
	p.succeeded++
	if p.broken {
		return
	}
	if p.last == nil || w.After(*p.last) {
		v := w
		p.last = &v
	}
}

// Failed records a per-record error. The success point stops moving.
func (p *Progress) Failed(e scm.RecordError) {
	p.broken = true
	p.errors = append(p.errors, e)
}

// LastSuccess is the highest watermark upserted contiguously from the
// window start, or nil.
func (p *Progress) LastSuccess() *scm.Watermark {
	return p.last
}

// SucceededCount returns how many records were upserted.
func (p *Progress) SucceededCount() int {
	return p.succeeded
}

// Errors returns the collected record errors.
func (p *Progress) Errors() []scm.RecordError {
	return p.errors
}

// Outcome summarizes a finished run for the advance decision.
type Outcome struct {
	Mode   scm.Mode
	Policy scm.Policy
	// Completed is true when the whole window was fetched and processed
	// without a fatal error.
	Completed        bool
	LastSuccess      *scm.Watermark
	RecordErrors     int
	AdvanceWatermark bool
	WindowEnd        *scm.Watermark
}

// NextWatermark decides the watermark to persist after a run. The boolean is
// false when the cursor must not be written. The result never moves below
// current.
//
//   - strict incremental: written only when the window completed with no
//     record errors.
//   - best-effort incremental: advanced to the last contiguous success point;
//     a completed run also refreshes the cursor without moving it.
//   - backfill: untouched unless AdvanceWatermark is set, then moved to the
//     window end when it is ahead of current.
func NextWatermark(kind scm.WatermarkKind, current *scm.Watermark, o Outcome) (scm.Watermark, bool) {
	switch o.Mode {
	case scm.ModeBackfill:
		if !o.AdvanceWatermark {
			return scm.Watermark{}, false
		}
		var candidate *scm.Watermark
		switch {
		case o.Completed && o.RecordErrors == 0 && o.WindowEnd != nil:
			candidate = o.WindowEnd
		case o.Completed && o.RecordErrors == 0:
			candidate = o.LastSuccess
		case o.Policy == scm.PolicyBestEffort:
			candidate = o.LastSuccess
		}
		if candidate == nil {
			return scm.Watermark{}, false
		}
		if current != nil && !candidate.After(*current) {
			return scm.Watermark{}, false
		}
		return *candidate, true

	case scm.ModeIncremental:
		base := scm.ZeroFor(kind)
		if current != nil {
			base = *current
		}
		next := base
		if o.LastSuccess != nil && o.LastSuccess.After(base) {
			next = *o.LastSuccess
		}
		if o.Policy == scm.PolicyBestEffort {
			if o.Completed || next.After(base) {
				return next, true
			}
			return scm.Watermark{}, false
		}
		if !o.Completed || o.RecordErrors > 0 {
			return scm.Watermark{}, false
		}
		return next, true
	}
	return scm.Watermark{}, false
}
