// Package jsonl implements a source adapter over JSON-lines exports, one file
// per (repository, job type):
//
//	<dir>/<repo_id with : and / replaced by _>/<job_type>.jsonl
//
// Each line is one upstream item. Lines may appear in any order; Fetch sorts
// them by watermark. A line that cannot be decoded is returned as a malformed
// record keyed by <file>:<line> instead of failing the fetch.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/leejennwah/scm-sync/internal/scm"
)

// Line is the export format of one item.
type Line struct {
	// ID is the commit sha, the merge request iid or the review event id.
	// SVN revisions use Rev instead.
	ID    string     `json:"id,omitempty"`
	Rev   *int64     `json:"rev,omitempty"`
	TS    *time.Time `json:"ts,omitempty"`
	MRIID int64      `json:"mr_iid,omitempty"`

	ChangedPaths int             `json:"changed_paths,omitempty"`
	Additions    int             `json:"additions,omitempty"`
	Deletions    int             `json:"deletions,omitempty"`
	Checksum     string          `json:"checksum,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Adapter reads exports from a directory. It is stateless and safe for
// concurrent use.
type Adapter struct {
	dir string
}

// New returns an adapter rooted at dir.
func New(dir string) *Adapter {
	return &Adapter{dir: dir}
}

// Adapters registers the adapter for every job type.
func Adapters(dir string) scm.Adapters {
	a := New(dir)
	out := scm.Adapters{}
	for _, jt := range scm.AllJobTypes() {
		out[jt] = a
	}
	return out
}

// Path returns the export file of the stream.
func (a *Adapter) Path(repoID string, jt scm.JobType) string {
	name := strings.NewReplacer(":", "_", "/", "_").Replace(repoID)
	return filepath.Join(a.dir, name, string(jt)+".jsonl")
}

// Fetch returns records in [Since, Until] by ascending watermark. The marker
// is the offset into that ordered range, so overlapping windows re-read the
// same items.
func (a *Adapter) Fetch(ctx context.Context, req scm.FetchRequest) (*scm.FetchResult, error) {
	offset := 0
	if req.Marker != "" {
		n, err := strconv.Atoi(req.Marker)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid marker %q", req.Marker)
		}
		offset = n
	}

	records, err := a.read(ctx, req.Repo.ID, req.JobType)
	if err != nil {
		return nil, err
	}

	var window []scm.Record
	for _, r := range records {
		if r.Watermark.Compare(req.Since) < 0 {
			continue
		}
		if req.Until != nil && r.Watermark.Compare(*req.Until) > 0 {
			continue
		}
		window = append(window, r)
	}

	res := &scm.FetchResult{}
	if offset >= len(window) {
		return res, nil
	}
	end := len(window)
	if req.BatchSize > 0 && offset+req.BatchSize < end {
		end = offset + req.BatchSize
	}
	res.Records = window[offset:end]
	res.HasMore = end < len(window)
	res.LastMarker = strconv.Itoa(end)
	return res, nil
}

func (a *Adapter) read(ctx context.Context, repoID string, jt scm.JobType) ([]scm.Record, error) {
	path := a.Path(repoID, jt)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open export: %w", err)
	}
	defer f.Close()

	var out []scm.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for n := 1; sc.Scan(); n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var l Line
		if err := json.Unmarshal(raw, &l); err != nil {
			out = append(out, malformed(jt, path, n, &l, raw, err))
			continue
		}
		r, err := toRecord(repoID, jt, &l, raw)
		if err != nil {
			out = append(out, malformed(jt, path, n, &l, raw, err))
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}

	sort.SliceStable(out, func(i, k int) bool {
		return out[i].Watermark.Compare(out[k].Watermark) < 0
	})
	return out, nil
}

// malformed turns an undecodable line into a record that fails validation, so
// the run's policy decides whether it aborts or skips the line. The record sits
// at the line's own watermark when one decoded, otherwise at the zero watermark
// where only a window from the start of the stream sees it.
func malformed(jt scm.JobType, path string, n int, l *Line, raw []byte, err error) scm.Record {
	r := scm.Record{
		Key:       fmt.Sprintf("%s:%d", filepath.Base(path), n),
		Watermark: scm.ZeroFor(jt.WatermarkKind()),
		Payload:   append(json.RawMessage(nil), raw...),
		Malformed: err.Error(),
	}
	switch {
	case jt == scm.JobTypeSVNRevisions && l.Rev != nil:
		r.Watermark = scm.Revision(*l.Rev)
	case jt != scm.JobTypeSVNRevisions && l.TS != nil:
		r.Watermark = scm.Timestamp(*l.TS)
	}
	return r
}

func toRecord(repoID string, jt scm.JobType, l *Line, raw []byte) (scm.Record, error) {
	r := scm.Record{
		ChangedPaths: l.ChangedPaths,
		Additions:    l.Additions,
		Deletions:    l.Deletions,
		Checksum:     l.Checksum,
		Payload:      l.Payload,
	}
	if len(r.Payload) == 0 {
		r.Payload = append(json.RawMessage(nil), raw...)
	}

	if jt == scm.JobTypeSVNRevisions {
		if l.Rev == nil {
			return r, fmt.Errorf("svn revision without rev")
		}
		r.Key = scm.SVNKey(repoID, *l.Rev)
		r.Watermark = scm.Revision(*l.Rev)
		return r, nil
	}

	if l.TS == nil {
		return r, fmt.Errorf("%s item %q without ts", jt, l.ID)
	}
	if l.ID == "" {
		return r, fmt.Errorf("%s item without id", jt)
	}
	r.Watermark = scm.Timestamp(*l.TS)
	switch jt {
	case scm.JobTypeCommits:
		r.Key = scm.CommitKey(repoID, l.ID)
	case scm.JobTypeMRs:
		iid, err := strconv.ParseInt(l.ID, 10, 64)
		if err != nil {
			return r, fmt.Errorf("merge request id %q is not an iid", l.ID)
		}
		r.Key = scm.MRID(repoID, iid)
	case scm.JobTypeReviews:
		if l.MRIID == 0 {
			return r, fmt.Errorf("review event %q without mr_iid", l.ID)
		}
		r.Key = scm.ReviewKey(scm.MRID(repoID, l.MRIID), l.ID)
	default:
		return r, fmt.Errorf("%w: %s", scm.ErrUnknownJobType, jt)
	}
	return r, nil
}
