// Package gitlog implements the commits source adapter against local git
// clones by reading `git log`.
package gitlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/leejennwah/scm-sync/internal/scm"
)

const (
	recordSep = "\x1e"
	fieldSep  = "\x1f"
	logFormat = "--format=" + recordSep + "%H" + fieldSep + "%cI" + fieldSep + "%an" + fieldSep + "%s"
)

// Commit is the payload stored for each fetched commit.
type Commit struct {
	SHA          string    `json:"sha"`
	Author       string    `json:"author"`
	CommittedAt  time.Time `json:"committed_at"`
	Subject      string    `json:"subject"`
	ChangedPaths int       `json:"changed_paths"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
}

// Adapter runs git against a clone per repository. A repository whose URL is
// a local path or file:// URL is read in place; others are expected under
// the clone root, named by repo id with ':' and '/' replaced by '_'.
type Adapter struct {
	root string
	git  string
}

// New returns an adapter resolving clones under root.
func New(root string) *Adapter {
	return &Adapter{root: root, git: "git"}
}

// Dir returns the working copy read for repo.
func (a *Adapter) Dir(repo *scm.Repository) string {
	if u, err := url.Parse(repo.URL); err == nil && u.Scheme == "file" {
		return u.Path
	}
	if filepath.IsAbs(repo.URL) {
		return repo.URL
	}
	name := strings.NewReplacer(":", "_", "/", "_").Replace(repo.ID)
	return filepath.Join(a.root, name)
}

// Fetch lists commits with committer time in [Since, Until] in ascending
// order. The marker is the offset into that range.
func (a *Adapter) Fetch(ctx context.Context, req scm.FetchRequest) (*scm.FetchResult, error) {
	if req.JobType != scm.JobTypeCommits {
		return nil, fmt.Errorf("%w: gitlog serves commits, not %s", scm.ErrNoAdapter, req.JobType)
	}
	offset := 0
	if req.Marker != "" {
		n, err := strconv.Atoi(req.Marker)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid marker %q", req.Marker)
		}
		offset = n
	}

	commits, err := a.log(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &scm.FetchResult{}
	if offset >= len(commits) {
		return res, nil
	}
	end := len(commits)
	if req.BatchSize > 0 && offset+req.BatchSize < end {
		end = offset + req.BatchSize
	}
	for _, c := range commits[offset:end] {
		payload, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("encode commit %s: %w", c.SHA, err)
		}
		res.Records = append(res.Records, scm.Record{
			Key:          scm.CommitKey(req.Repo.ID, c.SHA),
			Watermark:    scm.Timestamp(c.CommittedAt),
			ChangedPaths: c.ChangedPaths,
			Additions:    c.Additions,
			Deletions:    c.Deletions,
			Payload:      payload,
		})
	}
	res.HasMore = end < len(commits)
	res.LastMarker = strconv.Itoa(end)
	return res, nil
}

func (a *Adapter) log(ctx context.Context, req scm.FetchRequest) ([]Commit, error) {
	// --since has second granularity; widen by one second and filter exactly
	// below.
	args := []string{"log", logFormat, "--numstat", "--no-renames"}
	if req.Since.TS.Unix() > 1 {
		args = append(args, "--since="+req.Since.TS.Add(-time.Second).Format(time.RFC3339))
	}
	if req.Until != nil {
		args = append(args, "--until="+req.Until.TS.Add(time.Second).Format(time.RFC3339))
	}
	if b := req.Repo.DefaultBranch; b != "" {
		args = append(args, b)
	}

	cmd := exec.CommandContext(ctx, a.git, args...)
	cmd.Dir = a.Dir(req.Repo)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, &scm.SourceError{Kind: scm.KindTimeout, Err: ctx.Err()}
		}
		return nil, fmt.Errorf("git log in %s: %w: %s", cmd.Dir, err, strings.TrimSpace(stderr.String()))
	}

	commits, err := parse(string(out))
	if err != nil {
		return nil, err
	}
	kept := commits[:0]
	for _, c := range commits {
		w := scm.Timestamp(c.CommittedAt)
		if w.Compare(req.Since) < 0 || (req.Until != nil && w.Compare(*req.Until) > 0) {
			continue
		}
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, k int) bool {
		if !kept[i].CommittedAt.Equal(kept[k].CommittedAt) {
			return kept[i].CommittedAt.Before(kept[k].CommittedAt)
		}
		return kept[i].SHA < kept[k].SHA
	})
	return kept, nil
}

// parse reads the output of `git log` with logFormat and --numstat.
func parse(out string) ([]Commit, error) {
	var commits []Commit
	for _, chunk := range strings.Split(out, recordSep) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		lines := strings.Split(chunk, "\n")
		fields := strings.Split(lines[0], fieldSep)
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected git log header %q", lines[0])
		}
		ts, err := time.Parse(time.RFC3339, fields[1])
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", fields[0], err)
		}
		c := Commit{SHA: fields[0], CommittedAt: ts.UTC(), Author: fields[2], Subject: fields[3]}
		for _, l := range lines[1:] {
			cols := strings.SplitN(l, "\t", 3)
			if len(cols) != 3 {
				continue
			}
			c.ChangedPaths++
			// Binary files report "-".
			if n, err := strconv.Atoi(cols[0]); err == nil {
				c.Additions += n
			}
			if n, err := strconv.Atoi(cols[1]); err == nil {
				c.Deletions += n
			}
		}
		commits = append(commits, c)
	}
	return commits, nil
}
