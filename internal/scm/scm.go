// Package scm defines the source-control domain model shared by the sync
// orchestration: repositories, job types, watermarks, fetched records and the
// collaborator contracts (source adapters and the ledger writer).
package scm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrInvalidSourceID is returned when a repository id does not match the
	// "<repo_type>:<name>" format.
	ErrInvalidSourceID = errors.New("invalid source id")

	// ErrUnknownJobType is returned when a job type string is not recognized.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrRepoNotFound is returned when a repository lookup misses.
	ErrRepoNotFound = errors.New("repository not found")

	// ErrRepoIDConflict is returned by Ensure when the derived repo id is
	// already bound to a different url.
	ErrRepoIDConflict = errors.New("repository id already bound to another url")
)

// RepoType is the kind of version-control system behind a repository.
type RepoType string

const (
	RepoTypeSVN RepoType = "svn"
	RepoTypeGit RepoType = "git"
)

// Valid reports whether the repo type is known.
func (t RepoType) Valid() bool {
	return t == RepoTypeSVN || t == RepoTypeGit
}

// JobType is the fixed set of sync work kinds.
type JobType string

const (
	JobTypeSVNRevisions JobType = "svn_revisions"
	JobTypeCommits      JobType = "commits"
	JobTypeMRs          JobType = "mrs"
	JobTypeReviews      JobType = "reviews"
)

var allJobTypes = []JobType{JobTypeSVNRevisions, JobTypeCommits, JobTypeMRs, JobTypeReviews}

// AllJobTypes returns every job type in a stable order.
func AllJobTypes() []JobType {
	out := make([]JobType, len(allJobTypes))
	copy(out, allJobTypes)
	return out
}

// ParseJobType converts s to a JobType.
func ParseJobType(s string) (JobType, error) {
	jt := JobType(strings.TrimSpace(s))
	if !jt.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s)
	}
	return jt, nil
}

// ParseJobTypes parses a list of job type names, skipping blanks.
func ParseJobTypes(names []string) ([]JobType, error) {
	var out []JobType
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		jt, err := ParseJobType(n)
		if err != nil {
			return nil, err
		}
		out = append(out, jt)
	}
	return out, nil
}

// Valid reports whether the job type is known.
func (t JobType) Valid() bool {
	for _, jt := range allJobTypes {
		if t == jt {
			return true
		}
	}
	return false
}

// RepoType returns the repository type this job type syncs from.
func (t JobType) RepoType() RepoType {
	if t == JobTypeSVNRevisions {
		return RepoTypeSVN
	}
	return RepoTypeGit
}

// WatermarkKind returns the kind of watermark used by the job type.
func (t JobType) WatermarkKind() WatermarkKind {
	if t == JobTypeSVNRevisions {
		return WatermarkRevision
	}
	return WatermarkTimestamp
}

// CursorField is the name of the watermark field in the persisted cursor value.
func (t JobType) CursorField() string {
	switch t {
	case JobTypeSVNRevisions:
		return "last_rev"
	case JobTypeCommits:
		return "last_commit_ts"
	default:
		return "last_updated_at"
	}
}

// Immutable reports whether records of this type never change once written.
// Revisions and commits are immutable; merge requests and review events are
// updated in place.
func (t JobType) Immutable() bool {
	return t == JobTypeSVNRevisions || t == JobTypeCommits
}

// JobTypesFor returns the job types that apply to a repository type.
func JobTypesFor(rt RepoType) []JobType {
	switch rt {
	case RepoTypeSVN:
		return []JobType{JobTypeSVNRevisions}
	case RepoTypeGit:
		return []JobType{JobTypeCommits, JobTypeMRs, JobTypeReviews}
	default:
		return nil
	}
}

// Key identifies a sync stream: one job type on one repository.
type Key struct {
	RepoID  string  `json:"repo_id"`
	JobType JobType `json:"job_type"`
}

func (k Key) String() string {
	return k.RepoID + "/" + string(k.JobType)
}

// Mode selects the fetch window semantics of a run.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeBackfill    Mode = "backfill"
)

// Valid reports whether the mode is known.
func (m Mode) Valid() bool {
	return m == ModeIncremental || m == ModeBackfill
}

// Policy controls how per-record errors affect a run.
type Policy string

const (
	PolicyStrict     Policy = "strict"
	PolicyBestEffort Policy = "best_effort"
)

// Valid reports whether the policy is known.
func (p Policy) Valid() bool {
	return p == PolicyStrict || p == PolicyBestEffort
}

var sourceIDPattern = regexp.MustCompile(`^(svn|git):[A-Za-z0-9._/-]+$`)

// ValidateSourceID checks the "<repo_type>:<name>" repository id format.
func ValidateSourceID(id string) error {
	if !sourceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSourceID, id)
	}
	return nil
}

// Repository is a registered source-control repository. Its identity is
// (Type, URL) and it never changes after creation.
type Repository struct {
	ID            string    `json:"repo_id"`
	Type          RepoType  `json:"repo_type"`
	URL           string    `json:"url"`
	ProjectKey    string    `json:"project_key"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewRepository validates the inputs and derives the repository id.
func NewRepository(rt RepoType, rawURL, projectKey, defaultBranch string) (*Repository, error) {
	if !rt.Valid() {
		return nil, fmt.Errorf("%w: unknown repo type %q", ErrInvalidSourceID, rt)
	}
	u := strings.TrimSpace(rawURL)
	if u == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidSourceID)
	}
	name := strings.Trim(strings.TrimSpace(projectKey), "/")
	if name == "" {
		name = hostPath(u)
	}
	id := string(rt) + ":" + name
	if err := ValidateSourceID(id); err != nil {
		return nil, err
	}
	return &Repository{
		ID:            id,
		Type:          rt,
		URL:           u,
		ProjectKey:    strings.TrimSpace(projectKey),
		DefaultBranch: strings.TrimSpace(defaultBranch),
	}, nil
}

// TenantKey groups repositories for fairness: the top-level project group,
// or the url host when the project key is empty.
func (r *Repository) TenantKey() string {
	if pk := strings.Trim(r.ProjectKey, "/"); pk != "" {
		if i := strings.IndexByte(pk, '/'); i > 0 {
			return pk[:i]
		}
		return pk
	}
	return r.InstanceKey()
}

// InstanceKey identifies the upstream server hosting the repository.
func (r *Repository) InstanceKey() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" {
		return "local"
	}
	return strings.ToLower(u.Host)
}

// JobTypes returns the job types applicable to the repository.
func (r *Repository) JobTypes() []JobType {
	return JobTypesFor(r.Type)
}

func hostPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.Trim(raw, "/")
	}
	p := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	if p == "" {
		return u.Host
	}
	return u.Host + "/" + p
}

// Registry persists repositories.
type Registry interface {
	// EnsureRepository creates the repository if (Type, URL) is unknown and
	// returns the stored row either way.
	EnsureRepository(ctx context.Context, r *Repository) (*Repository, error)

	// GetRepository returns the repository with the given id.
	GetRepository(ctx context.Context, id string) (*Repository, error)

	// ListRepositories returns all registered repositories ordered by id.
	ListRepositories(ctx context.Context) ([]*Repository, error)
}
