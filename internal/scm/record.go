package scm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrIntegrity is returned by a Ledger when a record's content does not match
// its checksum or would overwrite an immutable record with different content.
var ErrIntegrity = errors.New("content integrity violation")

// Record is one fetched item: a revision, commit, merge request or review event.
type Record struct {
	Key          string          `json:"key"`
	Watermark    Watermark       `json:"watermark"`
	ChangedPaths int             `json:"changed_paths,omitempty"`
	Additions    int             `json:"additions,omitempty"`
	Deletions    int             `json:"deletions,omitempty"`
	Checksum     string          `json:"checksum,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Bulk         bool            `json:"bulk,omitempty"`

	// Malformed is set by an adapter for an item it could not decode. Key then
	// names the item's position in the source rather than an upsert key.
	Malformed string `json:"-"`
}

// SVNKey is the upsert key of an SVN revision.
func SVNKey(repoID string, rev int64) string {
	return repoID + ":" + strconv.FormatInt(rev, 10)
}

// CommitKey is the upsert key of a git commit.
func CommitKey(repoID, sha string) string {
	return repoID + ":" + sha
}

// MRID is the stable merge request id "<repo_id>:<iid>".
func MRID(repoID string, iid int64) string {
	return repoID + ":" + strconv.FormatInt(iid, 10)
}

// ReviewKey is the upsert key of a review event on a merge request.
func ReviewKey(mrID, sourceEventID string) string {
	return mrID + ":" + sourceEventID
}

// Checksum returns the hex sha256 of a payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Validate checks the record against the job type it was fetched for.
func (r *Record) Validate(jt JobType) error {
	if r.Malformed != "" {
		return fmt.Errorf("malformed item %s: %s", r.Key, r.Malformed)
	}
	if r.Key == "" {
		return fmt.Errorf("record without key")
	}
	if r.Watermark.Kind != jt.WatermarkKind() {
		return fmt.Errorf("record %s: %s watermark for %s", r.Key, r.Watermark.Kind, jt)
	}
	return nil
}

// ContentChecksum verifies a supplied checksum against the payload and
// returns the effective checksum.
func (r *Record) ContentChecksum() (string, error) {
	sum := Checksum(r.Payload)
	if r.Checksum != "" && len(r.Payload) > 0 && r.Checksum != sum {
		return "", fmt.Errorf("%w: record %s checksum %s does not match payload", ErrIntegrity, r.Key, r.Checksum)
	}
	if r.Checksum != "" {
		return r.Checksum, nil
	}
	return sum, nil
}

// BulkThresholds tag oversized records. Tagging changes metadata only.
type BulkThresholds struct {
	SVNChangedPaths int
	GitLines        int
}

// DefaultBulkThresholds returns the standard limits.
func DefaultBulkThresholds() BulkThresholds {
	return BulkThresholds{SVNChangedPaths: 100, GitLines: 1000}
}

// IsBulk reports whether a record exceeds the size threshold for its type.
func (b BulkThresholds) IsBulk(jt JobType, r *Record) bool {
	if jt == JobTypeSVNRevisions {
		return r.ChangedPaths > b.SVNChangedPaths
	}
	return r.Additions+r.Deletions > b.GitLines
}

// UpsertAction is the effect of a ledger write.
type UpsertAction string

const (
	ActionInserted UpsertAction = "inserted"
	ActionUpdated  UpsertAction = "updated"
	ActionSkipped  UpsertAction = "skipped"
)

// WriteCounts tallies ledger write outcomes.
type WriteCounts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Add records one action.
func (c *WriteCounts) Add(a UpsertAction) {
	switch a {
	case ActionInserted:
		c.Inserted++
	case ActionUpdated:
		c.Updated++
	case ActionSkipped:
		c.Skipped++
	}
}

// Total returns the number of records written or confirmed.
func (c WriteCounts) Total() int {
	return c.Inserted + c.Updated + c.Skipped
}

// Ledger is the artifact writer. Upserts are idempotent by record key within
// a job type.
type Ledger interface {
	// UpsertRecord writes the record and reports whether it was inserted,
	// updated or already present. It returns ErrIntegrity instead of
	// overwriting content it must not change.
	UpsertRecord(ctx context.Context, repoID string, jt JobType, rec *Record) (UpsertAction, error)

	// CountRecords returns how many records are stored for the stream.
	CountRecords(ctx context.Context, repoID string, jt JobType) (int, error)
}

// RecordErrorReason classifies a per-record failure.
type RecordErrorReason string

const (
	ReasonInvalid   RecordErrorReason = "invalid"
	ReasonWrite     RecordErrorReason = "write"
	ReasonIntegrity RecordErrorReason = "integrity"
)

// RecordError describes one record that could not be upserted.
type RecordError struct {
	ID        string            `json:"id"`
	Watermark string            `json:"watermark,omitempty"`
	Reason    RecordErrorReason `json:"reason"`
	Message   string            `json:"message"`
}
