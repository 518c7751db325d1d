// Package cursor persists per-stream sync watermarks and implements the
// watermark protocol: how a run's fetch window is derived from the cursor and
// how the run's outcome moves it forward.
package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leejennwah/scm-sync/internal/scm"
)

// Namespace is the key/value namespace holding all sync cursors.
const Namespace = "scm.sync"

// Key returns the cursor key for a stream: "<job_type>_cursor:<repo_id>".
func Key(jt scm.JobType, repoID string) string {
	return fmt.Sprintf("%s_cursor:%s", jt, repoID)
}

// Store is a durable key/value store. SetCursor is an atomic upsert.
type Store interface {
	// GetCursor returns the raw value or nil when the key is absent.
	GetCursor(ctx context.Context, namespace, key string) (json.RawMessage, error)

	// SetCursor writes the value, replacing any previous one.
	SetCursor(ctx context.Context, namespace, key string, value json.RawMessage) error
}

// Value is a decoded cursor.
type Value struct {
	Watermark   scm.Watermark `json:"-"`
	RunID       string        `json:"run_id,omitempty"`
	SyncedAt    time.Time     `json:"synced_at"`
	SyncedCount int           `json:"synced_count"`
}

// Age returns how long ago the cursor was written.
func (v *Value) Age(now time.Time) time.Duration {
	return now.Sub(v.SyncedAt)
}

// Encode renders the value in the stored shape, e.g.
// {"last_rev":42,"run_id":"...","synced_at":"...","synced_count":7}.
func Encode(jt scm.JobType, v *Value) (json.RawMessage, error) {
	if v.Watermark.Kind != jt.WatermarkKind() {
		return nil, fmt.Errorf("encode cursor: %s watermark for %s", v.Watermark.Kind, jt)
	}
	out := map[string]any{
		"synced_at":    v.SyncedAt.UTC().Format(time.RFC3339Nano),
		"synced_count": v.SyncedCount,
	}
	if v.Watermark.Kind == scm.WatermarkRevision {
		out[jt.CursorField()] = v.Watermark.Rev
	} else {
		out[jt.CursorField()] = v.Watermark.TS.Format(time.RFC3339Nano)
	}
	if v.RunID != "" {
		out["run_id"] = v.RunID
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode cursor: %w", err)
	}
	return data, nil
}

// Decode parses a stored value for job type jt.
func Decode(jt scm.JobType, data json.RawMessage) (*Value, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	raw, ok := fields[jt.CursorField()]
	if !ok {
		return nil, fmt.Errorf("decode cursor: missing %s", jt.CursorField())
	}

	v := &Value{}
	if jt.WatermarkKind() == scm.WatermarkRevision {
		var rev int64
		if err := json.Unmarshal(raw, &rev); err != nil {
			return nil, fmt.Errorf("decode cursor %s: %w", jt.CursorField(), err)
		}
		v.Watermark = scm.Revision(rev)
	} else {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode cursor %s: %w", jt.CursorField(), err)
		}
		w, err := scm.ParseWatermark(scm.WatermarkTimestamp, s)
		if err != nil {
			return nil, fmt.Errorf("decode cursor: %w", err)
		}
		v.Watermark = w
	}

	if raw, ok := fields["run_id"]; ok {
		_ = json.Unmarshal(raw, &v.RunID)
	}
	if raw, ok := fields["synced_count"]; ok {
		_ = json.Unmarshal(raw, &v.SyncedCount)
	}
	if raw, ok := fields["synced_at"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				v.SyncedAt = ts.UTC()
			}
		}
	}
	return v, nil
}

// Cursors reads and writes typed cursor values through a Store.
type Cursors struct {
	store Store
}

// New wraps a Store.
func New(store Store) *Cursors {
	return &Cursors{store: store}
}

// Get returns the cursor for the stream, or nil if it has never been written.
func (c *Cursors) Get(ctx context.Context, repoID string, jt scm.JobType) (*Value, error) {
	raw, err := c.store.GetCursor(ctx, Namespace, Key(jt, repoID))
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return Decode(jt, raw)
}

// Put writes the cursor for the stream.
func (c *Cursors) Put(ctx context.Context, repoID string, jt scm.JobType, v *Value) error {
	data, err := Encode(jt, v)
	if err != nil {
		return err
	}
	if err := c.store.SetCursor(ctx, Namespace, Key(jt, repoID), data); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
