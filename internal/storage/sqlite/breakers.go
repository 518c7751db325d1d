package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/scm"
)

// The summary columns are kept for ad hoc queries; the detail column holds
// the complete snapshot and is authoritative on load.

// LoadBreaker returns the stored snapshot or nil.
func (s *Store) LoadBreaker(ctx context.Context, key scm.Key) (*breaker.Snapshot, error) {
	var detail string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT detail, version FROM breaker_states WHERE repo_id = ? AND job_type = ?`,
		key.RepoID, string(key.JobType),
	).Scan(&detail, &version)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker: %w", err)
	}
	return decodeSnapshot(detail, version)
}

// SaveBreaker writes the snapshot if the stored version equals expected.
func (s *Store) SaveBreaker(ctx context.Context, snap *breaker.Snapshot, expected int64) error {
	next := expected + 1
	snap.Version = next
	detail, err := json.Marshal(snap)
	if err != nil {
		snap.Version = expected
		return fmt.Errorf("marshal breaker: %w", err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO breaker_states (repo_id, job_type, state, failure_rate_ema, sample_count,
				opened_at, consecutive_successes, probe_budget_remaining, version, detail, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (repo_id, job_type) DO NOTHING`,
			snap.RepoID, string(snap.JobType), string(snap.State), snap.FailureRateEMA, snap.SampleCount,
			nullMS(snap.OpenedAt), snap.ConsecutiveSuccesses, snap.ProbeBudgetRemaining, next, string(detail), toMS(snap.UpdatedAt),
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE breaker_states
			SET state = ?, failure_rate_ema = ?, sample_count = ?, opened_at = ?,
				consecutive_successes = ?, probe_budget_remaining = ?, version = ?, detail = ?, updated_at = ?
			WHERE repo_id = ? AND job_type = ? AND version = ?`,
			string(snap.State), snap.FailureRateEMA, snap.SampleCount, nullMS(snap.OpenedAt),
			snap.ConsecutiveSuccesses, snap.ProbeBudgetRemaining, next, string(detail), toMS(snap.UpdatedAt),
			snap.RepoID, string(snap.JobType), expected,
		)
	}
	if err != nil {
		snap.Version = expected
		return fmt.Errorf("save breaker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		snap.Version = expected
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		snap.Version = expected
		return breaker.ErrVersionConflict
	}
	return nil
}

// ListBreakers returns every stored snapshot.
func (s *Store) ListBreakers(ctx context.Context) ([]*breaker.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT detail, version FROM breaker_states ORDER BY repo_id, job_type`)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	defer rows.Close()

	var out []*breaker.Snapshot
	for rows.Next() {
		var detail string
		var version int64
		if err := rows.Scan(&detail, &version); err != nil {
			return nil, fmt.Errorf("scan breaker: %w", err)
		}
		snap, err := decodeSnapshot(detail, version)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func decodeSnapshot(detail string, version int64) (*breaker.Snapshot, error) {
	snap := &breaker.Snapshot{}
	if err := json.Unmarshal([]byte(detail), snap); err != nil {
		return nil, fmt.Errorf("unmarshal breaker: %w", err)
	}
	snap.Version = version
	return snap, nil
}
