package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/leejennwah/scm-sync/internal/scm"
)

// UpsertRecord writes a record keyed by (job_type, record_key). Identical
// content is skipped; immutable job types refuse changed content.
func (s *Store) UpsertRecord(ctx context.Context, repoID string, jt scm.JobType, rec *scm.Record) (scm.UpsertAction, error) {
	if err := rec.Validate(jt); err != nil {
		return "", err
	}
	sum, err := rec.ContentChecksum()
	if err != nil {
		return "", err
	}
	var payload sql.NullString
	if len(rec.Payload) > 0 {
		payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}
	now := toMS(s.clock.Now())

	var action scm.UpsertAction
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT checksum FROM ledger_records WHERE job_type = ? AND record_key = ?`,
			string(jt), rec.Key,
		).Scan(&existing)
		switch {
		case noRows(err):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO ledger_records (job_type, record_key, repo_id, watermark, checksum, bulk, payload, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				string(jt), rec.Key, repoID, rec.Watermark.String(), sum, rec.Bulk, payload, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert record %s: %w", rec.Key, err)
			}
			action = scm.ActionInserted
			return nil
		case err != nil:
			return fmt.Errorf("lookup record %s: %w", rec.Key, err)
		case existing == sum:
			action = scm.ActionSkipped
			return nil
		case jt.Immutable():
			return fmt.Errorf("%w: %s record %s changed content", scm.ErrIntegrity, jt, rec.Key)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_records SET watermark = ?, checksum = ?, bulk = ?, payload = ?, updated_at = ?
			WHERE job_type = ? AND record_key = ?`,
			rec.Watermark.String(), sum, rec.Bulk, payload, now, string(jt), rec.Key,
		)
		if err != nil {
			return fmt.Errorf("update record %s: %w", rec.Key, err)
		}
		action = scm.ActionUpdated
		return nil
	})
	if err != nil {
		return "", err
	}
	return action, nil
}

// CountRecords returns the number of stored records for the stream.
func (s *Store) CountRecords(ctx context.Context, repoID string, jt scm.JobType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_records WHERE repo_id = ? AND job_type = ?`, repoID, string(jt),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
