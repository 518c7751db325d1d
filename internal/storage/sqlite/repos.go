package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/leejennwah/scm-sync/internal/scm"
)

const repoColumns = `repo_id, repo_type, url, project_key, default_branch, created_at`

// EnsureRepository inserts the repository unless (repo_type, url) is known.
func (s *Store) EnsureRepository(ctx context.Context, r *scm.Repository) (*scm.Repository, error) {
	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (`+repoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_type, url) DO NOTHING`,
		r.ID, string(r.Type), r.URL, r.ProjectKey, r.DefaultBranch, toMS(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", scm.ErrRepoIDConflict, r.ID)
		}
		return nil, fmt.Errorf("insert repository: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repositories WHERE repo_type = ? AND url = ?`, string(r.Type), r.URL)
	return scanRepo(row)
}

// GetRepository retrieves a repository by id.
func (s *Store) GetRepository(ctx context.Context, id string) (*scm.Repository, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repositories WHERE repo_id = ?`, id)
	r, err := scanRepo(row)
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", id, err)
	}
	return r, nil
}

// ListRepositories returns all repositories ordered by id.
func (s *Store) ListRepositories(ctx context.Context) ([]*scm.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repoColumns+` FROM repositories ORDER BY repo_id`)
	if err != nil {
		return nil, fmt.Errorf("query repositories: %w", err)
	}
	defer rows.Close()

	var out []*scm.Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRepo(row scanner) (*scm.Repository, error) {
	r := &scm.Repository{}
	var createdAt int64
	if err := row.Scan(&r.ID, &r.Type, &r.URL, &r.ProjectKey, &r.DefaultBranch, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, scm.ErrRepoNotFound
		}
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	r.CreatedAt = fromMS(createdAt)
	return r, nil
}
