// Package storage selects and opens the persistence backend. PostgreSQL
// serves multi-host deployments; the embedded SQLite backend in
// storage/sqlite serves a single host.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/breaker"
	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/cursor"
	"github.com/leejennwah/scm-sync/internal/job"
	"github.com/leejennwah/scm-sync/internal/scm"
	"github.com/leejennwah/scm-sync/internal/storage/sqlite"
)

// Backend is a store implementing every repository contract.
type Backend interface {
	scm.Registry
	scm.Ledger
	job.Repository
	cursor.Store
	breaker.Store

	// Migrate applies the schema. It is idempotent.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*PostgresStore)(nil)
	_ Backend = (*sqlite.Store)(nil)
)

// Open connects to the backend named by dsn: a postgres:// or postgresql://
// URL, or a sqlite:// URL or plain file path.
func Open(ctx context.Context, dsn string, clk clock.Clock, logger *zap.Logger) (Backend, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		logger.Info("connected to postgres")
		return NewPostgresStore(pool, clk, logger), nil
	case dsn == "":
		return nil, fmt.Errorf("open storage: empty database url")
	default:
		path := strings.TrimPrefix(dsn, "sqlite://")
		s, err := sqlite.Open(ctx, path, logger, sqlite.WithClock(clk))
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite database", zap.String("path", path))
		return s, nil
	}
}
