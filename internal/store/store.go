// Package store is the transactional persistence layer over the sync
// engine's entities. All SQL lives here; engines call methods, never the
// database. Each method scopes its work to one transaction, and bulk
// operations chunk their input so a huge refresh cannot hold a transaction
// open for minutes.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailsync/internal/blob"
	"github.com/vdavid/mailsync/internal/config"
)

// metadataBatchSize is how many UID flag updates are applied per
// transaction.
const metadataBatchSize = 200

// Store wraps the connection pool and the blob store raw bodies land in.
type Store struct {
	pool  *pgxpool.Pool
	blobs blob.Store
}

// New creates a store over an existing connection pool.
func New(pool *pgxpool.Pool, blobs blob.Store) *Store {
	return &Store{pool: pool, blobs: blobs}
}

// Pool exposes the underlying pgx pool for callers that need raw access
// (the control listener's delta feed).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Blobs exposes the blob store.
func (s *Store) Blobs() blob.Store {
	return s.blobs
}

// NewConnection creates a new PostgreSQL connection pool with the given configuration.
func NewConnection(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dbURL := cfg.GetDatabaseURL()

	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// CloseConnection closes the given database connection pool.
func CloseConnection(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
