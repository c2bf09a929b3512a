// Package database manages the PostgreSQL pools and schema migrations.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/retry"
)

// Querier is the query surface shared by *pgxpool.Pool and pgx.Tx.
// Repositories depend on it so tests can pass either.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a pgxpool connection pool.
type DB struct {
	*pgxpool.Pool
}

// Config holds database connection configuration.
type Config struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Retry governs the initial ping. Nil uses retry.DefaultConfig.
	Retry *retry.Config

	// Lazy skips the initial ping. Used for the optional read replica,
	// whose unavailability is handled per request by falling back.
	Lazy bool
}

// NewConnection creates a new database connection pool and waits for the
// server to accept connections.
func NewConnection(ctx context.Context, cfg *Config, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 25
	}

	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	if poolConfig.MaxConnLifetime == 0 {
		poolConfig.MaxConnLifetime = time.Hour
	}

	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if poolConfig.MaxConnIdleTime == 0 {
		poolConfig.MaxConnIdleTime = time.Minute * 30
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if cfg.Lazy {
		return &DB{Pool: pool}, nil
	}

	attempt := 0
	_, err = retry.DoIfRetryable(ctx, cfg.Retry, func() (struct{}, error) {
		attempt++
		pingErr := pool.Ping(ctx)
		if pingErr != nil {
			logger.Debug("Database ping failed",
				zap.String("host", poolConfig.ConnConfig.Host),
				zap.Int("attempt", attempt),
				zap.Error(pingErr))
		}
		return struct{}{}, pingErr
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
