// Package postgres provides the PostgreSQL connection provider used to run
// sandboxed queries. Every connection it hands out is a read-only
// transaction that is rolled back when the caller's scope ends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/adapters/datasource"
	"github.com/ekaya-inc/query-sandbox/pkg/audit"
	"github.com/ekaya-inc/query-sandbox/pkg/metrics"
)

// Fallback reasons recorded in metrics and logs.
const (
	fallbackReplicaNotConfigured = "replica_not_configured"
	fallbackReplicaUnavailable   = "replica_unavailable"
)

// Pool is the subset of *pgxpool.Pool the provider needs.
type Pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Provider implements datasource.ConnectionProvider over a primary pool and
// an optional replica pool.
type Provider struct {
	primary  Pool
	replica  Pool
	strategy datasource.ConnectionStrategy
	logger   *zap.Logger
	auditor  *audit.SecurityAuditor
}

var _ datasource.ConnectionProvider = (*Provider)(nil)

// NewProvider creates a provider. replica may be nil, in which case
// read-preferred connections always fall back to the primary.
func NewProvider(primary, replica Pool, strategy datasource.ConnectionStrategy, logger *zap.Logger, auditor *audit.SecurityAuditor) *Provider {
	return &Provider{
		primary:  primary,
		replica:  replica,
		strategy: strategy,
		logger:   logger.Named("connection-provider"),
		auditor:  auditor,
	}
}

var readOnlyTx = pgx.TxOptions{AccessMode: pgx.ReadOnly}

// WithConnection opens a read-only transaction, runs fn on it and always
// rolls it back, which returns the pooled connection and discards any
// transaction-local settings such as the statement timeout.
func (p *Provider) WithConnection(ctx context.Context, fn func(datasource.Conn) error) error {
	tx, endpoint, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// Rollback on a closed or failed tx reports ErrTxClosed; nothing to act on.
		if rbErr := tx.Rollback(context.Background()); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			p.logger.Warn("Failed to roll back sandbox transaction",
				zap.String("endpoint", string(endpoint)),
				zap.Error(rbErr))
		}
	}()

	return fn(&scopedConn{tx: tx, endpoint: endpoint})
}

func (p *Provider) begin(ctx context.Context) (pgx.Tx, datasource.Endpoint, error) {
	if p.strategy == datasource.ReadPreferred {
		if p.replica == nil {
			p.degrade(ctx, fallbackReplicaNotConfigured, nil)
		} else {
			tx, err := p.replica.BeginTx(ctx, readOnlyTx)
			if err == nil {
				return tx, datasource.EndpointReplica, nil
			}
			if ctx.Err() != nil {
				return nil, "", fmt.Errorf("failed to acquire replica connection: %w", err)
			}
			p.degrade(ctx, fallbackReplicaUnavailable, err)
		}
	}

	tx, err := p.primary.BeginTx(ctx, readOnlyTx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to acquire primary connection: %w", err)
	}
	return tx, datasource.EndpointPrimary, nil
}

func (p *Provider) degrade(ctx context.Context, reason string, cause error) {
	fields := []zap.Field{zap.String("reason", reason)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	p.logger.Warn("Read replica unavailable, falling back to primary", fields...)
	metrics.ConnectionFallbacksTotal.WithLabelValues(reason).Inc()
	if p.auditor != nil {
		p.auditor.LogIsolationDegraded(ctx, reason)
	}
}
