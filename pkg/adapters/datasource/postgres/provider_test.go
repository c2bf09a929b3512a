package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/query-sandbox/pkg/adapters/datasource"
	"github.com/ekaya-inc/query-sandbox/pkg/audit"
	"github.com/ekaya-inc/query-sandbox/pkg/metrics"
)

// fakeTx only implements Rollback; any other call panics via the nil embed.
type fakeTx struct {
	pgx.Tx
	rolledBack int
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.rolledBack++
	return nil
}

type fakePool struct {
	err    error
	tx     *fakeTx
	opts   []pgx.TxOptions
	begins int
}

func (p *fakePool) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	p.begins++
	p.opts = append(p.opts, opts)
	if p.err != nil {
		return nil, p.err
	}
	p.tx = &fakeTx{}
	return p.tx, nil
}

func newTestProvider(primary, replica Pool, strategy datasource.ConnectionStrategy) (*Provider, *observer.ObservedLogs) {
	core, recorded := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return NewProvider(primary, replica, strategy, logger, audit.NewSecurityAuditor(logger)), recorded
}

func endpointOf(t *testing.T, p *Provider) datasource.Endpoint {
	t.Helper()
	var endpoint datasource.Endpoint
	require.NoError(t, p.WithConnection(context.Background(), func(conn datasource.Conn) error {
		endpoint = conn.Endpoint()
		return nil
	}))
	return endpoint
}

func TestWithConnection_ReadPreferredUsesReplica(t *testing.T) {
	primary, replica := &fakePool{}, &fakePool{}
	p, recorded := newTestProvider(primary, replica, datasource.ReadPreferred)

	assert.Equal(t, datasource.EndpointReplica, endpointOf(t, p))
	assert.Equal(t, 0, primary.begins)
	assert.Equal(t, 1, replica.tx.rolledBack)
	assert.Equal(t, pgx.ReadOnly, replica.opts[0].AccessMode)
	assert.Zero(t, recorded.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestWithConnection_FallsBackWhenReplicaMissing(t *testing.T) {
	before := testutil.ToFloat64(metrics.ConnectionFallbacksTotal.WithLabelValues(fallbackReplicaNotConfigured))

	primary := &fakePool{}
	p, recorded := newTestProvider(primary, nil, datasource.ReadPreferred)

	assert.Equal(t, datasource.EndpointPrimary, endpointOf(t, p))
	assert.Equal(t, pgx.ReadOnly, primary.opts[0].AccessMode)

	warnings := recorded.FilterMessage("Read replica unavailable, falling back to primary").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, fallbackReplicaNotConfigured, warnings[0].ContextMap()["reason"])
	assert.Equal(t, 1, recorded.FilterMessage("Sandbox read isolation degraded").Len())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ConnectionFallbacksTotal.WithLabelValues(fallbackReplicaNotConfigured)))
}

func TestWithConnection_FallsBackWhenReplicaUnreachable(t *testing.T) {
	primary := &fakePool{}
	replica := &fakePool{err: errors.New("dial tcp: connection refused")}
	p, recorded := newTestProvider(primary, replica, datasource.ReadPreferred)

	assert.Equal(t, datasource.EndpointPrimary, endpointOf(t, p))
	assert.Equal(t, 1, replica.begins)
	assert.Equal(t, 1, primary.tx.rolledBack)

	warnings := recorded.FilterMessage("Read replica unavailable, falling back to primary").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, fallbackReplicaUnavailable, warnings[0].ContextMap()["reason"])
}

func TestWithConnection_PrimaryOnlyNeverTouchesReplica(t *testing.T) {
	primary, replica := &fakePool{}, &fakePool{}
	p, recorded := newTestProvider(primary, replica, datasource.PrimaryOnly)

	assert.Equal(t, datasource.EndpointPrimary, endpointOf(t, p))
	assert.Equal(t, 0, replica.begins)
	assert.Zero(t, recorded.Len())
}

func TestWithConnection_PrimaryFailure(t *testing.T) {
	primary := &fakePool{err: errors.New("too many connections")}
	p, _ := newTestProvider(primary, nil, datasource.PrimaryOnly)

	called := false
	err := p.WithConnection(context.Background(), func(datasource.Conn) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire primary connection")
	assert.False(t, called)
}

func TestWithConnection_ReleasesOnCallbackError(t *testing.T) {
	primary := &fakePool{}
	p, _ := newTestProvider(primary, nil, datasource.PrimaryOnly)

	sentinel := errors.New("boom")
	err := p.WithConnection(context.Background(), func(datasource.Conn) error {
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, primary.tx.rolledBack)
}

func TestWithConnection_ReleasesOnPanic(t *testing.T) {
	primary := &fakePool{}
	p, _ := newTestProvider(primary, nil, datasource.PrimaryOnly)

	assert.Panics(t, func() {
		_ = p.WithConnection(context.Background(), func(datasource.Conn) error {
			panic("callback exploded")
		})
	})
	assert.Equal(t, 1, primary.tx.rolledBack)
}

func TestWithConnection_CanceledContextDoesNotFallBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &fakePool{}
	replica := &fakePool{err: context.Canceled}
	p, _ := newTestProvider(primary, replica, datasource.ReadPreferred)

	err := p.WithConnection(ctx, func(datasource.Conn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, primary.begins)
}

func TestClassifyError(t *testing.T) {
	timeout := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"})
	classified := classifyError(timeout)
	assert.ErrorIs(t, classified, datasource.ErrStatementTimeout)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, classified, &pgErr)
	assert.Equal(t, "57014", pgErr.Code)

	syntax := &pgconn.PgError{Code: "42601", Message: "syntax error"}
	assert.NotErrorIs(t, classifyError(syntax), datasource.ErrStatementTimeout)
	assert.Same(t, error(syntax), classifyError(syntax))
}

func TestSetStatementTimeout_RejectsNonPositive(t *testing.T) {
	conn := &scopedConn{endpoint: datasource.EndpointPrimary}
	err := conn.SetStatementTimeout(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}

func TestColumnTypeName(t *testing.T) {
	assert.Equal(t, "INT8", columnTypeName(20))
	assert.Equal(t, "TEXT", columnTypeName(25))
	assert.Equal(t, "UNKNOWN", columnTypeName(99999))
}
