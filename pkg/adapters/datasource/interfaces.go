package datasource

import (
	"context"
	"errors"
	"fmt"
)

// ErrStatementTimeout is wrapped into errors returned by Conn when the
// database aborted a statement because its timeout elapsed.
var ErrStatementTimeout = errors.New("statement timeout")

// ConnectionStrategy selects which endpoint serves sandboxed reads.
type ConnectionStrategy string

const (
	// ReadPreferred uses the read replica and falls back to the primary,
	// logging the degradation, when the replica is absent or unreachable.
	ReadPreferred ConnectionStrategy = "read_preferred"
	// PrimaryOnly always uses the primary.
	PrimaryOnly ConnectionStrategy = "primary_only"
)

// ParseConnectionStrategy validates a strategy name from configuration.
func ParseConnectionStrategy(s string) (ConnectionStrategy, error) {
	switch ConnectionStrategy(s) {
	case ReadPreferred, PrimaryOnly:
		return ConnectionStrategy(s), nil
	default:
		return "", fmt.Errorf("unknown connection strategy %q", s)
	}
}

// Endpoint names the database endpoint a connection was taken from.
type Endpoint string

const (
	EndpointPrimary Endpoint = "primary"
	EndpointReplica Endpoint = "replica"
)

// ColumnInfo describes one result column.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryResult holds the rows of a sandboxed query. Row values are positional
// and line up with Columns, so duplicate column names are preserved.
type QueryResult struct {
	Columns  []ColumnInfo `json:"columns"`
	Rows     [][]any      `json:"rows"`
	RowCount int          `json:"row_count"`
}

// ColumnIndex returns the position of the first column called name, or -1.
func (r *QueryResult) ColumnIndex(name string) int {
	for i, col := range r.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// Conn is a scoped, read-only connection. It is only valid inside the
// callback passed to ConnectionProvider.WithConnection.
type Conn interface {
	// SetStatementTimeout bounds every statement on this connection for the
	// rest of its scope.
	SetStatementTimeout(ctx context.Context, ms int) error

	// Query runs a single statement and collects all rows.
	Query(ctx context.Context, sql string) (*QueryResult, error)

	// QueryJSON runs a single statement and returns the first column of the
	// first row as raw JSON.
	QueryJSON(ctx context.Context, sql string) ([]byte, error)

	// Endpoint reports which endpoint served this connection.
	Endpoint() Endpoint
}

// ConnectionProvider hands out scoped connections. The connection is
// released on every exit path of fn.
type ConnectionProvider interface {
	WithConnection(ctx context.Context, fn func(Conn) error) error
}

// WithResult is WithConnection for callbacks that produce a value.
func WithResult[T any](ctx context.Context, p ConnectionProvider, fn func(Conn) (T, error)) (T, error) {
	var result T
	err := p.WithConnection(ctx, func(conn Conn) error {
		var err error
		result, err = fn(conn)
		return err
	})
	return result, err
}
