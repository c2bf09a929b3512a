package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ekaya-inc/query-sandbox/pkg/adapters/datasource"
)

// sqlStateQueryCanceled is raised when statement_timeout aborts a query.
const sqlStateQueryCanceled = "57014"

// scopedConn runs statements inside the read-only transaction opened by
// Provider.WithConnection.
type scopedConn struct {
	tx       pgx.Tx
	endpoint datasource.Endpoint
}

var _ datasource.Conn = (*scopedConn)(nil)

// SetStatementTimeout uses set_config(..., true), the function form of
// SET LOCAL, so the timeout ends with the transaction.
func (c *scopedConn) SetStatementTimeout(ctx context.Context, ms int) error {
	if ms <= 0 {
		return fmt.Errorf("statement timeout must be positive, got %d", ms)
	}
	if _, err := c.tx.Exec(ctx, "SELECT set_config('statement_timeout', $1, true)", strconv.Itoa(ms)); err != nil {
		return fmt.Errorf("failed to set statement timeout: %w", classifyError(err))
	}
	return nil
}

// Query runs the statement through the extended protocol so the server
// refuses anything that is not exactly one command.
func (c *scopedConn) Query(ctx context.Context, sqlQuery string) (*datasource.QueryResult, error) {
	rows, err := c.tx.Query(ctx, sqlQuery, pgx.QueryExecModeDescribeExec)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", classifyError(err))
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]datasource.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = datasource.ColumnInfo{
			Name: fd.Name,
			Type: columnTypeName(fd.DataTypeOID),
		}
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", classifyError(err))
		}
		resultRows = append(resultRows, values)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", classifyError(err))
	}

	return &datasource.QueryResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

// QueryJSON scans the first column of the first row without decoding it.
func (c *scopedConn) QueryJSON(ctx context.Context, sqlQuery string) ([]byte, error) {
	var raw []byte
	if err := c.tx.QueryRow(ctx, sqlQuery, pgx.QueryExecModeDescribeExec).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", classifyError(err))
	}
	return raw, nil
}

func (c *scopedConn) Endpoint() datasource.Endpoint {
	return c.endpoint
}

// classifyError tags statement timeouts with datasource.ErrStatementTimeout
// while keeping the original error in the chain.
func classifyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateQueryCanceled {
		return errors.Join(datasource.ErrStatementTimeout, err)
	}
	return err
}

// typeNames resolves result column OIDs. Only built-in types are registered
// and the map is never mutated, so it is safe to share.
var typeNames = pgtype.NewMap()

func columnTypeName(oid uint32) string {
	if t, ok := typeNames.TypeForOID(oid); ok {
		return strings.ToUpper(t.Name)
	}
	return "UNKNOWN"
}
