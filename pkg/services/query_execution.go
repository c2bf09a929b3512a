package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/adapters/datasource"
	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/audit"
	"github.com/ekaya-inc/query-sandbox/pkg/logging"
	"github.com/ekaya-inc/query-sandbox/pkg/metrics"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/sql"
)

// Substitutor turns a definition's template plus caller variables into the
// final literal query text.
type Substitutor interface {
	Substitute(queryText string, schema models.VariableSchema, defaults, supplied models.Variables) (string, error)
}

// ExecuteOptions carries the caller-controlled inputs of one execution.
type ExecuteOptions struct {
	Limit     int              `json:"limit,omitempty"` // 0 = clamp only to the global ceiling
	Variables models.Variables `json:"variables,omitempty"`
}

// QueryExecutionService runs stored definitions inside the sandbox.
type QueryExecutionService interface {
	// Execute runs def and resolves the returned ids to users.
	Execute(ctx context.Context, def *models.QueryDefinition, opts ExecuteOptions) ([]*models.User, error)
	// ExecuteIDs runs def and returns the ordered, de-duplicated user ids.
	ExecuteIDs(ctx context.Context, def *models.QueryDefinition, opts ExecuteOptions) ([]int64, error)
	// ExecuteByID loads the definition then runs Execute.
	ExecuteByID(ctx context.Context, id uuid.UUID, opts ExecuteOptions) ([]*models.User, error)
}

type queryExecutionService struct {
	definitions repositories.QueryDefinitionRepository
	users       repositories.UserRepository
	provider    datasource.ConnectionProvider
	substitutor Substitutor
	builder     sql.Builder
	auditor     *audit.SecurityAuditor
	logger      *zap.Logger
	now         func() time.Time
}

// NewQueryExecutionService creates the execution engine.
func NewQueryExecutionService(
	definitions repositories.QueryDefinitionRepository,
	users repositories.UserRepository,
	provider datasource.ConnectionProvider,
	substitutor Substitutor,
	builder sql.Builder,
	auditor *audit.SecurityAuditor,
	logger *zap.Logger,
) QueryExecutionService {
	return &queryExecutionService{
		definitions: definitions,
		users:       users,
		provider:    provider,
		substitutor: substitutor,
		builder:     builder,
		auditor:     auditor,
		logger:      logger.Named("query-execution"),
		now:         time.Now,
	}
}

var _ QueryExecutionService = (*queryExecutionService)(nil)

func (s *queryExecutionService) ExecuteByID(ctx context.Context, id uuid.UUID, opts ExecuteOptions) ([]*models.User, error) {
	def, err := s.definitions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get query definition: %w", err)
	}
	return s.Execute(ctx, def, opts)
}

func (s *queryExecutionService) Execute(ctx context.Context, def *models.QueryDefinition, opts ExecuteOptions) ([]*models.User, error) {
	ids, err := s.ExecuteIDs(ctx, def, opts)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*models.User{}, nil
	}

	// Ordinary lookup on the primary store, outside the sandboxed transaction.
	users, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve users: %w", err)
	}
	return users, nil
}

func (s *queryExecutionService) ExecuteIDs(ctx context.Context, def *models.QueryDefinition, opts ExecuteOptions) ([]int64, error) {
	if !def.Active {
		metrics.ExecutionsTotal.WithLabelValues(metrics.OutcomeInactive).Inc()
		return []int64{}, nil
	}

	if violations := sql.Validate(def.QueryText); len(violations) > 0 {
		return nil, s.reject(ctx, def, violations)
	}

	finalText, err := s.substitutor.Substitute(def.QueryText, def.VariableSchema, def.DefaultVariables, opts.Variables)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		var subErr *apperrors.SubstitutionError
		if errors.As(err, &subErr) && subErr.Fingerprint != "" {
			s.auditor.LogInjectionAttempt(ctx, def.ID, audit.InjectionDetails{
				Variable:       subErr.Variable,
				Fingerprint:    subErr.Fingerprint,
				DefinitionName: def.Name,
			})
		}
		return nil, err
	}

	if violations := sql.ValidateSubstituted(finalText); len(violations) > 0 {
		return nil, s.reject(ctx, def, violations)
	}

	builtText := s.builder.Build(finalText, s.effectiveLimit(finalText, opts.Limit))

	start := time.Now()
	var endpoint datasource.Endpoint
	result, err := datasource.WithResult(ctx, s.provider, func(conn datasource.Conn) (*datasource.QueryResult, error) {
		endpoint = conn.Endpoint()
		if err := conn.SetStatementTimeout(ctx, def.MaxExecutionTimeMs); err != nil {
			return nil, err
		}
		return conn.Query(ctx, builtText)
	})
	var ids []int64
	if err == nil {
		ids, err = extractIDs(result)
	}
	if err != nil {
		return nil, s.fail(ctx, def, builtText, endpoint, start, err)
	}

	s.observe(metrics.OutcomeSuccess, start)
	s.bookkeep(ctx, def)
	s.auditor.LogQueryExecution(ctx, def.ID, def.Name, string(endpoint), len(ids))
	return ids, nil
}

// fail classifies an execution error. Counters are never touched here.
// Postgres reports a cancel request with the same SQLSTATE as a statement
// timeout, so the caller's context is checked first.
func (s *queryExecutionService) fail(ctx context.Context, def *models.QueryDefinition, builtText string, endpoint datasource.Endpoint, start time.Time, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.observe(metrics.OutcomeCanceled, start)
		s.logger.Info("Query canceled by caller",
			zap.String("definition_id", def.ID.String()),
			zap.String("endpoint", string(endpoint)),
			zap.Error(ctxErr),
		)
		return &apperrors.QueryExecutionError{Err: fmt.Errorf("query canceled: %w", ctxErr)}
	}

	if errors.Is(err, datasource.ErrStatementTimeout) {
		s.observe(metrics.OutcomeTimeout, start)
		s.logger.Error("Query exceeded its execution time",
			zap.String("definition_id", def.ID.String()),
			zap.Int("max_execution_time_ms", def.MaxExecutionTimeMs),
			zap.String("endpoint", string(endpoint)),
		)
		return &apperrors.QueryTimeoutError{TimeoutMs: def.MaxExecutionTimeMs}
	}

	s.observe(metrics.OutcomeError, start)
	s.logger.Error("Query execution failed",
		zap.String("definition_id", def.ID.String()),
		zap.String("query", logging.SanitizeQuery(builtText)),
		zap.String("endpoint", string(endpoint)),
		zap.String("error", logging.SanitizeError(err)),
	)
	return &apperrors.QueryExecutionError{Err: err}
}

// effectiveLimit picks the row limit: the caller's, else the query's own
// trailing LIMIT, else the global ceiling. Build clamps whichever it gets.
func (s *queryExecutionService) effectiveLimit(text string, requested int) int {
	if requested > 0 {
		return requested
	}
	if n, ok := sql.TrailingLimit(text); ok && n > 0 {
		return n
	}
	return s.builder.MaxLimit()
}

func (s *queryExecutionService) reject(ctx context.Context, def *models.QueryDefinition, violations []sql.Violation) error {
	messages := sql.Messages(violations)
	metrics.ExecutionsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
	s.auditor.LogValidationRejected(ctx, def.ID, def.Name, messages)
	return &apperrors.QueryValidationError{Violations: messages}
}

// bookkeep updates the usage counters. A failure here does not fail the run:
// the rows were already read and the counters are informational.
func (s *queryExecutionService) bookkeep(ctx context.Context, def *models.QueryDefinition) {
	at := s.now().UTC()
	if err := s.definitions.RecordExecution(ctx, def.ID, at); err != nil {
		s.logger.Warn("Failed to record query execution",
			zap.String("definition_id", def.ID.String()),
			zap.Error(err),
		)
		return
	}
	def.ExecutionCount++
	def.LastExecutedAt = &at
}

func (s *queryExecutionService) observe(outcome string, start time.Time) {
	metrics.ExecutionsTotal.WithLabelValues(outcome).Inc()
	metrics.ExecutionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// extractIDs reads the id column, coerces each value to int64, drops nulls
// and de-duplicates while keeping first-seen order.
// When several columns are named id (a join), the first one is used.
func extractIDs(result *datasource.QueryResult) ([]int64, error) {
	idx := result.ColumnIndex("id")
	if idx < 0 {
		return nil, fmt.Errorf("query result has no id column")
	}

	ids := make([]int64, 0, len(result.Rows))
	seen := make(map[int64]bool, len(result.Rows))
	for _, row := range result.Rows {
		if idx >= len(row) {
			return nil, fmt.Errorf("query result row has %d values, want at least %d", len(row), idx+1)
		}
		raw := row[idx]
		if raw == nil {
			continue
		}
		id, err := coerceID(raw)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func coerceID(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
			return int64(n), nil
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, nil
		}
	}
	return 0, fmt.Errorf("id value %v (%T) is not an integer", v, v)
}
