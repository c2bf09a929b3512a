package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/adapters/datasource"
	"github.com/ekaya-inc/query-sandbox/pkg/logging"
	"github.com/ekaya-inc/query-sandbox/pkg/metrics"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/sql"
)

// DefaultEstimateLimit is the row limit applied to the plan being estimated.
const DefaultEstimateLimit = 1000

// Estimate outcomes.
const (
	estimateOK     = "ok"
	estimateCached = "cached"
	estimateFailed = "failed"
)

// planRowsPath addresses the top plan node's row estimate in EXPLAIN (FORMAT JSON) output.
const planRowsPath = "0.Plan.Plan Rows"

// QueryEstimator predicts how many users a definition would return.
// Estimates are advisory: zero means unknown, not empty.
type QueryEstimator interface {
	Estimate(ctx context.Context, def *models.QueryDefinition, variables models.Variables) int64
	Close()
}

type queryEstimator struct {
	provider    datasource.ConnectionProvider
	substitutor Substitutor
	builder     sql.Builder
	limit       int
	cache       *ttlcache.Cache[string, int64]
	logger      *zap.Logger
}

// NewQueryEstimator creates an estimator. A zero cacheTTL disables caching.
func NewQueryEstimator(
	provider datasource.ConnectionProvider,
	substitutor Substitutor,
	builder sql.Builder,
	limit int,
	cacheTTL time.Duration,
	logger *zap.Logger,
) QueryEstimator {
	if limit <= 0 {
		limit = DefaultEstimateLimit
	}

	e := &queryEstimator{
		provider:    provider,
		substitutor: substitutor,
		builder:     builder,
		limit:       limit,
		logger:      logger.Named("query-estimator"),
	}

	if cacheTTL > 0 {
		e.cache = ttlcache.New[string, int64](
			ttlcache.WithTTL[string, int64](cacheTTL),
			ttlcache.WithCapacity[string, int64](1000),
		)
		go e.cache.Start()
	}

	return e
}

var _ QueryEstimator = (*queryEstimator)(nil)

// Estimate never fails. Every error is logged as a warning and reported as 0.
func (e *queryEstimator) Estimate(ctx context.Context, def *models.QueryDefinition, variables models.Variables) int64 {
	explainText, err := e.explainText(def, variables)
	if err != nil {
		return e.softFail(def, "", err)
	}

	cacheKey := def.ID.String() + "\x00" + explainText
	if e.cache != nil {
		if item := e.cache.Get(cacheKey); item != nil {
			metrics.EstimatesTotal.WithLabelValues(estimateCached).Inc()
			return item.Value()
		}
	}

	raw, err := datasource.WithResult(ctx, e.provider, func(conn datasource.Conn) ([]byte, error) {
		if err := conn.SetStatementTimeout(ctx, def.MaxExecutionTimeMs); err != nil {
			return nil, err
		}
		return conn.QueryJSON(ctx, explainText)
	})
	if err != nil {
		return e.softFail(def, explainText, err)
	}

	rows := gjson.GetBytes(raw, planRowsPath)
	if !rows.Exists() {
		return e.softFail(def, explainText, fmt.Errorf("plan output has no %q field", planRowsPath))
	}

	estimate := rows.Int()
	if estimate < 0 {
		estimate = 0
	}

	metrics.EstimatesTotal.WithLabelValues(estimateOK).Inc()
	if e.cache != nil {
		e.cache.Set(cacheKey, estimate, ttlcache.DefaultTTL)
	}
	return estimate
}

// explainText builds the EXPLAIN statement. The same validation that guards
// execution runs first so rejected text never reaches the database here either.
func (e *queryEstimator) explainText(def *models.QueryDefinition, variables models.Variables) (string, error) {
	if v, found := sql.FirstViolation(def.QueryText); found {
		return "", fmt.Errorf("query failed safety validation: %s", v.Message)
	}

	finalText, err := e.substitutor.Substitute(def.QueryText, def.VariableSchema, def.DefaultVariables, variables)
	if err != nil {
		return "", err
	}

	if violations := sql.ValidateSubstituted(finalText); len(violations) > 0 {
		return "", fmt.Errorf("substituted query failed safety validation: %s", violations[0].Message)
	}

	return "EXPLAIN (FORMAT JSON) " + e.builder.Build(finalText, e.limit), nil
}

func (e *queryEstimator) softFail(def *models.QueryDefinition, explainText string, err error) int64 {
	metrics.EstimatesTotal.WithLabelValues(estimateFailed).Inc()
	e.logger.Warn("Row estimate unavailable",
		zap.String("definition_id", def.ID.String()),
		zap.String("query", logging.SanitizeQuery(explainText)),
		zap.String("error", logging.SanitizeError(err)),
	)
	return 0
}

// Close stops the cache's expiry loop.
func (e *queryEstimator) Close() {
	if e.cache != nil {
		e.cache.Stop()
	}
}
