package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/database"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

// QueryDefinitionRepository provides data access for stored query definitions.
type QueryDefinitionRepository interface {
	// CRUD operations
	Create(ctx context.Context, def *models.QueryDefinition) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.QueryDefinition, error)
	GetByName(ctx context.Context, name string) (*models.QueryDefinition, error)
	List(ctx context.Context, activeOnly bool) ([]*models.QueryDefinition, error)
	Update(ctx context.Context, def *models.QueryDefinition) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Status management
	SetActive(ctx context.Context, id uuid.UUID, active bool) error

	// Usage tracking. The increment is atomic; last_executed_at is last-writer-wins.
	RecordExecution(ctx context.Context, id uuid.UUID, at time.Time) error
}

type queryDefinitionRepository struct {
	db database.Querier
}

// NewQueryDefinitionRepository creates a new QueryDefinitionRepository.
func NewQueryDefinitionRepository(db database.Querier) QueryDefinitionRepository {
	return &queryDefinitionRepository{db: db}
}

var _ QueryDefinitionRepository = (*queryDefinitionRepository)(nil)

const queryDefinitionColumns = `
		id, name, description, query_text, variable_schema, default_variables,
		max_execution_time_ms, is_active, execution_count, last_executed_at,
		created_at, updated_at`

func (r *queryDefinitionRepository) Create(ctx context.Context, def *models.QueryDefinition) error {
	schemaJSON, defaultsJSON, err := encodeVariableColumns(def)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	def.ID = uuid.New()
	def.CreatedAt = now
	def.UpdatedAt = now

	sql := `
		INSERT INTO query_definitions (
			id, name, description, query_text, variable_schema, default_variables,
			max_execution_time_ms, is_active, execution_count, last_executed_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, NULL, $9, $10)`

	_, err = r.db.Exec(ctx, sql,
		def.ID, def.Name, def.Description, def.QueryText, schemaJSON, defaultsJSON,
		def.MaxExecutionTimeMs, def.Active, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create query definition: %w", err)
	}

	def.ExecutionCount = 0
	def.LastExecutedAt = nil
	return nil
}

func (r *queryDefinitionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.QueryDefinition, error) {
	sql := `SELECT` + queryDefinitionColumns + `
		FROM query_definitions
		WHERE id = $1`

	def, err := scanQueryDefinition(r.db.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query definition: %w", err)
	}
	return def, nil
}

func (r *queryDefinitionRepository) GetByName(ctx context.Context, name string) (*models.QueryDefinition, error) {
	sql := `SELECT` + queryDefinitionColumns + `
		FROM query_definitions
		WHERE name = $1`

	def, err := scanQueryDefinition(r.db.QueryRow(ctx, sql, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query definition by name: %w", err)
	}
	return def, nil
}

func (r *queryDefinitionRepository) List(ctx context.Context, activeOnly bool) ([]*models.QueryDefinition, error) {
	sql := `SELECT` + queryDefinitionColumns + `
		FROM query_definitions
		WHERE ($1 = false OR is_active = true)
		ORDER BY name`

	rows, err := r.db.Query(ctx, sql, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list query definitions: %w", err)
	}
	defer rows.Close()

	defs := make([]*models.QueryDefinition, 0)
	for rows.Next() {
		def, err := scanQueryDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating query definitions: %w", err)
	}

	return defs, nil
}

// Update rewrites the authored fields. Usage counters are left alone.
func (r *queryDefinitionRepository) Update(ctx context.Context, def *models.QueryDefinition) error {
	schemaJSON, defaultsJSON, err := encodeVariableColumns(def)
	if err != nil {
		return err
	}

	def.UpdatedAt = time.Now().UTC()

	sql := `
		UPDATE query_definitions
		SET name = $2,
		    description = $3,
		    query_text = $4,
		    variable_schema = $5,
		    default_variables = $6,
		    max_execution_time_ms = $7,
		    is_active = $8,
		    updated_at = $9
		WHERE id = $1`

	result, err := r.db.Exec(ctx, sql,
		def.ID, def.Name, def.Description, def.QueryText, schemaJSON, defaultsJSON,
		def.MaxExecutionTimeMs, def.Active, def.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to update query definition: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *queryDefinitionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM query_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete query definition: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *queryDefinitionRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	sql := `
		UPDATE query_definitions
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.Exec(ctx, sql, id, active)
	if err != nil {
		return fmt.Errorf("failed to update query definition status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *queryDefinitionRepository) RecordExecution(ctx context.Context, id uuid.UUID, at time.Time) error {
	sql := `
		UPDATE query_definitions
		SET execution_count = execution_count + 1,
		    last_executed_at = $2
		WHERE id = $1`

	result, err := r.db.Exec(ctx, sql, id, at)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// ============================================================================
// Helper Functions
// ============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// encodeVariableColumns renders the JSONB columns. Nil maps are stored as
// empty objects to satisfy the NOT NULL constraint.
func encodeVariableColumns(def *models.QueryDefinition) (string, string, error) {
	schema := def.VariableSchema
	if schema == nil {
		schema = models.VariableSchema{}
	}
	defaults := def.DefaultVariables
	if defaults == nil {
		defaults = models.Variables{}
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode variable_schema: %w", err)
	}
	defaultsJSON, err := json.Marshal(defaults)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode default_variables: %w", err)
	}
	return string(schemaJSON), string(defaultsJSON), nil
}

// scanQueryDefinition reads JSONB columns as raw bytes and decodes them with
// the model parsers so numeric defaults stay json.Number.
func scanQueryDefinition(row pgx.Row) (*models.QueryDefinition, error) {
	var def models.QueryDefinition
	var schemaRaw, defaultsRaw []byte

	err := row.Scan(
		&def.ID, &def.Name, &def.Description, &def.QueryText, &schemaRaw, &defaultsRaw,
		&def.MaxExecutionTimeMs, &def.Active, &def.ExecutionCount, &def.LastExecutedAt,
		&def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if def.VariableSchema, err = models.ParseVariableSchema(schemaRaw); err != nil {
		return nil, fmt.Errorf("stored variable_schema for %s: %w", def.ID, err)
	}
	if def.DefaultVariables, err = models.ParseVariables(defaultsRaw); err != nil {
		return nil, fmt.Errorf("stored default_variables for %s: %w", def.ID, err)
	}
	if len(def.VariableSchema) == 0 {
		def.VariableSchema = nil
	}
	if len(def.DefaultVariables) == 0 {
		def.DefaultVariables = nil
	}

	return &def, nil
}
