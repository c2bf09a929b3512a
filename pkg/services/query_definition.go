package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/sql"
)

// QueryDefinitionService manages the lifecycle of stored query definitions.
type QueryDefinitionService interface {
	// CRUD Operations
	Create(ctx context.Context, req *CreateQueryDefinitionRequest) (*models.QueryDefinition, error)
	Get(ctx context.Context, id uuid.UUID) (*models.QueryDefinition, error)
	GetByName(ctx context.Context, name string) (*models.QueryDefinition, error)
	List(ctx context.Context, activeOnly bool) ([]*models.QueryDefinition, error)
	Update(ctx context.Context, id uuid.UUID, req *UpdateQueryDefinitionRequest) (*models.QueryDefinition, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// Status Management
	SetActive(ctx context.Context, id uuid.UUID, active bool) error

	// Validate returns the full safety report for query text without saving it.
	Validate(queryText string) *ValidationReport
}

// CreateQueryDefinitionRequest contains fields for creating a definition.
// The variable fields are raw JSON so malformed input can be reported per field.
type CreateQueryDefinitionRequest struct {
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	QueryText          string          `json:"query_text"`
	VariableSchema     json.RawMessage `json:"variable_schema,omitempty"`
	DefaultVariables   json.RawMessage `json:"default_variables,omitempty"`
	MaxExecutionTimeMs *int            `json:"max_execution_time_ms,omitempty"` // nil = models.DefaultMaxExecutionTimeMs
	Active             *bool           `json:"active,omitempty"`                // nil = true
}

// UpdateQueryDefinitionRequest contains fields for updating a definition.
// All fields are optional - only non-nil values are updated.
type UpdateQueryDefinitionRequest struct {
	Name               *string         `json:"name,omitempty"`
	Description        *string         `json:"description,omitempty"`
	QueryText          *string         `json:"query_text,omitempty"`
	VariableSchema     json.RawMessage `json:"variable_schema,omitempty"`
	DefaultVariables   json.RawMessage `json:"default_variables,omitempty"`
	MaxExecutionTimeMs *int            `json:"max_execution_time_ms,omitempty"`
	Active             *bool           `json:"active,omitempty"`
}

// ValidationReport is the authoring-time view of the safety rules.
type ValidationReport struct {
	Valid      bool            `json:"valid"`
	Violations []sql.Violation `json:"violations"`
}

type queryDefinitionService struct {
	repo   repositories.QueryDefinitionRepository
	logger *zap.Logger
}

// NewQueryDefinitionService creates a new query definition service with dependencies.
func NewQueryDefinitionService(repo repositories.QueryDefinitionRepository, logger *zap.Logger) QueryDefinitionService {
	return &queryDefinitionService{
		repo:   repo,
		logger: logger.Named("query-definitions"),
	}
}

var _ QueryDefinitionService = (*queryDefinitionService)(nil)

// DefinitionInput is the untyped form of a definition before validation.
type DefinitionInput struct {
	Name               string
	Description        string
	QueryText          string
	VariableSchema     json.RawMessage
	DefaultVariables   json.RawMessage
	MaxExecutionTimeMs int
	Active             bool
}

// ValidateDefinition runs the field checks in order and reports every failing
// field. On success it returns the typed definition, without ID or timestamps.
func ValidateDefinition(in DefinitionInput) (*models.QueryDefinition, error) {
	verr := &apperrors.ValidationError{}

	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		verr.Add("name", "is required")
	case utf8.RuneCountInString(name) > models.MaxNameLength:
		verr.Add("name", fmt.Sprintf("must be at most %d characters", models.MaxNameLength))
	}

	if utf8.RuneCountInString(in.Description) > models.MaxDescriptionLength {
		verr.Add("description", fmt.Sprintf("must be at most %d characters", models.MaxDescriptionLength))
	}

	// The schema is parsed first because the query_text check cross-references it.
	schema, schemaErr := models.ParseVariableSchema(in.VariableSchema)

	queryText := strings.TrimSpace(in.QueryText)
	switch {
	case queryText == "":
		verr.Add("query_text", "is required")
	case utf8.RuneCountInString(queryText) > models.MaxQueryTextLength:
		verr.Add("query_text", fmt.Sprintf("must be at most %d characters", models.MaxQueryTextLength))
	default:
		for _, v := range sql.Validate(queryText) {
			verr.Add("query_text", v.Message)
		}
		if err := sql.CheckRowLimitClause(queryText); err != nil {
			verr.Add("query_text", err.Error())
		}
		if schemaErr == nil {
			if err := sql.ValidateVariableDefinitions(queryText, schema); err != nil {
				verr.Add("query_text", err.Error())
			}
		}
	}

	if schemaErr != nil {
		verr.Add("variable_schema", schemaErr.Error())
	}

	defaults, err := models.ParseVariables(in.DefaultVariables)
	if err != nil {
		verr.Add("default_variables", err.Error())
	} else if schemaErr == nil {
		for key := range defaults {
			if _, ok := schema[key]; !ok {
				verr.Add("default_variables", fmt.Sprintf("%q is not declared in variable_schema", key))
			}
		}
	}

	if in.MaxExecutionTimeMs <= 0 || in.MaxExecutionTimeMs > models.MaxExecutionTimeMsCeil {
		verr.Add("max_execution_time_ms", fmt.Sprintf("must be between 1 and %d", models.MaxExecutionTimeMsCeil))
	}

	if verr.HasErrors() {
		return nil, verr
	}

	return &models.QueryDefinition{
		Name:               name,
		Description:        in.Description,
		QueryText:          queryText,
		VariableSchema:     schema,
		DefaultVariables:   defaults,
		MaxExecutionTimeMs: in.MaxExecutionTimeMs,
		Active:             in.Active,
	}, nil
}

// Create validates and stores a new definition.
func (s *queryDefinitionService) Create(ctx context.Context, req *CreateQueryDefinitionRequest) (*models.QueryDefinition, error) {
	in := DefinitionInput{
		Name:               req.Name,
		Description:        req.Description,
		QueryText:          req.QueryText,
		VariableSchema:     req.VariableSchema,
		DefaultVariables:   req.DefaultVariables,
		MaxExecutionTimeMs: models.DefaultMaxExecutionTimeMs,
		Active:             true,
	}
	if req.MaxExecutionTimeMs != nil {
		in.MaxExecutionTimeMs = *req.MaxExecutionTimeMs
	}
	if req.Active != nil {
		in.Active = *req.Active
	}

	def, err := ValidateDefinition(in)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, def); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return nil, duplicateNameError()
		}
		return nil, fmt.Errorf("failed to create query definition: %w", err)
	}

	s.logger.Info("Created query definition",
		zap.String("id", def.ID.String()),
		zap.String("name", def.Name),
	)

	return def, nil
}

// Get retrieves a definition by ID.
func (s *queryDefinitionService) Get(ctx context.Context, id uuid.UUID) (*models.QueryDefinition, error) {
	def, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get query definition: %w", err)
	}
	return def, nil
}

func (s *queryDefinitionService) GetByName(ctx context.Context, name string) (*models.QueryDefinition, error) {
	def, err := s.repo.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get query definition: %w", err)
	}
	return def, nil
}

func (s *queryDefinitionService) List(ctx context.Context, activeOnly bool) ([]*models.QueryDefinition, error) {
	defs, err := s.repo.List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list query definitions: %w", err)
	}
	return defs, nil
}

// Update merges the supplied fields into the stored definition and
// re-validates the result as a whole.
func (s *queryDefinitionService) Update(ctx context.Context, id uuid.UUID, req *UpdateQueryDefinitionRequest) (*models.QueryDefinition, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	in := DefinitionInput{
		Name:               existing.Name,
		Description:        existing.Description,
		QueryText:          existing.QueryText,
		MaxExecutionTimeMs: existing.MaxExecutionTimeMs,
		Active:             existing.Active,
	}
	if in.VariableSchema, err = json.Marshal(existing.VariableSchema); err != nil {
		return nil, fmt.Errorf("failed to encode stored variable_schema: %w", err)
	}
	if in.DefaultVariables, err = json.Marshal(existing.DefaultVariables); err != nil {
		return nil, fmt.Errorf("failed to encode stored default_variables: %w", err)
	}

	if req.Name != nil {
		in.Name = *req.Name
	}
	if req.Description != nil {
		in.Description = *req.Description
	}
	if req.QueryText != nil {
		in.QueryText = *req.QueryText
	}
	if req.VariableSchema != nil {
		in.VariableSchema = req.VariableSchema
	}
	if req.DefaultVariables != nil {
		in.DefaultVariables = req.DefaultVariables
	}
	if req.MaxExecutionTimeMs != nil {
		in.MaxExecutionTimeMs = *req.MaxExecutionTimeMs
	}
	if req.Active != nil {
		in.Active = *req.Active
	}

	def, err := ValidateDefinition(in)
	if err != nil {
		return nil, err
	}

	def.ID = existing.ID
	def.ExecutionCount = existing.ExecutionCount
	def.LastExecutedAt = existing.LastExecutedAt
	def.CreatedAt = existing.CreatedAt

	if err := s.repo.Update(ctx, def); err != nil {
		switch {
		case errors.Is(err, apperrors.ErrConflict):
			return nil, duplicateNameError()
		case errors.Is(err, apperrors.ErrNotFound):
			return nil, err
		}
		return nil, fmt.Errorf("failed to update query definition: %w", err)
	}

	s.logger.Info("Updated query definition",
		zap.String("id", def.ID.String()),
		zap.String("name", def.Name),
	)

	return def, nil
}

func (s *queryDefinitionService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete query definition: %w", err)
	}

	s.logger.Info("Deleted query definition", zap.String("id", id.String()))
	return nil
}

func (s *queryDefinitionService) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to update query definition status: %w", err)
	}

	s.logger.Info("Changed query definition status",
		zap.String("id", id.String()),
		zap.Bool("active", active),
	)
	return nil
}

func (s *queryDefinitionService) Validate(queryText string) *ValidationReport {
	return ValidateQueryText(queryText)
}

// ValidateQueryText runs every safety rule and reports all violations.
func ValidateQueryText(queryText string) *ValidationReport {
	violations := sql.Validate(queryText)
	if violations == nil {
		violations = []sql.Violation{}
	}
	return &ValidationReport{
		Valid:      len(violations) == 0,
		Violations: violations,
	}
}

// duplicateNameError is a name field error that also matches apperrors.ErrConflict.
func duplicateNameError() error {
	verr := &apperrors.ValidationError{}
	verr.Add("name", "a query definition with this name already exists")
	return errors.Join(apperrors.ErrConflict, verr)
}
