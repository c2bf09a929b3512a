package handlers

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/services"
	"github.com/ekaya-inc/query-sandbox/pkg/sql"
)

// mockDefinitionService serves a single stored definition and records the
// last request it received.
type mockDefinitionService struct {
	def        *models.QueryDefinition
	err        error
	lastCreate *services.CreateQueryDefinitionRequest
	lastUpdate *services.UpdateQueryDefinitionRequest
	lastActive *bool
	activeOnly bool
}

func (m *mockDefinitionService) lookup(id uuid.UUID) (*models.QueryDefinition, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.def == nil || m.def.ID != id {
		return nil, apperrors.ErrNotFound
	}
	c := *m.def
	return &c, nil
}

func (m *mockDefinitionService) Create(_ context.Context, req *services.CreateQueryDefinitionRequest) (*models.QueryDefinition, error) {
	m.lastCreate = req
	if m.err != nil {
		return nil, m.err
	}
	def := &models.QueryDefinition{
		ID:                 uuid.New(),
		Name:               req.Name,
		QueryText:          req.QueryText,
		MaxExecutionTimeMs: models.DefaultMaxExecutionTimeMs,
		Active:             true,
	}
	m.def = def
	return def, nil
}

func (m *mockDefinitionService) Get(_ context.Context, id uuid.UUID) (*models.QueryDefinition, error) {
	return m.lookup(id)
}

func (m *mockDefinitionService) GetByName(_ context.Context, name string) (*models.QueryDefinition, error) {
	if m.def == nil || m.def.Name != name {
		return nil, apperrors.ErrNotFound
	}
	return m.def, nil
}

func (m *mockDefinitionService) List(_ context.Context, activeOnly bool) ([]*models.QueryDefinition, error) {
	m.activeOnly = activeOnly
	if m.err != nil {
		return nil, m.err
	}
	if m.def == nil {
		return []*models.QueryDefinition{}, nil
	}
	return []*models.QueryDefinition{m.def}, nil
}

func (m *mockDefinitionService) Update(_ context.Context, id uuid.UUID, req *services.UpdateQueryDefinitionRequest) (*models.QueryDefinition, error) {
	m.lastUpdate = req
	def, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		def.Name = *req.Name
	}
	return def, nil
}

func (m *mockDefinitionService) Delete(_ context.Context, id uuid.UUID) error {
	_, err := m.lookup(id)
	return err
}

func (m *mockDefinitionService) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	m.lastActive = &active
	m.def.Active = active
	return nil
}

func (m *mockDefinitionService) Validate(queryText string) *services.ValidationReport {
	violations := sql.Validate(queryText)
	if violations == nil {
		violations = []sql.Violation{}
	}
	return &services.ValidationReport{Valid: len(violations) == 0, Violations: violations}
}

// mockExecutionService returns canned users or an error.
type mockExecutionService struct {
	users    []*models.User
	err      error
	lastID   uuid.UUID
	lastOpts services.ExecuteOptions
}

func (m *mockExecutionService) Execute(_ context.Context, _ *models.QueryDefinition, opts services.ExecuteOptions) ([]*models.User, error) {
	m.lastOpts = opts
	return m.users, m.err
}

func (m *mockExecutionService) ExecuteIDs(_ context.Context, _ *models.QueryDefinition, _ services.ExecuteOptions) ([]int64, error) {
	return nil, errors.New("not used by handlers")
}

func (m *mockExecutionService) ExecuteByID(_ context.Context, id uuid.UUID, opts services.ExecuteOptions) ([]*models.User, error) {
	m.lastID = id
	m.lastOpts = opts
	return m.users, m.err
}

// mockEstimator returns a fixed estimate.
type mockEstimator struct {
	estimate      int64
	lastVariables models.Variables
}

func (m *mockEstimator) Estimate(_ context.Context, _ *models.QueryDefinition, variables models.Variables) int64 {
	m.lastVariables = variables
	return m.estimate
}

func (m *mockEstimator) Close() {}

// mockPinger fails with err when set.
type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(context.Context) error {
	return m.err
}
