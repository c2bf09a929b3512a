package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/query-sandbox/pkg/adapters/datasource"
	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

// mockDefinitionRepo is an in-memory QueryDefinitionRepository.
type mockDefinitionRepo struct {
	mu        sync.Mutex
	defs      map[uuid.UUID]*models.QueryDefinition
	recordErr error
	records   int
}

func newMockDefinitionRepo(defs ...*models.QueryDefinition) *mockDefinitionRepo {
	m := &mockDefinitionRepo{defs: make(map[uuid.UUID]*models.QueryDefinition)}
	for _, d := range defs {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		stored := *d
		m.defs[d.ID] = &stored
	}
	return m
}

func (m *mockDefinitionRepo) Create(_ context.Context, def *models.QueryDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.Name == def.Name {
			return apperrors.ErrConflict
		}
	}
	def.ID = uuid.New()
	def.CreatedAt = time.Now()
	def.UpdatedAt = def.CreatedAt
	stored := *def
	m.defs[def.ID] = &stored
	return nil
}

func (m *mockDefinitionRepo) GetByID(_ context.Context, id uuid.UUID) (*models.QueryDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (m *mockDefinitionRepo) GetByName(_ context.Context, name string) (*models.QueryDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.Name == name {
			c := *d
			return &c, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockDefinitionRepo) List(_ context.Context, activeOnly bool) ([]*models.QueryDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.QueryDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		if activeOnly && !d.Active {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockDefinitionRepo) Update(_ context.Context, def *models.QueryDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[def.ID]; !ok {
		return apperrors.ErrNotFound
	}
	for id, d := range m.defs {
		if id != def.ID && d.Name == def.Name {
			return apperrors.ErrConflict
		}
	}
	stored := *def
	m.defs[def.ID] = &stored
	return nil
}

func (m *mockDefinitionRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.defs, id)
	return nil
}

func (m *mockDefinitionRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	d.Active = active
	return nil
}

func (m *mockDefinitionRepo) RecordExecution(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	d, ok := m.defs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	m.records++
	d.ExecutionCount++
	d.LastExecutedAt = &at
	return nil
}

func (m *mockDefinitionRepo) stored(id uuid.UUID) models.QueryDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.defs[id]
}

// mockUserRepo resolves ids against a fixed set of users.
type mockUserRepo struct {
	users map[int64]*models.User
	calls [][]int64
}

func newMockUserRepo(ids ...int64) *mockUserRepo {
	m := &mockUserRepo{users: make(map[int64]*models.User)}
	for _, id := range ids {
		m.users[id] = &models.User{ID: id, Username: fmt.Sprintf("user%d", id)}
	}
	return m
}

func (m *mockUserRepo) FindByIDs(_ context.Context, ids []int64) ([]*models.User, error) {
	m.calls = append(m.calls, ids)
	out := make([]*models.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// mockConn records what the engine sent and replays canned results.
type mockConn struct {
	timeoutMs int
	queries   []string
	result    *datasource.QueryResult
	json      []byte
	err       error
}

func (c *mockConn) SetStatementTimeout(_ context.Context, ms int) error {
	c.timeoutMs = ms
	return nil
}

func (c *mockConn) Query(_ context.Context, sql string) (*datasource.QueryResult, error) {
	c.queries = append(c.queries, sql)
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

func (c *mockConn) QueryJSON(_ context.Context, sql string) ([]byte, error) {
	c.queries = append(c.queries, sql)
	if c.err != nil {
		return nil, c.err
	}
	return c.json, nil
}

func (c *mockConn) Endpoint() datasource.Endpoint {
	return datasource.EndpointReplica
}

// mockProvider counts scoped connections so tests can assert that rejected
// queries never reach the database layer.
type mockProvider struct {
	conn     *mockConn
	calls    int
	released int
}

func (p *mockProvider) WithConnection(_ context.Context, fn func(datasource.Conn) error) error {
	p.calls++
	defer func() { p.released++ }()
	return fn(p.conn)
}

// usersResult builds a single-column id result; nil entries become NULLs.
func usersResult(ids ...any) *datasource.QueryResult {
	rows := make([][]any, len(ids))
	for i, id := range ids {
		rows[i] = []any{id}
	}
	return &datasource.QueryResult{
		Columns:  []datasource.ColumnInfo{{Name: "id", Type: "INT8"}},
		Rows:     rows,
		RowCount: len(rows),
	}
}
