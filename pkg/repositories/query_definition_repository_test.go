//go:build integration

package repositories

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/testhelpers"
)

func setupDefinitionRepo(t *testing.T) QueryDefinitionRepository {
	t.Helper()
	testDB := testhelpers.GetTestDB(t)
	testDB.Reset(t)
	return NewQueryDefinitionRepository(testDB.DB.Pool)
}

func newDefinition(name string) *models.QueryDefinition {
	return &models.QueryDefinition{
		Name:               name,
		Description:        "users above a score",
		QueryText:          "SELECT id FROM users WHERE score > {{min_score}}",
		VariableSchema:     models.VariableSchema{"min_score": {Type: models.VariableTypeInteger, Required: true}},
		DefaultVariables:   models.Variables{"min_score": json.Number("10")},
		MaxExecutionTimeMs: 5000,
		Active:             true,
	}
}

func TestQueryDefinitionRepository_CreateAndGet(t *testing.T) {
	repo := setupDefinitionRepo(t)
	ctx := context.Background()

	def := newDefinition("High scorers")
	require.NoError(t, repo.Create(ctx, def))
	require.NotEqual(t, uuid.Nil, def.ID)

	got, err := repo.GetByID(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, def.QueryText, got.QueryText)
	assert.Equal(t, models.VariableTypeInteger, got.VariableSchema["min_score"].Type)
	assert.Equal(t, json.Number("10"), got.DefaultVariables["min_score"])
	assert.Equal(t, int64(0), got.ExecutionCount)
	assert.Nil(t, got.LastExecutedAt)

	byName, err := repo.GetByName(ctx, "High scorers")
	require.NoError(t, err)
	assert.Equal(t, def.ID, byName.ID)
}

func TestQueryDefinitionRepository_DuplicateName(t *testing.T) {
	repo := setupDefinitionRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newDefinition("Dup")))
	err := repo.Create(ctx, newDefinition("Dup"))
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestQueryDefinitionRepository_NotFound(t *testing.T) {
	repo := setupDefinitionRepo(t)
	ctx := context.Background()

	_, err := repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, uuid.New()), apperrors.ErrNotFound)
	assert.ErrorIs(t, repo.SetActive(ctx, uuid.New(), false), apperrors.ErrNotFound)
}

func TestQueryDefinitionRepository_ListAndSetActive(t *testing.T) {
	repo := setupDefinitionRepo(t)
	ctx := context.Background()

	a, b := newDefinition("A"), newDefinition("B")
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))
	require.NoError(t, repo.SetActive(ctx, b.ID, false))

	all, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := repo.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
}

func TestQueryDefinitionRepository_Update(t *testing.T) {
	repo := setupDefinitionRepo(t)
	ctx := context.Background()

	def := newDefinition("Before")
	require.NoError(t, repo.Create(ctx, def))

	def.Name = "After"
	def.MaxExecutionTimeMs = 1000
	def.VariableSchema = nil
	def.DefaultVariables = nil
	def.QueryText = "SELECT id FROM users"
	require.NoError(t, repo.Update(ctx, def))

	got, err := repo.GetByID(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "After", got.Name)
	assert.Equal(t, 1000, got.MaxExecutionTimeMs)
	assert.Nil(t, got.VariableSchema)
}

func TestQueryDefinitionRepository_RecordExecutionIsAtomic(t *testing.T) {
	repo := setupDefinitionRepo(t)
	ctx := context.Background()

	def := newDefinition("Counted")
	require.NoError(t, repo.Create(ctx, def))

	const runs = 10
	var wg sync.WaitGroup
	for range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.RecordExecution(ctx, def.ID, time.Now()))
		}()
	}
	wg.Wait()

	got, err := repo.GetByID(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(runs), got.ExecutionCount)
	require.NotNil(t, got.LastExecutedAt)
}
