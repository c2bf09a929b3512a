package repositories

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/query-sandbox/pkg/database"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

// UserRepository resolves user ids returned by sandboxed queries.
type UserRepository interface {
	// FindByIDs returns users in the order of ids. Ids without a row are skipped.
	FindByIDs(ctx context.Context, ids []int64) ([]*models.User, error)
}

// userRepository implements UserRepository using PostgreSQL.
type userRepository struct {
	db database.Querier
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db database.Querier) UserRepository {
	return &userRepository{db: db}
}

var _ UserRepository = (*userRepository)(nil)

func (r *userRepository) FindByIDs(ctx context.Context, ids []int64) ([]*models.User, error) {
	if len(ids) == 0 {
		return []*models.User{}, nil
	}

	query := `
		SELECT id, username, email, name, created_at
		FROM users
		WHERE id = ANY($1)`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to find users: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*models.User, len(ids))
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Name, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		byID[u.ID] = &u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	users := make([]*models.User, 0, len(byID))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}
