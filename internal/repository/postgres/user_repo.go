package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `
SELECT id, display_name, created_at
FROM users WHERE id=$1`
	var u model.User
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.DisplayName, &u.CreatedAt); err != nil {
		return nil, mapErr("get user", err)
	}
	return &u, nil
}

// GetByIDs selects the users that exist among ids.
func (r *UserRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
SELECT id, display_name, created_at
FROM users WHERE id = ANY($1)`
	rows, err := r.db.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, mapErr("get users", err)
	}
	defer rows.Close()

	out := make([]model.User, 0, len(ids))
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
