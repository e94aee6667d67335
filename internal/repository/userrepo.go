// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/model"
)

// UserRepository reads identity records. Users are owned by the account service.
type UserRepository interface {
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	// GetByIDs loads the users that exist among ids.
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]model.User, error)
}
