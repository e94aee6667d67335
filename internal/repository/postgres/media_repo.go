package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

// MediaRepo implements MediaRepository using PostgreSQL.
type MediaRepo struct{ db *DB }

// NewMediaRepo constructs a media repository.
func NewMediaRepo(db *DB) *MediaRepo { return &MediaRepo{db: db} }

// GetURL resolves an uploaded object; another user's key reads as not found.
func (r *MediaRepo) GetURL(ctx context.Context, ownerID uuid.UUID, key string) (string, error) {
	const q = `SELECT url FROM media_objects WHERE key=$1 AND owner_id=$2`
	var url string
	if err := r.db.Pool.QueryRow(ctx, q, key, ownerID).Scan(&url); err != nil {
		return "", mapErr("get media", err)
	}
	return url, nil
}
