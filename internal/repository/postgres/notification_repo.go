package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/model"
)

// NotificationRepo implements NotificationRepository using PostgreSQL.
type NotificationRepo struct{ db *DB }

// NewNotificationRepo constructs a notification repository.
func NewNotificationRepo(db *DB) *NotificationRepo { return &NotificationRepo{db: db} }

func messageRef(id *model.MessageID) *uuid.UUID {
	if id == nil {
		return nil
	}
	u := uuid.UUID(*id)
	return &u
}

// Create inserts n and fills ID, Count and CreatedAt.
func (r *NotificationRepo) Create(ctx context.Context, n *model.Notification) error {
	const q = `
INSERT INTO notifications (type, recipient_id, actor_id, post_id, comment_id, message_id, group_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, count, created_at`
	err := r.db.Pool.QueryRow(ctx, q, string(n.Type), n.RecipientID, n.ActorID,
		n.PostID, n.CommentID, messageRef(n.MessageID), n.GroupID).
		Scan(&n.ID, &n.Count, &n.CreatedAt)
	return mapErr("create notification", err)
}

// CreateOrBumpLike folds repeated likes on one post into a single unread row.
func (r *NotificationRepo) CreateOrBumpLike(ctx context.Context, n *model.Notification) error {
	const q = `
INSERT INTO notifications (type, recipient_id, actor_id, post_id)
VALUES ('like', $1, $2, $3)
ON CONFLICT (recipient_id, post_id) WHERE type = 'like' AND NOT read
DO UPDATE SET count = notifications.count + 1, actor_id = EXCLUDED.actor_id, created_at = now()
RETURNING id, count, created_at`
	err := r.db.Pool.QueryRow(ctx, q, n.RecipientID, n.ActorID, n.PostID).
		Scan(&n.ID, &n.Count, &n.CreatedAt)
	return mapErr("bump like", err)
}
