package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/repository"
)

// GroupRepo implements GroupRepository using PostgreSQL.
type GroupRepo struct{ db *DB }

// NewGroupRepo constructs a group repository.
func NewGroupRepo(db *DB) *GroupRepo { return &GroupRepo{db: db} }

// Create inserts the group and its creator as admin in one transaction.
// ID, CreatedAt and UpdatedAt are filled from the store.
func (r *GroupRepo) Create(ctx context.Context, g *model.GroupChat) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		const ins = `
INSERT INTO group_chats (name, visibility, encryption_enabled, creator_id)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, updated_at`
		if err := tx.QueryRow(ctx, ins, g.Name, string(g.Visibility), g.EncryptionEnabled, g.CreatorID).
			Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return mapErr("create group", err)
		}
		const member = `
INSERT INTO group_members (group_id, user_id, role, joined_at)
VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, member, g.ID, g.CreatorID, string(model.RoleAdmin), g.CreatedAt); err != nil {
			return mapErr("add creator", err)
		}
		return nil
	})
}

// GetByID selects a group.
func (r *GroupRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.GroupChat, error) {
	const q = `
SELECT id, name, visibility, encryption_enabled, creator_id, created_at, updated_at
FROM group_chats WHERE id=$1`
	var (
		g   model.GroupChat
		vis string
	)
	if err := r.db.Pool.QueryRow(ctx, q, id).
		Scan(&g.ID, &g.Name, &vis, &g.EncryptionEnabled, &g.CreatorID, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, mapErr("get group", err)
	}
	g.Visibility = model.Visibility(vis)
	return &g, nil
}

const memberSelect = `
SELECT m.group_id, m.user_id, u.display_name, m.role, m.joined_at
FROM group_members m JOIN users u ON u.id = m.user_id`

func scanMember(row pgx.Row) (model.Membership, error) {
	var (
		m    model.Membership
		role string
	)
	if err := row.Scan(&m.GroupID, &m.UserID, &m.DisplayName, &role, &m.JoinedAt); err != nil {
		return model.Membership{}, err
	}
	m.Role = model.Role(role)
	return m, nil
}

// GetMembership returns ErrNotFound when userID is not in the group.
func (r *GroupRepo) GetMembership(ctx context.Context, groupID, userID uuid.UUID) (*model.Membership, error) {
	m, err := scanMember(r.db.Pool.QueryRow(ctx, memberSelect+`
WHERE m.group_id=$1 AND m.user_id=$2`, groupID, userID))
	if err != nil {
		return nil, mapErr("get membership", err)
	}
	return &m, nil
}

// ListMembers returns all members in join order.
func (r *GroupRepo) ListMembers(ctx context.Context, groupID uuid.UUID) ([]model.Membership, error) {
	rows, err := r.db.Pool.Query(ctx, memberSelect+`
WHERE m.group_id=$1
ORDER BY m.joined_at, m.user_id`, groupID)
	if err != nil {
		return nil, mapErr("list members", err)
	}
	defer rows.Close()

	var out []model.Membership
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMember inserts a membership; an existing one is returned as is.
func (r *GroupRepo) AddMember(ctx context.Context, groupID, userID uuid.UUID, role model.Role) (*model.Membership, error) {
	const q = `
INSERT INTO group_members (group_id, user_id, role)
VALUES ($1, $2, $3)
ON CONFLICT (group_id, user_id) DO NOTHING`
	if _, err := r.db.Pool.Exec(ctx, q, groupID, userID, string(role)); err != nil {
		return nil, mapErr("add member", err)
	}
	return r.GetMembership(ctx, groupID, userID)
}

// RemoveMember deletes a membership; ErrNotFound if there was none.
func (r *GroupRepo) RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error {
	const q = `DELETE FROM group_members WHERE group_id=$1 AND user_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, groupID, userID)
	if err != nil {
		return mapErr("remove member", err)
	}
	if tag.RowsAffected() == 0 {
		return mapErr("remove member", pgx.ErrNoRows)
	}
	return nil
}

// SetEncryption flips the group's encryption flag.
func (r *GroupRepo) SetEncryption(ctx context.Context, groupID uuid.UUID, enabled bool) error {
	const q = `UPDATE group_chats SET encryption_enabled=$2, updated_at=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, groupID, enabled)
	if err != nil {
		return mapErr("set encryption", err)
	}
	if tag.RowsAffected() == 0 {
		return mapErr("set encryption", pgx.ErrNoRows)
	}
	return nil
}

// Touch bumps updated_at; it never moves backwards.
func (r *GroupRepo) Touch(ctx context.Context, groupID uuid.UUID, at time.Time) error {
	const q = `UPDATE group_chats SET updated_at=GREATEST(updated_at, $2) WHERE id=$1`
	if _, err := r.db.Pool.Exec(ctx, q, groupID, at); err != nil {
		return mapErr("touch group", err)
	}
	return nil
}

const groupMsgCols = `id, group_id, sender_id, type, content, encrypted_content, encryption_key_id, media_url, created_at`

func scanGroupMessage(row pgx.Row) (model.GroupMessage, error) {
	var (
		m   model.GroupMessage
		id  uuid.UUID
		typ string
		enc []byte
	)
	if err := row.Scan(&id, &m.GroupID, &m.SenderID, &typ, &m.Text, &enc, &m.EncryptionKeyID, &m.MediaURL, &m.CreatedAt); err != nil {
		return model.GroupMessage{}, err
	}
	p, err := model.DecodeEncryptedPayload(enc)
	if err != nil {
		return model.GroupMessage{}, err
	}
	m.ID = model.MessageID(id)
	m.Type = model.MessageType(typ)
	m.Encrypted = p
	return m, nil
}

// CreateMessage inserts a group message, idempotent on (sender, client_ref).
func (r *GroupRepo) CreateMessage(ctx context.Context, in repository.NewGroupMessage) (model.GroupMessage, error) {
	enc, err := in.Content.Encrypted.Encode()
	if err != nil {
		return model.GroupMessage{}, err
	}
	const q = `
INSERT INTO group_messages (group_id, sender_id, type, content, encrypted_content, encryption_key_id, media_url, client_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (sender_id, client_ref) WHERE client_ref IS NOT NULL
DO UPDATE SET client_ref = EXCLUDED.client_ref
RETURNING ` + groupMsgCols
	m, err := scanGroupMessage(r.db.Pool.QueryRow(ctx, q, in.GroupID, in.SenderID, string(in.Content.Type),
		in.Content.Text, enc, in.Content.EncryptionKeyID, in.Content.MediaURL, nullableText(string(in.ClientRef))))
	if err != nil {
		return model.GroupMessage{}, mapErr("create group message", err)
	}
	return m, nil
}

// GetHistory pages a group's messages, newest first.
func (r *GroupRepo) GetHistory(ctx context.Context, groupID uuid.UUID, p model.Pagination) (model.Page[model.GroupMessage], error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM group_messages WHERE group_id=$1`, groupID).Scan(&total); err != nil {
		return model.Page[model.GroupMessage]{}, mapErr("count group history", err)
	}

	const q = `
SELECT ` + groupMsgCols + `
FROM group_messages WHERE group_id=$1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`
	rows, err := r.db.Pool.Query(ctx, q, groupID, p.Limit, p.Offset())
	if err != nil {
		return model.Page[model.GroupMessage]{}, mapErr("group history", err)
	}
	defer rows.Close()

	items := make([]model.GroupMessage, 0, p.Limit)
	for rows.Next() {
		m, err := scanGroupMessage(rows)
		if err != nil {
			return model.Page[model.GroupMessage]{}, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return model.Page[model.GroupMessage]{}, err
	}
	return model.Page[model.GroupMessage]{Items: items, Pagination: model.NewPagination(p.Page, p.Limit, total)}, nil
}
