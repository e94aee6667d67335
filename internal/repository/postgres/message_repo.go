package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/repository"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a direct message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

const directCols = `id, sender_id, receiver_id, type, content, encrypted_content, encryption_key_id, media_url, created_at, delivered_at, read_at`

func scanDirect(row pgx.Row) (model.DirectMessage, error) {
	var (
		m   model.DirectMessage
		id  uuid.UUID
		typ string
		enc []byte
	)
	if err := row.Scan(&id, &m.SenderID, &m.ReceiverID, &typ, &m.Text, &enc, &m.EncryptionKeyID,
		&m.MediaURL, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt); err != nil {
		return model.DirectMessage{}, err
	}
	p, err := model.DecodeEncryptedPayload(enc)
	if err != nil {
		return model.DirectMessage{}, err
	}
	m.ID = model.MessageID(id)
	m.Type = model.MessageType(typ)
	m.Encrypted = p
	return m, nil
}

// CreateDirect inserts a message; a retry with the same (sender, client_ref) returns the stored row.
func (r *MessageRepo) CreateDirect(ctx context.Context, in repository.NewDirectMessage) (model.DirectMessage, error) {
	enc, err := in.Content.Encrypted.Encode()
	if err != nil {
		return model.DirectMessage{}, err
	}
	const q = `
INSERT INTO direct_messages (sender_id, receiver_id, type, content, encrypted_content, encryption_key_id, media_url, client_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (sender_id, client_ref) WHERE client_ref IS NOT NULL
DO UPDATE SET client_ref = EXCLUDED.client_ref
RETURNING ` + directCols
	row := r.db.Pool.QueryRow(ctx, q, in.SenderID, in.ReceiverID, string(in.Content.Type), in.Content.Text,
		enc, in.Content.EncryptionKeyID, in.Content.MediaURL, nullableText(string(in.ClientRef)))
	m, err := scanDirect(row)
	if err != nil {
		return model.DirectMessage{}, mapErr("create direct message", err)
	}
	return m, nil
}

// GetDirectHistory pages the thread between userID and partnerID, newest first.
func (r *MessageRepo) GetDirectHistory(ctx context.Context, userID, partnerID uuid.UUID, p model.Pagination) (model.Page[model.DirectMessage], error) {
	const cnt = `
SELECT count(*) FROM direct_messages
WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)`
	var total int
	if err := r.db.Pool.QueryRow(ctx, cnt, userID, partnerID).Scan(&total); err != nil {
		return model.Page[model.DirectMessage]{}, mapErr("count direct history", err)
	}

	const q = `
SELECT ` + directCols + `
FROM direct_messages
WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`
	rows, err := r.db.Pool.Query(ctx, q, userID, partnerID, p.Limit, p.Offset())
	if err != nil {
		return model.Page[model.DirectMessage]{}, mapErr("direct history", err)
	}
	defer rows.Close()

	items := make([]model.DirectMessage, 0, p.Limit)
	for rows.Next() {
		m, err := scanDirect(rows)
		if err != nil {
			return model.Page[model.DirectMessage]{}, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return model.Page[model.DirectMessage]{}, err
	}
	return model.Page[model.DirectMessage]{Items: items, Pagination: model.NewPagination(p.Page, p.Limit, total)}, nil
}

// ListConversations returns the latest message per partner, most recent thread first.
func (r *MessageRepo) ListConversations(ctx context.Context, userID uuid.UUID, p model.Pagination) (model.Page[model.Conversation], error) {
	const cnt = `
SELECT count(DISTINCT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END)
FROM direct_messages WHERE sender_id = $1 OR receiver_id = $1`
	var total int
	if err := r.db.Pool.QueryRow(ctx, cnt, userID).Scan(&total); err != nil {
		return model.Page[model.Conversation]{}, mapErr("count conversations", err)
	}

	const q = `
SELECT t.partner_id, u.display_name,
       (SELECT count(*) FROM direct_messages x
         WHERE x.sender_id = t.partner_id AND x.receiver_id = $1 AND x.read_at IS NULL) AS unread,
       t.id, t.sender_id, t.receiver_id, t.type, t.content, t.encrypted_content, t.encryption_key_id,
       t.media_url, t.created_at, t.delivered_at, t.read_at
FROM (
    SELECT DISTINCT ON (partner_id) *
    FROM (
        SELECT CASE WHEN d.sender_id = $1 THEN d.receiver_id ELSE d.sender_id END AS partner_id, d.*
        FROM direct_messages d
        WHERE d.sender_id = $1 OR d.receiver_id = $1
    ) p
    ORDER BY partner_id, created_at DESC
) t
JOIN users u ON u.id = t.partner_id
ORDER BY t.created_at DESC
LIMIT $2 OFFSET $3`
	rows, err := r.db.Pool.Query(ctx, q, userID, p.Limit, p.Offset())
	if err != nil {
		return model.Page[model.Conversation]{}, mapErr("list conversations", err)
	}
	defer rows.Close()

	items := make([]model.Conversation, 0, p.Limit)
	for rows.Next() {
		var (
			c   model.Conversation
			id  uuid.UUID
			typ string
			enc []byte
		)
		m := &c.LastMessage
		if err := rows.Scan(&c.PartnerID, &c.PartnerName, &c.UnreadCount,
			&id, &m.SenderID, &m.ReceiverID, &typ, &m.Text, &enc, &m.EncryptionKeyID,
			&m.MediaURL, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt); err != nil {
			return model.Page[model.Conversation]{}, err
		}
		if m.Encrypted, err = model.DecodeEncryptedPayload(enc); err != nil {
			return model.Page[model.Conversation]{}, err
		}
		m.ID = model.MessageID(id)
		m.Type = model.MessageType(typ)
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return model.Page[model.Conversation]{}, err
	}
	return model.Page[model.Conversation]{Items: items, Pagination: model.NewPagination(p.Page, p.Limit, total)}, nil
}

// MarkRead flips every unread row sender→receiver in one statement. Reading implies delivery.
func (r *MessageRepo) MarkRead(ctx context.Context, senderID, receiverID uuid.UUID, at time.Time) ([]model.MessageID, error) {
	const q = `
UPDATE direct_messages
SET read_at = $3, delivered_at = COALESCE(delivered_at, $3)
WHERE sender_id = $1 AND receiver_id = $2 AND read_at IS NULL
RETURNING id`
	rows, err := r.db.Pool.Query(ctx, q, senderID, receiverID, at)
	if err != nil {
		return nil, mapErr("mark read", err)
	}
	return collectIDs(rows)
}

// MarkDelivered stamps delivered_at once; already delivered rows are left untouched.
func (r *MessageRepo) MarkDelivered(ctx context.Context, senderID, receiverID uuid.UUID, ids []model.MessageID, at time.Time) ([]model.MessageID, error) {
	raw := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		raw[i] = uuid.UUID(id)
	}
	const q = `
UPDATE direct_messages
SET delivered_at = $3
WHERE sender_id = $1 AND receiver_id = $2 AND delivered_at IS NULL
  AND (cardinality($4::uuid[]) = 0 OR id = ANY($4::uuid[]))
RETURNING id`
	rows, err := r.db.Pool.Query(ctx, q, senderID, receiverID, at, raw)
	if err != nil {
		return nil, mapErr("mark delivered", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]model.MessageID, error) {
	defer rows.Close()
	var out []model.MessageID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, model.MessageID(id))
	}
	return out, rows.Err()
}
