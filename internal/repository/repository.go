package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/model"
)

// NewDirectMessage is the input of MessageRepository.CreateDirect.
type NewDirectMessage struct {
	SenderID   uuid.UUID
	ReceiverID uuid.UUID
	Content    model.Content
	ClientRef  model.TempID // optional; (sender, client_ref) is unique
}

// MessageRepository stores direct messages.
type MessageRepository interface {
	// CreateDirect inserts a message. A retry with the same (sender, ClientRef) returns the original row.
	CreateDirect(ctx context.Context, m NewDirectMessage) (model.DirectMessage, error)
	// GetDirectHistory pages the thread between two users, newest first.
	GetDirectHistory(ctx context.Context, userID, partnerID uuid.UUID, p model.Pagination) (model.Page[model.DirectMessage], error)
	// ListConversations returns one entry per partner ordered by last activity.
	ListConversations(ctx context.Context, userID uuid.UUID, p model.Pagination) (model.Page[model.Conversation], error)
	// MarkRead flags every unread message sender→receiver as read and returns the affected ids.
	MarkRead(ctx context.Context, senderID, receiverID uuid.UUID, at time.Time) ([]model.MessageID, error)
	// MarkDelivered stamps delivered_at on undelivered messages sender→receiver
	// (restricted to ids when non-empty) and returns the affected ids.
	MarkDelivered(ctx context.Context, senderID, receiverID uuid.UUID, ids []model.MessageID, at time.Time) ([]model.MessageID, error)
}

// NewGroupMessage is the input of GroupRepository.CreateMessage.
type NewGroupMessage struct {
	GroupID   uuid.UUID
	SenderID  uuid.UUID
	Content   model.Content
	ClientRef model.TempID
}

// GroupRepository stores groups, memberships and group messages.
type GroupRepository interface {
	// Create inserts the group and the creator's admin membership atomically.
	Create(ctx context.Context, g *model.GroupChat) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.GroupChat, error)
	// GetMembership returns ErrNotFound when userID is not a member.
	GetMembership(ctx context.Context, groupID, userID uuid.UUID) (*model.Membership, error)
	ListMembers(ctx context.Context, groupID uuid.UUID) ([]model.Membership, error)
	// AddMember is idempotent: an existing row is returned unchanged.
	AddMember(ctx context.Context, groupID, userID uuid.UUID, role model.Role) (*model.Membership, error)
	RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error
	SetEncryption(ctx context.Context, groupID uuid.UUID, enabled bool) error
	Touch(ctx context.Context, groupID uuid.UUID, at time.Time) error
	// CreateMessage inserts a group message, idempotent on (sender, ClientRef).
	CreateMessage(ctx context.Context, m NewGroupMessage) (model.GroupMessage, error)
	GetHistory(ctx context.Context, groupID uuid.UUID, p model.Pagination) (model.Page[model.GroupMessage], error)
}

// KeyRepository is the encryption key registry. Every write is an in-place upsert.
// Group rows keep the wrapper's public key from wrap time in PublicKey.
type KeyRepository interface {
	UpsertPersonal(ctx context.Context, ownerID uuid.UUID, publicKey []byte) (model.EncryptionKey, error)
	GetActivePersonal(ctx context.Context, ownerID uuid.UUID) (model.EncryptionKey, error)
	UpsertGroupKey(ctx context.Context, ownerID, groupID uuid.UUID, wrapped []byte, wrappedBy uuid.UUID, wrapperPub []byte) (model.EncryptionKey, error)
	GetActiveGroupKey(ctx context.Context, ownerID, groupID uuid.UUID) (model.EncryptionKey, error)
}

// NotificationRepository stores inbox entries.
type NotificationRepository interface {
	Create(ctx context.Context, n *model.Notification) error
	// CreateOrBumpLike increments an unread like on the same post instead of inserting a new row.
	CreateOrBumpLike(ctx context.Context, n *model.Notification) error
}

// MediaRepository resolves previously uploaded objects.
type MediaRepository interface {
	// GetURL returns the public URL for an object key owned by ownerID.
	GetURL(ctx context.Context, ownerID uuid.UUID, key string) (string, error)
}
