package grpcserver

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/convert"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/model"
)

// PageRequest selects a page. Zero values pick the defaults.
type PageRequest struct {
	Page  int `json:"page,omitempty"`
	Limit int `json:"limit,omitempty"`
}

// SendDirectMessageRequest is the request/response fallback for clients without a live socket.
type SendDirectMessageRequest = event.SendDirectMessagePayload

type SendDirectMessageResponse struct {
	Message event.Message `json:"message"`
}

type ListConversationsRequest struct {
	PageRequest
}

type ListConversationsResponse struct {
	Conversations []convert.Conversation `json:"conversations"`
	Pagination    model.Pagination       `json:"pagination"`
}

type GetDirectHistoryRequest struct {
	PartnerID uuid.UUID `json:"partnerId"`
	PageRequest
}

type GetGroupHistoryRequest struct {
	GroupID uuid.UUID `json:"groupId"`
	PageRequest
}

// HistoryResponse is newest first.
type HistoryResponse struct {
	Messages   []event.Message  `json:"messages"`
	Pagination model.Pagination `json:"pagination"`
}

type MarkReadRequest struct {
	SenderID uuid.UUID `json:"senderId"`
}

type MarkReadResponse struct {
	MessageIDs []model.MessageID `json:"messageIds"`
}

type CreateGroupRequest struct {
	Name       string           `json:"name"`
	Visibility model.Visibility `json:"visibility,omitempty"`
}

type Group struct {
	ID                uuid.UUID        `json:"id"`
	Name              string           `json:"name"`
	Visibility        model.Visibility `json:"visibility"`
	EncryptionEnabled bool             `json:"encryptionEnabled"`
	CreatorID         uuid.UUID        `json:"creatorId"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// MemberRequest targets AddMember and RemoveMember.
type MemberRequest struct {
	GroupID uuid.UUID `json:"groupId"`
	UserID  uuid.UUID `json:"userId"`
}

type Member struct {
	GroupID     uuid.UUID  `json:"groupId"`
	UserID      uuid.UUID  `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	Role        model.Role `json:"role"`
	JoinedAt    time.Time  `json:"joinedAt"`
}

type Empty struct{}

// RegisterKeyRequest carries an uncompressed P-256 point, base64 in JSON.
type RegisterKeyRequest struct {
	PublicKey []byte `json:"publicKey"`
}

type GetPublicKeyRequest struct {
	UserID uuid.UUID `json:"userId"`
}

type PublicKey struct {
	KeyID     uuid.UUID `json:"keyId"`
	UserID    uuid.UUID `json:"userId"`
	PublicKey []byte    `json:"publicKey"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type WrappedKey struct {
	MemberID   uuid.UUID `json:"memberId"`
	WrappedKey []byte    `json:"wrappedKey"`
}

type InitGroupEncryptionRequest struct {
	GroupID uuid.UUID    `json:"groupId"`
	Keys    []WrappedKey `json:"keys"`
}

// InitGroupEncryptionResponse lists the members whose wrapped key was stored.
type InitGroupEncryptionResponse struct {
	Applied []uuid.UUID `json:"applied"`
}

type GetGroupEncryptionKeyRequest struct {
	GroupID uuid.UUID `json:"groupId"`
}

type GroupKeyGrant struct {
	KeyID            uuid.UUID `json:"keyId"`
	WrappedKey       []byte    `json:"wrappedKey"`
	WrapperPublicKey []byte    `json:"wrapperPublicKey"`
	WrapperID        uuid.UUID `json:"wrapperId"`
}

func toGroup(g *model.GroupChat) *Group {
	return &Group{
		ID:                g.ID,
		Name:              g.Name,
		Visibility:        g.Visibility,
		EncryptionEnabled: g.EncryptionEnabled,
		CreatorID:         g.CreatorID,
		CreatedAt:         g.CreatedAt,
		UpdatedAt:         g.UpdatedAt,
	}
}

func toMember(m *model.Membership) *Member {
	return &Member{
		GroupID:     m.GroupID,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		Role:        m.Role,
		JoinedAt:    m.JoinedAt,
	}
}
