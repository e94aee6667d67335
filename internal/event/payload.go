package event

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/model"
)

// AuthenticatePayload carries the bearer credential when it was not sent with the upgrade request.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// GroupRef targets join-group, leave-group, typing and stop-typing.
type GroupRef struct {
	GroupID uuid.UUID `json:"groupId"`
}

// Body is the content part of a send.
type Body struct {
	TempID           model.TempID            `json:"tempId,omitempty"`
	Content          string                  `json:"content,omitempty"`
	EncryptedContent *model.EncryptedPayload `json:"encryptedContent,omitempty"`
	EncryptionKeyID  string                  `json:"encryptionKeyId,omitempty"`
	Type             model.MessageType       `json:"type"`
	MediaURL         string                  `json:"mediaUrl,omitempty"`
}

// ModelContent converts the wire body into model.Content.
func (b Body) ModelContent() model.Content {
	return model.Content{
		Type:            b.Type,
		Text:            b.Content,
		Encrypted:       b.EncryptedContent,
		EncryptionKeyID: b.EncryptionKeyID,
		MediaURL:        b.MediaURL,
	}
}

// SendMessagePayload is a group send.
type SendMessagePayload struct {
	GroupID uuid.UUID `json:"groupId"`
	Body
}

// SendDirectMessagePayload is a 1:1 send.
type SendDirectMessagePayload struct {
	ReceiverID uuid.UUID `json:"receiverId"`
	Body
}

// MarkReadPayload marks every unread message from SenderID to the caller as read.
type MarkReadPayload struct {
	SenderID uuid.UUID `json:"senderId"`
}

// MarkDeliveredPayload acknowledges receipt. Empty MessageIDs means everything undelivered from SenderID.
type MarkDeliveredPayload struct {
	SenderID   uuid.UUID         `json:"senderId"`
	MessageIDs []model.MessageID `json:"messageIds,omitempty"`
}

// AuthenticatedPayload confirms the handshake.
type AuthenticatedPayload struct {
	UserID      uuid.UUID `json:"userId"`
	DisplayName string    `json:"displayName"`
}

// Message is the wire form of a direct or group message. An optimistic group
// broadcast carries TempID and no ID.
type Message struct {
	ID               *model.MessageID        `json:"id,omitempty"`
	TempID           model.TempID            `json:"tempId,omitempty"`
	SenderID         uuid.UUID               `json:"senderId"`
	SenderName       string                  `json:"senderName,omitempty"`
	ReceiverID       *uuid.UUID              `json:"receiverId,omitempty"`
	GroupID          *uuid.UUID              `json:"groupId,omitempty"`
	Type             model.MessageType       `json:"type"`
	Content          string                  `json:"content,omitempty"`
	EncryptedContent *model.EncryptedPayload `json:"encryptedContent,omitempty"`
	EncryptionKeyID  string                  `json:"encryptionKeyId,omitempty"`
	MediaURL         string                  `json:"mediaUrl,omitempty"`
	Mentions         []uuid.UUID             `json:"mentions,omitempty"`
	CreatedAt        time.Time               `json:"createdAt"`
	DeliveredAt      *time.Time              `json:"deliveredAt,omitempty"`
	ReadAt           *time.Time              `json:"readAt,omitempty"`
	Read             bool                    `json:"read"`
}

// MessageUpdatedPayload correlates an optimistic group message with its durable record.
type MessageUpdatedPayload struct {
	TempID  model.TempID    `json:"tempId"`
	RealID  model.MessageID `json:"realId"`
	Message Message         `json:"message"`
}

// MessageWithdrawnPayload retracts an optimistic broadcast whose write failed.
type MessageWithdrawnPayload struct {
	TempID  model.TempID `json:"tempId"`
	GroupID uuid.UUID    `json:"groupId"`
	Reason  string       `json:"reason,omitempty"`
}

// MessageDeliveredPayload tells the sender the durable id of its message.
type MessageDeliveredPayload struct {
	MessageID  model.MessageID `json:"messageId"`
	TempID     model.TempID    `json:"tempId,omitempty"`
	ReceiverID uuid.UUID       `json:"receiverId"`
	Message    *Message        `json:"message,omitempty"`
}

// MessagesDeliveredPayload lists messages the receiver's client acknowledged.
type MessagesDeliveredPayload struct {
	ReceiverID  uuid.UUID         `json:"receiverId"`
	DeliveredAt time.Time         `json:"deliveredAt"`
	MessageIDs  []model.MessageID `json:"messageIds"`
}

// MessagesReadPayload lists exactly the rows a mark-read flipped.
type MessagesReadPayload struct {
	ReceiverID uuid.UUID         `json:"receiverId"`
	ReadAt     time.Time         `json:"readAt"`
	MessageIDs []model.MessageID `json:"messageIds"`
}

// ConversationUpdatedPayload lets list views reorder without a refetch.
type ConversationUpdatedPayload struct {
	PartnerID   uuid.UUID `json:"partnerId"`
	LastMessage Message   `json:"lastMessage"`
}

// NotificationPayload is a new inbox entry.
type NotificationPayload struct {
	ID        uuid.UUID              `json:"id"`
	Type      model.NotificationType `json:"type"`
	ActorID   uuid.UUID              `json:"actorId"`
	PostID    *uuid.UUID             `json:"postId,omitempty"`
	CommentID *uuid.UUID             `json:"commentId,omitempty"`
	MessageID *model.MessageID       `json:"messageId,omitempty"`
	GroupID   *uuid.UUID             `json:"groupId,omitempty"`
	Count     int                    `json:"count,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// PresencePayload is used by user-joined, user-left, user-typing and user-stop-typing.
type PresencePayload struct {
	GroupID     uuid.UUID `json:"groupId"`
	UserID      uuid.UUID `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
}

// ErrorPayload reports a rejected client event.
type ErrorPayload struct {
	Msg    string       `json:"msg"`
	Event  string       `json:"event,omitempty"`
	TempID model.TempID `json:"tempId,omitempty"`
}
