// Package model defines domain entities used by services and repositories.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// User is the identity record owned by the account service. The messaging core only reads it.
type User struct {
	ID          uuid.UUID
	DisplayName string
	CreatedAt   time.Time
}

// MessageID is the durable, store-assigned message identifier.
type MessageID uuid.UUID

// NilMessageID is the zero MessageID.
var NilMessageID MessageID

// String renders the id in canonical uuid form.
func (id MessageID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether the id is unset.
func (id MessageID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// MarshalText implements encoding.TextMarshaler.
func (id MessageID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *MessageID) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*id = MessageID(u)
	return nil
}

// ParseMessageID parses a canonical uuid string.
func ParseMessageID(s string) (MessageID, error) {
	u, err := uuid.FromString(s)
	if err != nil {
		return NilMessageID, err
	}
	return MessageID(u), nil
}

// TempID is a client-side correlation token for an optimistic message.
// It never becomes a message id.
type TempID string

const tempPrefix = "temp-"

// NewTempID returns a fresh token shaped temp-<unixms>-<rand>.
func NewTempID(now time.Time) TempID {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return TempID(tempPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(b[:]))
}

// ParseTempID validates the token shape.
func ParseTempID(s string) (TempID, error) {
	rest, ok := strings.CutPrefix(s, tempPrefix)
	if !ok {
		return "", fmt.Errorf("temp id %q: missing prefix", s)
	}
	ts, rnd, ok := strings.Cut(rest, "-")
	if !ok || rnd == "" {
		return "", fmt.Errorf("temp id %q: malformed", s)
	}
	if _, err := strconv.ParseInt(ts, 10, 64); err != nil {
		return "", fmt.Errorf("temp id %q: bad timestamp", s)
	}
	return TempID(s), nil
}

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageAudio MessageType = "audio"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio:
		return true
	}
	return false
}

// EncryptedPayload is an opaque AEAD blob as produced by clients. All fields are base64.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Salt       string `json:"salt,omitempty"`
}

// Empty reports whether the payload carries no ciphertext.
func (p *EncryptedPayload) Empty() bool { return p == nil || p.Ciphertext == "" }

// Encode returns the JSON form stored in the encrypted_content column.
func (p *EncryptedPayload) Encode() ([]byte, error) {
	if p.Empty() {
		return nil, nil
	}
	return json.Marshal(p)
}

// DecodeEncryptedPayload parses a stored JSON payload; nil input yields nil.
func DecodeEncryptedPayload(b []byte) (*EncryptedPayload, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var p EncryptedPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Content is the part shared by direct and group sends.
type Content struct {
	Type            MessageType
	Text            string            // plaintext, empty when encrypted
	Encrypted       *EncryptedPayload // nil for plaintext conversations
	EncryptionKeyID string
	MediaURL        string
}

// Validation errors for Content.
var (
	ErrUnknownType     = errors.New("unknown message type")
	ErrEmptyText       = errors.New("text message needs content or encryptedContent")
	ErrMissingMediaURL = errors.New("media message needs mediaUrl")
	ErrMixedContent    = errors.New("encrypted message must not carry plaintext content")
)

// Validate enforces the text/media invariant.
func (c Content) Validate() error {
	if !c.Type.Valid() {
		return ErrUnknownType
	}
	if !c.Encrypted.Empty() && strings.TrimSpace(c.Text) != "" {
		return ErrMixedContent
	}
	if c.Type == MessageText {
		if strings.TrimSpace(c.Text) == "" && c.Encrypted.Empty() {
			return ErrEmptyText
		}
		return nil
	}
	if strings.TrimSpace(c.MediaURL) == "" {
		return ErrMissingMediaURL
	}
	return nil
}

// DirectMessage is a durable 1:1 message.
type DirectMessage struct {
	ID         MessageID
	SenderID   uuid.UUID
	ReceiverID uuid.UUID
	Content
	CreatedAt   time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// Status derives the receipt state from the timestamps.
func (m DirectMessage) Status() ReceiptStatus {
	switch {
	case m.ReadAt != nil:
		return StatusRead
	case m.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Conversation summarizes a direct thread from one participant's point of view.
type Conversation struct {
	PartnerID   uuid.UUID
	PartnerName string
	LastMessage DirectMessage
	UnreadCount int
}

// Visibility of a group chat.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// GroupChat is an N:N conversation.
type GroupChat struct {
	ID                uuid.UUID
	Name              string
	Visibility        Visibility
	EncryptionEnabled bool
	CreatorID         uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Role of a group member.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Membership is one row of a group's member list.
type Membership struct {
	GroupID     uuid.UUID
	UserID      uuid.UUID
	DisplayName string
	Role        Role
	JoinedAt    time.Time
}

// GroupMessage is a durable group message.
type GroupMessage struct {
	ID       MessageID
	GroupID  uuid.UUID
	SenderID uuid.UUID
	Content
	CreatedAt time.Time
}

// KeyType distinguishes personal ECDH keys from wrapped group keys.
type KeyType string

const (
	KeyECDH  KeyType = "ecdh"
	KeyGroup KeyType = "group"
)

// EncryptionKey is one row of the key registry. Lookups are by (owner, type[, group]).
type EncryptionKey struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	Type       KeyType
	GroupID    uuid.UUID // uuid.Nil for personal keys
	PublicKey  []byte    // personal keys only
	WrappedKey []byte    // group keys only; ciphertext of the symmetric group key
	WrappedBy  uuid.UUID // admin whose key pair wrapped the group key
	Active     bool
	UpdatedAt  time.Time
}

// WrappedGroupKey is a caller-supplied wrapped key for one member.
type WrappedGroupKey struct {
	MemberID   uuid.UUID
	WrappedKey []byte
}

// GroupKeyGrant is what a member needs to unwrap the group key locally.
type GroupKeyGrant struct {
	KeyID            uuid.UUID
	WrappedKey       []byte
	WrapperPublicKey []byte
	WrapperID        uuid.UUID
}

// NotificationType classifies notifications.
type NotificationType string

const (
	NotifyLike          NotificationType = "like"
	NotifyComment       NotificationType = "comment"
	NotifyReply         NotificationType = "reply"
	NotifyMention       NotificationType = "mention"
	NotifyRepost        NotificationType = "repost"
	NotifyFollow        NotificationType = "follow"
	NotifyDirectMessage NotificationType = "direct_message"
	NotifyGroupInvite   NotificationType = "group_invite"
)

// Notification is an inbox entry for RecipientID caused by ActorID.
type Notification struct {
	ID          uuid.UUID
	Type        NotificationType
	RecipientID uuid.UUID
	ActorID     uuid.UUID
	PostID      *uuid.UUID
	CommentID   *uuid.UUID
	MessageID   *MessageID
	GroupID     *uuid.UUID
	Count       int // grouped likes
	Read        bool
	CreatedAt   time.Time
}

// Pagination describes a page of results.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// NewPagination computes TotalPages for the given totals.
func NewPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

// Offset returns the SQL offset for page/limit (page is 1-based).
func (p Pagination) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Page is a slice of items plus pagination metadata.
type Page[T any] struct {
	Items      []T        `json:"items"`
	Pagination Pagination `json:"pagination"`
}
