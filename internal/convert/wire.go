// Package convert maps domain records to their wire payloads.
package convert

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/model"
)

// --- helpers ---

func idRef(id model.MessageID) *model.MessageID {
	if id.IsNil() {
		return nil
	}
	return &id
}

func uuidRef(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func withContent(m event.Message, c model.Content) event.Message {
	m.Type = c.Type
	m.Content = c.Text
	m.EncryptedContent = c.Encrypted
	m.EncryptionKeyID = c.EncryptionKeyID
	m.MediaURL = c.MediaURL
	return m
}

// --- messages ---

// DirectMessage converts a stored direct message. tempID correlates the sender's placeholder and may be empty.
func DirectMessage(m model.DirectMessage, senderName string, tempID model.TempID) event.Message {
	return withContent(event.Message{
		ID:          idRef(m.ID),
		TempID:      tempID,
		SenderID:    m.SenderID,
		SenderName:  senderName,
		ReceiverID:  uuidRef(m.ReceiverID),
		CreatedAt:   m.CreatedAt,
		DeliveredAt: copyTime(m.DeliveredAt),
		ReadAt:      copyTime(m.ReadAt),
		Read:        m.ReadAt != nil,
	}, m.Content)
}

// DirectMessages converts a page of history.
func DirectMessages(in []model.DirectMessage, names map[uuid.UUID]string) []event.Message {
	out := make([]event.Message, 0, len(in))
	for _, m := range in {
		out = append(out, DirectMessage(m, names[m.SenderID], ""))
	}
	return out
}

// GroupMessage converts a stored group message.
func GroupMessage(m model.GroupMessage, senderName string, tempID model.TempID, mentions []uuid.UUID) event.Message {
	return withContent(event.Message{
		ID:         idRef(m.ID),
		TempID:     tempID,
		SenderID:   m.SenderID,
		SenderName: senderName,
		GroupID:    uuidRef(m.GroupID),
		Mentions:   mentions,
		CreatedAt:  m.CreatedAt,
	}, m.Content)
}

// OptimisticGroupMessage is the new-message broadcast sent before the row exists. It has no durable id.
func OptimisticGroupMessage(groupID, senderID uuid.UUID, senderName string, tempID model.TempID,
	c model.Content, mentions []uuid.UUID, at time.Time) event.Message {
	return withContent(event.Message{
		TempID:     tempID,
		SenderID:   senderID,
		SenderName: senderName,
		GroupID:    uuidRef(groupID),
		Mentions:   mentions,
		CreatedAt:  at,
	}, c)
}

// GroupMessages converts a page of group history.
func GroupMessages(in []model.GroupMessage, names map[uuid.UUID]string) []event.Message {
	out := make([]event.Message, 0, len(in))
	for _, m := range in {
		out = append(out, GroupMessage(m, names[m.SenderID], "", nil))
	}
	return out
}

// --- notifications ---

// Notification converts an inbox entry.
func Notification(n model.Notification) event.NotificationPayload {
	return event.NotificationPayload{
		ID:        n.ID,
		Type:      n.Type,
		ActorID:   n.ActorID,
		PostID:    n.PostID,
		CommentID: n.CommentID,
		MessageID: n.MessageID,
		GroupID:   n.GroupID,
		Count:     n.Count,
		CreatedAt: n.CreatedAt,
	}
}

// --- conversations ---

// Conversation is the list-view row shipped to clients.
type Conversation struct {
	PartnerID   uuid.UUID     `json:"partnerId"`
	PartnerName string        `json:"partnerName"`
	LastMessage event.Message `json:"lastMessage"`
	UnreadCount int           `json:"unreadCount"`
}

// Conversations converts a conversation page. The last message's sender is either the caller or the partner.
func Conversations(in []model.Conversation) []Conversation {
	out := make([]Conversation, 0, len(in))
	for _, c := range in {
		name := ""
		if c.LastMessage.SenderID == c.PartnerID {
			name = c.PartnerName
		}
		out = append(out, Conversation{
			PartnerID:   c.PartnerID,
			PartnerName: c.PartnerName,
			LastMessage: DirectMessage(c.LastMessage, name, ""),
			UnreadCount: c.UnreadCount,
		})
	}
	return out
}
