package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/inkwell/internal/convert"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/gateway"
	"github.com/and161185/inkwell/internal/metrics"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/repository"
)

// ErrSelfMessage rejects a direct message addressed to its sender.
var ErrSelfMessage = errors.New("cannot send a direct message to yourself")

// DirectMessageService implements 1:1 sends, history and receipts.
type DirectMessageService struct {
	users    repository.UserRepository
	messages repository.MessageRepository
	notify   *NotificationService
	media    *MediaResolver
	bc       Broadcaster
	metrics  *metrics.Metrics
	log      *zap.Logger
	maxPage  int
	now      func() time.Time
}

// NewDirectMessageService wires the direct message use cases.
func NewDirectMessageService(
	users repository.UserRepository,
	messages repository.MessageRepository,
	notify *NotificationService,
	media *MediaResolver,
	bc Broadcaster,
	m *metrics.Metrics,
	log *zap.Logger,
	maxPage int,
) *DirectMessageService {
	return &DirectMessageService{
		users:    users,
		messages: messages,
		notify:   notify,
		media:    media,
		bc:       bc,
		metrics:  m,
		log:      log,
		maxPage:  maxPage,
		now:      time.Now,
	}
}

// Send validates, stores and delivers a direct message.
//
// Delivery order: newDirectMessage to the receiver, messageDelivered to the sender (carrying the
// durable id and the caller's temp id), then conversation-updated to both participants.
func (s *DirectMessageService) Send(ctx context.Context, senderID uuid.UUID, in event.SendDirectMessagePayload) (model.DirectMessage, error) {
	start := s.now()
	if in.ReceiverID == uuid.Nil {
		return model.DirectMessage{}, fmt.Errorf("%w: receiverId is required", errs.ErrValidation)
	}
	if in.ReceiverID == senderID {
		return model.DirectMessage{}, invalid(ErrSelfMessage)
	}
	content := in.ModelContent()
	if err := content.Validate(); err != nil {
		return model.DirectMessage{}, invalid(err)
	}
	if in.TempID != "" {
		if _, err := model.ParseTempID(string(in.TempID)); err != nil {
			return model.DirectMessage{}, invalid(err)
		}
	}
	mediaURL, err := s.media.Resolve(ctx, senderID, content.MediaURL)
	if err != nil {
		return model.DirectMessage{}, err
	}
	content.MediaURL = mediaURL

	var sender, receiver *model.User
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		sender, err = s.users.GetByID(gctx, senderID)
		return err
	})
	g.Go(func() (err error) {
		receiver, err = s.users.GetByID(gctx, in.ReceiverID)
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("receiver: %w", err)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return model.DirectMessage{}, err
	}

	// The notification is independent of the row: its failure is logged and never rolls back the write.
	var msg model.DirectMessage
	var persist errgroup.Group
	persist.Go(func() (err error) {
		msg, err = s.messages.CreateDirect(ctx, repository.NewDirectMessage{
			SenderID:   senderID,
			ReceiverID: in.ReceiverID,
			Content:    content,
			ClientRef:  in.TempID,
		})
		return err
	})
	persist.Go(func() error {
		s.notify.notifyQuietly(context.WithoutCancel(ctx), model.Notification{
			Type:        model.NotifyDirectMessage,
			RecipientID: in.ReceiverID,
			ActorID:     senderID,
		})
		return nil
	})
	if err := persist.Wait(); err != nil {
		return model.DirectMessage{}, fmt.Errorf("persist direct message: %w", err)
	}
	if msg.ReceiverID != in.ReceiverID {
		return model.DirectMessage{}, reusedRef(in.TempID)
	}

	wire := convert.DirectMessage(msg, sender.DisplayName, "")
	s.publish(ctx, gateway.UserRoom(receiver.ID), event.NewDirectMessage, wire)

	own := convert.DirectMessage(msg, sender.DisplayName, in.TempID)
	s.publish(ctx, gateway.UserRoom(senderID), event.MessageDelivered, event.MessageDeliveredPayload{
		MessageID:  msg.ID,
		TempID:     in.TempID,
		ReceiverID: receiver.ID,
		Message:    &own,
	})

	s.publish(ctx, gateway.UserRoom(receiver.ID), event.ConversationUpdated, event.ConversationUpdatedPayload{
		PartnerID: senderID, LastMessage: wire,
	})
	s.publish(ctx, gateway.UserRoom(senderID), event.ConversationUpdated, event.ConversationUpdatedPayload{
		PartnerID: receiver.ID, LastMessage: wire,
	})

	s.metrics.ObserveSend("direct", s.now().Sub(start))
	return msg, nil
}

// MarkRead flips every unread message senderID→readerID to read and tells the sender which ones.
// Repeating the call is a no-op.
func (s *DirectMessageService) MarkRead(ctx context.Context, readerID, senderID uuid.UUID) ([]model.MessageID, error) {
	if senderID == uuid.Nil || senderID == readerID {
		return nil, fmt.Errorf("%w: invalid senderId", errs.ErrValidation)
	}
	at := s.now().UTC()
	ids, err := s.messages.MarkRead(ctx, senderID, readerID, at)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}
	s.publish(ctx, gateway.UserRoom(senderID), event.MessagesRead, event.MessagesReadPayload{
		ReceiverID: readerID,
		ReadAt:     at,
		MessageIDs: ids,
	})
	return ids, nil
}

// MarkDelivered records that the receiver's client got the messages. Already delivered rows keep their timestamp.
func (s *DirectMessageService) MarkDelivered(ctx context.Context, receiverID, senderID uuid.UUID, ids []model.MessageID) ([]model.MessageID, error) {
	if senderID == uuid.Nil || senderID == receiverID {
		return nil, fmt.Errorf("%w: invalid senderId", errs.ErrValidation)
	}
	at := s.now().UTC()
	done, err := s.messages.MarkDelivered(ctx, senderID, receiverID, ids, at)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	if len(done) == 0 {
		return done, nil
	}
	s.publish(ctx, gateway.UserRoom(senderID), event.MessagesDelivered, event.MessagesDeliveredPayload{
		ReceiverID:  receiverID,
		DeliveredAt: at,
		MessageIDs:  done,
	})
	return done, nil
}

// History pages the thread between userID and partnerID, newest first.
func (s *DirectMessageService) History(ctx context.Context, userID, partnerID uuid.UUID, page, limit int) (model.Page[model.DirectMessage], error) {
	if partnerID == uuid.Nil || partnerID == userID {
		return model.Page[model.DirectMessage]{}, fmt.Errorf("%w: invalid partner", errs.ErrValidation)
	}
	p, err := Paging(page, limit, s.maxPage)
	if err != nil {
		return model.Page[model.DirectMessage]{}, err
	}
	return s.messages.GetDirectHistory(ctx, userID, partnerID, p)
}

// Conversations lists the caller's threads by last activity.
func (s *DirectMessageService) Conversations(ctx context.Context, userID uuid.UUID, page, limit int) (model.Page[model.Conversation], error) {
	p, err := Paging(page, limit, s.maxPage)
	if err != nil {
		return model.Page[model.Conversation]{}, err
	}
	return s.messages.ListConversations(ctx, userID, p)
}

// SenderNames resolves display names for a history page.
func (s *DirectMessageService) SenderNames(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]string, error) {
	users, err := s.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]string, len(users))
	for _, u := range users {
		out[u.ID] = u.DisplayName
	}
	return out, nil
}

func (s *DirectMessageService) publish(ctx context.Context, room gateway.Room, kind event.ServerKind, payload any) {
	if err := s.bc.Publish(ctx, room, kind, payload); err != nil {
		s.log.Warn("publish", zap.String("event", kind.String()), zap.String("room", string(room)), zap.Error(err))
	}
}
