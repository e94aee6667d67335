package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/convert"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/gateway"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/repository"
)

// NotificationService creates inbox entries and pushes them to the recipient's room.
type NotificationService struct {
	repo repository.NotificationRepository
	bc   Broadcaster
	log  *zap.Logger
}

// NewNotificationService constructs NotificationService.
func NewNotificationService(repo repository.NotificationRepository, bc Broadcaster, log *zap.Logger) *NotificationService {
	return &NotificationService{repo: repo, bc: bc, log: log}
}

// Notify stores n and publishes new-notification. Self-notifications are dropped silently.
// Unread likes on the same post are folded into one entry.
func (s *NotificationService) Notify(ctx context.Context, n model.Notification) (*model.Notification, error) {
	if n.RecipientID == n.ActorID {
		return nil, nil
	}
	var err error
	if n.Type == model.NotifyLike && n.PostID != nil {
		err = s.repo.CreateOrBumpLike(ctx, &n)
	} else {
		err = s.repo.Create(ctx, &n)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s notification: %w", n.Type, err)
	}
	if err := s.bc.Publish(ctx, gateway.UserRoom(n.RecipientID), event.NewNotification, convert.Notification(n)); err != nil {
		s.log.Warn("publish notification", zap.String("recipient", n.RecipientID.String()), zap.Error(err))
	}
	return &n, nil
}

// notifyQuietly is Notify for side effects that must never fail the caller.
func (s *NotificationService) notifyQuietly(ctx context.Context, n model.Notification) {
	if s == nil {
		return
	}
	if _, err := s.Notify(ctx, n); err != nil {
		s.log.Warn("notification dropped",
			zap.String("type", string(n.Type)),
			zap.String("recipient", n.RecipientID.String()),
			zap.Error(err),
		)
	}
}
