package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/convert"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/gateway"
	"github.com/and161185/inkwell/internal/metrics"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/repository"
)

const maxGroupName = 100

// GroupService implements group chats: membership, optimistic sends and group encryption setup.
type GroupService struct {
	users   repository.UserRepository
	groups  repository.GroupRepository
	keys    repository.KeyRepository
	notify  *NotificationService
	media   *MediaResolver
	bc      Broadcaster
	metrics *metrics.Metrics
	log     *zap.Logger
	maxPage int
	now     func() time.Time

	// background side effects of Send (mention notifications, updatedAt touch)
	bg sync.WaitGroup
}

var _ gateway.Authorizer = (*GroupService)(nil)

// ErrPlaintextInEncryptedGroup rejects readable content sent to a group with encryption on.
var ErrPlaintextInEncryptedGroup = errors.New("group is end-to-end encrypted; send encryptedContent only")

// NewGroupService wires the group use cases.
func NewGroupService(
	users repository.UserRepository,
	groups repository.GroupRepository,
	keys repository.KeyRepository,
	notify *NotificationService,
	media *MediaResolver,
	bc Broadcaster,
	m *metrics.Metrics,
	log *zap.Logger,
	maxPage int,
) *GroupService {
	return &GroupService{
		users:   users,
		groups:  groups,
		keys:    keys,
		notify:  notify,
		media:   media,
		bc:      bc,
		metrics: m,
		log:     log,
		maxPage: maxPage,
		now:     time.Now,
	}
}

// Wait blocks until background side effects of earlier sends have finished.
func (s *GroupService) Wait() { s.bg.Wait() }

// Create makes a group with creatorID as its admin.
func (s *GroupService) Create(ctx context.Context, creatorID uuid.UUID, name string, vis model.Visibility) (*model.GroupChat, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxGroupName {
		return nil, fmt.Errorf("%w: group name must be 1..%d characters", errs.ErrValidation, maxGroupName)
	}
	if vis == "" {
		vis = model.VisibilityPublic
	}
	if vis != model.VisibilityPublic && vis != model.VisibilityPrivate {
		return nil, fmt.Errorf("%w: unknown visibility %q", errs.ErrValidation, vis)
	}
	g := &model.GroupChat{Name: name, Visibility: vis, CreatorID: creatorID}
	if err := s.groups.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return g, nil
}

// isAdmin reports whether userID may administer g. The creator always may.
func (s *GroupService) isAdmin(ctx context.Context, g *model.GroupChat, userID uuid.UUID) (bool, error) {
	if g.CreatorID == userID {
		return true, nil
	}
	m, err := s.groups.GetMembership(ctx, g.ID, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Role == model.RoleAdmin, nil
}

func (s *GroupService) requireAdmin(ctx context.Context, groupID, actorID uuid.UUID) (*model.GroupChat, error) {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ok, err := s.isAdmin(ctx, g, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, forbidden("group admin role required")
	}
	return g, nil
}

// AddMember adds userID as a member. Re-adding an existing member returns the current row.
func (s *GroupService) AddMember(ctx context.Context, actorID, groupID, userID uuid.UUID) (*model.Membership, error) {
	g, err := s.requireAdmin(ctx, groupID, actorID)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	m, err := s.groups.AddMember(ctx, g.ID, userID, model.RoleMember)
	if err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}
	gid := g.ID
	s.notify.notifyQuietly(ctx, model.Notification{
		Type:        model.NotifyGroupInvite,
		RecipientID: userID,
		ActorID:     actorID,
		GroupID:     &gid,
	})
	return m, nil
}

// RemoveMember deletes userID's membership and drops their connections from the room.
// Members may remove themselves; removing others needs the admin role. The creator can never be removed.
func (s *GroupService) RemoveMember(ctx context.Context, actorID, groupID, userID uuid.UUID) error {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return err
	}
	if userID == g.CreatorID {
		return forbidden("the group creator cannot leave or be removed")
	}
	if actorID != userID {
		ok, err := s.isAdmin(ctx, g, actorID)
		if err != nil {
			return err
		}
		if !ok {
			return forbidden("group admin role required")
		}
	}
	if err := s.groups.RemoveMember(ctx, g.ID, userID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}

	room := gateway.GroupRoom(g.ID)
	if err := s.bc.Evict(ctx, userID, room); err != nil {
		s.log.Warn("evict removed member", zap.String("group", g.ID.String()), zap.Error(err))
	}
	s.publish(ctx, room, event.UserLeft, event.PresencePayload{GroupID: g.ID, UserID: userID})
	return nil
}

// Leave removes the caller from the group.
func (s *GroupService) Leave(ctx context.Context, userID, groupID uuid.UUID) error {
	return s.RemoveMember(ctx, userID, groupID, userID)
}

// AuthorizeRoom gates room joins: public rooms are open to any authenticated user, private ones need membership.
func (s *GroupService) AuthorizeRoom(ctx context.Context, userID, groupID uuid.UUID) error {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Visibility == model.VisibilityPublic {
		return nil
	}
	_, err = s.groups.GetMembership(ctx, groupID, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return forbidden("not a member of this private group")
	}
	return err
}

// Send runs the optimistic group send.
//
// new-message goes out to the room before the durable write. On success message-updated
// correlates the temp id with the stored record; on failure the room gets message-withdrawn and
// the error is returned so the caller can report it to the originating connection.
func (s *GroupService) Send(ctx context.Context, senderID uuid.UUID, in event.SendMessagePayload) (model.GroupMessage, error) {
	start := s.now()
	content := in.ModelContent()
	if err := content.Validate(); err != nil {
		return model.GroupMessage{}, invalid(err)
	}
	tempID := in.TempID
	if tempID == "" {
		tempID = model.NewTempID(start)
	} else if _, err := model.ParseTempID(string(tempID)); err != nil {
		return model.GroupMessage{}, invalid(err)
	}

	g, err := s.groups.GetByID(ctx, in.GroupID)
	if err != nil {
		return model.GroupMessage{}, err
	}
	if g.EncryptionEnabled && strings.TrimSpace(content.Text) != "" {
		return model.GroupMessage{}, invalid(ErrPlaintextInEncryptedGroup)
	}
	// Sending always needs a membership row, whatever the visibility.
	sender, err := s.groups.GetMembership(ctx, in.GroupID, senderID)
	if errors.Is(err, errs.ErrNotFound) {
		return model.GroupMessage{}, forbidden("not a member of this group")
	}
	if err != nil {
		return model.GroupMessage{}, err
	}

	mediaURL, err := s.media.Resolve(ctx, senderID, content.MediaURL)
	if err != nil {
		return model.GroupMessage{}, err
	}
	content.MediaURL = mediaURL

	var mentions []uuid.UUID
	if content.Encrypted.Empty() && strings.Contains(content.Text, "@") {
		members, err := s.groups.ListMembers(ctx, in.GroupID)
		if err != nil {
			return model.GroupMessage{}, fmt.Errorf("list members: %w", err)
		}
		mentions = ResolveMentions(content.Text, members, senderID)
	}

	room := gateway.GroupRoom(in.GroupID)
	s.publish(ctx, room, event.NewMessage,
		convert.OptimisticGroupMessage(in.GroupID, senderID, sender.DisplayName, tempID, content, mentions, start.UTC()))

	// The broadcast is out; the rest must run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	msg, err := s.groups.CreateMessage(ctx, repository.NewGroupMessage{
		GroupID:   in.GroupID,
		SenderID:  senderID,
		Content:   content,
		ClientRef: tempID,
	})
	if err == nil && msg.GroupID != in.GroupID {
		err = reusedRef(tempID)
	}
	if err != nil {
		s.metrics.Orphaned()
		s.log.Warn("group message write failed after broadcast",
			zap.String("group", in.GroupID.String()),
			zap.String("temp_id", string(tempID)),
			zap.Error(err),
		)
		s.publish(ctx, room, event.MessageWithdrawn, event.MessageWithdrawnPayload{
			TempID:  tempID,
			GroupID: in.GroupID,
			Reason:  "message could not be saved",
		})
		return model.GroupMessage{}, fmt.Errorf("persist group message %s: %w", tempID, err)
	}

	s.publish(ctx, room, event.MessageUpdated, event.MessageUpdatedPayload{
		TempID:  tempID,
		RealID:  msg.ID,
		Message: convert.GroupMessage(msg, sender.DisplayName, tempID, mentions),
	})

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		for _, uid := range mentions {
			mid, gid := msg.ID, msg.GroupID
			s.notify.notifyQuietly(ctx, model.Notification{
				Type:        model.NotifyMention,
				RecipientID: uid,
				ActorID:     senderID,
				MessageID:   &mid,
				GroupID:     &gid,
			})
		}
	}()
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.groups.Touch(ctx, msg.GroupID, msg.CreatedAt); err != nil {
			s.log.Warn("touch group", zap.String("group", msg.GroupID.String()), zap.Error(err))
		}
	}()

	s.metrics.ObserveSend("group", s.now().Sub(start))
	return msg, nil
}

// History pages a group's messages. Private groups are readable by members only.
func (s *GroupService) History(ctx context.Context, userID, groupID uuid.UUID, page, limit int) (model.Page[model.GroupMessage], error) {
	p, err := Paging(page, limit, s.maxPage)
	if err != nil {
		return model.Page[model.GroupMessage]{}, err
	}
	if err := s.AuthorizeRoom(ctx, userID, groupID); err != nil {
		return model.Page[model.GroupMessage]{}, err
	}
	return s.groups.GetHistory(ctx, groupID, p)
}

// Members lists the group's members. Private groups are visible to members only.
func (s *GroupService) Members(ctx context.Context, userID, groupID uuid.UUID) ([]model.Membership, error) {
	if err := s.AuthorizeRoom(ctx, userID, groupID); err != nil {
		return nil, err
	}
	return s.groups.ListMembers(ctx, groupID)
}

// DisplayName returns the user's display name, or "" when it cannot be read.
func (s *GroupService) DisplayName(ctx context.Context, userID uuid.UUID) string {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return ""
	}
	return u.DisplayName
}

// InitGroupEncryption turns encryption on and stores each member's wrapped copy of the group key.
// Pairs naming a non-member or a member without a registered key are skipped.
// It returns the members whose key was stored.
func (s *GroupService) InitGroupEncryption(ctx context.Context, actorID, groupID uuid.UUID, wrapped []model.WrappedGroupKey) ([]uuid.UUID, error) {
	g, err := s.requireAdmin(ctx, groupID, actorID)
	if err != nil {
		return nil, err
	}
	// Members unwrap with the wrapper's public key, so the admin needs one registered.
	wrapper, err := s.keys.GetActivePersonal(ctx, actorID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("%w: register a personal key before enabling encryption", errs.ErrValidation)
		}
		return nil, err
	}
	members, err := s.groups.ListMembers(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	isMember := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		isMember[m.UserID] = true
	}

	if err := s.groups.SetEncryption(ctx, g.ID, true); err != nil {
		return nil, fmt.Errorf("enable encryption: %w", err)
	}

	applied := make([]uuid.UUID, 0, len(wrapped))
	for _, w := range wrapped {
		skip := func(reason string) {
			s.log.Warn("skip wrapped group key",
				zap.String("group", g.ID.String()),
				zap.String("member", w.MemberID.String()),
				zap.String("reason", reason),
			)
		}
		if len(w.WrappedKey) == 0 {
			skip("empty key")
			continue
		}
		if !isMember[w.MemberID] {
			skip("not a member")
			continue
		}
		if _, err := s.keys.GetActivePersonal(ctx, w.MemberID); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				skip("no personal key")
				continue
			}
			return applied, err
		}
		if _, err := s.keys.UpsertGroupKey(ctx, w.MemberID, g.ID, w.WrappedKey, actorID, wrapper.PublicKey); err != nil {
			return applied, fmt.Errorf("store group key: %w", err)
		}
		applied = append(applied, w.MemberID)
	}
	return applied, nil
}

// GetGroupEncryptionKey returns the caller's wrapped key and the public key the wrapper held when
// wrapping it. A disabled group and a missing key both read as ErrNotFound.
func (s *GroupService) GetGroupEncryptionKey(ctx context.Context, userID, groupID uuid.UUID) (model.GroupKeyGrant, error) {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return model.GroupKeyGrant{}, err
	}
	if !g.EncryptionEnabled {
		return model.GroupKeyGrant{}, fmt.Errorf("group encryption disabled: %w", errs.ErrNotFound)
	}
	k, err := s.keys.GetActiveGroupKey(ctx, userID, groupID)
	if err != nil {
		return model.GroupKeyGrant{}, err
	}
	if len(k.PublicKey) == 0 {
		return model.GroupKeyGrant{}, fmt.Errorf("group key has no wrapper key, re-run encryption init: %w", errs.ErrNotFound)
	}
	return model.GroupKeyGrant{
		KeyID:            k.ID,
		WrappedKey:       k.WrappedKey,
		WrapperPublicKey: k.PublicKey,
		WrapperID:        k.WrappedBy,
	}, nil
}

func (s *GroupService) publish(ctx context.Context, room gateway.Room, kind event.ServerKind, payload any) {
	if err := s.bc.Publish(ctx, room, kind, payload); err != nil {
		s.log.Warn("publish", zap.String("event", kind.String()), zap.String("room", string(room)), zap.Error(err))
	}
}
