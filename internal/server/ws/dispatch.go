package ws

import (
	"context"
	"errors"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/gateway"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/service"
)

// dispatch handles one client event. Events from a single connection run in arrival order.
func (s *Server) dispatch(ctx context.Context, c *client, rl ratelimit.Limiter, f event.ClientFrame) {
	name := f.Kind.String()
	switch f.Kind {
	case event.Authenticate:
		c.fail(name, "", "already authenticated")

	case event.JoinGroup:
		var p event.GroupRef
		if !s.bind(c, f, &p) {
			return
		}
		room := gateway.GroupRoom(p.GroupID)
		if s.hub.InRoom(c, room) {
			return
		}
		if err := s.hub.JoinGroupRoom(ctx, c, p.GroupID); err != nil {
			s.reply(c, name, "", err)
			return
		}
		s.presence(ctx, c, room, event.UserJoined, p)

	case event.LeaveGroup:
		var p event.GroupRef
		if !s.bind(c, f, &p) {
			return
		}
		room := gateway.GroupRoom(p.GroupID)
		if !s.hub.InRoom(c, room) {
			return
		}
		s.hub.LeaveRoom(c, room)
		s.presence(ctx, c, room, event.UserLeft, p)

	case event.Typing, event.StopTyping:
		var p event.GroupRef
		if !s.bind(c, f, &p) {
			return
		}
		room := gateway.GroupRoom(p.GroupID)
		if !s.hub.InRoom(c, room) {
			return
		}
		kind := event.UserTyping
		if f.Kind == event.StopTyping {
			kind = event.UserStopTyping
		}
		s.presence(ctx, c, room, kind, p)

	case event.SendMessage:
		var p event.SendMessagePayload
		if !s.bind(c, f, &p) {
			return
		}
		if !s.hub.InRoom(c, gateway.GroupRoom(p.GroupID)) {
			c.fail(name, p.TempID, errs.ErrForbidden.Error()+": join the group first")
			return
		}
		rl.Take()
		if _, err := s.groups.Send(ctx, c.UserID(), p); err != nil {
			s.reply(c, name, p.TempID, err)
		}

	case event.SendDirectMessage:
		var p event.SendDirectMessagePayload
		if !s.bind(c, f, &p) {
			return
		}
		rl.Take()
		if _, err := s.direct.Send(ctx, c.UserID(), p); err != nil {
			s.reply(c, name, p.TempID, err)
		}

	case event.MarkRead:
		var p event.MarkReadPayload
		if !s.bind(c, f, &p) {
			return
		}
		if _, err := s.direct.MarkRead(ctx, c.UserID(), p.SenderID); err != nil {
			s.reply(c, name, "", err)
		}

	case event.MarkDelivered:
		var p event.MarkDeliveredPayload
		if !s.bind(c, f, &p) {
			return
		}
		if _, err := s.direct.MarkDelivered(ctx, c.UserID(), p.SenderID, p.MessageIDs); err != nil {
			s.reply(c, name, "", err)
		}

	default:
		c.fail(name, "", event.ErrUnknownEvent.Error())
	}
}

func (s *Server) bind(c *client, f event.ClientFrame, v any) bool {
	if err := f.Bind(v); err != nil {
		c.fail(f.Kind.String(), "", err.Error())
		return false
	}
	return true
}

// reply reports a failed event to the originating connection only.
func (s *Server) reply(c *client, name string, tempID model.TempID, err error) {
	if !errors.Is(err, errs.ErrValidation) && !errors.Is(err, errs.ErrForbidden) && !errors.Is(err, errs.ErrNotFound) {
		c.log.Error("event failed", zap.String("event", name), zap.Error(err))
	}
	c.fail(name, tempID, service.PublicMessage(err))
}

func (s *Server) presence(ctx context.Context, c *client, room gateway.Room, kind event.ServerKind, p event.GroupRef) {
	payload := event.PresencePayload{GroupID: p.GroupID, UserID: c.UserID(), DisplayName: c.user.DisplayName}
	if err := s.hub.PublishExcept(ctx, room, c.ID(), kind, payload); err != nil {
		c.log.Warn("presence publish", zap.String("event", kind.String()), zap.Error(err))
	}
}
