// Package grpcserver exposes the Inkwell request/response API over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/and161185/inkwell/internal/auth"
	"github.com/and161185/inkwell/internal/convert"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/service"
)

// Authenticator resolves a bearer token to the user it was issued for.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.User, error)
}

var _ Authenticator = (*auth.Authenticator)(nil)

// DirectMessages is the direct message surface used by the API.
type DirectMessages interface {
	Send(ctx context.Context, senderID uuid.UUID, in event.SendDirectMessagePayload) (model.DirectMessage, error)
	History(ctx context.Context, userID, partnerID uuid.UUID, page, limit int) (model.Page[model.DirectMessage], error)
	Conversations(ctx context.Context, userID uuid.UUID, page, limit int) (model.Page[model.Conversation], error)
	MarkRead(ctx context.Context, readerID, senderID uuid.UUID) ([]model.MessageID, error)
	SenderNames(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]string, error)
}

// Groups is the group chat surface used by the API.
type Groups interface {
	Create(ctx context.Context, creatorID uuid.UUID, name string, vis model.Visibility) (*model.GroupChat, error)
	AddMember(ctx context.Context, actorID, groupID, userID uuid.UUID) (*model.Membership, error)
	RemoveMember(ctx context.Context, actorID, groupID, userID uuid.UUID) error
	History(ctx context.Context, userID, groupID uuid.UUID, page, limit int) (model.Page[model.GroupMessage], error)
	InitGroupEncryption(ctx context.Context, actorID, groupID uuid.UUID, wrapped []model.WrappedGroupKey) ([]uuid.UUID, error)
	GetGroupEncryptionKey(ctx context.Context, userID, groupID uuid.UUID) (model.GroupKeyGrant, error)
}

// Keys is the personal key registry.
type Keys interface {
	Register(ctx context.Context, ownerID uuid.UUID, publicKey []byte) (model.EncryptionKey, error)
	Get(ctx context.Context, ownerID uuid.UUID) (model.EncryptionKey, error)
}

// Server wires services into gRPC handlers.
type Server struct {
	direct DirectMessages
	groups Groups
	keys   Keys
}

var _ ChatServer = (*Server)(nil)

// New constructs a Chat API server with injected services.
func New(direct DirectMessages, groups Groups, keys Keys) *Server {
	return &Server{direct: direct, groups: groups, keys: keys}
}

// NewGRPCServer builds a grpc.Server with the interceptor chain, the Chat service and health checks.
func NewGRPCServer(srv ChatServer, authn Authenticator, log *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		LoggingUnary(log),
		AuthUnary(authn),
	))
	gs := grpc.NewServer(opts...)
	RegisterChatServer(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// toStatus maps domain errors to gRPC codes. Unknown errors are reported as Internal without detail.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, errs.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, errs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrForbidden):
		code = codes.PermissionDenied
	case errors.Is(err, errs.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, errs.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, errs.ErrVersionConflict):
		code = codes.FailedPrecondition
	case errors.Is(err, errs.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal")
	}
	return status.Error(code, service.PublicMessage(err))
}

func caller(ctx context.Context) (uuid.UUID, error) {
	id, ok := auth.UserIDFromCtx(ctx)
	if !ok {
		return uuid.Nil, status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

// --- direct messages ---

// SendDirectMessage stores and delivers a direct message without a live socket.
func (s *Server) SendDirectMessage(ctx context.Context, req *SendDirectMessageRequest) (*SendDirectMessageResponse, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.direct.Send(ctx, userID, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendDirectMessageResponse{Message: convert.DirectMessage(m, "", req.TempID)}, nil
}

// ListConversations lists the caller's threads by last activity.
func (s *Server) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.direct.Conversations(ctx, userID, req.Page, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListConversationsResponse{Conversations: convert.Conversations(p.Items), Pagination: p.Pagination}, nil
}

// GetDirectHistory pages the thread with a partner.
func (s *Server) GetDirectHistory(ctx context.Context, req *GetDirectHistoryRequest) (*HistoryResponse, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.direct.History(ctx, userID, req.PartnerID, req.Page, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	names, err := s.direct.SenderNames(ctx, userID, req.PartnerID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Messages: convert.DirectMessages(p.Items, names), Pagination: p.Pagination}, nil
}

// GetGroupHistory pages a group's messages.
func (s *Server) GetGroupHistory(ctx context.Context, req *GetGroupHistoryRequest) (*HistoryResponse, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.groups.History(ctx, userID, req.GroupID, req.Page, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	senders := make([]uuid.UUID, 0, len(p.Items))
	for _, m := range p.Items {
		senders = append(senders, m.SenderID)
	}
	names, err := s.direct.SenderNames(ctx, senders...)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Messages: convert.GroupMessages(p.Items, names), Pagination: p.Pagination}, nil
}

// MarkRead marks everything from the sender to the caller as read.
func (s *Server) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := s.direct.MarkRead(ctx, userID, req.SenderID)
	if err != nil {
		return nil, toStatus(err)
	}
	if ids == nil {
		ids = []model.MessageID{}
	}
	return &MarkReadResponse{MessageIDs: ids}, nil
}

// --- groups ---

// CreateGroup creates a group with the caller as admin.
func (s *Server) CreateGroup(ctx context.Context, req *CreateGroupRequest) (*Group, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	g, err := s.groups.Create(ctx, userID, req.Name, req.Visibility)
	if err != nil {
		return nil, toStatus(err)
	}
	return toGroup(g), nil
}

// AddMember adds a user to a group. Admin only.
func (s *Server) AddMember(ctx context.Context, req *MemberRequest) (*Member, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.groups.AddMember(ctx, userID, req.GroupID, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toMember(m), nil
}

// RemoveMember removes a member, or the caller itself.
func (s *Server) RemoveMember(ctx context.Context, req *MemberRequest) (*Empty, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.groups.RemoveMember(ctx, userID, req.GroupID, req.UserID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// --- keys ---

// RegisterKey stores the caller's personal public key.
func (s *Server) RegisterKey(ctx context.Context, req *RegisterKeyRequest) (*PublicKey, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	k, err := s.keys.Register(ctx, userID, req.PublicKey)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PublicKey{KeyID: k.ID, UserID: k.OwnerID, PublicKey: k.PublicKey, UpdatedAt: k.UpdatedAt}, nil
}

// GetPublicKey returns another user's active personal public key.
func (s *Server) GetPublicKey(ctx context.Context, req *GetPublicKeyRequest) (*PublicKey, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	if req.UserID == uuid.Nil {
		return nil, status.Error(codes.InvalidArgument, "userId is required")
	}
	k, err := s.keys.Get(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PublicKey{KeyID: k.ID, UserID: k.OwnerID, PublicKey: k.PublicKey, UpdatedAt: k.UpdatedAt}, nil
}

// InitGroupEncryption enables encryption for a group and stores the wrapped keys. Admin only.
func (s *Server) InitGroupEncryption(ctx context.Context, req *InitGroupEncryptionRequest) (*InitGroupEncryptionResponse, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	wrapped := make([]model.WrappedGroupKey, 0, len(req.Keys))
	for _, k := range req.Keys {
		wrapped = append(wrapped, model.WrappedGroupKey{MemberID: k.MemberID, WrappedKey: k.WrappedKey})
	}
	applied, err := s.groups.InitGroupEncryption(ctx, userID, req.GroupID, wrapped)
	if err != nil {
		return nil, toStatus(err)
	}
	return &InitGroupEncryptionResponse{Applied: applied}, nil
}

// GetGroupEncryptionKey returns the caller's wrapped copy of the group key.
func (s *Server) GetGroupEncryptionKey(ctx context.Context, req *GetGroupEncryptionKeyRequest) (*GroupKeyGrant, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	g, err := s.groups.GetGroupEncryptionKey(ctx, userID, req.GroupID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GroupKeyGrant{
		KeyID:            g.KeyID,
		WrappedKey:       g.WrappedKey,
		WrapperPublicKey: g.WrapperPublicKey,
		WrapperID:        g.WrapperID,
	}, nil
}
