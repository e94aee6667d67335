package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "inkwell.chat.v1.Chat"

// ChatServer is the server API for the Chat service.
type ChatServer interface {
	SendDirectMessage(context.Context, *SendDirectMessageRequest) (*SendDirectMessageResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	GetDirectHistory(context.Context, *GetDirectHistoryRequest) (*HistoryResponse, error)
	GetGroupHistory(context.Context, *GetGroupHistoryRequest) (*HistoryResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*MarkReadResponse, error)
	CreateGroup(context.Context, *CreateGroupRequest) (*Group, error)
	AddMember(context.Context, *MemberRequest) (*Member, error)
	RemoveMember(context.Context, *MemberRequest) (*Empty, error)
	RegisterKey(context.Context, *RegisterKeyRequest) (*PublicKey, error)
	GetPublicKey(context.Context, *GetPublicKeyRequest) (*PublicKey, error)
	InitGroupEncryption(context.Context, *InitGroupEncryptionRequest) (*InitGroupEncryptionResponse, error)
	GetGroupEncryptionKey(context.Context, *GetGroupEncryptionKeyRequest) (*GroupKeyGrant, error)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unary adapts a typed ChatServer method to grpc.MethodDesc.
func unary[Req, Resp any](name string, call func(ChatServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(ChatServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServer), ctx, req.(*Req))
			})
		},
	}
}

// ChatServiceDesc is registered with grpc.Server.RegisterService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SendDirectMessage", ChatServer.SendDirectMessage),
		unary("ListConversations", ChatServer.ListConversations),
		unary("GetDirectHistory", ChatServer.GetDirectHistory),
		unary("GetGroupHistory", ChatServer.GetGroupHistory),
		unary("MarkRead", ChatServer.MarkRead),
		unary("CreateGroup", ChatServer.CreateGroup),
		unary("AddMember", ChatServer.AddMember),
		unary("RemoveMember", ChatServer.RemoveMember),
		unary("RegisterKey", ChatServer.RegisterKey),
		unary("GetPublicKey", ChatServer.GetPublicKey),
		unary("InitGroupEncryption", ChatServer.InitGroupEncryption),
		unary("GetGroupEncryptionKey", ChatServer.GetGroupEncryptionKey),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inkwell/chat/v1/chat.json",
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

// ChatClient calls the Chat service with the JSON codec.
type ChatClient struct {
	cc grpc.ClientConnInterface
}

// NewChatClient wraps a client connection.
func NewChatClient(cc grpc.ClientConnInterface) *ChatClient { return &ChatClient{cc: cc} }

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatClient) SendDirectMessage(ctx context.Context, in *SendDirectMessageRequest, opts ...grpc.CallOption) (*SendDirectMessageResponse, error) {
	return invoke[SendDirectMessageResponse](ctx, c.cc, "SendDirectMessage", in, opts)
}

func (c *ChatClient) ListConversations(ctx context.Context, in *ListConversationsRequest, opts ...grpc.CallOption) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c.cc, "ListConversations", in, opts)
}

func (c *ChatClient) GetDirectHistory(ctx context.Context, in *GetDirectHistoryRequest, opts ...grpc.CallOption) (*HistoryResponse, error) {
	return invoke[HistoryResponse](ctx, c.cc, "GetDirectHistory", in, opts)
}

func (c *ChatClient) GetGroupHistory(ctx context.Context, in *GetGroupHistoryRequest, opts ...grpc.CallOption) (*HistoryResponse, error) {
	return invoke[HistoryResponse](ctx, c.cc, "GetGroupHistory", in, opts)
}

func (c *ChatClient) MarkRead(ctx context.Context, in *MarkReadRequest, opts ...grpc.CallOption) (*MarkReadResponse, error) {
	return invoke[MarkReadResponse](ctx, c.cc, "MarkRead", in, opts)
}

func (c *ChatClient) CreateGroup(ctx context.Context, in *CreateGroupRequest, opts ...grpc.CallOption) (*Group, error) {
	return invoke[Group](ctx, c.cc, "CreateGroup", in, opts)
}

func (c *ChatClient) AddMember(ctx context.Context, in *MemberRequest, opts ...grpc.CallOption) (*Member, error) {
	return invoke[Member](ctx, c.cc, "AddMember", in, opts)
}

func (c *ChatClient) RemoveMember(ctx context.Context, in *MemberRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "RemoveMember", in, opts)
}

func (c *ChatClient) RegisterKey(ctx context.Context, in *RegisterKeyRequest, opts ...grpc.CallOption) (*PublicKey, error) {
	return invoke[PublicKey](ctx, c.cc, "RegisterKey", in, opts)
}

func (c *ChatClient) GetPublicKey(ctx context.Context, in *GetPublicKeyRequest, opts ...grpc.CallOption) (*PublicKey, error) {
	return invoke[PublicKey](ctx, c.cc, "GetPublicKey", in, opts)
}

func (c *ChatClient) InitGroupEncryption(ctx context.Context, in *InitGroupEncryptionRequest, opts ...grpc.CallOption) (*InitGroupEncryptionResponse, error) {
	return invoke[InitGroupEncryptionResponse](ctx, c.cc, "InitGroupEncryption", in, opts)
}

func (c *ChatClient) GetGroupEncryptionKey(ctx context.Context, in *GetGroupEncryptionKeyRequest, opts ...grpc.CallOption) (*GroupKeyGrant, error) {
	return invoke[GroupKeyGrant](ctx, c.cc, "GetGroupEncryptionKey", in, opts)
}
