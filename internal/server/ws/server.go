// Package ws serves the persistent event connection: authenticated handshake, room membership,
// and dispatch of client events to the messaging services.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/auth"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/gateway"
	"github.com/and161185/inkwell/internal/limiter"
	"github.com/and161185/inkwell/internal/metrics"
	"github.com/and161185/inkwell/internal/model"
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.User, error)
}

// DirectMessages is the direct message use case surface reachable from the socket.
type DirectMessages interface {
	Send(ctx context.Context, senderID uuid.UUID, in event.SendDirectMessagePayload) (model.DirectMessage, error)
	MarkRead(ctx context.Context, readerID, senderID uuid.UUID) ([]model.MessageID, error)
	MarkDelivered(ctx context.Context, receiverID, senderID uuid.UUID, ids []model.MessageID) ([]model.MessageID, error)
}

// GroupMessages is the group send use case.
type GroupMessages interface {
	Send(ctx context.Context, senderID uuid.UUID, in event.SendMessagePayload) (model.GroupMessage, error)
}

// Options tune the handshake and per-connection limits.
type Options struct {
	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	// SendRate caps send events per second per connection.
	SendRate int
}

// bearerProtocol is the Sec-WebSocket-Protocol marker a browser sends ahead of its token.
const bearerProtocol = "bearer"

// Server upgrades HTTP requests and runs one read loop per connection.
type Server struct {
	opts    Options
	hub     *gateway.Hub
	authn   Authenticator
	direct  DirectMessages
	groups  GroupMessages
	limiter limiter.Limiter
	metrics *metrics.Metrics
	log     *zap.Logger

	upgrader websocket.Upgrader

	base context.Context
	stop context.CancelFunc
}

// New constructs a Server. lim may be nil to disable handshake throttling.
func New(opts Options, hub *gateway.Hub, authn Authenticator, direct DirectMessages, groups GroupMessages,
	lim limiter.Limiter, m *metrics.Metrics, log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 20
	}
	base, stop := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		hub:     hub,
		authn:   authn,
		direct:  direct,
		groups:  groups,
		limiter: lim,
		metrics: m,
		log:     log,
		base:    base,
		stop:    stop,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		Subprotocols:     []string{bearerProtocol},
		CheckOrigin:      s.checkOrigin,
	}
	return s
}

// Close disconnects every live connection. New upgrades are still accepted; stop the HTTP server first.
func (s *Server) Close() { s.stop() }

// checkOrigin admits non-browser clients (no Origin header) and listed origins. "*" admits all.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	s.metrics.HandshakeFailed("origin")
	s.log.Info("origin rejected", zap.String("origin", origin))
	return false
}

// tokenFromRequest looks at the Authorization header, then at the subprotocol list ("bearer", <token>).
func tokenFromRequest(r *http.Request) string {
	if t, err := auth.BearerFromHeader(r.Header.Get("Authorization")); err == nil {
		return t
	}
	protos := websocket.Subprotocols(r)
	if i := slices.Index(protos, bearerProtocol); i >= 0 && i+1 < len(protos) {
		return protos[i+1]
	}
	return ""
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ipHash := limiter.HashIP(r.RemoteAddr)

	if s.limiter != nil {
		ok, retry, err := s.limiter.Allow(ctx, ipHash)
		if err != nil {
			s.log.Error("limiter", zap.Error(err))
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		if !ok {
			s.metrics.HandshakeFailed("rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			http.Error(w, errs.ErrRateLimited.Error(), http.StatusTooManyRequests)
			return
		}
	}

	var user *model.User
	if token := tokenFromRequest(r); token != "" {
		u, err := s.authn.Authenticate(ctx, token)
		if err != nil {
			s.rejected(ctx, ipHash, err)
			http.Error(w, errs.ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		user = u
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	wsConn.SetReadLimit(maxFrameSize)

	if user == nil {
		user, err = s.authenticateFirstFrame(ctx, wsConn)
		if err != nil {
			s.rejected(ctx, ipHash, err)
			msg := handshakeMessage(err)
			if b, encErr := event.Encode(event.Error, event.ErrorPayload{Msg: msg, Event: event.Authenticate.String()}); encErr == nil {
				_ = wsConn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = wsConn.WriteMessage(websocket.TextMessage, b)
			}
			_ = wsConn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), time.Now().Add(writeWait))
			_ = wsConn.Close()
			return
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Success(ctx, ipHash); err != nil {
			s.log.Warn("limiter success", zap.Error(err))
		}
	}
	s.serve(wsConn, user)
}

func handshakeMessage(err error) string {
	if errors.Is(err, errTimeout) {
		return "authentication timeout"
	}
	return errs.ErrUnauthorized.Error()
}

var errTimeout = errors.New("handshake timeout")

// authenticateFirstFrame waits for an authenticate event within the handshake timeout.
func (s *Server) authenticateFirstFrame(ctx context.Context, c *websocket.Conn) (*model.User, error) {
	_ = c.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	defer func() { _ = c.SetReadDeadline(time.Time{}) }()

	_, data, err := c.ReadMessage()
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, errTimeout
		}
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	f, err := event.DecodeClient(data)
	if err != nil {
		return nil, err
	}
	if f.Kind != event.Authenticate {
		return nil, fmt.Errorf("expected %s, got %s: %w", event.Authenticate, f.Kind, errs.ErrUnauthorized)
	}
	var p event.AuthenticatePayload
	if err := f.Bind(&p); err != nil {
		return nil, err
	}
	return s.authn.Authenticate(ctx, p.Token)
}

func (s *Server) rejected(ctx context.Context, ipHash []byte, err error) {
	reason := "unauthorized"
	if errors.Is(err, errTimeout) {
		reason = "timeout"
	}
	s.metrics.HandshakeFailed(reason)
	s.log.Info("handshake rejected", zap.String("reason", reason), zap.Error(err))
	if s.limiter == nil {
		return
	}
	if blocked, retry, lerr := s.limiter.Failure(ctx, ipHash); lerr != nil {
		s.log.Warn("limiter failure", zap.Error(lerr))
	} else if blocked {
		s.log.Warn("handshake source blocked", zap.Duration("retry_after", retry))
	}
}

// serve registers the connection and runs its read loop until the socket closes.
func (s *Server) serve(wsConn *websocket.Conn, user *model.User) {
	id := uuid.Must(uuid.NewV4()).String()
	log := s.log.With(zap.String("conn", id), zap.String("user", user.ID.String()))
	c := newClient(id, user, wsConn, log)

	ctx, cancel := context.WithCancel(s.base)
	defer cancel()
	stopAfter := context.AfterFunc(ctx, c.Close)
	defer stopAfter()

	// queued ahead of anything the hub delivers
	c.emit(event.Authenticated, event.AuthenticatedPayload{UserID: user.ID, DisplayName: user.DisplayName})
	s.hub.Register(c)
	defer s.hub.Unregister(c)
	go c.writePump()
	defer c.Close()

	log.Info("connected")
	defer log.Info("disconnected")

	_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	rl := ratelimit.New(s.opts.SendRate)
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read", zap.Error(err))
			}
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := event.DecodeClient(data)
		if err != nil {
			c.fail("", "", err.Error())
			continue
		}
		s.dispatch(ctx, c, rl, f)
	}
}
