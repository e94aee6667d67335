package ws

import (
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
	sendBuffer   = 256
)

// client is one authenticated socket. It implements gateway.Conn.
type client struct {
	id   string
	user *model.User
	ws   *websocket.Conn
	log  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, user *model.User, c *websocket.Conn, log *zap.Logger) *client {
	return &client{
		id:   id,
		user: user,
		ws:   c,
		log:  log,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

func (c *client) UserID() uuid.UUID { return c.user.ID }

// Send never blocks. Frames for a closed client are discarded.
func (c *client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket.
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) emit(kind event.ServerKind, payload any) {
	b, err := event.Encode(kind, payload)
	if err != nil {
		c.log.Error("encode event", zap.String("event", kind.String()), zap.Error(err))
		return
	}
	if !c.Send(b) {
		c.log.Warn("outbound buffer full", zap.String("event", kind.String()))
		c.Close()
	}
}

func (c *client) fail(ev string, tempID model.TempID, msg string) {
	c.emit(event.Error, event.ErrorPayload{Msg: msg, Event: ev, TempID: tempID})
}

// writePump owns every write to the socket.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever was queued before Close, so a final error frame still reaches the peer.
func (c *client) flush() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
