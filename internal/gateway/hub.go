// Package gateway is the connection registry and delivery gateway: it maps identities to live
// connections, rooms to connections, and fans published events out locally and over a Bus.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/metrics"
)

// Conn is an authenticated live connection.
type Conn interface {
	ID() string
	UserID() uuid.UUID
	// Send queues a frame without blocking; false means the outbound buffer is full.
	Send(frame []byte) bool
	Close()
}

// Authorizer decides whether a user may join a group room.
type Authorizer interface {
	AuthorizeRoom(ctx context.Context, userID, groupID uuid.UUID) error
}

// Mode reports how far a publish reaches.
type Mode int32

const (
	// ModeLocal delivers to connections of this process only.
	ModeLocal Mode = iota
	// ModeDistributed delivers through the shared bus.
	ModeDistributed
)

func (m Mode) String() string {
	if m == ModeDistributed {
		return "distributed"
	}
	return "local"
}

// ErrNotRegistered is returned for operations on a connection the hub does not know.
var ErrNotRegistered = errors.New("connection not registered")

// Hub is safe for concurrent use.
type Hub struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	nodeID  string

	mu    sync.RWMutex
	conns map[string]*entry
	users map[uuid.UUID]map[string]*entry
	rooms map[Room]map[string]*entry

	authz atomic.Pointer[authorizerBox]
	bus   atomic.Pointer[busBox]
	mode  atomic.Int32
}

type entry struct {
	conn  Conn
	rooms map[Room]struct{}
}

type authorizerBox struct{ a Authorizer }
type busBox struct{ b Bus }

// NewHub constructs a hub in local mode.
func NewHub(log *zap.Logger, m *metrics.Metrics, nodeID string) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:     log,
		metrics: m,
		nodeID:  nodeID,
		conns:   make(map[string]*entry),
		users:   make(map[uuid.UUID]map[string]*entry),
		rooms:   make(map[Room]map[string]*entry),
	}
}

// SetAuthorizer installs the group-room gate.
func (h *Hub) SetAuthorizer(a Authorizer) { h.authz.Store(&authorizerBox{a: a}) }

// Mode returns the current delivery mode.
func (h *Hub) Mode() Mode { return Mode(h.mode.Load()) }

// NodeID identifies this process on the bus.
func (h *Hub) NodeID() string { return h.nodeID }

// Degrade switches to local delivery and makes it visible in logs and metrics.
func (h *Hub) Degrade(reason string) {
	h.mode.Store(int32(ModeLocal))
	h.bus.Store(nil)
	h.metrics.SetDegraded(true)
	h.log.Warn("fan-out degraded: delivering to local connections only",
		zap.String("reason", reason),
		zap.String("node", h.nodeID),
	)
}

// AttachBus subscribes to b and switches to distributed mode. Losing the bus later degrades the hub.
func (h *Hub) AttachBus(ctx context.Context, b Bus) error {
	if err := b.Subscribe(ctx, h.handleFrame); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	h.bus.Store(&busBox{b: b})
	h.mode.Store(int32(ModeDistributed))
	h.metrics.SetDegraded(false)
	h.log.Info("fan-out bus attached", zap.String("node", h.nodeID))

	go func() {
		select {
		case <-b.Done():
			if cur := h.bus.Load(); cur != nil && cur.b == b {
				h.Degrade("bus connection lost")
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

// Register adds c and joins its private user room. It must run before any handler sees c.
func (h *Hub) Register(c Conn) {
	e := &entry{conn: c, rooms: make(map[Room]struct{})}
	uid := c.UserID()

	h.mu.Lock()
	h.conns[c.ID()] = e
	if h.users[uid] == nil {
		h.users[uid] = make(map[string]*entry)
	}
	h.users[uid][c.ID()] = e
	h.joinLocked(e, UserRoom(uid))
	h.mu.Unlock()

	h.metrics.ConnOpened()
}

// Unregister removes c from every room. Unknown connections are ignored.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	e, ok := h.conns[c.ID()]
	if ok {
		for r := range e.rooms {
			h.leaveLocked(e, r)
		}
		delete(h.conns, c.ID())
		uid := c.UserID()
		delete(h.users[uid], c.ID())
		if len(h.users[uid]) == 0 {
			delete(h.users, uid)
		}
	}
	h.mu.Unlock()

	if ok {
		h.metrics.ConnClosed()
	}
}

// JoinGroupRoom joins c to a group room after the authorizer approves.
func (h *Hub) JoinGroupRoom(ctx context.Context, c Conn, groupID uuid.UUID) error {
	if box := h.authz.Load(); box != nil && box.a != nil {
		if err := box.a.AuthorizeRoom(ctx, c.UserID(), groupID); err != nil {
			return err
		}
	}
	return h.JoinRoom(c, GroupRoom(groupID))
}

// JoinRoom adds c to room without authorization.
func (h *Hub) JoinRoom(c Conn, room Room) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.conns[c.ID()]
	if !ok {
		return ErrNotRegistered
	}
	h.joinLocked(e, room)
	return nil
}

// LeaveRoom removes c from room. Leaving a room c is not in is a no-op.
func (h *Hub) LeaveRoom(c Conn, room Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.conns[c.ID()]; ok {
		h.leaveLocked(e, room)
	}
}

// InRoom reports whether c is in room.
func (h *Hub) InRoom(c Conn, room Room) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.conns[c.ID()]
	if !ok {
		return false
	}
	_, in := e.rooms[room]
	return in
}

// Online reports whether userID has a live connection on this process.
func (h *Hub) Online(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// RoomSize returns the number of local connections in room.
func (h *Hub) RoomSize(room Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) joinLocked(e *entry, room Room) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*entry)
	}
	h.rooms[room][e.conn.ID()] = e
	e.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(e *entry, room Room) {
	delete(e.rooms, room)
	if m := h.rooms[room]; m != nil {
		delete(m, e.conn.ID())
		if len(m) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Evict removes every connection of userID from room on all processes.
func (h *Hub) Evict(ctx context.Context, userID uuid.UUID, room Room) error {
	h.evictLocal(userID, room)
	return h.forward(ctx, Frame{Op: OpEvict, Room: room, User: userID})
}

func (h *Hub) evictLocal(userID uuid.UUID, room Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.users[userID] {
		h.leaveLocked(e, room)
	}
}

// Publish fans an event out to every connection in room.
func (h *Hub) Publish(ctx context.Context, room Room, kind event.ServerKind, payload any) error {
	return h.PublishExcept(ctx, room, "", kind, payload)
}

// PublishExcept is Publish skipping the connection with id except.
func (h *Hub) PublishExcept(ctx context.Context, room Room, except string, kind event.ServerKind, payload any) error {
	data, err := event.Encode(kind, payload)
	if err != nil {
		return err
	}
	h.deliverLocal(room, except, data)
	h.metrics.Published(kind.String())
	return h.forward(ctx, Frame{Op: OpPublish, Room: room, Event: kind.String(), Except: except, Data: data})
}

// forward sends f to the other processes. A bus failure degrades the hub but is not an error
// for the caller: local delivery already happened.
func (h *Hub) forward(ctx context.Context, f Frame) error {
	box := h.bus.Load()
	if box == nil {
		return nil
	}
	f.Origin = h.nodeID
	if err := box.b.Publish(ctx, f); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.Degrade(err.Error())
	}
	return nil
}

func (h *Hub) handleFrame(f Frame) {
	if f.Origin == h.nodeID {
		return
	}
	switch f.Op {
	case OpPublish:
		h.deliverLocal(f.Room, f.Except, f.Data)
	case OpEvict:
		h.evictLocal(f.User, f.Room)
	default:
		h.log.Warn("unknown bus frame", zap.String("op", string(f.Op)), zap.String("origin", f.Origin))
	}
}

func (h *Hub) deliverLocal(room Room, except string, data []byte) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.rooms[room]))
	for id, e := range h.rooms[room] {
		if id != except {
			targets = append(targets, e.conn)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(data) {
			h.log.Warn("slow consumer dropped",
				zap.String("conn", c.ID()),
				zap.String("user", c.UserID().String()),
			)
			c.Close()
		}
	}
}
