package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/gateway"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/repository"
)

/************ users ************/

type fakeUsers struct {
	byID   map[uuid.UUID]model.User
	getErr error
}

var _ repository.UserRepository = (*fakeUsers)(nil)

func newFakeUsers(users ...model.User) *fakeUsers {
	f := &fakeUsers{byID: map[uuid.UUID]model.User{}}
	for _, u := range users {
		f.byID[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &u, nil
}

func (f *fakeUsers) GetByIDs(_ context.Context, ids []uuid.UUID) ([]model.User, error) {
	var out []model.User
	for _, id := range ids {
		if u, ok := f.byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

/************ direct messages ************/

type fakeMessages struct {
	mu        sync.Mutex
	rows      []model.DirectMessage
	createErr error
	creates   int
	refs      map[model.MessageID]model.TempID
}

var _ repository.MessageRepository = (*fakeMessages)(nil)

func (f *fakeMessages) CreateDirect(_ context.Context, in repository.NewDirectMessage) (model.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return model.DirectMessage{}, f.createErr
	}
	if in.ClientRef != "" {
		for _, r := range f.rows {
			if r.SenderID == in.SenderID && f.refs[r.ID] == in.ClientRef {
				return r, nil
			}
		}
	}
	m := model.DirectMessage{
		ID:         model.MessageID(uuid.Must(uuid.NewV4())),
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		CreatedAt:  time.Now().UTC(),
	}
	f.rows = append(f.rows, m)
	if f.refs == nil {
		f.refs = map[model.MessageID]model.TempID{}
	}
	f.refs[m.ID] = in.ClientRef
	return m, nil
}

func (f *fakeMessages) GetDirectHistory(_ context.Context, userID, partnerID uuid.UUID, p model.Pagination) (model.Page[model.DirectMessage], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []model.DirectMessage
	for _, m := range f.rows {
		if (m.SenderID == userID && m.ReceiverID == partnerID) || (m.SenderID == partnerID && m.ReceiverID == userID) {
			items = append(items, m)
		}
	}
	return model.Page[model.DirectMessage]{Items: items, Pagination: model.NewPagination(p.Page, p.Limit, len(items))}, nil
}

func (f *fakeMessages) ListConversations(_ context.Context, _ uuid.UUID, p model.Pagination) (model.Page[model.Conversation], error) {
	return model.Page[model.Conversation]{Pagination: p}, nil
}

func (f *fakeMessages) MarkRead(_ context.Context, senderID, receiverID uuid.UUID, at time.Time) ([]model.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []model.MessageID
	for i := range f.rows {
		m := &f.rows[i]
		if m.SenderID == senderID && m.ReceiverID == receiverID && m.ReadAt == nil {
			t := at
			m.ReadAt = &t
			if m.DeliveredAt == nil {
				m.DeliveredAt = &t
			}
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (f *fakeMessages) MarkDelivered(_ context.Context, senderID, receiverID uuid.UUID, ids []model.MessageID, at time.Time) ([]model.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[model.MessageID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []model.MessageID
	for i := range f.rows {
		m := &f.rows[i]
		if m.SenderID != senderID || m.ReceiverID != receiverID || m.DeliveredAt != nil {
			continue
		}
		if len(want) > 0 && !want[m.ID] {
			continue
		}
		t := at
		m.DeliveredAt = &t
		out = append(out, m.ID)
	}
	return out, nil
}

func (f *fakeMessages) row(id model.MessageID) model.DirectMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ID == id {
			return m
		}
	}
	return model.DirectMessage{}
}

/************ groups ************/

type fakeGroups struct {
	mu        sync.Mutex
	users     *fakeUsers
	groups    map[uuid.UUID]*model.GroupChat
	members   map[uuid.UUID][]model.Membership
	messages  []model.GroupMessage
	refs      map[model.MessageID]model.TempID
	createErr error
	touched   chan uuid.UUID
}

var _ repository.GroupRepository = (*fakeGroups)(nil)

func newFakeGroups(users *fakeUsers) *fakeGroups {
	return &fakeGroups{
		users:   users,
		groups:  map[uuid.UUID]*model.GroupChat{},
		members: map[uuid.UUID][]model.Membership{},
		refs:    map[model.MessageID]model.TempID{},
		touched: make(chan uuid.UUID, 16),
	}
}

func (f *fakeGroups) Create(_ context.Context, g *model.GroupChat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g.ID = uuid.Must(uuid.NewV4())
	g.CreatedAt = time.Now()
	g.UpdatedAt = g.CreatedAt
	cpy := *g
	f.groups[g.ID] = &cpy
	f.members[g.ID] = append(f.members[g.ID], model.Membership{
		GroupID: g.ID, UserID: g.CreatorID, DisplayName: f.users.byID[g.CreatorID].DisplayName, Role: model.RoleAdmin,
	})
	return nil
}

func (f *fakeGroups) GetByID(_ context.Context, id uuid.UUID) (*model.GroupChat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *g
	return &cpy, nil
}

func (f *fakeGroups) GetMembership(_ context.Context, groupID, userID uuid.UUID) (*model.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.members[groupID] {
		if m.UserID == userID {
			cpy := m
			return &cpy, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeGroups) ListMembers(_ context.Context, groupID uuid.UUID) ([]model.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Membership(nil), f.members[groupID]...), nil
}

func (f *fakeGroups) AddMember(ctx context.Context, groupID, userID uuid.UUID, role model.Role) (*model.Membership, error) {
	if m, err := f.GetMembership(ctx, groupID, userID); err == nil {
		return m, nil
	}
	f.mu.Lock()
	m := model.Membership{GroupID: groupID, UserID: userID, DisplayName: f.users.byID[userID].DisplayName, Role: role, JoinedAt: time.Now()}
	f.members[groupID] = append(f.members[groupID], m)
	f.mu.Unlock()
	return &m, nil
}

func (f *fakeGroups) RemoveMember(_ context.Context, groupID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.members[groupID]
	for i, m := range list {
		if m.UserID == userID {
			f.members[groupID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return errs.ErrNotFound
}

func (f *fakeGroups) SetEncryption(_ context.Context, groupID uuid.UUID, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return errs.ErrNotFound
	}
	g.EncryptionEnabled = enabled
	return nil
}

func (f *fakeGroups) Touch(_ context.Context, groupID uuid.UUID, _ time.Time) error {
	select {
	case f.touched <- groupID:
	default:
	}
	return nil
}

func (f *fakeGroups) CreateMessage(_ context.Context, in repository.NewGroupMessage) (model.GroupMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return model.GroupMessage{}, f.createErr
	}
	if in.ClientRef != "" {
		for _, r := range f.messages {
			if r.SenderID == in.SenderID && f.refs[r.ID] == in.ClientRef {
				return r, nil
			}
		}
	}
	m := model.GroupMessage{
		ID:        model.MessageID(uuid.Must(uuid.NewV4())),
		GroupID:   in.GroupID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		CreatedAt: time.Now().UTC(),
	}
	f.messages = append(f.messages, m)
	f.refs[m.ID] = in.ClientRef
	return m, nil
}

func (f *fakeGroups) GetHistory(_ context.Context, groupID uuid.UUID, p model.Pagination) (model.Page[model.GroupMessage], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []model.GroupMessage
	for _, m := range f.messages {
		if m.GroupID == groupID {
			items = append(items, m)
		}
	}
	return model.Page[model.GroupMessage]{Items: items, Pagination: model.NewPagination(p.Page, p.Limit, len(items))}, nil
}

/************ keys ************/

type fakeKeys struct {
	mu       sync.Mutex
	personal map[uuid.UUID]model.EncryptionKey
	group    map[[2]uuid.UUID]model.EncryptionKey
}

var _ repository.KeyRepository = (*fakeKeys)(nil)

func newFakeKeys() *fakeKeys {
	return &fakeKeys{personal: map[uuid.UUID]model.EncryptionKey{}, group: map[[2]uuid.UUID]model.EncryptionKey{}}
}

func (f *fakeKeys) UpsertPersonal(_ context.Context, ownerID uuid.UUID, pub []byte) (model.EncryptionKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.personal[ownerID]
	if !ok {
		k = model.EncryptionKey{ID: uuid.Must(uuid.NewV4()), OwnerID: ownerID, Type: model.KeyECDH}
	}
	k.PublicKey, k.Active, k.UpdatedAt = pub, true, time.Now()
	f.personal[ownerID] = k
	return k, nil
}

func (f *fakeKeys) GetActivePersonal(_ context.Context, ownerID uuid.UUID) (model.EncryptionKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.personal[ownerID]
	if !ok {
		return model.EncryptionKey{}, errs.ErrNotFound
	}
	return k, nil
}

func (f *fakeKeys) UpsertGroupKey(_ context.Context, ownerID, groupID uuid.UUID, wrapped []byte, by uuid.UUID, pub []byte) (model.EncryptionKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot := [2]uuid.UUID{ownerID, groupID}
	k, ok := f.group[slot]
	if !ok {
		k = model.EncryptionKey{ID: uuid.Must(uuid.NewV4()), OwnerID: ownerID, Type: model.KeyGroup, GroupID: groupID}
	}
	k.WrappedKey, k.WrappedBy, k.PublicKey, k.Active = wrapped, by, pub, true
	f.group[slot] = k
	return k, nil
}

func (f *fakeKeys) GetActiveGroupKey(_ context.Context, ownerID, groupID uuid.UUID) (model.EncryptionKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.group[[2]uuid.UUID{ownerID, groupID}]
	if !ok {
		return model.EncryptionKey{}, errs.ErrNotFound
	}
	return k, nil
}

/************ notifications ************/

type fakeNotifications struct {
	mu      sync.Mutex
	created []model.Notification
	likes   map[uuid.UUID]*model.Notification
	err     error
}

var _ repository.NotificationRepository = (*fakeNotifications)(nil)

func (f *fakeNotifications) Create(_ context.Context, n *model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	n.ID, n.Count, n.CreatedAt = uuid.Must(uuid.NewV4()), 1, time.Now()
	f.created = append(f.created, *n)
	return nil
}

func (f *fakeNotifications) CreateOrBumpLike(_ context.Context, n *model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.likes == nil {
		f.likes = map[uuid.UUID]*model.Notification{}
	}
	if cur, ok := f.likes[*n.PostID]; ok {
		cur.Count++
		*n = *cur
		return nil
	}
	n.ID, n.Count, n.CreatedAt = uuid.Must(uuid.NewV4()), 1, time.Now()
	cpy := *n
	f.likes[*n.PostID] = &cpy
	f.created = append(f.created, cpy)
	return nil
}

func (f *fakeNotifications) all() []model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Notification(nil), f.created...)
}

/************ media ************/

type fakeMedia map[string]string

var _ repository.MediaRepository = fakeMedia(nil)

func (f fakeMedia) GetURL(_ context.Context, _ uuid.UUID, key string) (string, error) {
	u, ok := f[key]
	if !ok {
		return "", errs.ErrNotFound
	}
	return u, nil
}

/************ broadcaster ************/

type published struct {
	Room    gateway.Room
	Kind    event.ServerKind
	Payload any
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	events  []published
	evicted []gateway.Room
	err     error
}

var _ Broadcaster = (*fakeBroadcaster)(nil)

func (f *fakeBroadcaster) Publish(_ context.Context, room gateway.Room, kind event.ServerKind, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{Room: room, Kind: kind, Payload: payload})
	return f.err
}

func (f *fakeBroadcaster) Evict(_ context.Context, _ uuid.UUID, room gateway.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, room)
	return nil
}

// of returns what was published to room, optionally filtered by kind.
func (f *fakeBroadcaster) of(room gateway.Room, kinds ...event.ServerKind) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, e := range f.events {
		if e.Room != room {
			continue
		}
		if len(kinds) == 0 || e.Kind == kinds[0] {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeBroadcaster) kinds() []event.ServerKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event.ServerKind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

/************ fixture ************/

type fixture struct {
	users    *fakeUsers
	messages *fakeMessages
	groups   *fakeGroups
	keys     *fakeKeys
	notes    *fakeNotifications
	bc       *fakeBroadcaster
	direct   *DirectMessageService
	group    *GroupService
	keySvc   *KeyService
	notify   *NotificationService
}

func newUser(name string) model.User {
	return model.User{ID: uuid.Must(uuid.NewV4()), DisplayName: name}
}

func newFixture(t *testing.T, users ...model.User) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{
		users:    newFakeUsers(users...),
		messages: &fakeMessages{},
		keys:     newFakeKeys(),
		notes:    &fakeNotifications{},
		bc:       &fakeBroadcaster{},
	}
	f.groups = newFakeGroups(f.users)
	media := NewMediaResolver(fakeMedia{"clip.mp4": "https://cdn.example/clip.mp4"})
	f.notify = NewNotificationService(f.notes, f.bc, log)
	f.direct = NewDirectMessageService(f.users, f.messages, f.notify, media, f.bc, nil, log, 50)
	f.group = NewGroupService(f.users, f.groups, f.keys, f.notify, media, f.bc, nil, log, 50)
	f.keySvc = NewKeyService(f.keys)
	t.Cleanup(f.group.Wait)
	return f
}

var errBoom = errors.New("boom")
