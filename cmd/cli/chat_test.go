package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"

	pkgcrypto "github.com/and161185/inkwell/internal/crypto"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/reconcile"
	grpcserver "github.com/and161185/inkwell/internal/server/grpc"
)

type fakeKeys struct {
	pubs       map[u.UUID][]byte
	grant      *grpcserver.GroupKeyGrant
	pubCalls   int
	grantCalls int
}

func (f *fakeKeys) GetPublicKey(_ context.Context, in *grpcserver.GetPublicKeyRequest, _ ...grpc.CallOption) (*grpcserver.PublicKey, error) {
	f.pubCalls++
	k, ok := f.pubs[in.UserID]
	if !ok {
		return nil, errors.New("not found")
	}
	return &grpcserver.PublicKey{KeyID: u.Must(u.NewV4()), UserID: in.UserID, PublicKey: k}, nil
}

func (f *fakeKeys) GetGroupEncryptionKey(context.Context, *grpcserver.GetGroupEncryptionKeyRequest, ...grpc.CallOption) (*grpcserver.GroupKeyGrant, error) {
	f.grantCalls++
	if f.grant == nil {
		return nil, errors.New("not found")
	}
	return f.grant, nil
}

func mustPair(t *testing.T) pkgcrypto.KeyPair {
	t.Helper()
	kp, err := pkgcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

func newUser() u.UUID { return u.Must(u.NewV4()) }

func TestDecryptor_DirectBothSides(t *testing.T) {
	t.Parallel()
	alice, bob := mustPair(t), mustPair(t)
	aliceID, bobID := newUser(), newUser()
	keys := &fakeKeys{pubs: map[u.UUID][]byte{aliceID: alice.Public, bobID: bob.Public}}

	s, err := pkgcrypto.EncryptForUser([]byte("hi bob"), alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	m := event.Message{SenderID: aliceID, ReceiverID: &bobID, Type: model.MessageText, EncryptedContent: s.Payload()}

	ctx := context.Background()
	if got := newDecryptor(bobID, &bob, keys).text(ctx, m); got != "hi bob" {
		t.Fatalf("receiver view: %q", got)
	}
	// the sender reads its own copy with the receiver's public key
	ad := newDecryptor(aliceID, &alice, keys)
	if got := ad.text(ctx, m); got != "hi bob" {
		t.Fatalf("sender view: %q", got)
	}
	_ = ad.text(ctx, m)
	if keys.pubCalls != 2 {
		t.Fatalf("public keys must be cached, calls=%d", keys.pubCalls)
	}

	eve := mustPair(t)
	if got := newDecryptor(bobID, &eve, keys).text(ctx, m); got != undecryptable {
		t.Fatalf("wrong key must not decrypt: %q", got)
	}
	if got := newDecryptor(bobID, nil, keys).text(ctx, m); got != undecryptable {
		t.Fatalf("no key pair: %q", got)
	}
	stranger := newUser()
	m.SenderID = stranger
	if got := newDecryptor(bobID, &bob, keys).text(ctx, m); got != undecryptable {
		t.Fatalf("unknown sender key: %q", got)
	}
}

func TestDecryptor_GroupKeyGrant(t *testing.T) {
	t.Parallel()
	admin, member := mustPair(t), mustPair(t)
	gk, _ := pkgcrypto.GenerateGroupKey()
	wrapped, err := pkgcrypto.EncryptGroupKey(gk, member.Public, admin.Private)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	keyID := newUser()
	keys := &fakeKeys{grant: &grpcserver.GroupKeyGrant{KeyID: keyID, WrappedKey: wrapped, WrapperPublicKey: admin.Public}}

	gid := newUser()
	s, _ := pkgcrypto.Encrypt([]byte("to all"), gk)
	m := event.Message{SenderID: newUser(), GroupID: &gid, Type: model.MessageText, EncryptedContent: s.Payload()}

	d := newDecryptor(newUser(), &member, keys)
	ctx := context.Background()
	k, id, err := d.groupKey(ctx, gid)
	if err != nil || id != keyID.String() || string(k) != string(gk) {
		t.Fatalf("groupKey: id=%s err=%v", id, err)
	}
	if got := d.text(ctx, m); got != "to all" {
		t.Fatalf("group text: %q", got)
	}
	if keys.grantCalls != 1 {
		t.Fatalf("group key must be cached, calls=%d", keys.grantCalls)
	}

	if got := newDecryptor(newUser(), &member, &fakeKeys{}).text(ctx, m); got != undecryptable {
		t.Fatalf("missing grant: %q", got)
	}
}

func TestDecryptor_PlainAndMedia(t *testing.T) {
	t.Parallel()
	d := newDecryptor(newUser(), nil, nil)
	ctx := context.Background()
	if got := d.text(ctx, event.Message{Type: model.MessageText, Content: "plain"}); got != "plain" {
		t.Fatalf("plain: %q", got)
	}
	if got := d.text(ctx, event.Message{Type: model.MessageImage, MediaURL: "https://cdn/x.png"}); got != "[image] https://cdn/x.png" {
		t.Fatalf("media: %q", got)
	}
	bad := &model.EncryptedPayload{Ciphertext: "%%%", IV: "a", AuthTag: "b"}
	kp := mustPair(t)
	if got := newDecryptor(newUser(), &kp, nil).text(ctx, event.Message{Type: model.MessageText, EncryptedContent: bad}); got != undecryptable {
		t.Fatalf("garbage payload: %q", got)
	}
}

func TestRender_StatusOnlyForSelf(t *testing.T) {
	t.Parallel()
	me, peer := newUser(), newUser()
	d := newDecryptor(me, nil, nil)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	ctx := context.Background()

	own := d.render(ctx, reconcile.Entry{
		Message: event.Message{SenderID: me, SenderName: "me", Content: "x", Type: model.MessageText, CreatedAt: at},
		Status:  model.StatusDelivered,
	})
	if own != "03:04:05 me: x [delivered]" {
		t.Fatalf("own line: %q", own)
	}
	theirs := d.render(ctx, reconcile.Entry{
		Message: event.Message{SenderID: peer, Content: "y", Type: model.MessageText, CreatedAt: at},
		Status:  model.StatusSent,
	})
	if !strings.HasPrefix(theirs, "03:04:05 "+peer.String()[:8]+": y") || strings.Contains(theirs, "[") {
		t.Fatalf("peer line: %q", theirs)
	}
}

func TestWrapGroupKey(t *testing.T) {
	t.Parallel()
	admin, m1 := mustPair(t), mustPair(t)
	adminID, m1ID, noKey := newUser(), newUser(), newUser()
	keys := &fakeKeys{pubs: map[u.UUID][]byte{adminID: admin.Public, m1ID: m1.Public}}
	ctx := context.Background()

	out, err := wrapGroupKey(ctx, keys, admin, []u.UUID{adminID, m1ID, noKey})
	if err != nil {
		t.Fatalf("wrapGroupKey: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("want 2 wrapped keys, got %d", len(out))
	}
	// every member unwraps the same key
	k0, err := pkgcrypto.DecryptGroupKey(out[0].WrappedKey, admin.Public, admin.Private)
	if err != nil {
		t.Fatalf("admin unwrap: %v", err)
	}
	k1, err := pkgcrypto.DecryptGroupKey(out[1].WrappedKey, admin.Public, m1.Private)
	if err != nil || string(k0) != string(k1) {
		t.Fatalf("member unwrap: %v", err)
	}

	if _, err := wrapGroupKey(ctx, keys, admin, []u.UUID{noKey}); err == nil {
		t.Fatalf("want error when nobody has a key")
	}
}

func frameOf(t *testing.T, kind event.ServerKind, payload any) event.ServerFrame {
	t.Helper()
	b, err := event.Encode(kind, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := event.DecodeServer(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func TestDeliveryAck(t *testing.T) {
	t.Parallel()
	me, peer := newUser(), newUser()
	id := model.MessageID(newUser())

	ack, ok := deliveryAck(me, frameOf(t, event.NewDirectMessage, event.Message{ID: &id, SenderID: peer, ReceiverID: &me, Type: model.MessageText}))
	if !ok || ack.SenderID != peer || len(ack.MessageIDs) != 1 || ack.MessageIDs[0] != id {
		t.Fatalf("ack: %+v %v", ack, ok)
	}
	if _, ok := deliveryAck(me, frameOf(t, event.NewDirectMessage, event.Message{ID: &id, SenderID: me, ReceiverID: &peer})); ok {
		t.Fatalf("own echo must not be acknowledged")
	}
	if _, ok := deliveryAck(me, frameOf(t, event.NewMessage, event.Message{ID: &id, SenderID: peer})); ok {
		t.Fatalf("group messages are not acknowledged")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	d := newDecryptor(newUser(), nil, nil)
	ctx := context.Background()
	gid, uid := newUser(), newUser()

	cases := map[string]struct {
		f    event.ServerFrame
		want string
	}{
		"typing":    {frameOf(t, event.UserTyping, event.PresencePayload{GroupID: gid, UserID: uid, DisplayName: "ann"}), "* ann user-typing in " + gid.String()},
		"withdrawn": {frameOf(t, event.MessageWithdrawn, event.MessageWithdrawnPayload{TempID: "temp-1-a", GroupID: gid, Reason: "write failed"}), "* withdrawn temp-1-a: write failed"},
		"error":     {frameOf(t, event.Error, event.ErrorPayload{Msg: "nope"}), "! nope"},
		"read":      {frameOf(t, event.MessagesRead, event.MessagesReadPayload{ReceiverID: uid, MessageIDs: []model.MessageID{model.MessageID(gid)}}), "* messagesRead: 1 message(s) by " + uid.String()},
		"auth":      {frameOf(t, event.Authenticated, event.AuthenticatedPayload{UserID: uid}), ""},
	}
	for name, tc := range cases {
		if got := describe(ctx, d, tc.f); got != tc.want {
			t.Fatalf("%s: got %q want %q", name, got, tc.want)
		}
	}
}

// scriptedServer answers the handshake and then hands the socket to script.
func scriptedServer(t *testing.T, self u.UUID, script func(c *websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		b, _ := event.Encode(event.Authenticated, event.AuthenticatedPayload{UserID: self, DisplayName: "me"})
		_ = c.WriteMessage(websocket.TextMessage, b)
		script(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readClient(t *testing.T, c *websocket.Conn) event.ClientFrame {
	t.Helper()
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return event.ClientFrame{}
	}
	f, err := event.DecodeClient(b)
	if err != nil {
		t.Errorf("server decode: %v", err)
	}
	return f
}

func writeServer(c *websocket.Conn, kind event.ServerKind, payload any) {
	b, _ := event.Encode(kind, payload)
	_ = c.WriteMessage(websocket.TextMessage, b)
}

func TestSendToGroup_Reconciled(t *testing.T) {
	me, gid := newUser(), newUser()
	realID := model.MessageID(newUser())
	url := scriptedServer(t, me, func(c *websocket.Conn) {
		if f := readClient(t, c); f.Kind != event.JoinGroup {
			t.Errorf("want join-group first, got %v", f.Kind)
		}
		f := readClient(t, c)
		var p event.SendMessagePayload
		if err := f.Bind(&p); err != nil || f.Kind != event.SendMessage {
			t.Errorf("send-message: %v %v", f.Kind, err)
			return
		}
		echo := event.Message{TempID: p.TempID, SenderID: me, GroupID: &gid, Type: p.Type, Content: p.Content, CreatedAt: time.Now()}
		writeServer(c, event.NewMessage, echo)
		writeServer(c, event.UserTyping, event.PresencePayload{GroupID: gid, UserID: newUser()})
		rec := echo
		rec.ID = &realID
		writeServer(c, event.MessageUpdated, event.MessageUpdatedPayload{TempID: p.TempID, RealID: realID, Message: rec})
		_, _, _ = c.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := openSession(ctx, url, "tok", nil)
	if err != nil {
		t.Fatalf("openSession: %v", err)
	}
	defer s.Close()
	if s.self.UserID != me {
		t.Fatalf("self=%s", s.self.UserID)
	}

	tl := reconcile.New(me)
	tmp := model.NewTempID(time.Now())
	e, err := sendToGroup(ctx, s, tl, gid, event.Body{TempID: tmp, Type: model.MessageText, Content: "hello"})
	if err != nil {
		t.Fatalf("sendToGroup: %v", err)
	}
	if e.Pending() || *e.Message.ID != realID || e.Status != model.StatusSent {
		t.Fatalf("entry: %+v", e)
	}
	if tl.Len() != 1 {
		t.Fatalf("echo and record must collapse into one entry, got %d", tl.Len())
	}
}

func TestSendToGroup_Rejected(t *testing.T) {
	me, gid := newUser(), newUser()
	url := scriptedServer(t, me, func(c *websocket.Conn) {
		readClient(t, c)
		f := readClient(t, c)
		var p event.SendMessagePayload
		_ = f.Bind(&p)
		writeServer(c, event.Error, event.ErrorPayload{Msg: "someone else's", TempID: "temp-0-other"})
		writeServer(c, event.Error, event.ErrorPayload{Msg: "forbidden: join the group first", Event: "send-message", TempID: p.TempID})
		_, _, _ = c.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := openSession(ctx, url, "tok", nil)
	if err != nil {
		t.Fatalf("openSession: %v", err)
	}
	defer s.Close()

	tl := reconcile.New(me)
	tmp := model.NewTempID(time.Now())
	e, err := sendToGroup(ctx, s, tl, gid, event.Body{TempID: tmp, Type: model.MessageText, Content: "hello"})
	if err == nil || !strings.Contains(err.Error(), "forbidden") {
		t.Fatalf("want forbidden error, got %v", err)
	}
	if e.Status != model.StatusFailed {
		t.Fatalf("placeholder must be failed, got %s", e.Status)
	}
}

func TestOpenSession_Unauthorized(t *testing.T) {
	url := scriptedServer(t, newUser(), func(*websocket.Conn) {})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := openSession(ctx, url, "wrong", nil)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("want 401, got %v", err)
	}
}
