package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
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

const undecryptable = "[undecryptable]"

// keySource is the slice of ChatClient the decryptor needs.
type keySource interface {
	GetPublicKey(ctx context.Context, in *grpcserver.GetPublicKeyRequest, opts ...grpc.CallOption) (*grpcserver.PublicKey, error)
	GetGroupEncryptionKey(ctx context.Context, in *grpcserver.GetGroupEncryptionKeyRequest, opts ...grpc.CallOption) (*grpcserver.GroupKeyGrant, error)
}

// decryptor turns wire messages into display text. Keys are fetched once and cached.
type decryptor struct {
	self   u.UUID
	kp     *pkgcrypto.KeyPair
	src    keySource
	peers  map[u.UUID][]byte
	groups map[u.UUID][]byte
}

func newDecryptor(self u.UUID, kp *pkgcrypto.KeyPair, src keySource) *decryptor {
	return &decryptor{
		self:   self,
		kp:     kp,
		src:    src,
		peers:  make(map[u.UUID][]byte),
		groups: make(map[u.UUID][]byte),
	}
}

func (d *decryptor) peerKey(ctx context.Context, id u.UUID) ([]byte, error) {
	if k, ok := d.peers[id]; ok {
		return k, nil
	}
	if d.src == nil {
		return nil, errors.New("no key source")
	}
	pk, err := d.src.GetPublicKey(ctx, &grpcserver.GetPublicKeyRequest{UserID: id})
	if err != nil {
		return nil, err
	}
	d.peers[id] = pk.PublicKey
	return pk.PublicKey, nil
}

func (d *decryptor) groupKey(ctx context.Context, groupID u.UUID) ([]byte, string, error) {
	if k, ok := d.groups[groupID]; ok {
		return k, "", nil
	}
	if d.kp == nil {
		return nil, "", errors.New("passphrase required")
	}
	if d.src == nil {
		return nil, "", errors.New("no key source")
	}
	grant, err := d.src.GetGroupEncryptionKey(ctx, &grpcserver.GetGroupEncryptionKeyRequest{GroupID: groupID})
	if err != nil {
		return nil, "", err
	}
	k, err := pkgcrypto.DecryptGroupKey(grant.WrappedKey, grant.WrapperPublicKey, d.kp.Private)
	if err != nil {
		return nil, "", err
	}
	d.groups[groupID] = k
	return k, grant.KeyID.String(), nil
}

// text renders the readable body of m. Anything that fails to open shows as a placeholder.
func (d *decryptor) text(ctx context.Context, m event.Message) string {
	if m.EncryptedContent.Empty() {
		if m.Type != "" && m.Type != model.MessageText {
			return fmt.Sprintf("[%s] %s", m.Type, m.MediaURL)
		}
		return m.Content
	}
	if d.kp == nil {
		return undecryptable
	}
	s, err := pkgcrypto.SealedFromPayload(m.EncryptedContent)
	if err != nil {
		return undecryptable
	}
	var pt []byte
	if m.GroupID != nil {
		key, _, kerr := d.groupKey(ctx, *m.GroupID)
		if kerr != nil {
			return undecryptable
		}
		pt, err = pkgcrypto.Decrypt(s, key)
	} else {
		peer := m.SenderID
		if peer == d.self && m.ReceiverID != nil {
			peer = *m.ReceiverID
		}
		pub, kerr := d.peerKey(ctx, peer)
		if kerr != nil {
			return undecryptable
		}
		pt, err = pkgcrypto.DecryptFromUser(s, d.kp.Private, pub)
	}
	if err != nil {
		return undecryptable
	}
	return string(pt)
}

// render formats one timeline line. Receipt status is shown for own messages only.
func (d *decryptor) render(ctx context.Context, e reconcile.Entry) string {
	m := e.Message
	name := m.SenderName
	if name == "" {
		name = m.SenderID.String()[:8]
	}
	line := fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format("15:04:05"), name, d.text(ctx, m))
	if m.SenderID == d.self {
		line += " [" + e.Status.String() + "]"
	}
	return line
}

// ---- persistent connection ----

type session struct {
	c    *websocket.Conn
	self event.AuthenticatedPayload
}

// openSession dials the socket with header auth and waits for the handshake reply.
func openSession(ctx context.Context, url, token string, tlsCfg *tls.Config) (*session, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second, TLSClientConfig: tlsCfg}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	c, resp, err := d.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s", url, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s := &session{c: c}
	f, err := s.next()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if f.Kind != event.Authenticated {
		_ = c.Close()
		var p event.ErrorPayload
		_ = f.Bind(&p)
		return nil, fmt.Errorf("handshake rejected: %s", p.Msg)
	}
	if err := f.Bind(&s.self); err != nil {
		_ = c.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) send(kind event.ClientKind, payload any) error {
	b, err := event.EncodeClient(kind, payload)
	if err != nil {
		return err
	}
	return s.c.WriteMessage(websocket.TextMessage, b)
}

// next returns the next frame the client understands; unknown kinds are skipped.
func (s *session) next() (event.ServerFrame, error) {
	for {
		_, b, err := s.c.ReadMessage()
		if err != nil {
			return event.ServerFrame{}, err
		}
		f, err := event.DecodeServer(b)
		if errors.Is(err, event.ErrUnknownEvent) {
			continue
		}
		return f, err
	}
}

func (s *session) Close() error {
	_ = s.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.c.Close()
}

// sendToGroup joins the room, posts body and follows the placeholder until it is reconciled,
// withdrawn or rejected.
func sendToGroup(ctx context.Context, s *session, tl *reconcile.Timeline, groupID u.UUID, body event.Body) (reconcile.Entry, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.c.SetReadDeadline(deadline)
		defer s.c.SetReadDeadline(time.Time{})
	}
	if err := s.send(event.JoinGroup, event.GroupRef{GroupID: groupID}); err != nil {
		return reconcile.Entry{}, err
	}
	tl.AddOptimistic(event.Message{
		TempID:           body.TempID,
		SenderID:         s.self.UserID,
		SenderName:       s.self.DisplayName,
		GroupID:          &groupID,
		Type:             body.Type,
		Content:          body.Content,
		EncryptedContent: body.EncryptedContent,
		EncryptionKeyID:  body.EncryptionKeyID,
		MediaURL:         body.MediaURL,
		CreatedAt:        time.Now(),
	})
	if err := s.send(event.SendMessage, event.SendMessagePayload{GroupID: groupID, Body: body}); err != nil {
		return reconcile.Entry{}, err
	}
	for {
		f, err := s.next()
		if err != nil {
			return reconcile.Entry{}, err
		}
		if f.Kind == event.Error {
			var p event.ErrorPayload
			if err := f.Bind(&p); err == nil && p.TempID == body.TempID {
				_, _ = tl.Apply(f)
				e, _ := tl.Find(body.TempID)
				return e, errors.New(p.Msg)
			}
			continue
		}
		if _, err := tl.Apply(f); err != nil {
			return reconcile.Entry{}, err
		}
		e, ok := tl.Find(body.TempID)
		if !ok {
			continue
		}
		switch {
		case e.Status == model.StatusFailed:
			return e, errors.New("message withdrawn")
		case !e.Pending():
			return e, nil
		}
	}
}
