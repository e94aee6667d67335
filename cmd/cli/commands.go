package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	u "github.com/gofrs/uuid/v5"

	pkgcrypto "github.com/and161185/inkwell/internal/crypto"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/reconcile"
	grpcserver "github.com/and161185/inkwell/internal/server/grpc"
)

// mustDial loads the saved token and opens a gRPC client.
func mustDial(c conn) (tokenFile, *grpcserver.ChatClient, func()) {
	tf, err := loadToken()
	if err != nil {
		fail(err)
	}
	cc, cli, err := c.dial(tf.AccessToken)
	if err != nil {
		fail(err)
	}
	return tf, cli, func() { _ = cc.Close() }
}

func mustSession(ctx context.Context, c conn, tf tokenFile) *session {
	cfg, err := tlsConfig(c.caPath, c.skipVerify)
	if err != nil {
		fail(err)
	}
	if strings.HasPrefix(c.wsURL, "ws://") {
		cfg = nil
	}
	s, err := openSession(ctx, c.wsURL, tf.AccessToken, cfg)
	if err != nil {
		fail(err)
	}
	return s
}

// optionalKey opens the key file only when a passphrase is available.
func optionalKey(pass string) *pkgcrypto.KeyPair {
	if pass == "" && os.Getenv("INKWELL_PASSPHRASE") == "" {
		return nil
	}
	kp, err := openKey(pass)
	if err != nil {
		fail(err)
	}
	return &kp
}

func messageText(text, file string) string {
	if file != "" {
		b, err := readAll(file)
		if err != nil {
			fail(err)
		}
		return string(b)
	}
	return text
}

func cmdDM(ctx context.Context, c conn, args []string) {
	fs := flag.NewFlagSet("dm", flag.ExitOnError)
	to := fs.String("to", "", "receiver id")
	text := fs.String("text", "", "message text")
	file := fs.String("file", "", "read text from file or - for stdin")
	encrypt := fs.Bool("encrypt", false, "end-to-end encrypt for the receiver")
	pass := fs.String("pass", "", "key file passphrase")
	_ = fs.Parse(args)
	receiver := parseID("to", *to)
	body := event.Body{
		TempID: model.NewTempID(time.Now()),
		Type:   model.MessageText,
	}
	plain := messageText(*text, *file)

	_, cli, done := mustDial(c)
	defer done()

	if *encrypt {
		kp, err := openKey(*pass)
		if err != nil {
			fail(err)
		}
		pk, err := cli.GetPublicKey(ctx, &grpcserver.GetPublicKeyRequest{UserID: receiver})
		if err != nil {
			fail(err)
		}
		s, err := pkgcrypto.EncryptForUser([]byte(plain), kp.Private, pk.PublicKey)
		if err != nil {
			fail(err)
		}
		body.EncryptedContent = s.Payload()
		body.EncryptionKeyID = pk.KeyID.String()
	} else {
		body.Content = plain
	}

	out, err := cli.SendDirectMessage(ctx, &grpcserver.SendDirectMessageRequest{ReceiverID: receiver, Body: body})
	if err != nil {
		fail(err)
	}
	printJSON(out.Message)
}

func cmdConversations(ctx context.Context, c conn, args []string) {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	page := fs.Int("page", 1, "page number")
	limit := fs.Int("limit", 20, "page size")
	_ = fs.Parse(args)

	_, cli, done := mustDial(c)
	defer done()
	out, err := cli.ListConversations(ctx, &grpcserver.ListConversationsRequest{PageRequest: grpcserver.PageRequest{Page: *page, Limit: *limit}})
	if err != nil {
		fail(err)
	}
	for _, cv := range out.Conversations {
		fmt.Printf("%s\t%s\tunread=%d\t%s\n", cv.PartnerID, cv.PartnerName, cv.UnreadCount, tsString(cv.LastMessage.CreatedAt))
	}
	fmt.Printf("page %d/%d (%d total)\n", out.Pagination.Page, out.Pagination.TotalPages, out.Pagination.Total)
}

func cmdMarkRead(ctx context.Context, c conn, args []string) {
	fs := flag.NewFlagSet("mark-read", flag.ExitOnError)
	from := fs.String("from", "", "sender id")
	_ = fs.Parse(args)
	sender := parseID("from", *from)

	_, cli, done := mustDial(c)
	defer done()
	out, err := cli.MarkRead(ctx, &grpcserver.MarkReadRequest{SenderID: sender})
	if err != nil {
		fail(err)
	}
	fmt.Printf("%d marked read\n", len(out.MessageIDs))
}

func cmdGroupCreate(ctx context.Context, c conn, args []string) {
	fs := flag.NewFlagSet("group-create", flag.ExitOnError)
	name := fs.String("name", "", "group name")
	private := fs.Bool("private", false, "invite-only group")
	_ = fs.Parse(args)
	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(os.Stderr, "need -name")
		os.Exit(1)
	}
	vis := model.VisibilityPublic
	if *private {
		vis = model.VisibilityPrivate
	}

	_, cli, done := mustDial(c)
	defer done()
	g, err := cli.CreateGroup(ctx, &grpcserver.CreateGroupRequest{Name: *name, Visibility: vis})
	if err != nil {
		fail(err)
	}
	printJSON(g)
}

func cmdGroupAdd(ctx context.Context, c conn, args []string) {
	fs := flag.NewFlagSet("group-add", flag.ExitOnError)
	group := fs.String("group", "", "group id")
	user := fs.String("user", "", "user id")
	remove := fs.Bool("remove", false, "remove instead of add")
	_ = fs.Parse(args)
	req := &grpcserver.MemberRequest{GroupID: parseID("group", *group), UserID: parseID("user", *user)}

	_, cli, done := mustDial(c)
	defer done()
	if *remove {
		if _, err := cli.RemoveMember(ctx, req); err != nil {
			fail(err)
		}
		fmt.Println("ok")
		return
	}
	m, err := cli.AddMember(ctx, req)
	if err != nil {
		fail(err)
	}
	printJSON(m)
}

// cmdGroupCrypto generates a group key and wraps it for every listed member and the caller.
func cmdGroupCrypto(ctx context.Context, c conn, args []string) {
	fs := flag.NewFlagSet("group-crypto", flag.ExitOnError)
	group := fs.String("group", "", "group id")
	members := fs.String("members", "", "comma-separated member ids")
	pass := fs.String("pass", "", "key file passphrase")
	_ = fs.Parse(args)
	groupID := parseID("group", *group)

	tf, cli, done := mustDial(c)
	defer done()
	kp, err := openKey(*pass)
	if err != nil {
		fail(err)
	}
	ids := []u.UUID{tf.user()}
	for _, s := range splitIDs(*members) {
		if s != tf.user() {
			ids = append(ids, s)
		}
	}

	keys, err := wrapGroupKey(ctx, cli, kp, ids)
	if err != nil {
		fail(err)
	}
	out, err := cli.InitGroupEncryption(ctx, &grpcserver.InitGroupEncryptionRequest{GroupID: groupID, Keys: keys})
	if err != nil {
		fail(err)
	}
	if len(out.Applied) == 0 {
		fmt.Println("no wrapped keys were applied")
		return
	}
	printJSON(out)
}

// wrapGroupKey makes one fresh group key and wraps it for each member with a registered public key.
// Members without a key are reported and skipped.
func wrapGroupKey(ctx context.Context, src keySource, admin pkgcrypto.KeyPair, members []u.UUID) ([]grpcserver.WrappedKey, error) {
	groupKey, err := pkgcrypto.GenerateGroupKey()
	if err != nil {
		return nil, err
	}
	out := make([]grpcserver.WrappedKey, 0, len(members))
	for _, id := range members {
		pk, err := src.GetPublicKey(ctx, &grpcserver.GetPublicKeyRequest{UserID: id})
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", id, err)
			continue
		}
		w, err := pkgcrypto.EncryptGroupKey(groupKey, pk.PublicKey, admin.Private)
		if err != nil {
			return nil, fmt.Errorf("wrap for %s: %w", id, err)
		}
		out = append(out, grpcserver.WrappedKey{MemberID: id, WrappedKey: w})
	}
	if len(out) == 0 {
		return nil, errors.New("no member has a registered key")
	}
	return out, nil
}

func splitIDs(s string) []u.UUID {
	var out []u.UUID
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		out = append(out, parseID("members", p))
	}
	return out
}

func cmdGroupSend(ctx context.Context, c conn, args []string) {
	fs := flag.NewFlagSet("group-send", flag.ExitOnError)
	group := fs.String("group", "", "group id")
	text := fs.String("text", "", "message text")
	file := fs.String("file", "", "read text from file or - for stdin")
	encrypt := fs.Bool("encrypt", false, "encrypt with the group key")
	pass := fs.String("pass", "", "key file passphrase")
	_ = fs.Parse(args)
	groupID := parseID("group", *group)
	body := event.Body{TempID: model.NewTempID(time.Now()), Type: model.MessageText}
	plain := messageText(*text, *file)

	tf, cli, done := mustDial(c)
	defer done()
	dec := newDecryptor(tf.user(), optionalKey(*pass), cli)
	if *encrypt {
		if dec.kp == nil {
			fail(errors.New("-encrypt needs -pass or INKWELL_PASSPHRASE"))
		}
		key, keyID, err := dec.groupKey(ctx, groupID)
		if err != nil {
			fail(err)
		}
		s, err := pkgcrypto.Encrypt([]byte(plain), key)
		if err != nil {
			fail(err)
		}
		body.EncryptedContent = s.Payload()
		body.EncryptionKeyID = keyID
	} else {
		body.Content = plain
	}

	s := mustSession(ctx, c, tf)
	defer s.Close()
	tl := reconcile.New(s.self.UserID)
	e, err := sendToGroup(ctx, s, tl, groupID, body)
	if err != nil {
		fail(err)
	}
	fmt.Println(dec.render(ctx, e))
}

func cmdHistory(ctx context.Context, c conn, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	with := fs.String("with", "", "conversation partner id")
	group := fs.String("group", "", "group id")
	page := fs.Int("page", 1, "page number")
	limit := fs.Int("limit", 50, "page size")
	pass := fs.String("pass", "", "key file passphrase")
	_ = fs.Parse(args)
	if (*with == "") == (*group == "") {
		fmt.Fprintln(os.Stderr, "need exactly one of -with or -group")
		os.Exit(1)
	}
	pr := grpcserver.PageRequest{Page: *page, Limit: *limit}

	tf, cli, done := mustDial(c)
	defer done()
	var (
		out *grpcserver.HistoryResponse
		err error
	)
	if *with != "" {
		out, err = cli.GetDirectHistory(ctx, &grpcserver.GetDirectHistoryRequest{PartnerID: parseID("with", *with), PageRequest: pr})
	} else {
		out, err = cli.GetGroupHistory(ctx, &grpcserver.GetGroupHistoryRequest{GroupID: parseID("group", *group), PageRequest: pr})
	}
	if err != nil {
		fail(err)
	}

	tl := reconcile.New(tf.user())
	tl.Merge(out.Messages)
	dec := newDecryptor(tf.user(), optionalKey(*pass), cli)
	for _, e := range tl.Messages() {
		fmt.Println(dec.render(ctx, e))
	}
	fmt.Printf("page %d/%d (%d total)\n", out.Pagination.Page, out.Pagination.TotalPages, out.Pagination.Total)
}

// cmdListen prints live events until interrupted, acknowledging incoming direct messages.
func cmdListen(c conn, args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	groups := fs.String("group", "", "comma-separated group ids to join")
	pass := fs.String("pass", "", "key file passphrase")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tf, cli, done := mustDial(c)
	defer done()
	s := mustSession(ctx, c, tf)
	context.AfterFunc(ctx, func() { _ = s.Close() })

	for _, g := range splitIDs(*groups) {
		if err := s.send(event.JoinGroup, event.GroupRef{GroupID: g}); err != nil {
			fail(err)
		}
	}
	fmt.Fprintf(os.Stderr, "listening as %s (%s)\n", s.self.DisplayName, s.self.UserID)

	tl := reconcile.New(s.self.UserID)
	dec := newDecryptor(s.self.UserID, optionalKey(*pass), cli)
	for {
		f, err := s.next()
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintln(os.Stderr, err)
			}
			break
		}
		if _, err := tl.Apply(f); err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if line := describe(ctx, dec, f); line != "" {
			fmt.Println(line)
		}
		if ack, ok := deliveryAck(s.self.UserID, f); ok {
			_ = s.send(event.MarkDelivered, ack)
		}
	}

	if tl.Len() > 0 {
		fmt.Println("--")
		for _, e := range tl.Messages() {
			fmt.Println(dec.render(ctx, e))
		}
	}
}

// deliveryAck builds the acknowledgement for a direct message addressed to self.
func deliveryAck(self u.UUID, f event.ServerFrame) (event.MarkDeliveredPayload, bool) {
	if f.Kind != event.NewDirectMessage {
		return event.MarkDeliveredPayload{}, false
	}
	var m event.Message
	if err := f.Bind(&m); err != nil || m.ID == nil || m.SenderID == self {
		return event.MarkDeliveredPayload{}, false
	}
	return event.MarkDeliveredPayload{SenderID: m.SenderID, MessageIDs: []model.MessageID{*m.ID}}, true
}

// describe turns a frame into one console line; frames with nothing to show give "".
func describe(ctx context.Context, dec *decryptor, f event.ServerFrame) string {
	switch f.Kind {
	case event.NewMessage, event.NewDirectMessage:
		var m event.Message
		if f.Bind(&m) != nil {
			return ""
		}
		return dec.render(ctx, reconcile.Entry{Message: m, Status: model.StatusSent})
	case event.MessagesDelivered, event.MessagesRead:
		var p event.MessagesReadPayload
		if f.Bind(&p) != nil {
			return ""
		}
		return fmt.Sprintf("* %s: %d message(s) by %s", f.Kind, len(p.MessageIDs), p.ReceiverID)
	case event.MessageWithdrawn:
		var p event.MessageWithdrawnPayload
		if f.Bind(&p) != nil {
			return ""
		}
		return fmt.Sprintf("* withdrawn %s: %s", p.TempID, p.Reason)
	case event.UserJoined, event.UserLeft, event.UserTyping, event.UserStopTyping:
		var p event.PresencePayload
		if f.Bind(&p) != nil {
			return ""
		}
		return fmt.Sprintf("* %s %s in %s", p.DisplayName, f.Kind, p.GroupID)
	case event.NewNotification:
		var p event.NotificationPayload
		if f.Bind(&p) != nil {
			return ""
		}
		return fmt.Sprintf("* notification %s from %s", p.Type, p.ActorID)
	case event.Error:
		var p event.ErrorPayload
		if f.Bind(&p) != nil {
			return ""
		}
		return "! " + p.Msg
	}
	return ""
}
