package service

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	pkgcrypto "github.com/and161185/inkwell/internal/crypto"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/gateway"
	"github.com/and161185/inkwell/internal/model"
)

// groupOf creates a group owned by creator and adds the other users as members.
func groupOf(t *testing.T, f *fixture, vis model.Visibility, creator model.User, others ...model.User) *model.GroupChat {
	t.Helper()
	ctx := context.Background()
	g, err := f.group.Create(ctx, creator.ID, "crew", vis)
	require.NoError(t, err)
	for _, u := range others {
		_, err := f.group.AddMember(ctx, creator.ID, g.ID, u.ID)
		require.NoError(t, err)
	}
	return g
}

func say(groupID uuid.UUID, text string) event.SendMessagePayload {
	return event.SendMessagePayload{GroupID: groupID, Body: event.Body{Type: model.MessageText, Content: text}}
}

// The optimistic copy goes out before the write, then the record, then mention notifications.
func TestGroupSend_BroadcastThenReconcileThenMention(t *testing.T) {
	t.Parallel()
	a, b, c := newUser("A"), newUser("B"), newUser("C")
	f := newFixture(t, a, b, c)
	g := groupOf(t, f, model.VisibilityPublic, a, b, c)
	room := gateway.GroupRoom(g.ID)
	ctx := context.Background()

	in := say(g.ID, "hello @b")
	in.TempID = "temp-1700000000000-feed"
	msg, err := f.group.Send(ctx, a.ID, in)
	require.NoError(t, err)
	f.group.Wait()

	roomEvents := f.bc.of(room)
	require.Len(t, roomEvents, 2)
	require.Equal(t, event.NewMessage, roomEvents[0].Kind, "optimistic broadcast goes first")
	require.Equal(t, event.MessageUpdated, roomEvents[1].Kind)

	optimistic := roomEvents[0].Payload.(event.Message)
	require.Nil(t, optimistic.ID)
	require.Equal(t, in.TempID, optimistic.TempID)
	require.Equal(t, []uuid.UUID{b.ID}, optimistic.Mentions)

	upd := roomEvents[1].Payload.(event.MessageUpdatedPayload)
	require.Equal(t, in.TempID, upd.TempID)
	require.Equal(t, msg.ID, upd.RealID)
	require.Equal(t, msg.ID, *upd.Message.ID)

	var mentions []model.Notification
	for _, n := range f.notes.all() {
		if n.Type == model.NotifyMention {
			mentions = append(mentions, n)
		}
	}
	require.Len(t, mentions, 1)
	require.Equal(t, b.ID, mentions[0].RecipientID)
	require.Equal(t, msg.ID, *mentions[0].MessageID)
	require.Len(t, f.bc.of(gateway.UserRoom(b.ID), event.NewNotification), 2, "invite + mention")
	require.Len(t, f.bc.of(gateway.UserRoom(c.ID), event.NewNotification), 1, "invite only")

	select {
	case id := <-f.groups.touched:
		require.Equal(t, g.ID, id)
	case <-time.After(time.Second):
		t.Fatal("group updatedAt was not touched")
	}
}

func TestGroupSend_SelfMentionNeverNotifies(t *testing.T) {
	t.Parallel()
	a, b := newUser("Alice"), newUser("Bob")
	f := newFixture(t, a, b)
	g := groupOf(t, f, model.VisibilityPublic, a, b)

	_, err := f.group.Send(context.Background(), a.ID, say(g.ID, "note to @alice and @ALICE"))
	require.NoError(t, err)
	f.group.Wait()

	for _, n := range f.notes.all() {
		require.NotEqual(t, model.NotifyMention, n.Type)
	}
}

func TestGroupSend_EncryptedGroupRelaysCiphertextOnly(t *testing.T) {
	t.Parallel()
	a, b := newUser("Alice"), newUser("Bob")
	f := newFixture(t, a, b)
	g := groupOf(t, f, model.VisibilityPrivate, a, b)
	require.NoError(t, f.groups.SetEncryption(context.Background(), g.ID, true))
	ctx := context.Background()
	sealed := &model.EncryptedPayload{Ciphertext: "Y3Q=", IV: "aXY=", AuthTag: "dGFn"}

	// readable text is refused before anything is broadcast or stored
	_, err := f.group.Send(ctx, a.ID, say(g.ID, "top secret"))
	require.ErrorIs(t, err, errs.ErrValidation)
	require.ErrorIs(t, err, ErrPlaintextInEncryptedGroup)

	// plaintext riding next to the ciphertext is refused too
	mixed := event.SendMessagePayload{GroupID: g.ID, Body: event.Body{
		Type: model.MessageText, Content: "@bob", EncryptedContent: sealed,
	}}
	_, err = f.group.Send(ctx, a.ID, mixed)
	require.ErrorIs(t, err, errs.ErrValidation)
	require.ErrorIs(t, err, model.ErrMixedContent)
	require.Empty(t, f.bc.of(gateway.GroupRoom(g.ID)))
	require.Empty(t, f.groups.messages)

	// ciphertext alone goes through and is never scanned for mentions
	in := event.SendMessagePayload{GroupID: g.ID, Body: event.Body{Type: model.MessageText, EncryptedContent: sealed}}
	msg, err := f.group.Send(ctx, a.ID, in)
	require.NoError(t, err)
	f.group.Wait()
	require.Empty(t, msg.Text)
	optimistic := f.bc.of(gateway.GroupRoom(g.ID), event.NewMessage)[0].Payload.(event.Message)
	require.Empty(t, optimistic.Content)
	require.Equal(t, sealed, optimistic.EncryptedContent)
	for _, n := range f.notes.all() {
		require.NotEqual(t, model.NotifyMention, n.Type)
	}
}

func TestGroupSend_TempIDReusedForAnotherGroup(t *testing.T) {
	t.Parallel()
	a, b := newUser("A"), newUser("B")
	f := newFixture(t, a, b)
	g1 := groupOf(t, f, model.VisibilityPublic, a, b)
	g2 := groupOf(t, f, model.VisibilityPublic, a, b)
	ctx := context.Background()

	first := say(g1.ID, "one")
	first.TempID = "temp-1700000000000-beef"
	orig, err := f.group.Send(ctx, a.ID, first)
	require.NoError(t, err)

	// a retry into the same group returns the stored row
	again, err := f.group.Send(ctx, a.ID, first)
	require.NoError(t, err)
	require.Equal(t, orig.ID, again.ID)

	other := say(g2.ID, "two")
	other.TempID = first.TempID
	_, err = f.group.Send(ctx, a.ID, other)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	events := f.bc.of(gateway.GroupRoom(g2.ID))
	require.Len(t, events, 2)
	require.Equal(t, event.MessageWithdrawn, events[1].Kind, "the placeholder is retracted")
	require.Empty(t, f.bc.of(gateway.GroupRoom(g2.ID), event.MessageUpdated))
}

func TestGroupSend_WriteFailureWithdraws(t *testing.T) {
	t.Parallel()
	a, b := newUser("A"), newUser("B")
	f := newFixture(t, a, b)
	g := groupOf(t, f, model.VisibilityPublic, a, b)
	f.groups.createErr = errBoom

	in := say(g.ID, "ghost")
	in.TempID = "temp-1700000000000-dead"
	_, err := f.group.Send(context.Background(), a.ID, in)
	require.ErrorIs(t, err, errBoom)

	events := f.bc.of(gateway.GroupRoom(g.ID))
	require.Len(t, events, 2)
	require.Equal(t, event.NewMessage, events[0].Kind)
	require.Equal(t, event.MessageWithdrawn, events[1].Kind)
	w := events[1].Payload.(event.MessageWithdrawnPayload)
	require.Equal(t, in.TempID, w.TempID)
	require.Equal(t, g.ID, w.GroupID)
}

func TestGroupSend_Gating(t *testing.T) {
	t.Parallel()
	a, b, outsider := newUser("A"), newUser("B"), newUser("O")
	f := newFixture(t, a, b, outsider)
	pub := groupOf(t, f, model.VisibilityPublic, a, b)
	ctx := context.Background()

	// Public groups still need a membership row to send.
	_, err := f.group.Send(ctx, outsider.ID, say(pub.ID, "hi"))
	require.ErrorIs(t, err, errs.ErrForbidden)

	_, err = f.group.Send(ctx, a.ID, say(uuid.Must(uuid.NewV4()), "hi"))
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.group.Send(ctx, a.ID, event.SendMessagePayload{GroupID: pub.ID, Body: event.Body{Type: model.MessageImage}})
	require.ErrorIs(t, err, errs.ErrValidation)

	require.Empty(t, f.bc.of(gateway.GroupRoom(pub.ID)), "rejected sends never broadcast")
}

func TestAuthorizeRoom(t *testing.T) {
	t.Parallel()
	a, b, outsider := newUser("A"), newUser("B"), newUser("O")
	f := newFixture(t, a, b, outsider)
	pub := groupOf(t, f, model.VisibilityPublic, a)
	priv := groupOf(t, f, model.VisibilityPrivate, a, b)
	ctx := context.Background()

	require.NoError(t, f.group.AuthorizeRoom(ctx, outsider.ID, pub.ID))
	require.NoError(t, f.group.AuthorizeRoom(ctx, b.ID, priv.ID))
	require.ErrorIs(t, f.group.AuthorizeRoom(ctx, outsider.ID, priv.ID), errs.ErrForbidden)
	require.ErrorIs(t, f.group.AuthorizeRoom(ctx, a.ID, uuid.Must(uuid.NewV4())), errs.ErrNotFound)

	_, err := f.group.History(ctx, outsider.ID, priv.ID, 1, 10)
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestMembership_CreatorIsProtected(t *testing.T) {
	t.Parallel()
	a, b, c := newUser("A"), newUser("B"), newUser("C")
	f := newFixture(t, a, b, c)
	g := groupOf(t, f, model.VisibilityPrivate, a, b, c)
	ctx := context.Background()

	m, err := f.groups.GetMembership(ctx, g.ID, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.RoleAdmin, m.Role)

	require.ErrorIs(t, f.group.Leave(ctx, a.ID, g.ID), errs.ErrForbidden)
	require.ErrorIs(t, f.group.RemoveMember(ctx, b.ID, g.ID, a.ID), errs.ErrForbidden)
	require.ErrorIs(t, f.group.RemoveMember(ctx, b.ID, g.ID, c.ID), errs.ErrForbidden, "members cannot remove others")

	_, err = f.group.AddMember(ctx, b.ID, g.ID, c.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)

	require.NoError(t, f.group.RemoveMember(ctx, a.ID, g.ID, c.ID))
	require.Equal(t, []gateway.Room{gateway.GroupRoom(g.ID)}, f.bc.evicted)
	require.Len(t, f.bc.of(gateway.GroupRoom(g.ID), event.UserLeft), 1)

	require.NoError(t, f.group.Leave(ctx, b.ID, g.ID))
	_, err = f.groups.GetMembership(ctx, g.ID, b.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.group.Create(ctx, a.ID, "  ", model.VisibilityPublic)
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.group.Create(ctx, a.ID, "x", "secret")
	require.ErrorIs(t, err, errs.ErrValidation)
}

// Wrapped keys are stored only for members with a personal key; lookups return the caller's copy.
func TestGroupEncryption_InitAndLookup(t *testing.T) {
	t.Parallel()
	admin, a, b, keyless, outsider := newUser("Admin"), newUser("A"), newUser("B"), newUser("K"), newUser("O")
	f := newFixture(t, admin, a, b, keyless, outsider)
	g := groupOf(t, f, model.VisibilityPrivate, admin, a, b, keyless)
	ctx := context.Background()

	pairs := map[uuid.UUID]pkgcrypto.KeyPair{}
	for _, u := range []model.User{admin, a, b, outsider} {
		kp, err := pkgcrypto.GenerateKeyPair()
		require.NoError(t, err)
		pairs[u.ID] = kp
		_, err = f.keySvc.Register(ctx, u.ID, kp.Public)
		require.NoError(t, err)
	}

	groupKey, err := pkgcrypto.GenerateGroupKey()
	require.NoError(t, err)
	wrap := func(u model.User) model.WrappedGroupKey {
		w, err := pkgcrypto.EncryptGroupKey(groupKey, pairs[u.ID].Public, pairs[admin.ID].Private)
		require.NoError(t, err)
		return model.WrappedGroupKey{MemberID: u.ID, WrappedKey: w}
	}

	// Non-admins cannot initialize.
	_, err = f.group.InitGroupEncryption(ctx, a.ID, g.ID, []model.WrappedGroupKey{wrap(a)})
	require.ErrorIs(t, err, errs.ErrForbidden)

	applied, err := f.group.InitGroupEncryption(ctx, admin.ID, g.ID, []model.WrappedGroupKey{
		wrap(a),
		wrap(b),
		{MemberID: keyless.ID, WrappedKey: []byte("x")},
		wrap(outsider),
	})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a.ID, b.ID}, applied, "non-member and keyless pairs are skipped")

	stored, err := f.groups.GetByID(ctx, g.ID)
	require.NoError(t, err)
	require.True(t, stored.EncryptionEnabled)

	grant, err := f.group.GetGroupEncryptionKey(ctx, a.ID, g.ID)
	require.NoError(t, err)
	require.Equal(t, pairs[admin.ID].Public, grant.WrapperPublicKey)
	require.Equal(t, admin.ID, grant.WrapperID)
	got, err := pkgcrypto.DecryptGroupKey(grant.WrappedKey, grant.WrapperPublicKey, pairs[a.ID].Private)
	require.NoError(t, err)
	require.Equal(t, groupKey, got)

	_, err = f.group.GetGroupEncryptionKey(ctx, outsider.ID, g.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.group.GetGroupEncryptionKey(ctx, keyless.ID, g.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	// Re-running rotates in place.
	_, err = f.group.InitGroupEncryption(ctx, admin.ID, g.ID, []model.WrappedGroupKey{wrap(a)})
	require.NoError(t, err)
	again, err := f.group.GetGroupEncryptionKey(ctx, a.ID, g.ID)
	require.NoError(t, err)
	require.Equal(t, grant.KeyID, again.KeyID)
}

func TestGroupEncryption_GrantSurvivesWrapperKeyChange(t *testing.T) {
	t.Parallel()
	admin, a := newUser("Admin"), newUser("A")
	f := newFixture(t, admin, a)
	g := groupOf(t, f, model.VisibilityPrivate, admin, a)
	ctx := context.Background()

	adminKP, err := pkgcrypto.GenerateKeyPair()
	require.NoError(t, err)
	memberKP, err := pkgcrypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = f.keySvc.Register(ctx, admin.ID, adminKP.Public)
	require.NoError(t, err)
	_, err = f.keySvc.Register(ctx, a.ID, memberKP.Public)
	require.NoError(t, err)

	groupKey, err := pkgcrypto.GenerateGroupKey()
	require.NoError(t, err)
	wrapped, err := pkgcrypto.EncryptGroupKey(groupKey, memberKP.Public, adminKP.Private)
	require.NoError(t, err)
	_, err = f.group.InitGroupEncryption(ctx, admin.ID, g.ID, []model.WrappedGroupKey{{MemberID: a.ID, WrappedKey: wrapped}})
	require.NoError(t, err)

	// The admin moves to a new device and registers a fresh personal key.
	rotated, err := pkgcrypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = f.keySvc.Register(ctx, admin.ID, rotated.Public)
	require.NoError(t, err)

	grant, err := f.group.GetGroupEncryptionKey(ctx, a.ID, g.ID)
	require.NoError(t, err)
	require.Equal(t, adminKP.Public, grant.WrapperPublicKey, "the grant carries the key used to wrap it")
	got, err := pkgcrypto.DecryptGroupKey(grant.WrappedKey, grant.WrapperPublicKey, memberKP.Private)
	require.NoError(t, err)
	require.Equal(t, groupKey, got)
}

func TestGroupEncryption_DisabledReadsAsNotFound(t *testing.T) {
	t.Parallel()
	admin, a := newUser("Admin"), newUser("A")
	f := newFixture(t, admin, a)
	g := groupOf(t, f, model.VisibilityPrivate, admin, a)
	ctx := context.Background()

	_, err := f.group.GetGroupEncryptionKey(ctx, a.ID, g.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	// The admin needs a registered key to act as wrapper.
	_, err = f.group.InitGroupEncryption(ctx, admin.ID, g.ID, nil)
	require.ErrorIs(t, err, errs.ErrValidation)
}
