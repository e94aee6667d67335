package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/inkwell/internal/model"
)

func TestKinds_NamesRoundTrip(t *testing.T) {
	t.Parallel()

	for k := clientInvalid + 1; k < clientEnd; k++ {
		require.NotEmpty(t, k.String())
		got, err := ParseClientKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	for _, k := range ServerKinds() {
		got, err := ParseServerKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	require.Len(t, ServerKinds(), 15)
	require.Equal(t, "newDirectMessage", NewDirectMessage.String())
	require.Equal(t, "message-updated", MessageUpdated.String())
	require.Equal(t, "ClientKind(0)", clientInvalid.String())
}

func TestDecodeClient_RejectsUnknown(t *testing.T) {
	t.Parallel()

	_, err := DecodeClient([]byte(`{"event":"drop-table","data":{}}`))
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeClient([]byte(`{"event":"new-message"}`))
	require.ErrorIs(t, err, ErrUnknownEvent, "server kinds are not client kinds")

	_, err = DecodeClient([]byte(`not json`))
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestDecodeClient_SendDirectMessage(t *testing.T) {
	t.Parallel()

	rid := uuid.Must(uuid.NewV4())
	raw := `{"event":"send-direct-message","data":{"receiverId":"` + rid.String() + `","tempId":"temp-1-ab","content":"hi","type":"text"}}`

	f, err := DecodeClient([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, SendDirectMessage, f.Kind)

	var p SendDirectMessagePayload
	require.NoError(t, f.Bind(&p))
	require.Equal(t, rid, p.ReceiverID)
	require.Equal(t, model.TempID("temp-1-ab"), p.TempID)
	c := p.ModelContent()
	require.Equal(t, model.MessageText, c.Type)
	require.Equal(t, "hi", c.Text)
	require.NoError(t, c.Validate())
}

func TestBind_MissingData(t *testing.T) {
	t.Parallel()

	f, err := DecodeClient([]byte(`{"event":"join-group"}`))
	require.NoError(t, err)
	var g GroupRef
	require.True(t, errors.Is(f.Bind(&g), ErrBadFrame))

	f, err = DecodeClient([]byte(`{"event":"join-group","data":{"groupId":"nope"}}`))
	require.NoError(t, err)
	require.ErrorIs(t, f.Bind(&g), ErrBadFrame)
}

func TestEncode_ServerFrames(t *testing.T) {
	t.Parallel()

	id := model.MessageID(uuid.Must(uuid.NewV4()))
	readAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := Encode(MessagesRead, MessagesReadPayload{
		ReceiverID: uuid.Must(uuid.NewV4()),
		ReadAt:     readAt,
		MessageIDs: []model.MessageID{id},
	})
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &env))
	require.JSONEq(t, `"messagesRead"`, string(env["event"]))

	f, err := DecodeServer(b)
	require.NoError(t, err)
	require.Equal(t, MessagesRead, f.Kind)
	var p MessagesReadPayload
	require.NoError(t, f.Bind(&p))
	require.Equal(t, []model.MessageID{id}, p.MessageIDs)
	require.True(t, readAt.Equal(p.ReadAt))

	b, err = Encode(Error, ErrorPayload{Msg: "not a member"})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"error","data":{"msg":"not a member"}}`, string(b))
}

func TestMessage_OptimisticHasNoID(t *testing.T) {
	t.Parallel()

	m := Message{TempID: "temp-1-a", SenderID: uuid.Must(uuid.NewV4()), Type: model.MessageText, Content: "x"}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	require.NotContains(t, string(b), `"id"`)
	require.Contains(t, string(b), `"tempId":"temp-1-a"`)
}
