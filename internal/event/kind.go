// Package event defines the persistent-connection wire protocol: one closed set of
// event kinds per direction and a payload type for each.
package event

import "fmt"

// ClientKind is an event sent by a client.
type ClientKind uint8

// Client → server kinds.
const (
	clientInvalid ClientKind = iota
	Authenticate
	JoinGroup
	LeaveGroup
	Typing
	StopTyping
	SendMessage
	SendDirectMessage
	MarkRead
	MarkDelivered
	clientEnd
)

var clientNames = [...]string{
	Authenticate:      "authenticate",
	JoinGroup:         "join-group",
	LeaveGroup:        "leave-group",
	Typing:            "typing",
	StopTyping:        "stop-typing",
	SendMessage:       "send-message",
	SendDirectMessage: "send-direct-message",
	MarkRead:          "mark-read",
	MarkDelivered:     "mark-delivered",
	clientEnd:         "",
}

func (k ClientKind) String() string {
	if k > clientInvalid && k < clientEnd {
		return clientNames[k]
	}
	return fmt.Sprintf("ClientKind(%d)", uint8(k))
}

// ParseClientKind maps a wire name to its kind.
func ParseClientKind(s string) (ClientKind, error) {
	for k := clientInvalid + 1; k < clientEnd; k++ {
		if clientNames[k] == s {
			return k, nil
		}
	}
	return clientInvalid, fmt.Errorf("%w: %q", ErrUnknownEvent, s)
}

// ServerKind is an event pushed by the server.
type ServerKind uint8

// Server → client kinds.
const (
	serverInvalid ServerKind = iota
	Authenticated
	NewMessage
	MessageUpdated
	MessageWithdrawn
	NewDirectMessage
	MessageDelivered
	MessagesDelivered
	MessagesRead
	ConversationUpdated
	NewNotification
	UserJoined
	UserLeft
	UserTyping
	UserStopTyping
	Error
	serverEnd
)

var serverNames = [...]string{
	Authenticated:       "authenticated",
	NewMessage:          "new-message",
	MessageUpdated:      "message-updated",
	MessageWithdrawn:    "message-withdrawn",
	NewDirectMessage:    "newDirectMessage",
	MessageDelivered:    "messageDelivered",
	MessagesDelivered:   "messagesDelivered",
	MessagesRead:        "messagesRead",
	ConversationUpdated: "conversation-updated",
	NewNotification:     "new-notification",
	UserJoined:          "user-joined",
	UserLeft:            "user-left",
	UserTyping:          "user-typing",
	UserStopTyping:      "user-stop-typing",
	Error:               "error",
	serverEnd:           "",
}

func (k ServerKind) String() string {
	if k > serverInvalid && k < serverEnd {
		return serverNames[k]
	}
	return fmt.Sprintf("ServerKind(%d)", uint8(k))
}

// ParseServerKind maps a wire name to its kind.
func ParseServerKind(s string) (ServerKind, error) {
	for k := serverInvalid + 1; k < serverEnd; k++ {
		if serverNames[k] == s {
			return k, nil
		}
	}
	return serverInvalid, fmt.Errorf("%w: %q", ErrUnknownEvent, s)
}

// ServerKinds lists every server kind, in declaration order.
func ServerKinds() []ServerKind {
	out := make([]ServerKind, 0, serverEnd-1)
	for k := serverInvalid + 1; k < serverEnd; k++ {
		out = append(out, k)
	}
	return out
}
