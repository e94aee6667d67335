package gateway

import (
	"strings"

	"github.com/gofrs/uuid/v5"
)

// Room is a named broadcast group: "user:<id>" or "group:<id>".
type Room string

const (
	userPrefix  = "user:"
	groupPrefix = "group:"
)

// UserRoom is the private room every connection of id joins at registration.
func UserRoom(id uuid.UUID) Room { return Room(userPrefix + id.String()) }

// GroupRoom is the broadcast room of a group chat.
func GroupRoom(id uuid.UUID) Room { return Room(groupPrefix + id.String()) }

// GroupID returns the group id of a group room.
func (r Room) GroupID() (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(string(r), groupPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.FromString(rest)
	return id, err == nil
}

// UserID returns the owner of a user room.
func (r Room) UserID() (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(string(r), userPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.FromString(rest)
	return id, err == nil
}
