package gateway

import (
	"context"
	"encoding/json"

	"github.com/gofrs/uuid/v5"
)

// Op is the kind of a bus frame.
type Op string

const (
	OpPublish Op = "publish"
	OpEvict   Op = "evict"
)

// Frame is what travels between processes. Data is an already-encoded event envelope.
type Frame struct {
	Op     Op              `json:"op"`
	Origin string          `json:"origin"`
	Room   Room            `json:"room"`
	Event  string          `json:"event,omitempty"`
	Except string          `json:"except,omitempty"`
	User   uuid.UUID       `json:"user"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Bus is the shared pub/sub layer used in multi-process deployments.
// Delivery is at-least-once and best-effort; it is never relied on for durability.
type Bus interface {
	// Publish sends f to every subscribed process, including this one.
	Publish(ctx context.Context, f Frame) error
	// Subscribe starts delivering frames to handle. It returns once the subscription is live.
	Subscribe(ctx context.Context, handle func(Frame)) error
	// Done is closed when the bus connection is lost.
	Done() <-chan struct{}
	Close() error
}
