package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Decoding errors.
var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadFrame     = errors.New("malformed frame")
)

// Envelope is the JSON frame exchanged on the connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientFrame is a decoded client envelope.
type ClientFrame struct {
	Kind ClientKind
	Data json.RawMessage
}

// ServerFrame is a decoded server envelope.
type ServerFrame struct {
	Kind ServerKind
	Data json.RawMessage
}

// DecodeClient parses a client frame; unknown kinds are rejected.
func DecodeClient(b []byte) (ClientFrame, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	k, err := ParseClientKind(env.Event)
	if err != nil {
		return ClientFrame{}, err
	}
	return ClientFrame{Kind: k, Data: env.Data}, nil
}

// DecodeServer parses a server frame; unknown kinds are rejected.
func DecodeServer(b []byte) (ServerFrame, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return ServerFrame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	k, err := ParseServerKind(env.Event)
	if err != nil {
		return ServerFrame{}, err
	}
	return ServerFrame{Kind: k, Data: env.Data}, nil
}

// Bind unmarshals the frame payload into v.
func (f ClientFrame) Bind(v any) error { return bind(f.Data, v) }

// Bind unmarshals the frame payload into v.
func (f ServerFrame) Bind(v any) error { return bind(f.Data, v) }

func bind(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("%w: missing data", ErrBadFrame)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return nil
}

// Encode renders a server event.
func Encode(kind ServerKind, payload any) ([]byte, error) {
	return encode(kind.String(), payload)
}

// EncodeClient renders a client event.
func EncodeClient(kind ClientKind, payload any) ([]byte, error) {
	return encode(kind.String(), payload)
}

func encode(name string, payload any) ([]byte, error) {
	env := Envelope{Event: name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}
