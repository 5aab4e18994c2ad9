package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/pistonsync/internal/piston"
)

var (
	// ErrUnknownKind is returned for envelopes whose kind is not registered.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMalformed is returned when an envelope or payload cannot be decoded.
	ErrMalformed = errors.New("malformed message")
)

// Envelope is the unit of delivery on a replication channel.
type Envelope struct {
	Session string          `json:"session"`
	Sender  piston.PeerID   `json:"sender"`
	Seq     int64           `json:"seq"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps msg for the given session, sender and sequence number.
func NewEnvelope(session string, sender piston.PeerID, seq int64, msg Message) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msg.Kind(), err)
	}
	return Envelope{
		Session: session,
		Sender:  sender,
		Seq:     seq,
		Kind:    msg.Kind(),
		Payload: payload,
	}, nil
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a wire frame. Unknown fields are rejected so that a peer
// speaking a different protocol revision fails loudly.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	if env.Sender == "" {
		return Envelope{}, fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	return env, nil
}

// DecodeMessage returns the typed payload of an envelope.
func DecodeMessage(env Envelope) (Message, error) {
	decode, ok := decoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return decode(env.Payload)
}

func decodeAs[T Message](raw []byte) (Message, error) {
	var msg T
	if len(raw) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.Kind(), err)
	}
	return msg, nil
}
