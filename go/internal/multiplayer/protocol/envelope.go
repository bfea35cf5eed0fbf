package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeType identifies the kind of message carried by an Envelope
type EnvelopeType string

const (
	TypeHello         EnvelopeType = "hello"
	TypeHelloAck      EnvelopeType = "hello-ack"
	TypeSyncRequest   EnvelopeType = "sync-request"
	TypeSyncResponse  EnvelopeType = "sync-response"
	TypeStateUpdate   EnvelopeType = "state-update"
	TypeHeartbeat     EnvelopeType = "heartbeat"
	TypeGameplayEvent EnvelopeType = "gameplay-event"
	TypePeerLeft      EnvelopeType = "peer-left"
)

var (
	// ErrMalformed is returned for frames that are not a JSON envelope object
	ErrMalformed = errors.New("malformed envelope")
	// ErrMissingRoom is returned for envelopes without a room id
	ErrMissingRoom = errors.New("envelope missing roomId")
	// ErrMissingType is returned for envelopes without a type
	ErrMissingType = errors.New("envelope missing type")
)

// Envelope is the single wire format shared by the relay and every client channel.
// Timestamps are epoch milliseconds.
type Envelope struct {
	RoomID       string          `json:"roomId"`
	Type         EnvelopeType    `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Event        *GameplayEvent  `json:"event,omitempty"`
	ServerTime   *int64          `json:"serverTime,omitempty"`
	PlayerID     string          `json:"playerId,omitempty"`
	ClientSentAt *int64          `json:"clientSentAt,omitempty"`
	ClientEchoAt *int64          `json:"clientEchoAt,omitempty"`
}

// Decode parses a raw frame and checks the fields every envelope must carry.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.RoomID == "" {
		return nil, ErrMissingRoom
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// State decodes the payload as a ContinuousState.
func (e *Envelope) State() (ContinuousState, error) {
	var state ContinuousState
	if len(e.Payload) == 0 {
		return state, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(e.Payload, &state); err != nil {
		return state, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return state, nil
}

// WithState replaces the payload with the encoded state.
func (e *Envelope) WithState(state ContinuousState) *Envelope {
	// ContinuousState has only scalar fields, Marshal cannot fail
	data, _ := json.Marshal(state)
	e.Payload = data
	return e
}

// Int64 returns a pointer to v, for the optional timestamp fields.
func Int64(v int64) *int64 {
	return &v
}
