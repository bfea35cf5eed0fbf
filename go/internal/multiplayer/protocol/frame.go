package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Frame is an envelope kept as its raw JSON object. The relay routes on the few
// fields it reads and forwards every other field exactly as the client wrote it,
// including fields and number formats the typed Envelope does not model.
type Frame struct {
	RoomID   string
	Type     EnvelopeType
	PlayerID string

	fields map[string]json.RawMessage
}

// NewFrame starts a relay-originated frame
func NewFrame(roomID string, typ EnvelopeType) *Frame {
	f := &Frame{fields: make(map[string]json.RawMessage)}
	f.RoomID, f.Type = roomID, typ
	f.SetString("roomId", roomID)
	f.SetString("type", string(typ))
	return f
}

// DecodeFrame parses a raw frame with the same acceptance rules as Decode: a JSON
// object with a string roomId and a string type.
func DecodeFrame(data []byte) (*Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	f := &Frame{fields: fields}
	if err := f.decodeString("roomId", &f.RoomID); err != nil {
		return nil, err
	}
	if f.RoomID == "" {
		return nil, ErrMissingRoom
	}

	var typ string
	if err := f.decodeString("type", &typ); err != nil {
		return nil, err
	}
	if typ == "" {
		return nil, ErrMissingType
	}
	f.Type = EnvelopeType(typ)

	// a non-string playerId is forwarded as is but never trusted
	_ = f.decodeString("playerId", &f.PlayerID)

	return f, nil
}

func (f *Frame) decodeString(key string, target *string) error {
	raw, ok := f.fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return nil
}

// Raw returns the field as written, or nil when absent
func (f *Frame) Raw(key string) json.RawMessage {
	return f.fields[key]
}

// SetRaw replaces a field with an already encoded value
func (f *Frame) SetRaw(key string, value json.RawMessage) {
	f.fields[key] = value
}

func (f *Frame) SetInt64(key string, v int64) {
	f.fields[key] = json.RawMessage(strconv.FormatInt(v, 10))
}

func (f *Frame) SetString(key, v string) {
	data, _ := json.Marshal(v)
	f.fields[key] = data
	if key == "playerId" {
		f.PlayerID = v
	}
}

// PayloadOrEmpty returns the payload, or an empty JSON object when there is none.
func (f *Frame) PayloadOrEmpty() json.RawMessage {
	payload := f.fields["payload"]
	if len(payload) == 0 || string(payload) == "null" {
		return json.RawMessage("{}")
	}
	return payload
}

// HasEvent reports whether the frame carries an event object
func (f *Frame) HasEvent() bool {
	_, ok := f.eventFields()
	return ok
}

func (f *Frame) eventFields() (map[string]json.RawMessage, bool) {
	raw, ok := f.fields["event"]
	if !ok {
		return nil, false
	}
	var event map[string]json.RawMessage
	if err := json.Unmarshal(raw, &event); err != nil || event == nil {
		return nil, false
	}
	return event, true
}

// SetEventSeq stamps serverSeq on the event object, leaving its other fields as written.
func (f *Frame) SetEventSeq(seq int64) bool {
	event, ok := f.eventFields()
	if !ok {
		return false
	}
	event["serverSeq"] = json.RawMessage(strconv.FormatInt(seq, 10))
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	f.fields["event"] = data
	return true
}

// Event decodes the event object. It fails for events the typed model cannot hold,
// such as fractional timestamps.
func (f *Frame) Event() (GameplayEvent, error) {
	var event GameplayEvent
	raw, ok := f.fields["event"]
	if !ok {
		return event, fmt.Errorf("%w: no event", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return event, fmt.Errorf("%w: event: %v", ErrMalformed, err)
	}
	return event, nil
}

// Encode serializes the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f.fields)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}
