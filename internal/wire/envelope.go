// Package wire defines the envelope framing and typed message dispatch used
// on the coordination bus.
package wire

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// MaxFrameSize bounds a single bus frame. Frames above this are rejected
// before decoding.
const MaxFrameSize = 1 << 20

// TypedMessage carries a payload together with its type discriminator so a
// receiver can recover the concrete shape without external schema lookup.
type TypedMessage struct {
	TypeID string          `json:"typeId"`
	Body   json.RawMessage `json:"body"`
}

// Envelope is the outer wire wrapper: a pub/sub channel plus a typed payload.
// Correlation, when set, names the ephemeral channel a reply must be
// published on.
type Envelope struct {
	Channel     string       `json:"channel"`
	Message     TypedMessage `json:"message"`
	Correlation string       `json:"correlation,omitempty"`
}

// NewEnvelope builds an envelope for the given channel, marshaling body as
// the message payload.
func NewEnvelope(channel, typeID string, body any) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s payload", typeID)
	}

	return &Envelope{
		Channel: channel,
		Message: TypedMessage{TypeID: typeID, Body: raw},
	}, nil
}

// Encode renders the envelope as a bus frame: the channel on the first line
// (so relays can filter by prefix without decoding JSON), the JSON document
// after it.
func (e *Envelope) Encode() ([]byte, error) {
	doc, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal envelope")
	}

	frame := make([]byte, 0, len(e.Channel)+1+len(doc))
	frame = append(frame, e.Channel...)
	frame = append(frame, '\n')
	frame = append(frame, doc...)

	return frame, nil
}

// FrameChannel extracts the channel line of a frame without decoding the
// envelope. Returns false if the frame carries no channel line.
func FrameChannel(frame []byte) (string, bool) {
	idx := bytes.IndexByte(frame, '\n')
	if idx <= 0 {
		return "", false
	}

	return string(frame[:idx]), true
}

// DecodeEnvelope parses a bus frame produced by Encode.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	if len(frame) > MaxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", len(frame))
	}

	idx := bytes.IndexByte(frame, '\n')
	if idx < 0 {
		return nil, errors.New("frame missing channel line")
	}

	env := new(Envelope)
	if err := json.Unmarshal(frame[idx+1:], env); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal envelope")
	}
	if env.Channel == "" {
		return nil, errors.New("envelope missing channel")
	}
	if env.Message.TypeID == "" {
		return nil, errors.New("envelope missing message type")
	}

	return env, nil
}
