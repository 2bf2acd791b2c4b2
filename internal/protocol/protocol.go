// Package protocol defines the JSON envelopes exchanged over the signaling
// WebSocket.
//
// Client to relay:
//
//	{"type":"register","userId":"alice"}
//	{"type":"offer","offer":{...},"targetId":"bob"}
//	{"type":"answer","answer":{...},"targetId":"alice"}
//	{"type":"candidate","candidate":{...},"targetId":"alice"}
//
// Relay to client:
//
//	{"type":"registered","userId":"alice"}
//	{"type":"offer","offer":{...},"senderId":"alice"}
//	...
//
// Payloads are opaque to the relay and forwarded byte for byte.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type Type string

const (
	TypeRegister   Type = "register"
	TypeRegistered Type = "registered"
	TypeOffer      Type = "offer"
	TypeAnswer     Type = "answer"
	TypeCandidate  Type = "candidate"
)

// Routed reports whether messages of type t carry a payload addressed to a
// peer.
func (t Type) Routed() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeCandidate
}

var (
	ErrMalformed   = errors.New("malformed signaling message")
	ErrUnknownType = errors.New("unknown signaling message type")
)

type Message struct {
	Type     Type   `json:"type"`
	UserID   string `json:"userId,omitempty"`
	TargetID string `json:"targetId,omitempty"`
	SenderID string `json:"senderId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Payload returns the raw payload matching the message type.
func (m Message) Payload() json.RawMessage {
	switch m.Type {
	case TypeOffer:
		return m.Offer
	case TypeAnswer:
		return m.Answer
	case TypeCandidate:
		return m.Candidate
	default:
		return nil
	}
}

// Parse decodes a single envelope. Unknown fields are tolerated; trailing
// data, a missing type and mistyped fields are not. The returned error wraps
// ErrMalformed.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	if strings.TrimSpace(string(m.Type)) == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}

// ValidateFromClient checks an envelope received by the relay.
func (m Message) ValidateFromClient() error {
	switch {
	case m.Type == TypeRegister:
		return nil
	case m.Type.Routed():
		if strings.TrimSpace(m.TargetID) == "" {
			return fmt.Errorf("%w: %s message missing targetId", ErrMalformed, m.Type)
		}
		if !hasPayload(m.Payload()) {
			return fmt.Errorf("%w: %s message missing %s", ErrMalformed, m.Type, m.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownType, m.Type)
	}
}

// ValidateFromRelay checks an envelope received by an endpoint.
func (m Message) ValidateFromRelay() error {
	switch {
	case m.Type == TypeRegistered:
		return nil
	case m.Type.Routed():
		if strings.TrimSpace(m.SenderID) == "" {
			return fmt.Errorf("%w: %s message missing senderId", ErrMalformed, m.Type)
		}
		if !hasPayload(m.Payload()) {
			return fmt.Errorf("%w: %s message missing %s", ErrMalformed, m.Type, m.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownType, m.Type)
	}
}

func hasPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Register builds the registration request.
func Register(identity string) Message {
	return Message{Type: TypeRegister, UserID: identity}
}

// Registered builds the registration confirmation.
func Registered(identity string) Message {
	return Message{Type: TypeRegistered, UserID: identity}
}

// ToPeer builds a client message of routed type t addressed to target.
func ToPeer(t Type, target string, payload json.RawMessage) Message {
	m := Message{Type: t, TargetID: target}
	m.setPayload(payload)
	return m
}

// Forward rewrites a client message for delivery: the target is replaced
// by the sender and the payload is kept as received.
func Forward(m Message, sender string) Message {
	out := Message{Type: m.Type, SenderID: sender}
	out.setPayload(m.Payload())
	return out
}

// Encode serialises m with the payload copied verbatim, so a forwarded
// payload is byte-identical to the one the sender wrote. json.Marshal and
// json.Encoder compact the output of MarshalJSON, so writers that need the
// exact bytes call Encode directly.
func Encode(m Message) ([]byte, error) {
	return m.MarshalJSON()
}

func (m Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	if err := writeJSONString(&buf, string(m.Type)); err != nil {
		return nil, err
	}
	if m.UserID != "" {
		buf.WriteString(`,"userId":`)
		if err := writeJSONString(&buf, m.UserID); err != nil {
			return nil, err
		}
	}
	if payload := m.Payload(); len(payload) > 0 {
		if !json.Valid(payload) {
			return nil, fmt.Errorf("%w: %s payload is not valid JSON", ErrMalformed, m.Type)
		}
		buf.WriteString(`,"` + string(m.Type) + `":`)
		buf.Write(payload)
	}
	if m.TargetID != "" {
		buf.WriteString(`,"targetId":`)
		if err := writeJSONString(&buf, m.TargetID); err != nil {
			return nil, err
		}
	}
	if m.SenderID != "" {
		buf.WriteString(`,"senderId":`)
		if err := writeJSONString(&buf, m.SenderID); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func (m *Message) setPayload(payload json.RawMessage) {
	switch m.Type {
	case TypeOffer:
		m.Offer = payload
	case TypeAnswer:
		m.Answer = payload
	case TypeCandidate:
		m.Candidate = payload
	}
}
