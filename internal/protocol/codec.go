package protocol

import (
	"bytes"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode renders m as a wire frame.
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("protocol: message without payload")
	}
	if m.Type == "" {
		m.Type = m.Payload.Type()
	}
	if m.Type != m.Payload.Type() {
		return nil, errors.New("protocol: message type does not match payload")
	}
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Type:      m.Type,
		Timestamp: m.Timestamp,
		MessageID: m.MessageID,
		Payload:   raw,
	})
}

// Decode parses a wire frame. Every failure is an *Error with code
// INVALID_MESSAGE; unknown types are rejected, not skipped.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, Errorf(CodeInvalidMessage, "malformed message: %v", err)
	}
	if env.Type == "" {
		return Message{}, Errorf(CodeInvalidMessage, "missing message type")
	}

	var p Payload
	var err error
	switch env.Type {
	case TypeJoin:
		p, err = decodePayload[JoinPayload](env.Payload)
	case TypeLeave:
		p, err = decodePayload[LeavePayload](env.Payload)
	case TypeHeartbeat:
		p, err = decodePayload[HeartbeatPayload](env.Payload)
	case TypeWelcome:
		p, err = decodePayload[WelcomePayload](env.Payload)
	case TypeMemberList:
		p, err = decodePayload[MemberListPayload](env.Payload)
	case TypeMemberJoined:
		p, err = decodePayload[MemberJoinedPayload](env.Payload)
	case TypeMemberLeft:
		p, err = decodePayload[MemberLeftPayload](env.Payload)
	case TypeKicked:
		p, err = decodePayload[KickedPayload](env.Payload)
	case TypeSessionClosed:
		p, err = decodePayload[SessionClosedPayload](env.Payload)
	case TypeError:
		p, err = decodePayload[ErrorPayload](env.Payload)
	case TypePing:
		p, err = decodePayload[PingPayload](env.Payload)
	case TypePong:
		p, err = decodePayload[PongPayload](env.Payload)
	default:
		return Message{}, Errorf(CodeInvalidMessage, "unknown message type %q", env.Type)
	}
	if err != nil {
		return Message{}, Errorf(CodeInvalidMessage, "bad %s payload: %v", env.Type, err)
	}

	return Message{
		Type:      env.Type,
		Timestamp: env.Timestamp,
		MessageID: env.MessageID,
		Payload:   p,
	}, nil
}

func decodePayload[T Payload](raw json.RawMessage) (T, error) {
	var p T
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	if err := validate.Struct(p); err != nil {
		return p, err
	}
	return p, nil
}
