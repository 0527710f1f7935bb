package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrBadMessage  = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the frame wrapping every payload.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Progress  int             `json:"progress,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Wrap builds an envelope around msg.
func Wrap(msg Message, sessionID, requestID string) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}
	return Envelope{
		Type:      msg.Type(),
		SessionID: sessionID,
		RequestID: requestID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Encode marshals an envelope to a frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Data == nil {
		env.Data = json.RawMessage("{}")
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses the outer frame only.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadMessage)
	}
	return env, nil
}

// DecodeClient parses a frame sent by a client into its typed payload.
func DecodeClient(frame []byte) (Envelope, ClientMessage, error) {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		return Envelope{}, nil, err
	}

	var msg ClientMessage
	switch env.Type {
	case TypeAuth:
		var m Auth
		err = unmarshalData(env, &m)
		msg = m
	case TypeResearchQuery:
		var m ResearchQuery
		err = unmarshalData(env, &m)
		msg = m
	case TypeSubscribe:
		var m Subscribe
		err = unmarshalData(env, &m)
		msg = m
	case TypeCancelResearch:
		var m CancelResearch
		err = unmarshalData(env, &m)
		msg = m
	case TypePing:
		var m Ping
		err = unmarshalData(env, &m)
		msg = m
	case TypePong:
		var m Pong
		err = unmarshalData(env, &m)
		msg = m
	default:
		return env, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return env, nil, err
	}
	return env, msg, nil
}

// DecodeServer parses a frame sent by the server into its typed payload.
func DecodeServer(frame []byte) (Envelope, ServerMessage, error) {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		return Envelope{}, nil, err
	}

	var msg ServerMessage
	switch env.Type {
	case TypeAuth:
		var m AuthAck
		err = unmarshalData(env, &m)
		msg = m
	case TypeResearchUpdate:
		var m ResearchUpdate
		err = unmarshalData(env, &m)
		msg = m
	case TypeResearchCompleted:
		var m ResearchCompleted
		err = unmarshalData(env, &m)
		msg = m
	case TypeKnowledgeGraphUpdate:
		var m KnowledgeGraphUpdate
		err = unmarshalData(env, &m)
		msg = m
	case TypeFollowupQuestions:
		var m FollowupQuestions
		err = unmarshalData(env, &m)
		msg = m
	case TypeError:
		var m Error
		err = unmarshalData(env, &m)
		msg = m
	case TypePing:
		var m Ping
		err = unmarshalData(env, &m)
		msg = m
	case TypePong:
		var m Pong
		err = unmarshalData(env, &m)
		msg = m
	default:
		return env, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return env, nil, err
	}
	return env, msg, nil
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrBadMessage, env.Type, err)
	}
	return nil
}
