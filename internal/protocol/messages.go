// Package protocol defines the message types exchanged over the real-time
// channel. All messages are JSON objects with a "type" discriminator;
// server events additionally carry a topic and a topic-specific payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gigmarket/chatsync/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeEvent      = "event"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
	TypePong       = "pong"
)

// Event topics delivered inside TypeEvent messages.
const (
	TopicNewMessage      = "new_message"
	TopicReadReceipt     = "read_receipt"
	TopicTyping          = "typing"
	TopicModerationAlert = "moderation_alert"
)

// Error codes sent by the server in TypeError messages.
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
)

var (
	// ErrMalformedFrame is returned when a frame or its payload cannot be
	// decoded into the shape its type or topic requires.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	// ErrUnknownTopic is returned for event topics this client does not handle.
	ErrUnknownTopic = errors.New("protocol: unknown topic")
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest can be decoded later into the appropriate struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("%w: envelope: %v", ErrMalformedFrame, err)
	}
	if partial.Type == "" {
		return fmt.Errorf("%w: missing or empty \"type\" field", ErrMalformedFrame)
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg asks the server to start delivering events for a topic on
// the current connection.
type SubscribeMsg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// TypingMsg broadcasts the local user's typing state for a conversation.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// UnsubscribeMsg stops delivery of a topic on the current connection.
type UnsubscribeMsg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// PingMsg is a client-initiated application keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// EventMsg carries one topic event. Payload is decoded by DecodeEvent.
type EventMsg struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// SubscribedMsg acknowledges a subscription.
type SubscribedMsg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// ErrorMsg is sent by the server to communicate an error condition. An
// ErrCodeUnauthorized error terminates the connection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Event payloads (tagged variants)
// ---------------------------------------------------------------------------

// Event is one decoded inbound event. The concrete type is always one of
// NewMessage, ReadReceipt, TypingSignal or ModerationAlert.
type Event interface {
	Topic() string
	isEvent()
}

// NewMessage is a full message pushed by the server.
type NewMessage struct {
	Message chat.Message
}

// ReadReceipt reports that ReaderID has read ConversationID.
type ReadReceipt struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
}

// TypingSignal asserts or clears a participant's typing state.
type TypingSignal struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ModerationAlert is an admin moderation notification. Content is opaque
// to the client.
type ModerationAlert struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

func (NewMessage) Topic() string      { return TopicNewMessage }
func (ReadReceipt) Topic() string     { return TopicReadReceipt }
func (TypingSignal) Topic() string    { return TopicTyping }
func (ModerationAlert) Topic() string { return TopicModerationAlert }

func (NewMessage) isEvent()      {}
func (ReadReceipt) isEvent()     {}
func (TypingSignal) isEvent()    {}
func (ModerationAlert) isEvent() {}

// Topics lists every event topic this client understands.
func Topics() []string {
	return []string{TopicNewMessage, TopicReadReceipt, TopicTyping, TopicModerationAlert}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage parses raw bytes from the channel into a typed server
// message (EventMsg, SubscribedMsg, ErrorMsg or PongMsg). Errors wrap
// ErrMalformedFrame.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeEvent:
		var m EventMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.Topic == "" {
			err = errors.New("missing topic")
		}
		msg = m
	case TypeSubscribed:
		var m SubscribedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: unknown server message type %q", ErrMalformedFrame, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: decode %q: %v", ErrMalformedFrame, env.Type, err)
	}
	return env.Type, msg, nil
}

// DecodeEvent decodes an event payload according to its topic. Unknown
// topics return an error wrapping ErrUnknownTopic; payloads that do not
// match the topic's shape return an error wrapping ErrMalformedFrame.
func DecodeEvent(topic string, payload []byte) (Event, error) {
	switch topic {
	case TopicNewMessage:
		var m chat.Message
		if err := strictUnmarshal(payload, &m); err != nil {
			return nil, malformed(topic, err)
		}
		if m.ID == "" || m.ConversationID == "" {
			return nil, malformed(topic, errors.New("message id and conversation_id are required"))
		}
		return NewMessage{Message: m}, nil

	case TopicReadReceipt:
		var r ReadReceipt
		if err := strictUnmarshal(payload, &r); err != nil {
			return nil, malformed(topic, err)
		}
		if r.ConversationID == "" || r.ReaderID == "" {
			return nil, malformed(topic, errors.New("conversation_id and reader_id are required"))
		}
		return r, nil

	case TopicTyping:
		var s TypingSignal
		if err := strictUnmarshal(payload, &s); err != nil {
			return nil, malformed(topic, err)
		}
		if s.ConversationID == "" || s.UserID == "" {
			return nil, malformed(topic, errors.New("conversation_id and user_id are required"))
		}
		return s, nil

	case TopicModerationAlert:
		var a ModerationAlert
		if err := strictUnmarshal(payload, &a); err != nil {
			return nil, malformed(topic, err)
		}
		if a.ID == "" {
			return nil, malformed(topic, errors.New("alert id is required"))
		}
		return a, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
}

// ParseClientMessage parses raw bytes from a client into a typed message
// (SubscribeMsg, UnsubscribeMsg, TypingMsg or PingMsg). Used by the
// development server. Errors wrap ErrMalformedFrame.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.Topic == "" {
			err = errors.New("missing topic")
		}
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.Topic == "" {
			err = errors.New("missing topic")
		}
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ConversationID == "" {
			err = errors.New("missing conversation_id")
		}
		msg = m
	case TypePing:
		msg = PingMsg{Type: TypePing}
	default:
		return env.Type, nil, fmt.Errorf("%w: unknown client message type %q", ErrMalformedFrame, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: decode %q: %v", ErrMalformedFrame, env.Type, err)
	}
	return env.Type, msg, nil
}

// NewClientMessage creates a JSON-encoded client message. The msgType is
// injected into the payload under the "type" key.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return newTypedMessage(msgType, payload)
}

// NewServerMessage creates a JSON-encoded server message. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return newTypedMessage(msgType, payload)
}

// NewEventMessage wraps a topic payload in an event envelope.
func NewEventMessage(topic string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s payload: %w", topic, err)
	}
	return json.Marshal(EventMsg{Type: TypeEvent, Topic: topic, Payload: raw})
}

func newTypedMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

// strictUnmarshal rejects null and non-object payloads, which would
// otherwise decode into a zero value without error.
func strictUnmarshal(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("payload is null")
	}
	return json.Unmarshal(payload, v)
}

func malformed(topic string, err error) error {
	return fmt.Errorf("%w: topic %q: %v", ErrMalformedFrame, topic, err)
}
