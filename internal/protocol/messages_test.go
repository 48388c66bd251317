package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid event message
// ---------------------------------------------------------------------------

func TestParseServerMessage_Event(t *testing.T) {
	input := []byte(`{"type":"event","topic":"typing","payload":{"conversation_id":"c1","user_id":"u2","is_typing":true}}`)

	msgType, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeEvent {
		t.Fatalf("expected type %q, got %q", TypeEvent, msgType)
	}

	ev, ok := msg.(EventMsg)
	if !ok {
		t.Fatalf("expected EventMsg, got %T", msg)
	}
	if ev.Topic != TopicTyping {
		t.Errorf("expected topic %q, got %q", TopicTyping, ev.Topic)
	}
	if len(ev.Payload) == 0 {
		t.Error("expected raw payload to be captured")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an error message
// ---------------------------------------------------------------------------

func TestParseServerMessage_Error(t *testing.T) {
	input := []byte(`{"type":"error","code":"unauthorized","message":"token expired"}`)

	_, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	em, ok := msg.(ErrorMsg)
	if !ok {
		t.Fatalf("expected ErrorMsg, got %T", msg)
	}
	if em.Code != ErrCodeUnauthorized {
		t.Errorf("expected code %q, got %q", ErrCodeUnauthorized, em.Code)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed server messages
// ---------------------------------------------------------------------------

func TestParseServerMessage_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `not json at all`},
		{"missing type", `{"topic":"typing"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"bogus"}`},
		{"event without topic", `{"type":"event","payload":{}}`},
		{"event bad payload type", `{"type":"event","topic":"typing","payload":` + "\x00" + `}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseServerMessage([]byte(tt.input))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Decoding event payloads into variants
// ---------------------------------------------------------------------------

func TestDecodeEvent_NewMessage(t *testing.T) {
	payload := []byte(`{"id":"m1","conversation_id":"c1","sender_id":"u2","content":"hi",
		"attachments":[{"id":"f1","name":"brief.pdf"}],"created_at":"2026-03-01T12:00:00Z"}`)

	ev, err := DecodeEvent(TopicNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nm, ok := ev.(NewMessage)
	if !ok {
		t.Fatalf("expected NewMessage, got %T", ev)
	}
	if nm.Message.ID != "m1" || nm.Message.SenderID != "u2" {
		t.Errorf("unexpected message: %+v", nm.Message)
	}
	if len(nm.Message.Attachments) != 1 || nm.Message.Attachments[0].Name != "brief.pdf" {
		t.Errorf("unexpected attachments: %+v", nm.Message.Attachments)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !nm.Message.CreatedAt.Equal(want) {
		t.Errorf("expected created_at %v, got %v", want, nm.Message.CreatedAt)
	}
	if ev.Topic() != TopicNewMessage {
		t.Errorf("expected topic %q, got %q", TopicNewMessage, ev.Topic())
	}
}

func TestDecodeEvent_Variants(t *testing.T) {
	tests := []struct {
		topic   string
		payload string
		want    Event
	}{
		{TopicReadReceipt, `{"conversation_id":"c1","reader_id":"u1"}`, ReadReceipt{ConversationID: "c1", ReaderID: "u1"}},
		{TopicTyping, `{"conversation_id":"c1","user_id":"u2","is_typing":false}`, TypingSignal{ConversationID: "c1", UserID: "u2"}},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			ev, err := DecodeEvent(tt.topic, []byte(tt.payload))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, ev)
			}
		})
	}
}

func TestDecodeEvent_ModerationAlertKeepsOpaqueContent(t *testing.T) {
	ev, err := DecodeEvent(TopicModerationAlert, []byte(`{"id":"a1","content":{"kind":"dispute","order":"o9"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	alert := ev.(ModerationAlert)
	var content map[string]string
	if err := json.Unmarshal(alert.Content, &content); err != nil {
		t.Fatalf("content not preserved: %v", err)
	}
	if content["kind"] != "dispute" {
		t.Errorf("unexpected content: %v", content)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"null message", TopicNewMessage, `null`},
		{"array message", TopicNewMessage, `[1,2]`},
		{"message without id", TopicNewMessage, `{"conversation_id":"c1"}`},
		{"wrong field type", TopicNewMessage, `{"id":5,"conversation_id":"c1"}`},
		{"receipt without reader", TopicReadReceipt, `{"conversation_id":"c1"}`},
		{"typing without user", TopicTyping, `{"conversation_id":"c1","is_typing":true}`},
		{"alert without id", TopicModerationAlert, `{"content":"x"}`},
		{"empty payload", TopicTyping, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent(tt.topic, []byte(tt.payload))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestDecodeEvent_UnknownTopic(t *testing.T) {
	_, err := DecodeEvent("order_updated", []byte(`{}`))
	if !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating client messages
// ---------------------------------------------------------------------------

func TestNewClientMessage_Typing(t *testing.T) {
	data, err := NewClientMessage(TypeTyping, TypingMsg{ConversationID: "c1", IsTyping: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeTyping {
		t.Errorf("expected type %q, got %v", TypeTyping, result["type"])
	}
	if result["conversation_id"] != "c1" {
		t.Errorf("expected conversation_id %q, got %v", "c1", result["conversation_id"])
	}
	if result["is_typing"] != true {
		t.Errorf("expected is_typing true, got %v", result["is_typing"])
	}
}

func TestNewClientMessage_NilPayload(t *testing.T) {
	data, err := NewClientMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("unexpected encoding: %s", data)
	}
}

func TestTopics(t *testing.T) {
	for _, topic := range Topics() {
		if _, err := DecodeEvent(topic, []byte(`{}`)); errors.Is(err, ErrUnknownTopic) {
			t.Errorf("topic %q listed but not decodable", topic)
		}
	}
}

// ---------------------------------------------------------------------------
// Client messages (server side)
// ---------------------------------------------------------------------------

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		input    string
		wantType string
		want     interface{}
	}{
		{`{"type":"subscribe","topic":"typing"}`, TypeSubscribe, SubscribeMsg{Type: TypeSubscribe, Topic: "typing"}},
		{`{"type":"unsubscribe","topic":"typing"}`, TypeUnsubscribe, UnsubscribeMsg{Type: TypeUnsubscribe, Topic: "typing"}},
		{`{"type":"typing","conversation_id":"c1","is_typing":true}`, TypeTyping, TypingMsg{Type: TypeTyping, ConversationID: "c1", IsTyping: true}},
		{`{"type":"ping"}`, TypePing, PingMsg{Type: TypePing}},
	}
	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			gotType, msg, err := ParseClientMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if gotType != tt.wantType {
				t.Errorf("type = %q, want %q", gotType, tt.wantType)
			}
			if msg != tt.want {
				t.Errorf("msg = %#v, want %#v", msg, tt.want)
			}
		})
	}
}

func TestParseClientMessage_Malformed(t *testing.T) {
	inputs := []string{
		`garbage`,
		`{"topic":"typing"}`,
		`{"type":"subscribe"}`,
		`{"type":"typing","is_typing":true}`,
		`{"type":"event","topic":"typing"}`,
	}
	for _, in := range inputs {
		if _, _, err := ParseClientMessage([]byte(in)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("ParseClientMessage(%s) error = %v, want ErrMalformedFrame", in, err)
		}
	}
}

func TestNewEventMessage_RoundTrip(t *testing.T) {
	data, err := NewEventMessage(TopicReadReceipt, ReadReceipt{ConversationID: "c1", ReaderID: "u2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeEvent {
		t.Fatalf("type = %q, want %q", msgType, TypeEvent)
	}
	ev := msg.(EventMsg)

	decoded, err := DecodeEvent(ev.Topic, ev.Payload)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if decoded != (ReadReceipt{ConversationID: "c1", ReaderID: "u2"}) {
		t.Errorf("decoded = %#v", decoded)
	}
}

func TestNewServerMessage_Error(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: ErrCodeUnauthorized, Message: "expired"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := msg.(ErrorMsg); got.Code != ErrCodeUnauthorized || got.Type != TypeError {
		t.Errorf("got %#v", got)
	}
}
