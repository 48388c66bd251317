// Package delivery sends outbound messages through the durable REST path
// and hands each confirmed message to the conversation store through the
// same deduplicating append used for pushed messages. The sender therefore
// sees its own message exactly once, whichever of the REST response and the
// push echo arrives first.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/api"
	"github.com/gigmarket/chatsync/internal/chat"
	"github.com/gigmarket/chatsync/internal/metrics"
	"github.com/gigmarket/chatsync/internal/moderation"
)

// ErrDeliveryFailed is matched by every *DeliveryError.
var ErrDeliveryFailed = errors.New("delivery: failed")

// State is the lifecycle state of one outbound message.
type State int

const (
	StateComposing State = iota
	StateSending
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateComposing:
		return "composing"
	case StateSending:
		return "sending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// DeliveryError reports a failed send. Stage is the state the message was
// in when it failed: StateComposing for rejected content, StateSending for
// REST failures.
type DeliveryError struct {
	ConversationID  string
	ClientMessageID string
	Stage           State
	Err             error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery: send to %s failed while %s: %v", e.ConversationID, e.Stage, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDeliveryFailed) true for every DeliveryError.
func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }

// Outbound is one outbound message and its progress.
type Outbound struct {
	ClientMessageID string
	ConversationID  string
	Content         string
	Attachments     []chat.Attachment
	State           State
	// Message is the server-confirmed record, set once Confirmed.
	Message   chat.Message
	Err       error
	StartedAt time.Time
	UpdatedAt time.Time
}

// API is the REST surface the coordinator needs. *api.Client satisfies it.
type API interface {
	SendMessage(ctx context.Context, conversationID string, req api.SendMessageRequest) (chat.Message, error)
	StartConversation(ctx context.Context, req api.StartConversationRequest) (api.StartConversationResponse, error)
}

// Store receives confirmed messages. *chat.Store satisfies it.
type Store interface {
	AppendIncoming(msg chat.Message) bool
	UpsertConversations(list []chat.Conversation)
}

// Config configures a Coordinator.
type Config struct {
	API   API
	Store Store
	// Screen, when set, blocks outbound text that fails it.
	Screen *moderation.Screen
	// SendTimeout bounds each REST call. Zero means no extra bound.
	SendTimeout time.Duration
	// NewID generates client message IDs. Nil uses uuid.NewString.
	NewID  func() string
	Logger *zap.Logger
}

// Coordinator runs outbound messages through their state machine.
type Coordinator struct {
	api     API
	store   Store
	screen  *moderation.Screen
	timeout time.Duration
	newID   func() string
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]*Outbound
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		api:      cfg.API,
		store:    cfg.Store,
		screen:   cfg.Screen,
		timeout:  cfg.SendTimeout,
		newID:    cfg.NewID,
		logger:   cfg.Logger.Named("delivery"),
		inflight: make(map[string]*Outbound),
	}
}

// Send delivers a message to an existing conversation. On success the
// returned Outbound is Confirmed and the message is in the store. On failure
// the error is a *DeliveryError and nothing was appended, so the caller can
// keep the compose input for a retry.
func (c *Coordinator) Send(ctx context.Context, conversationID, content string, attachments []chat.Attachment) (*Outbound, error) {
	out := c.compose(conversationID, content, attachments)
	if conversationID == "" {
		return c.fail(out, errors.New("conversation id is required"))
	}
	if err := c.validate(out); err != nil {
		return c.fail(out, err)
	}

	c.transition(out, StateSending, nil)
	start := time.Now()

	sendCtx, cancel := c.withTimeout(ctx)
	msg, err := c.api.SendMessage(sendCtx, conversationID, api.SendMessageRequest{
		Content:         content,
		Attachments:     attachments,
		ClientMessageID: out.ClientMessageID,
	})
	cancel()
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	if err == nil && msg.ID == "" {
		err = errors.New("server returned a message without id")
	}
	if err != nil {
		return c.fail(out, err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return c.confirm(out, msg), nil
}

// StartConversation opens a conversation with participantID, optionally
// linked to an order, by sending its first message. The created
// conversation is upserted into the store before the message is appended.
func (c *Coordinator) StartConversation(ctx context.Context, participantID, orderID, content string, attachments []chat.Attachment) (*Outbound, chat.Conversation, error) {
	out := c.compose("", content, attachments)
	if participantID == "" {
		o, err := c.fail(out, errors.New("participant id is required"))
		return o, chat.Conversation{}, err
	}
	if err := c.validate(out); err != nil {
		o, err := c.fail(out, err)
		return o, chat.Conversation{}, err
	}

	c.transition(out, StateSending, nil)
	start := time.Now()

	sendCtx, cancel := c.withTimeout(ctx)
	resp, err := c.api.StartConversation(sendCtx, api.StartConversationRequest{
		ParticipantID:   participantID,
		OrderID:         orderID,
		Content:         content,
		Attachments:     attachments,
		ClientMessageID: out.ClientMessageID,
	})
	cancel()
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	if err == nil && (resp.Conversation.ID == "" || resp.Message.ID == "") {
		err = errors.New("server returned an incomplete conversation")
	}
	if err != nil {
		o, err := c.fail(out, err)
		return o, chat.Conversation{}, err
	}

	if resp.Message.ConversationID == "" {
		resp.Message.ConversationID = resp.Conversation.ID
	}
	c.store.UpsertConversations([]chat.Conversation{resp.Conversation})
	return c.confirm(out, resp.Message), resp.Conversation, nil
}

// Pending returns copies of the messages currently being sent, oldest first.
func (c *Coordinator) Pending() []Outbound {
	c.mu.Lock()
	out := make([]Outbound, 0, len(c.inflight))
	for _, o := range c.inflight {
		out = append(out, *o)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (c *Coordinator) compose(conversationID, content string, attachments []chat.Attachment) *Outbound {
	now := time.Now()
	return &Outbound{
		ClientMessageID: c.newID(),
		ConversationID:  conversationID,
		Content:         content,
		Attachments:     attachments,
		State:           StateComposing,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

func (c *Coordinator) validate(out *Outbound) error {
	if err := chat.ValidateContent(out.Content, out.Attachments); err != nil {
		return err
	}
	if c.screen != nil {
		if err := c.screen.Check(out.Content).Err(); err != nil {
			return err
		}
	}
	return nil
}

// transition moves out to s. update, if non-nil, runs under the same lock
// so Pending never observes a half-updated Outbound.
func (c *Coordinator) transition(out *Outbound, s State, update func(o *Outbound)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if update != nil {
		update(out)
	}
	out.State = s
	out.UpdatedAt = time.Now()
	if s == StateSending {
		c.inflight[out.ClientMessageID] = out
	} else {
		delete(c.inflight, out.ClientMessageID)
	}
}

func (c *Coordinator) confirm(out *Outbound, msg chat.Message) *Outbound {
	inserted := c.store.AppendIncoming(msg)
	c.transition(out, StateConfirmed, func(o *Outbound) {
		o.ConversationID = msg.ConversationID
		o.Message = msg
	})
	metrics.DeliveryTotal.WithLabelValues(StateConfirmed.String()).Inc()

	c.logger.Debug("message confirmed",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
		zap.String("client_message_id", out.ClientMessageID),
		zap.Bool("echo_seen_first", !inserted))
	return out
}

func (c *Coordinator) fail(out *Outbound, cause error) (*Outbound, error) {
	stage := out.State
	err := &DeliveryError{
		ConversationID:  out.ConversationID,
		ClientMessageID: out.ClientMessageID,
		Stage:           stage,
		Err:             cause,
	}
	c.transition(out, StateFailed, func(o *Outbound) { o.Err = err })
	metrics.DeliveryTotal.WithLabelValues(StateFailed.String()).Inc()

	c.logger.Warn("delivery failed",
		zap.String("conversation_id", out.ConversationID),
		zap.String("client_message_id", out.ClientMessageID),
		zap.Stringer("stage", stage),
		zap.Error(cause))
	return out, err
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
