// Package router decodes inbound topic frames into typed events and hands
// each to the handler registered for its variant.
package router

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/metrics"
	"github.com/gigmarket/chatsync/internal/protocol"
)

// Handlers holds one callback per event variant. A nil callback means the
// variant is not subscribed and its frames are ignored.
type Handlers struct {
	NewMessage      func(protocol.NewMessage)
	ReadReceipt     func(protocol.ReadReceipt)
	Typing          func(protocol.TypingSignal)
	ModerationAlert func(protocol.ModerationAlert)
}

// Router routes decoded frames to Handlers. Handlers are invoked on the
// caller's goroutine.
type Router struct {
	handlers Handlers
	logger   *zap.Logger
}

// New creates a Router.
func New(handlers Handlers, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{handlers: handlers, logger: logger.Named("router")}
}

// Topics returns the topics that have a handler, in a stable order. These
// are the topics to subscribe after every connect.
func (r *Router) Topics() []string {
	var topics []string
	for _, t := range protocol.Topics() {
		if r.handles(t) {
			topics = append(topics, t)
		}
	}
	return topics
}

func (r *Router) handles(topic string) bool {
	switch topic {
	case protocol.TopicNewMessage:
		return r.handlers.NewMessage != nil
	case protocol.TopicReadReceipt:
		return r.handlers.ReadReceipt != nil
	case protocol.TopicTyping:
		return r.handlers.Typing != nil
	case protocol.TopicModerationAlert:
		return r.handlers.ModerationAlert != nil
	}
	return false
}

// Route decodes one frame and dispatches it. Unknown topics and malformed
// payloads are logged, counted and dropped; the returned error only informs
// the caller and never needs handling.
func (r *Router) Route(topic string, payload []byte) error {
	ev, err := protocol.DecodeEvent(topic, payload)
	if err != nil {
		result := "malformed"
		if errors.Is(err, protocol.ErrUnknownTopic) {
			result = "unknown_topic"
		}
		metrics.FramesTotal.WithLabelValues(topic, result).Inc()
		r.logger.Warn("dropping frame", zap.String("topic", topic), zap.Error(err))
		return err
	}
	return r.Dispatch(ev)
}

// Dispatch hands a decoded event to its handler. A panicking handler is
// recovered and reported as an error.
func (r *Router) Dispatch(ev protocol.Event) (err error) {
	topic := ev.Topic()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.FramesTotal.WithLabelValues(topic, "handler_panic").Inc()
			r.logger.Error("handler panicked", zap.String("topic", topic), zap.Any("panic", rec))
			err = fmt.Errorf("router: handler for %s panicked: %v", topic, rec)
		}
	}()

	if !r.handles(topic) {
		metrics.FramesTotal.WithLabelValues(topic, "ignored").Inc()
		r.logger.Debug("no handler for topic", zap.String("topic", topic))
		return nil
	}

	switch e := ev.(type) {
	case protocol.NewMessage:
		r.handlers.NewMessage(e)
	case protocol.ReadReceipt:
		r.handlers.ReadReceipt(e)
	case protocol.TypingSignal:
		r.handlers.Typing(e)
	case protocol.ModerationAlert:
		r.handlers.ModerationAlert(e)
	default:
		panic(fmt.Sprintf("router: unhandled event type %T", ev))
	}

	metrics.FramesTotal.WithLabelValues(topic, "ok").Inc()
	return nil
}
