package typing

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/metrics"
	"github.com/gigmarket/chatsync/internal/protocol"
	"github.com/gigmarket/chatsync/internal/ratelimit"
	"github.com/gigmarket/chatsync/internal/transport"
)

// Sender transmits a small outbound signal. transport.Channel satisfies it.
type Sender interface {
	Send(topic string, payload any) error
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Channel Sender
	// Throttle enforces the minimum interval between two typing signals for
	// the same conversation.
	Throttle ratelimit.Throttle
	// UserID scopes throttle keys so a shared throttle is per user.
	UserID string
	Logger *zap.Logger
}

// Notifier broadcasts the local user's typing state.
type Notifier struct {
	ch       Sender
	throttle ratelimit.Throttle
	userID   string
	logger   *zap.Logger
}

// NewNotifier creates a Notifier. A nil Throttle allows one signal per
// DefaultMinInterval per conversation.
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.Throttle == nil {
		cfg.Throttle = ratelimit.NewMemoryThrottle(DefaultMinInterval, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Notifier{
		ch:       cfg.Channel,
		throttle: cfg.Throttle,
		userID:   cfg.UserID,
		logger:   cfg.Logger.Named("typing"),
	}
}

// NotifyTyping sends a typing signal unless one was sent for the same
// conversation within the minimum interval. It reports whether a signal was
// sent. While disconnected it returns transport.ErrTransportUnavailable;
// nothing is queued and the interval is not consumed.
func (n *Notifier) NotifyTyping(ctx context.Context, conversationID string) (bool, error) {
	key := n.userID + ":" + conversationID
	ok, err := n.throttle.Allow(ctx, key)
	if err != nil {
		n.logger.Debug("throttle error", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if !ok {
		metrics.TypingNotifications.WithLabelValues("throttled").Inc()
		return false, nil
	}

	if err := n.send(conversationID, true); err != nil {
		if rerr := n.throttle.Reset(ctx, key); rerr != nil {
			n.logger.Debug("throttle reset failed", zap.String("conversation_id", conversationID), zap.Error(rerr))
		}
		return false, err
	}
	return true, nil
}

// NotifyStopped sends an explicit stop signal. It is not throttled.
func (n *Notifier) NotifyStopped(conversationID string) error {
	return n.send(conversationID, false)
}

func (n *Notifier) send(conversationID string, isTyping bool) error {
	err := n.ch.Send(protocol.TypeTyping, protocol.TypingMsg{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	switch {
	case err == nil:
		metrics.TypingNotifications.WithLabelValues("sent").Inc()
		return nil
	case errors.Is(err, transport.ErrTransportUnavailable):
		metrics.TypingNotifications.WithLabelValues("unavailable").Inc()
		return err
	default:
		metrics.TypingNotifications.WithLabelValues("error").Inc()
		n.logger.Warn("typing signal failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
}
