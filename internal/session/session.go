// Package session is the coordinator of the messaging core. It owns the
// real-time channel lifecycle (connect, resubscribe, reconcile, reconnect
// with backoff) and exposes the operations the UI calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/chat"
	"github.com/gigmarket/chatsync/internal/delivery"
	"github.com/gigmarket/chatsync/internal/moderation"
	"github.com/gigmarket/chatsync/internal/protocol"
	"github.com/gigmarket/chatsync/internal/ratelimit"
	"github.com/gigmarket/chatsync/internal/router"
	"github.com/gigmarket/chatsync/internal/transport"
	"github.com/gigmarket/chatsync/internal/typing"
	"github.com/gigmarket/chatsync/internal/unread"
)

// ErrAlreadyRunning is returned by Run when another Run is in progress.
var ErrAlreadyRunning = errors.New("session: already running")

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("session: closed")

// Config holds coordinator settings.
type Config struct {
	UserID string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts bounds consecutive failed reconnects. Zero means
	// retry forever.
	MaxReconnectAttempts int

	// ReconcileOnConnect refetches the conversation list after every
	// connect and adopts the server's unread counts.
	ReconcileOnConnect bool
	ReconcileTimeout   time.Duration

	TypingExpiry      time.Duration
	TypingMinInterval time.Duration
	AlertCapacity     int
	SendTimeout       time.Duration
	HistoryPageSize   int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		ReconcileOnConnect: true,
		ReconcileTimeout:   10 * time.Second,
		TypingExpiry:       typing.DefaultExpiry,
		TypingMinInterval:  typing.DefaultMinInterval,
		AlertCapacity:      moderation.DefaultAlertCapacity,
		SendTimeout:        15 * time.Second,
		HistoryPageSize:    chat.DefaultPageSize,
	}
}

// API is the REST surface the session needs. *api.Client satisfies it.
type API interface {
	chat.HistoryFetcher
	unread.ReadNotifier
	delivery.API
	FetchConversations(ctx context.Context) ([]chat.Conversation, error)
}

// StatusPublisher receives a copy of the session state after every
// lifecycle change. *PresenceStore satisfies it.
type StatusPublisher interface {
	Publish(ctx context.Context, st State) error
}

// Deps holds the collaborators a Session is built from.
type Deps struct {
	Channel transport.Channel
	API     API
	// Throttle limits outbound typing signals. Nil uses an in-process
	// throttle at Config.TypingMinInterval.
	Throttle ratelimit.Throttle
	// Screen, when set, screens outbound text before it is sent.
	Screen *moderation.Screen
	// Presence, when set, is updated on connection changes.
	Presence StatusPublisher
	Logger   *zap.Logger
	// Now overrides the clock used for typing expiry and alerts.
	Now func() time.Time
}

// State is a point-in-time view of the session for the UI or a status
// endpoint.
type State struct {
	UserID             string         `json:"user_id"`
	Connection         string         `json:"connection"`
	ReconnectRequired  bool           `json:"reconnect_required"`
	ReconnectAttempts  int            `json:"reconnect_attempts"`
	LastError          string         `json:"last_error,omitempty"`
	ActiveConversation string         `json:"active_conversation,omitempty"`
	UnreadTotal        int            `json:"unread_total"`
	Unread             []unread.Entry `json:"unread"`
	AlertsUnread       int            `json:"alerts_unread"`
	PendingSends       int            `json:"pending_sends"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Session wires the store, unread aggregator, typing tracker, delivery
// coordinator and alert list to one real-time channel.
type Session struct {
	cfg      Config
	ch       transport.Channel
	api      API
	presence StatusPublisher
	logger   *zap.Logger
	now      func() time.Time

	store    *chat.Store
	unread   *unread.Aggregator
	typists  *typing.Tracker
	notifier *typing.Notifier
	delivery *delivery.Coordinator
	alerts   *moderation.AlertList
	router   *router.Router

	refresh chan struct{}
	bg      sync.WaitGroup

	mu                sync.Mutex
	running           bool
	closed            bool
	cancel            context.CancelFunc
	attempts          int
	reconnectRequired bool
	lastErr           error
}

// New composes a Session. Channel and API are required.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Channel == nil {
		return nil, errors.New("session: channel is required")
	}
	if deps.API == nil {
		return nil, errors.New("session: api is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("session: user id is required")
	}
	def := DefaultConfig()
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectBaseDelay
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = def.ReconcileTimeout
	}
	if cfg.TypingMinInterval <= 0 {
		cfg.TypingMinInterval = def.TypingMinInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Throttle == nil {
		deps.Throttle = ratelimit.NewMemoryThrottle(cfg.TypingMinInterval, deps.Now)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user_id", cfg.UserID))

	s := &Session{
		cfg:      cfg,
		ch:       deps.Channel,
		api:      deps.API,
		presence: deps.Presence,
		logger:   logger.Named("session"),
		now:      deps.Now,
		refresh:  make(chan struct{}, 1),
	}

	s.unread = unread.New(unread.Config{Notifier: deps.API, Logger: logger})
	s.store = chat.NewStore(chat.StoreConfig{
		History:    deps.API,
		PageSize:   cfg.HistoryPageSize,
		OnActivate: s.markRead,
		Logger:     logger,
	})
	s.typists = typing.NewTracker(cfg.TypingExpiry, deps.Now)
	s.notifier = typing.NewNotifier(typing.NotifierConfig{
		Channel:  deps.Channel,
		Throttle: deps.Throttle,
		UserID:   cfg.UserID,
		Logger:   logger,
	})
	s.delivery = delivery.New(delivery.Config{
		API:         deps.API,
		Store:       s.store,
		Screen:      deps.Screen,
		SendTimeout: cfg.SendTimeout,
		Logger:      logger,
	})
	s.alerts = moderation.NewAlertList(cfg.AlertCapacity, deps.Now)
	s.router = router.New(router.Handlers{
		NewMessage:      s.onNewMessage,
		ReadReceipt:     s.onReadReceipt,
		Typing:          s.onTyping,
		ModerationAlert: s.onModerationAlert,
	}, logger)
	return s, nil
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

// Run connects and processes channel events until ctx is cancelled, Close
// is called, the credential is rejected or the reconnect budget runs out.
// An authentication rejection returns an error wrapping
// transport.ErrAuthenticationRejected and leaves ReconnectRequired set;
// Run may be called again once a fresh credential is available.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.attempts = 0
	s.reconnectRequired = false
	s.lastErr = nil
	s.mu.Unlock()

	defer s.shutdown(cancel)

	s.logger.Info("session starting")
	s.connectAsync(ctx)

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if s.isClosed() {
				return nil
			}
			return ctx.Err()

		case <-retry:
			retry = nil
			s.connectAsync(ctx)

		case <-s.refresh:
			s.reconcileAsync(ctx, false)

		case ev := <-s.ch.Events():
			switch ev.Kind {
			case transport.EventConnected:
				s.onConnected(ctx, ev)
			case transport.EventFrame:
				_ = s.router.Route(ev.Topic, ev.Payload)
			case transport.EventDisconnected:
				if ctx.Err() != nil {
					continue
				}
				delay, err := s.onDisconnected(ctx, ev)
				if err != nil {
					return err
				}
				retry = time.After(delay)
			}
		}
	}
}

// shutdown disconnects the channel and waits for background work. Events
// emitted meanwhile are drained so a full buffer cannot block Disconnect.
func (s *Session) shutdown(cancel context.CancelFunc) {
	cancel()

	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-s.ch.Events():
			case <-stop:
				return
			}
		}
	}()

	if err := s.ch.Disconnect(); err != nil {
		s.logger.Warn("disconnect", zap.Error(err))
	}
	s.bg.Wait()
	s.unread.Wait()
	close(stop)
	<-drained

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	s.typists.Reset()
	s.publish(context.Background())
	s.logger.Info("session stopped")
}

// Close stops a running Run loop and makes further Run calls fail.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) connectAsync(ctx context.Context) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		// Failures arrive as a disconnected event.
		if err := s.ch.Connect(ctx); err != nil {
			s.logger.Debug("connect attempt failed", zap.Error(err))
		}
	}()
}

func (s *Session) onConnected(ctx context.Context, ev transport.Event) {
	s.mu.Lock()
	s.attempts = 0
	s.reconnectRequired = false
	s.lastErr = nil
	s.mu.Unlock()

	topics := s.router.Topics()
	for _, topic := range topics {
		if err := s.ch.Subscribe(topic); err != nil {
			// The connection dropped mid-way; the disconnect event follows.
			s.logger.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
			return
		}
	}
	s.logger.Info("connected",
		zap.String("conn_id", ev.ConnectionID),
		zap.Strings("topics", topics))

	if s.cfg.ReconcileOnConnect {
		s.reconcileAsync(ctx, true)
	}
	s.publish(ctx)
}

// onDisconnected decides between giving up and retrying. It returns the
// delay before the next attempt.
func (s *Session) onDisconnected(ctx context.Context, ev transport.Event) (time.Duration, error) {
	s.typists.Reset()

	cause := ev.Err
	if cause == nil {
		cause = errors.New("session: connection closed")
	}

	if transport.IsAuthRejected(cause) {
		s.mu.Lock()
		s.reconnectRequired = true
		s.lastErr = cause
		s.mu.Unlock()
		s.logger.Warn("credential rejected, reconnect required", zap.Error(cause))
		s.publish(ctx)
		return 0, cause
	}

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.lastErr = cause
	s.mu.Unlock()
	s.publish(ctx)

	if limit := s.cfg.MaxReconnectAttempts; limit > 0 && attempt > limit {
		s.logger.Error("giving up reconnecting", zap.Int("attempts", limit), zap.Error(cause))
		return 0, fmt.Errorf("session: gave up after %d reconnect attempts: %w", limit, cause)
	}

	delay := s.backoff(attempt)
	s.logger.Info("connection lost, reconnecting",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
	return delay, nil
}

// backoff returns base * 2^(attempt-1), capped at the max delay.
func (s *Session) backoff(attempt int) time.Duration {
	delay := s.cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.ReconnectMaxDelay {
			return s.cfg.ReconnectMaxDelay
		}
	}
	return delay
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

func (s *Session) reconcileAsync(ctx context.Context, adoptCounts bool) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.reconcile(ctx, adoptCounts); err != nil && ctx.Err() == nil {
			s.logger.Warn("reconcile failed", zap.Error(err))
		}
	}()
}

// reconcile merges the server's conversation list into the store. With
// adoptCounts the server's unread counts replace every local counter and
// the open conversation is forced to zero; otherwise only metadata is
// merged and the local counters stay authoritative.
func (s *Session) reconcile(ctx context.Context, adoptCounts bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReconcileTimeout)
	defer cancel()

	list, err := s.api.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("session: fetch conversations: %w", err)
	}
	s.store.UpsertConversations(list)

	if adoptCounts {
		counts := make(map[string]int, len(list))
		for _, c := range list {
			counts[c.ID] = c.UnreadCount
		}
		s.unread.Reconcile(counts, s.store.Active())
	}
	for _, c := range list {
		s.store.SetUnreadCount(c.ID, s.unread.Count(c.ID))
	}

	s.logger.Debug("conversations refreshed",
		zap.Int("conversations", len(list)),
		zap.Bool("adopt_counts", adoptCounts),
		zap.Int("unread_total", s.unread.UnreadTotal()))
	return nil
}

// requestRefresh asks the loop for a metadata refresh without blocking.
// Repeated requests collapse into one.
func (s *Session) requestRefresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

func (s *Session) onNewMessage(ev protocol.NewMessage) {
	msg := ev.Message
	if !s.store.AppendIncoming(msg) {
		return
	}
	s.typists.ClearTyping(msg.ConversationID, msg.SenderID)

	own := msg.SenderID == s.cfg.UserID
	active := s.store.IsActive(msg.ConversationID)
	if s.unread.OnIncoming(msg.ConversationID, own, active) {
		s.store.SetUnreadCount(msg.ConversationID, s.unread.Count(msg.ConversationID))
	}
	if active && !own {
		s.markRead(msg.ConversationID)
	}

	// A conversation first seen through a push has no participants yet.
	if conv, ok := s.store.Conversation(msg.ConversationID); ok && len(conv.Participants) == 0 {
		s.requestRefresh()
	}
}

func (s *Session) onReadReceipt(ev protocol.ReadReceipt) {
	if ev.ReaderID == s.cfg.UserID {
		// Read on another device.
		s.unread.ApplyRemoteRead(ev.ConversationID)
		s.store.SetUnreadCount(ev.ConversationID, 0)
		return
	}
	n := s.store.MarkReadBy(ev.ConversationID, ev.ReaderID)
	s.logger.Debug("read receipt",
		zap.String("conversation_id", ev.ConversationID),
		zap.String("reader_id", ev.ReaderID),
		zap.Int("marked", n))
}

func (s *Session) onTyping(ev protocol.TypingSignal) {
	if ev.UserID == s.cfg.UserID {
		return
	}
	if ev.IsTyping {
		s.typists.SetTyping(ev.ConversationID, ev.UserID)
	} else {
		s.typists.ClearTyping(ev.ConversationID, ev.UserID)
	}
}

func (s *Session) onModerationAlert(ev protocol.ModerationAlert) {
	if s.alerts.Add(ev.ID, ev.Content) {
		s.logger.Info("moderation alert", zap.String("alert_id", ev.ID))
	}
}

// markRead zeroes a conversation locally and notifies the server.
func (s *Session) markRead(conversationID string) {
	s.unread.MarkRead(conversationID)
	s.store.SetUnreadCount(conversationID, 0)
}

// ---------------------------------------------------------------------------
// UI operations
// ---------------------------------------------------------------------------

// OpenConversation makes a conversation the active one and marks it read.
func (s *Session) OpenConversation(conversationID string) {
	s.store.SetActive(conversationID)
}

// CloseConversation leaves the active conversation. Later messages count as
// unread again.
func (s *Session) CloseConversation() {
	s.store.SetActive("")
}

// LoadHistory fetches one page of history and merges it into the log.
func (s *Session) LoadHistory(ctx context.Context, conversationID string, page int) (int, chat.HistoryPage, error) {
	return s.store.LoadHistory(ctx, conversationID, page)
}

// Send delivers a message over REST. It does not depend on the real-time
// channel being connected.
func (s *Session) Send(ctx context.Context, conversationID, content string, attachments []chat.Attachment) (*delivery.Outbound, error) {
	return s.delivery.Send(ctx, conversationID, content, attachments)
}

// StartConversation opens a new conversation with a first message.
func (s *Session) StartConversation(ctx context.Context, participantID, orderID, content string, attachments []chat.Attachment) (*delivery.Outbound, chat.Conversation, error) {
	return s.delivery.StartConversation(ctx, participantID, orderID, content, attachments)
}

// Typing signals that the local user is typing. Calls within the minimum
// interval are suppressed and report false.
func (s *Session) Typing(ctx context.Context, conversationID string) (bool, error) {
	return s.notifier.NotifyTyping(ctx, conversationID)
}

// StopTyping signals that the local user stopped typing.
func (s *Session) StopTyping(conversationID string) error {
	return s.notifier.NotifyStopped(conversationID)
}

// RefreshConversations refetches the conversation list and adopts the
// server's unread counts.
func (s *Session) RefreshConversations(ctx context.Context) error {
	return s.reconcile(ctx, true)
}

// Conversations returns the conversation list, most recent first.
func (s *Session) Conversations() []chat.Conversation {
	return s.store.Conversations()
}

// Messages returns a conversation's log in creation-time order.
func (s *Session) Messages(conversationID string) []chat.Message {
	return s.store.Messages(conversationID)
}

// ActiveTypists returns the participants currently typing in a conversation.
func (s *Session) ActiveTypists(conversationID string) []string {
	return s.typists.ActiveTypists(conversationID)
}

// UnreadCount returns one conversation's unread count.
func (s *Session) UnreadCount(conversationID string) int {
	return s.unread.Count(conversationID)
}

// UnreadTotal returns the badge total.
func (s *Session) UnreadTotal() int {
	return s.unread.UnreadTotal()
}

// Alerts returns retained moderation alerts, newest first.
func (s *Session) Alerts() []moderation.Alert {
	return s.alerts.List()
}

// MarkAlertsRead marks every retained alert as read.
func (s *Session) MarkAlertsRead() {
	s.alerts.MarkAllRead()
}

// Pending returns outbound messages still in flight.
func (s *Session) Pending() []delivery.Outbound {
	return s.delivery.Pending()
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	st := State{
		UserID:            s.cfg.UserID,
		ReconnectRequired: s.reconnectRequired,
		ReconnectAttempts: s.attempts,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.Connection = s.ch.State().String()
	st.ActiveConversation = s.store.Active()
	st.UnreadTotal = s.unread.UnreadTotal()
	st.Unread = s.unread.Snapshot()
	st.AlertsUnread = s.alerts.Unread()
	st.PendingSends = len(s.delivery.Pending())
	st.UpdatedAt = s.now()
	return st
}

func (s *Session) publish(ctx context.Context) {
	if s.presence == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.presence.Publish(ctx, s.Snapshot()); err != nil {
		s.logger.Debug("presence publish failed", zap.Error(err))
	}
}
