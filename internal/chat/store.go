package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/metrics"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 30

// HistoryFetcher retrieves pages of past messages from the system of record.
// *api.Client satisfies this interface.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string, page, size int) (HistoryPage, error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// History is used by LoadHistory. It may be nil if history is never loaded.
	History HistoryFetcher
	// PageSize is the history page size. Zero means DefaultPageSize.
	PageSize int
	// OnActivate is called (outside the store lock) whenever a non-empty
	// conversation becomes the active one.
	OnActivate func(conversationID string)
	// Logger is used for diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// conversationLog is the ordered, duplicate-free message log of one
// conversation.
type conversationLog struct {
	messages []Message
	ids      map[string]struct{}
}

// insert adds msg in creation-time order. Messages with equal timestamps
// keep their arrival order. Returns false if the ID is already present.
func (l *conversationLog) insert(msg Message) bool {
	if _, dup := l.ids[msg.ID]; dup {
		return false
	}
	l.ids[msg.ID] = struct{}{}

	n := len(l.messages)
	if n == 0 || !msg.CreatedAt.Before(l.messages[n-1].CreatedAt) {
		l.messages = append(l.messages, msg)
		return true
	}

	i := sort.Search(n, func(i int) bool {
		return l.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	l.messages = append(l.messages, Message{})
	copy(l.messages[i+1:], l.messages[i:])
	l.messages[i] = msg
	return true
}

// Store is the Conversation Store. All conversation state is guarded by a
// single lock, which makes the store the one owner of every message log;
// concurrent producers (push handler, delivery completion, history fetch)
// all funnel through AppendIncoming.
type Store struct {
	mu            sync.RWMutex
	logs          map[string]*conversationLog
	conversations map[string]*Conversation
	active        string

	history    HistoryFetcher
	pageSize   int
	onActivate func(string)
	logger     *zap.Logger
}

// NewStore creates an empty Store.
func NewStore(cfg StoreConfig) *Store {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logs:          make(map[string]*conversationLog),
		conversations: make(map[string]*Conversation),
		history:       cfg.History,
		pageSize:      pageSize,
		onActivate:    cfg.OnActivate,
		logger:        logger.Named("store"),
	}
}

// AppendIncoming inserts a message observed from any source: live push,
// history fetch or delivery confirmation. If a message with the same ID is
// already in the conversation's log the call is a no-op and returns false.
func (s *Store) AppendIncoming(msg Message) bool {
	if msg.ID == "" || msg.ConversationID == "" {
		s.logger.Warn("dropping message without id",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID))
		return false
	}

	s.mu.Lock()
	inserted := s.insertLocked(msg)
	s.mu.Unlock()

	if inserted {
		metrics.MessagesTotal.WithLabelValues("inserted").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
	}
	return inserted
}

// insertLocked must be called with s.mu held for writing.
func (s *Store) insertLocked(msg Message) bool {
	log, ok := s.logs[msg.ConversationID]
	if !ok {
		log = &conversationLog{ids: make(map[string]struct{})}
		s.logs[msg.ConversationID] = log
	}
	if !log.insert(msg) {
		return false
	}

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		// First contact from the other side: the conversation list has not
		// been fetched yet, so start from what the message tells us.
		conv = &Conversation{ID: msg.ConversationID}
		s.conversations[msg.ConversationID] = conv
	}
	if !msg.CreatedAt.Before(conv.LastActivity) {
		conv.LastActivity = msg.CreatedAt
		conv.LastMessage = preview(msg)
	}
	return true
}

// LoadHistory fetches one page of past messages for a conversation and
// merges it into the local log. Safe to call repeatedly: already-known
// messages are skipped. Returns the number of newly inserted messages and
// the fetched page.
func (s *Store) LoadHistory(ctx context.Context, conversationID string, page int) (int, HistoryPage, error) {
	if s.history == nil {
		return 0, HistoryPage{}, errors.New("chat: no history fetcher configured")
	}
	if conversationID == "" {
		return 0, HistoryPage{}, errors.New("chat: conversation id is required")
	}

	result, err := s.history.FetchHistory(ctx, conversationID, page, s.pageSize)
	if err != nil {
		return 0, HistoryPage{}, fmt.Errorf("chat: load history %s page %d: %w", conversationID, page, err)
	}

	added := 0
	s.mu.Lock()
	for _, msg := range result.Messages {
		if msg.ID == "" {
			continue
		}
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		if msg.ConversationID != conversationID {
			s.logger.Warn("history page contains foreign message",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", msg.ID),
				zap.String("message_conversation_id", msg.ConversationID))
			continue
		}
		if s.insertLocked(msg) {
			added++
		}
	}
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("inserted").Add(float64(added))
	metrics.MessagesTotal.WithLabelValues("duplicate").Add(float64(len(result.Messages) - added))

	s.logger.Debug("history merged",
		zap.String("conversation_id", conversationID),
		zap.Int("page", page),
		zap.Int("fetched", len(result.Messages)),
		zap.Int("added", added))
	return added, result, nil
}

// SetActive marks which conversation is currently open. An empty id means
// no conversation is open. Activating a conversation triggers the
// OnActivate hook, which marks it read.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	hook := s.onActivate
	s.mu.Unlock()

	if conversationID != "" && hook != nil {
		hook(conversationID)
	}
}

// Active returns the currently open conversation, or "".
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// IsActive reports whether conversationID is the open conversation.
func (s *Store) IsActive(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conversationID != "" && s.active == conversationID
}

// Messages returns a copy of a conversation's log in creation-time order.
// Returns an empty slice for unknown conversations.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[conversationID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(log.messages))
	copy(out, log.messages)
	return out
}

// Conversation returns a copy of a conversation's metadata.
func (s *Store) Conversation(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(conv), true
}

// Conversations returns all known conversations, most recently active first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, copyConversation(conv))
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// UpsertConversations merges conversation metadata fetched from the server.
// The preview and last activity only move forward, so a stale list never
// hides a message that was pushed in the meantime.
func (s *Store) UpsertConversations(list []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range list {
		if in.ID == "" {
			continue
		}
		conv, ok := s.conversations[in.ID]
		if !ok {
			c := copyConversation(&in)
			s.conversations[in.ID] = &c
			continue
		}
		if len(in.Participants) > 0 {
			conv.Participants = append([]string(nil), in.Participants...)
		}
		if in.OrderID != "" {
			conv.OrderID = in.OrderID
		}
		if in.LastActivity.After(conv.LastActivity) {
			conv.LastActivity = in.LastActivity
			conv.LastMessage = in.LastMessage
		}
		conv.UnreadCount = in.UnreadCount
	}
}

// SetUnreadCount records the displayed unread count on a conversation. The
// authoritative counter lives in the unread aggregator; this is a mirror
// for list rendering.
func (s *Store) SetUnreadCount(conversationID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.UnreadCount = n
	}
}

// MarkReadBy applies a read receipt: every message in the conversation not
// authored by readerID is flagged read. Returns the number of messages
// whose flag changed.
func (s *Store) MarkReadBy(conversationID, readerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[conversationID]
	if !ok {
		return 0
	}
	changed := 0
	for i := range log.messages {
		m := &log.messages[i]
		if m.SenderID != readerID && !m.Read {
			m.Read = true
			changed++
		}
	}
	return changed
}

func copyConversation(c *Conversation) Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	return out
}
