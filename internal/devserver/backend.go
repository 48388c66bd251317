package devserver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gigmarket/chatsync/internal/chat"
)

var (
	// ErrNotFound is returned for unknown conversations.
	ErrNotFound = errors.New("devserver: conversation not found")
	// ErrForbidden is returned when the caller is not a participant.
	ErrForbidden = errors.New("devserver: not a participant")
	// ErrInvalid is returned for requests that fail validation.
	ErrInvalid = errors.New("devserver: invalid request")
)

// conversation is the backend's record: the public metadata plus the
// message log and per-participant unread counters.
type conversation struct {
	meta     chat.Conversation
	messages []chat.Message
	unread   map[string]int
	// clientIDs maps a sender's client_message_id to the stored message so
	// a resubmitted send returns the original record.
	clientIDs map[string]int
}

// Backend is an in-memory system of record for conversations and messages.
// It is safe for concurrent use.
type Backend struct {
	mu            sync.Mutex
	now           func() time.Time
	seq           int
	conversations map[string]*conversation
}

// NewBackend creates an empty Backend. A nil now uses time.Now.
func NewBackend(now func() time.Time) *Backend {
	if now == nil {
		now = time.Now
	}
	return &Backend{
		now:           now,
		conversations: make(map[string]*conversation),
	}
}

// CreateConversation registers a conversation between participants and
// returns it. Used for seeding.
func (b *Backend) CreateConversation(orderID string, participants ...string) chat.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked(orderID, participants).meta
}

func (b *Backend) createLocked(orderID string, participants []string) *conversation {
	b.seq++
	c := &conversation{
		meta: chat.Conversation{
			ID:           fmt.Sprintf("c%d", b.seq),
			Participants: append([]string(nil), participants...),
			OrderID:      orderID,
			LastActivity: b.now().UTC(),
		},
		unread:    make(map[string]int),
		clientIDs: make(map[string]int),
	}
	b.conversations[c.meta.ID] = c
	return c
}

// Conversations returns the conversations userID participates in, most
// recently active first, each carrying userID's unread count.
func (b *Backend) Conversations(userID string) []chat.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]chat.Conversation, 0)
	for _, c := range b.conversations {
		if c.meta.IsParticipant(userID) {
			out = append(out, c.view(userID))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Conversation returns one conversation as seen by userID.
func (b *Backend) Conversation(id, userID string) (chat.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.lookupLocked(id, userID)
	if err != nil {
		return chat.Conversation{}, err
	}
	return c.view(userID), nil
}

// History returns page of a conversation's messages. Page 0 holds the
// newest messages; each page is in chronological order.
func (b *Backend) History(id, userID string, page, size int) (chat.HistoryPage, error) {
	if page < 0 || size <= 0 {
		return chat.HistoryPage{}, fmt.Errorf("%w: page must be >= 0 and size > 0", ErrInvalid)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.lookupLocked(id, userID)
	if err != nil {
		return chat.HistoryPage{}, err
	}

	n := len(c.messages)
	out := chat.HistoryPage{
		Messages:   []chat.Message{},
		Page:       page,
		TotalPages: (n + size - 1) / size,
	}
	end := n - page*size
	if end <= 0 {
		return out, nil
	}
	start := end - size
	if start < 0 {
		start = 0
	}
	out.Messages = append(out.Messages, c.messages[start:end]...)
	return out, nil
}

// Post appends a message from senderID. A repeated clientMessageID from the
// same sender returns the original message with created=false.
func (b *Backend) Post(id, senderID, content string, attachments []chat.Attachment, clientMessageID string) (msg chat.Message, participants []string, created bool, err error) {
	if err := chat.ValidateContent(content, attachments); err != nil {
		return chat.Message{}, nil, false, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.lookupLocked(id, senderID)
	if err != nil {
		return chat.Message{}, nil, false, err
	}
	msg, created = b.appendLocked(c, senderID, content, attachments, clientMessageID)
	return msg, append([]string(nil), c.meta.Participants...), created, nil
}

// Start opens a conversation between senderID and participantID with a
// first message. An existing conversation between the same pair for the
// same order is reused.
func (b *Backend) Start(senderID, participantID, orderID, content string, attachments []chat.Attachment, clientMessageID string) (chat.Conversation, chat.Message, error) {
	if participantID == "" || participantID == senderID {
		return chat.Conversation{}, chat.Message{}, fmt.Errorf("%w: participant_id must name another user", ErrInvalid)
	}
	if err := chat.ValidateContent(content, attachments); err != nil {
		return chat.Conversation{}, chat.Message{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var c *conversation
	for _, existing := range b.conversations {
		if existing.meta.OrderID == orderID &&
			existing.meta.IsParticipant(senderID) &&
			existing.meta.IsParticipant(participantID) {
			c = existing
			break
		}
	}
	if c == nil {
		c = b.createLocked(orderID, []string{senderID, participantID})
	}
	msg, _ := b.appendLocked(c, senderID, content, attachments, clientMessageID)
	return c.view(senderID), msg, nil
}

// MarkRead clears userID's unread count and flags the messages userID
// received as read. It returns the participants to notify.
func (b *Backend) MarkRead(id, userID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.lookupLocked(id, userID)
	if err != nil {
		return nil, err
	}
	c.unread[userID] = 0
	for i := range c.messages {
		if c.messages[i].SenderID != userID {
			c.messages[i].Read = true
		}
	}
	return append([]string(nil), c.meta.Participants...), nil
}

// Participants returns the participants of a conversation userID belongs to.
func (b *Backend) Participants(id, userID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.lookupLocked(id, userID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.meta.Participants...), nil
}

func (b *Backend) lookupLocked(id, userID string) (*conversation, error) {
	c, ok := b.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !c.meta.IsParticipant(userID) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return c, nil
}

func (b *Backend) appendLocked(c *conversation, senderID, content string, attachments []chat.Attachment, clientMessageID string) (chat.Message, bool) {
	key := senderID + "/" + clientMessageID
	if clientMessageID != "" {
		if idx, ok := c.clientIDs[key]; ok {
			return c.messages[idx], false
		}
	}

	b.seq++
	now := b.now().UTC()
	if n := len(c.messages); n > 0 && !now.After(c.messages[n-1].CreatedAt) {
		now = c.messages[n-1].CreatedAt.Add(time.Millisecond)
	}
	msg := chat.Message{
		ID:             fmt.Sprintf("m%d", b.seq),
		ConversationID: c.meta.ID,
		SenderID:       senderID,
		Content:        content,
		Attachments:    append([]chat.Attachment(nil), attachments...),
		CreatedAt:      now,
	}
	c.messages = append(c.messages, msg)
	if clientMessageID != "" {
		c.clientIDs[key] = len(c.messages) - 1
	}

	c.meta.LastMessage = content
	if content == "" {
		c.meta.LastMessage = "[attachment]"
	}
	c.meta.LastActivity = now
	for _, p := range c.meta.Participants {
		if p != senderID {
			c.unread[p]++
		}
	}
	return msg, true
}

func (c *conversation) view(userID string) chat.Conversation {
	out := c.meta
	out.Participants = append([]string(nil), c.meta.Participants...)
	out.UnreadCount = c.unread[userID]
	return out
}
