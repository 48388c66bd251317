// Package chat holds the conversation data model and the in-memory
// Conversation Store: an ordered, duplicate-free message log per
// conversation that merges REST-fetched history with live-pushed messages.
package chat

import "time"

// Attachment is a reference to an uploaded file carried by a message. The
// upload itself happens elsewhere; only the reference travels here.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message is a single chat message. IDs are assigned by the server and are
// unique within a conversation.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Read           bool         `json:"read"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Conversation is a chat thread between two participants, usually linked
// to an order.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	OrderID      string    `json:"order_id,omitempty"`
	LastMessage  string    `json:"last_message,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	UnreadCount  int       `json:"unread_count"`
}

// Partner returns the participant that is not userID, or "" if userID is not
// part of the conversation.
func (c *Conversation) Partner(userID string) string {
	if !c.IsParticipant(userID) {
		return ""
	}
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// IsParticipant reports whether userID is one of the conversation's participants.
func (c *Conversation) IsParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// HistoryPage is one page of past messages as returned by the REST API.
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	Page       int       `json:"page"`
	TotalPages int       `json:"total_pages"`
}

// HasMore reports whether older pages exist after this one.
func (p HistoryPage) HasMore() bool {
	return p.Page+1 < p.TotalPages
}

// preview returns the text shown as a conversation's last message.
func preview(m Message) string {
	if m.Content != "" {
		return m.Content
	}
	if len(m.Attachments) > 0 {
		return "[attachment]"
	}
	return ""
}
