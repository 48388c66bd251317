// Package moderation holds the admin moderation side of the chat core: the
// bounded list of moderation alerts pushed over the real-time channel, and
// the content screen applied to outbound messages.
package moderation

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gigmarket/chatsync/internal/metrics"
)

// DefaultAlertCapacity is the number of alerts retained.
const DefaultAlertCapacity = 100

// Alert is a moderation notification. Content is opaque to the client.
type Alert struct {
	ID         string          `json:"id"`
	Content    json.RawMessage `json:"content"`
	ReceivedAt time.Time       `json:"received_at"`
	Read       bool            `json:"read"`
}

// AlertList keeps the most recent alerts in a fixed-size ring buffer; when
// full, the oldest alert is overwritten. It is goroutine-safe.
type AlertList struct {
	mu    sync.RWMutex
	items []Alert
	pos   int
	count int
	ids   map[string]struct{}
	now   func() time.Time
}

// NewAlertList creates an empty list. Zero capacity means
// DefaultAlertCapacity; nil now uses time.Now.
func NewAlertList(capacity int, now func() time.Time) *AlertList {
	if capacity <= 0 {
		capacity = DefaultAlertCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &AlertList{
		items: make([]Alert, capacity),
		ids:   make(map[string]struct{}, capacity),
		now:   now,
	}
}

// Add records an alert unless one with the same ID is already retained.
// Returns whether it was added.
func (l *AlertList) Add(id string, content json.RawMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.ids[id]; dup {
		return false
	}
	size := len(l.items)
	if l.count == size {
		// Full: the slot at pos holds the oldest alert.
		delete(l.ids, l.items[l.pos].ID)
	}

	l.items[l.pos] = Alert{
		ID:         id,
		Content:    append(json.RawMessage(nil), content...),
		ReceivedAt: l.now(),
	}
	l.ids[id] = struct{}{}
	l.pos = (l.pos + 1) % size
	if l.count < size {
		l.count++
	}
	metrics.ModerationAlerts.Inc()
	return true
}

// List returns the retained alerts, newest first.
func (l *AlertList) List() []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := len(l.items)
	result := make([]Alert, l.count)
	// The newest alert is at position (pos - 1) mod size.
	for i := 0; i < l.count; i++ {
		result[i] = l.items[(l.pos-1-i+size)%size]
	}
	return result
}

// Len returns the number of retained alerts.
func (l *AlertList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Unread returns the number of retained alerts not yet marked read.
func (l *AlertList) Unread() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, a := range l.retainedLocked() {
		if !a.Read {
			n++
		}
	}
	return n
}

// MarkAllRead flags every retained alert read.
func (l *AlertList) MarkAllRead() {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := len(l.items)
	start := (l.pos - l.count + size) % size
	for i := 0; i < l.count; i++ {
		l.items[(start+i)%size].Read = true
	}
}

// retainedLocked returns the occupied slots in storage order.
func (l *AlertList) retainedLocked() []Alert {
	if l.count < len(l.items) {
		return l.items[:l.count]
	}
	return l.items
}
