// Package typing tracks which participants are currently typing in each
// conversation and throttles the local user's own typing broadcasts.
package typing

import (
	"sort"
	"sync"
	"time"
)

// Defaults for typing state.
const (
	DefaultExpiry      = 5 * time.Second
	DefaultMinInterval = 2 * time.Second
)

// Tracker is a self-expiring set of (conversation, participant) entries.
// Expiry is evaluated lazily at read time; there is no background timer.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // conversation -> participant -> deadline
	expiry  time.Duration
	now     func() time.Time
}

// NewTracker creates a Tracker. Zero expiry means DefaultExpiry; nil now
// uses time.Now.
func NewTracker(expiry time.Duration, now func() time.Time) *Tracker {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		entries: make(map[string]map[string]time.Time),
		expiry:  expiry,
		now:     now,
	}
}

// SetTyping inserts or refreshes the entry with a deadline of now + expiry.
// Expired entries of the same conversation are purged.
func (t *Tracker) SetTyping(conversationID, participantID string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	conv, ok := t.entries[conversationID]
	if !ok {
		conv = make(map[string]time.Time)
		t.entries[conversationID] = conv
	}
	for p, deadline := range conv {
		if !now.Before(deadline) {
			delete(conv, p)
		}
	}
	conv[participantID] = now.Add(t.expiry)
}

// ClearTyping removes the entry immediately.
func (t *Tracker) ClearTyping(conversationID, participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv, ok := t.entries[conversationID]
	if !ok {
		return
	}
	delete(conv, participantID)
	if len(conv) == 0 {
		delete(t.entries, conversationID)
	}
}

// ActiveTypists returns, sorted, the participants whose entries have not
// expired. Expired entries are excluded even if not yet purged.
func (t *Tracker) ActiveTypists(conversationID string) []string {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for p, deadline := range t.entries[conversationID] {
		if now.Before(deadline) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Reset drops every entry. Used when the connection is lost, since stop
// signals sent while disconnected are never observed.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.entries = make(map[string]map[string]time.Time)
	t.mu.Unlock()
}
