// Package unread maintains per-conversation unread counters and the
// aggregate total shown in the UI badge.
//
// The total is derived: every change first mutates a per-conversation
// counter and then recomputes the sum, so the two can never drift. Reads of
// the total still verify the invariant and repair it if it ever fails.
package unread

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/metrics"
)

// DefaultNotifyTimeout bounds a single server read notification.
const DefaultNotifyTimeout = 10 * time.Second

// ReadNotifier tells the server a conversation has been read.
// *api.Client satisfies this interface.
type ReadNotifier interface {
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// Config configures an Aggregator.
type Config struct {
	// Notifier receives fire-and-forget read notifications. Nil disables them.
	Notifier      ReadNotifier
	NotifyTimeout time.Duration
	Logger        *zap.Logger
}

// Aggregator tracks unread counts. It is safe for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	counts map[string]int
	total  int

	notifier ReadNotifier
	timeout  time.Duration
	logger   *zap.Logger
	inflight sync.WaitGroup
}

// New creates an Aggregator with all counters at zero.
func New(cfg Config) *Aggregator {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Aggregator{
		counts:   make(map[string]int),
		notifier: cfg.Notifier,
		timeout:  cfg.NotifyTimeout,
		logger:   cfg.Logger.Named("unread"),
	}
}

// OnIncoming counts one incoming message. Own messages and messages for the
// active conversation never accrue unread. Returns whether a counter changed.
func (a *Aggregator) OnIncoming(conversationID string, isOwnMessage, isActiveConversation bool) bool {
	if isOwnMessage || isActiveConversation {
		return false
	}

	a.mu.Lock()
	a.counts[conversationID]++
	a.recomputeLocked()
	a.mu.Unlock()
	return true
}

// MarkRead zeroes the conversation's counter and notifies the server in the
// background. The local zeroing is never rolled back, even if the
// notification fails. Returns the counter's prior value.
func (a *Aggregator) MarkRead(conversationID string) int {
	prior := a.zero(conversationID)
	a.notify(conversationID)
	return prior
}

// ApplyRemoteRead zeroes the conversation's counter without notifying the
// server. Used when the local user read it on another device.
func (a *Aggregator) ApplyRemoteRead(conversationID string) int {
	return a.zero(conversationID)
}

func (a *Aggregator) zero(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	prior := a.counts[conversationID]
	delete(a.counts, conversationID)
	a.recomputeLocked()
	return prior
}

// Reconcile replaces every counter with the server's authoritative counts,
// used after a reconnect gap in which frames may have been missed. The
// active conversation is forced to zero.
func (a *Aggregator) Reconcile(counts map[string]int, active string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.counts = make(map[string]int, len(counts))
	for id, n := range counts {
		if n <= 0 || id == active {
			continue
		}
		a.counts[id] = n
	}
	a.recomputeLocked()
}

// Count returns the counter for one conversation.
func (a *Aggregator) Count(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[conversationID]
}

// UnreadTotal returns the aggregate. It verifies that the aggregate equals
// the sum of the per-conversation counters and repairs it otherwise.
func (a *Aggregator) UnreadTotal() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	sum := a.sumLocked()
	if sum != a.total {
		metrics.UnreadInvariantViolations.Inc()
		a.logger.Error("unread total diverged from per-conversation sum",
			zap.Int("total", a.total), zap.Int("sum", sum))
		a.total = sum
		metrics.UnreadTotal.Set(float64(sum))
	}
	return a.total
}

// Entry pairs a conversation with its unread counter.
type Entry struct {
	ConversationID string `json:"conversation_id"`
	Unread         int    `json:"unread"`
}

// Snapshot returns the non-zero counters ordered by conversation ID.
func (a *Aggregator) Snapshot() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Entry, 0, len(a.counts))
	for id, n := range a.counts {
		out = append(out, Entry{ConversationID: id, Unread: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Wait blocks until every in-flight server notification has finished.
func (a *Aggregator) Wait() {
	a.inflight.Wait()
}

func (a *Aggregator) notify(conversationID string) {
	if a.notifier == nil {
		return
	}
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.notifier.MarkConversationRead(ctx, conversationID); err != nil {
			metrics.ReadNotifications.WithLabelValues("error").Inc()
			a.logger.Warn("mark read notification failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}
		metrics.ReadNotifications.WithLabelValues("ok").Inc()
	}()
}

func (a *Aggregator) sumLocked() int {
	sum := 0
	for _, n := range a.counts {
		sum += n
	}
	return sum
}

func (a *Aggregator) recomputeLocked() {
	a.total = a.sumLocked()
	metrics.UnreadTotal.Set(float64(a.total))
}
