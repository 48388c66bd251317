package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for all presence hashes.
	PresencePrefix = "chatsync:presence:"

	// PresenceTTL is the time-to-live for presence keys in Redis. A process
	// that stops publishing disappears after it.
	PresenceTTL = 1 * time.Hour
)

// Presence is a user's session state as stored in Redis.
type Presence struct {
	UserID            string `redis:"user_id"`
	Instance          string `redis:"instance"`   // which process published it
	Connection        string `redis:"connection"` // disconnected | connecting | connected
	ReconnectRequired bool   `redis:"reconnect_required"`
	UnreadTotal       int    `redis:"unread_total"`
	AlertsUnread      int    `redis:"alerts_unread"`
	LastError         string `redis:"last_error"`
	LastActive        int64  `redis:"last_active"` // unix timestamp
}

// PresenceStore publishes session state to Redis so other processes of the
// same user (a notifier, a second device bridge) can read it.
type PresenceStore struct {
	client   redis.Cmdable
	instance string
}

var _ StatusPublisher = (*PresenceStore)(nil)

// NewPresenceStore creates a presence store on an existing Redis client.
// instance identifies this process in published records.
func NewPresenceStore(client redis.Cmdable, instance string) *PresenceStore {
	return &PresenceStore{client: client, instance: instance}
}

// Ping verifies the Redis connection.
func (p *PresenceStore) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("session: redis connection failed: %w", err)
	}
	return nil
}

// Publish stores st under the user's key and refreshes the TTL.
func (p *PresenceStore) Publish(ctx context.Context, st State) error {
	key := PresencePrefix + st.UserID
	fields := map[string]interface{}{
		"user_id":            st.UserID,
		"instance":           p.instance,
		"connection":         st.Connection,
		"reconnect_required": strconv.FormatBool(st.ReconnectRequired),
		"unread_total":       st.UnreadTotal,
		"alerts_unread":      st.AlertsUnread,
		"last_error":         st.LastError,
		"last_active":        st.UpdatedAt.Unix(),
	}

	pipe := p.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: publish presence: %w", err)
	}
	return nil
}

// Get retrieves a user's presence. Returns nil if not found.
func (p *PresenceStore) Get(ctx context.Context, userID string) (*Presence, error) {
	key := PresencePrefix + userID
	var presence Presence
	if err := p.client.HGetAll(ctx, key).Scan(&presence); err != nil {
		return nil, err
	}
	if presence.UserID == "" {
		return nil, nil // not found
	}
	return &presence, nil
}

// Delete removes a user's presence.
func (p *PresenceStore) Delete(ctx context.Context, userID string) error {
	return p.client.Del(ctx, PresencePrefix+userID).Err()
}
