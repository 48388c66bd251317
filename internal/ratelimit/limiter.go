// Package ratelimit throttles outbound signals. Throttle has two
// implementations: MemoryThrottle for a single process and RedisThrottle,
// which uses the INCR + EXPIRE fixed window algorithm so every process of
// the same user shares one budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Throttle decides whether an action identified by key may proceed now.
// Reset gives back the budget of key, for an allowed action that never
// happened.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:typing:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// TypingRule allows one typing notification per interval.
func TypingRule(interval time.Duration) Rule {
	return Rule{Key: "rl:typing:", Limit: 1, Window: interval}
}

// RedisThrottle performs rate limiting checks against Redis.
type RedisThrottle struct {
	client redis.Cmdable
	rule   Rule
	logger *zap.Logger
}

var _ Throttle = (*RedisThrottle)(nil)

// NewRedisThrottle creates a RedisThrottle enforcing rule.
func NewRedisThrottle(client redis.Cmdable, rule Rule, logger *zap.Logger) *RedisThrottle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisThrottle{client: client, rule: rule, logger: logger.Named("ratelimit")}
}

// Allow checks whether the given identifier is within the rule's limit. It
// increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage never
// suppresses typing signals entirely.
func (l *RedisThrottle) Allow(ctx context.Context, identifier string) (bool, error) {
	key := l.rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.PExpire(ctx, key, l.rule.Window).Err(); err != nil {
			l.logger.Warn("redis PEXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// The key has no TTL and would persist; delete it so it does not
			// block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= l.rule.Limit, nil
}

// Reset deletes the window counter for identifier.
func (l *RedisThrottle) Reset(ctx context.Context, identifier string) error {
	key := l.rule.Key + identifier
	if err := l.client.Del(ctx, key).Err(); err != nil {
		l.logger.Warn("redis DEL failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}
