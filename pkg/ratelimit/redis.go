package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signetworks/signet/pkg/ident"
)

// fixedWindowScript counts a hit in one window atomically. The key embeds
// the window start, so a new window always begins at zero; the TTL is set on
// first increment and self-cleans stale windows.
// KEYS[1] = window bucket key
// ARGV[1] = window TTL in milliseconds
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisLimiter is a fixed-window Limiter shared across nodes.
type RedisLimiter struct {
	client  *redis.Client
	clock   ident.Clock
	windows []Window
	prefix  string
}

// NewRedisLimiter creates a limiter on an existing Redis client.
func NewRedisLimiter(client *redis.Client, clock ident.Clock, windows ...Window) *RedisLimiter {
	return &RedisLimiter{client: client, clock: clock, windows: windows, prefix: "ratelimit"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.clock.Now()
	for _, w := range l.windows {
		start := windowStart(now, w.Period)
		bucket := fmt.Sprintf("%s:%s:%s:%d", l.prefix, key, w.Name, start.UnixMilli())
		ttl := start.Add(w.Period).Sub(now) + time.Second

		res, err := fixedWindowScript.Run(ctx, l.client, []string{bucket}, ttl.Milliseconds()).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("redis limiter: %w", err)
		}
		count, ok := res.(int64)
		if !ok {
			return Decision{}, fmt.Errorf("redis limiter: unexpected script result %T", res)
		}
		if count > int64(w.Limit) {
			return Decision{Allowed: false, RetryAfter: start.Add(w.Period).Sub(now)}, nil
		}
	}
	return Decision{Allowed: true}, nil
}
