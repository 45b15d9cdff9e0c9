package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// fixedWindow increments KEYS[1] and arms its TTL only on the first hit, so
// later calls never stretch the window.
var fixedWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter counts calls per key in fixed windows shared by every process
// pointed at the same Redis. Both the tracking send budget and the sync
// cluster guard use it.
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Allow reports whether this call is within limit for the current window of
// key, along with the count so far.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	if window < time.Millisecond {
		window = time.Millisecond
	}
	n, err := fixedWindow.Run(ctx, rl.c, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return false, 0, errors.Wrapf(err, "redis ratelimit %s", key)
	}
	return n <= limit, n, nil
}

// Remaining returns how long the current window of key still has to run.
// Zero means no window is open.
func (rl *RateLimiter) Remaining(ctx context.Context, key string) (time.Duration, error) {
	d, err := rl.c.PTTL(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "redis pttl %s", key)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
