package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter shares window counts between API instances. Keys embed the
// window start so each window expires on its own.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter creates a Redis-backed Counter. prefix namespaces the keys;
// a trailing ":" is dropped since the separator is added per key.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	prefix = strings.TrimRight(prefix, ":")
	if prefix == "" {
		prefix = "carevault:ratelimit"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(id string, windowStart time.Time) string {
	return c.prefix + ":" + id + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

// Take implements Counter. INCR runs unconditionally; requests past the
// limit are reported as denied and the count is clamped to limit.
func (c *RedisCounter) Take(ctx context.Context, id string, limit int, windowStart, _ time.Time, window time.Duration) (int, bool, error) {
	key := c.key(id, windowStart)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpireAt(ctx, key, windowStart.Add(window).Add(time.Second))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("redis incr %s: %w", key, err)
	}

	n := int(incr.Val())
	if n > limit {
		return limit, false, nil
	}
	return n, true, nil
}

// Peek implements Counter.
func (c *RedisCounter) Peek(ctx context.Context, id string, windowStart time.Time) (int, error) {
	n, err := c.client.Get(ctx, c.key(id, windowStart)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}
