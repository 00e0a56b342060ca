// Package ratelimit keeps per-actor daily counters in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrQuotaExceeded = errors.New("daily quota exceeded")

// takeScript increments the counter only while it is below the limit. The
// first increment of a day sets the expiry.
var takeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return -1
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return current
`)

var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// Connect parses redisURL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// DailyCounter counts actions per (scope, actor, UTC calendar day).
type DailyCounter struct {
	client *redis.Client
	scope  string
	ttl    time.Duration
	now    func() time.Time
}

func NewDailyCounter(client *redis.Client, scope string) *DailyCounter {
	return &DailyCounter{
		client: client,
		scope:  scope,
		ttl:    48 * time.Hour,
		now:    time.Now,
	}
}

func (c *DailyCounter) key(actorKey string) string {
	return fmt.Sprintf("quota:%s:%s:%s", c.scope, actorKey, c.now().UTC().Format("2006-01-02"))
}

// Take consumes one unit of the actor's daily quota and returns the new count.
// A limit of zero or less disables the quota.
func (c *DailyCounter) Take(ctx context.Context, actorKey string, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	count, err := takeScript.Run(ctx, c.client, []string{c.key(actorKey)}, limit, int(c.ttl.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("take quota: %w", err)
	}
	if count < 0 {
		return limit, ErrQuotaExceeded
	}
	return count, nil
}

// Release gives back one unit taken for an action that did not complete.
func (c *DailyCounter) Release(ctx context.Context, actorKey string) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.key(actorKey)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func (c *DailyCounter) Used(ctx context.Context, actorKey string) (int, error) {
	count, err := c.client.Get(ctx, c.key(actorKey)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	return count, nil
}

func (c *DailyCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
