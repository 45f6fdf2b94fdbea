// Package dedup drops repeated webhook deliveries of the same event.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dedup:"

// Cache claims event ids in Redis for a short window.
type Cache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func New(client redis.Cmdable, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func key(account, eventID string) string {
	return keyPrefix + account + ":" + eventID
}

// Claim reports whether this is the first delivery of eventID within the window.
// When Redis fails it returns true with the error.
func (c *Cache) Claim(ctx context.Context, account, eventID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, key(account, eventID), time.Now().Unix(), c.ttl).Result()
	if err != nil {
		return true, fmt.Errorf("claim %s/%s: %w", account, eventID, err)
	}
	return ok, nil
}

// Release forgets a claim so a redelivery is processed again.
func (c *Cache) Release(ctx context.Context, account, eventID string) error {
	return c.client.Del(ctx, key(account, eventID)).Err()
}
