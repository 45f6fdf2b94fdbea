package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger remembers which steps of a dispatch already succeeded.
type Ledger interface {
	Done(ctx context.Context, key string, step Step) (bool, error)
	Mark(ctx context.Context, key string, step Step) error
}

type noopLedger struct{}

func (noopLedger) Done(context.Context, string, Step) (bool, error) { return false, nil }
func (noopLedger) Mark(context.Context, string, Step) error         { return nil }

// RedisLedger stores step:<key>:<step> markers with a TTL.
type RedisLedger struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisLedger(client redis.Cmdable, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLedger{client: client, ttl: ttl}
}

func ledgerKey(key string, step Step) string {
	return "step:" + key + ":" + string(step)
}

func (l *RedisLedger) Done(ctx context.Context, key string, step Step) (bool, error) {
	_, err := l.client.Get(ctx, ledgerKey(key, step)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *RedisLedger) Mark(ctx context.Context, key string, step Step) error {
	return l.client.Set(ctx, ledgerKey(key, step), time.Now().Unix(), l.ttl).Err()
}
