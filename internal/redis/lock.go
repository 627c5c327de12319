package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("window lock not acquired")
)

// Locker serializes booking critical sections per capacity window. It sheds
// contention early so fewer transactions pile up on the same advisory lock;
// the database transaction remains the source of correctness.
type Locker interface {
	WithWindowLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type redisWindowLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisWindowLocker creates a locker that uses one Redis key per window.
func NewRedisWindowLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisWindowLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisWindowLocker) WithWindowLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := fmt.Sprintf("lock:window:%s", key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire window lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, lockKey, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisWindowLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release window lock: %w", err)
	}
	return nil
}
