package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements shared.Locker across processes with SET NX PX.
type RedisLocker struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	wait      time.Duration
	retry     time.Duration
}

// NewRedisLocker builds a locker. ttl bounds how long a crashed holder blocks
// others; wait bounds how long Lock retries.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, namespace: DefaultNamespace, ttl: ttl, wait: wait, retry: 25 * time.Millisecond}
}

// WithNamespace stores lock keys under namespace instead of DefaultNamespace,
// so several engines can share one Redis.
func (l *RedisLocker) WithNamespace(namespace string) *RedisLocker {
	l.namespace = namespace
	return l
}

// Lock acquires key or fails with shared.ErrLockTimeout.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("platform/cache: locker not initialised")
	}
	key = Key(l.namespace, "lock", key)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("platform/cache: lock %s: %w", key, err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", shared.ErrLockTimeout, key)
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s", shared.ErrLockTimeout, key)
		case <-timer.C:
		}
	}
}
