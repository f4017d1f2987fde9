// Package cache holds the Redis plumbing behind the cross-process stock lock.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every key the engine writes to Redis.
const DefaultNamespace = "odyssey-ledger"

// Options configures the shared Redis client.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// New dials Redis and pings it so a wrong address fails at startup rather
// than on the first stock movement.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("platform/cache: redis address required")
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Key joins parts under namespace with ':' separators. Empty parts are
// dropped; an empty namespace falls back to DefaultNamespace.
func Key(namespace string, parts ...string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	out := make([]string, 0, len(parts)+1)
	out = append(out, namespace)
	for _, p := range parts {
		if p = strings.Trim(p, ":"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ":")
}
