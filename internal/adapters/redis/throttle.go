package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-dbp/internal/core"
)

// Throttle allows a named task at most once per interval across processes.
type Throttle struct {
	client redis.UniversalClient
	prefix string
}

var _ core.Throttle = (*Throttle)(nil)

// NewThrottle creates a Redis-backed throttle.
func NewThrottle(client redis.UniversalClient, prefix string) *Throttle {
	if prefix == "" {
		prefix = "dbp:throttle:"
	}
	return &Throttle{client: client, prefix: prefix}
}

// Allow reports whether the task may run now and, if so, blocks it for every.
func (t *Throttle) Allow(ctx context.Context, key string, every time.Duration) (bool, error) {
	if every <= 0 {
		return true, nil
	}
	ok, err := t.client.SetNX(ctx, t.prefix+key, time.Now().UTC().Format(time.RFC3339), every).Result()
	if err != nil {
		return false, fmt.Errorf("redis throttle %s: %w", key, err)
	}
	return ok, nil
}
