// Package redis provides Redis-based adapters for the opt-out agent.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
)

const defaultLockTTL = 30 * time.Minute

// releaseScript deletes the lock only when this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock guarantees at most one run per broker-profile-query pair across agent processes.
type RunLock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	owner  string

	mu   sync.Mutex
	held map[string]string
}

var _ core.RunLock = (*RunLock)(nil)

// RunLockOptions configures a RunLock.
type RunLockOptions struct {
	Prefix string
	// TTL bounds how long a crashed holder blocks the target.
	TTL time.Duration
}

// NewRunLock creates a Redis-backed run lock.
func NewRunLock(client redis.UniversalClient, opts RunLockOptions) *RunLock {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "dbp:run:"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RunLock{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		owner:  uuid.NewString(),
		held:   make(map[string]string),
	}
}

func (l *RunLock) key(target model.Target) string {
	return l.prefix + target.String()
}

// Acquire reports whether the lock was taken. A held lock is not an error.
func (l *RunLock) Acquire(ctx context.Context, target model.Target) (bool, error) {
	key := l.key(target)
	token := l.owner + ":" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if ok {
		l.mu.Lock()
		l.held[key] = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Release frees a lock taken by this process. Releasing a lock it does not hold is a no-op.
func (l *RunLock) Release(ctx context.Context, target model.Target) error {
	key := l.key(target)
	l.mu.Lock()
	token, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}
