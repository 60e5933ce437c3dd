package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-dbp/internal/domain/model"
	"github.com/target/mmk-dbp/internal/testutil"
)

// setupTestRedis creates a Redis client for testing.
// Tests will be skipped if Redis is not available.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	return testutil.SetupTestRedis(t)
}

// uniquePrefix keeps parallel runs against a shared Redis apart.
func uniquePrefix() string {
	return "test:" + uuid.NewString() + ":"
}

func TestRunLock_AcquireRelease(t *testing.T) {
	client := setupTestRedis(t)

	ctx := context.Background()
	prefix := uniquePrefix()
	target := model.Target{BrokerID: 1, ProfileQueryID: 2}

	first := NewRunLock(client, RunLockOptions{Prefix: prefix, TTL: time.Minute})
	second := NewRunLock(client, RunLockOptions{Prefix: prefix, TTL: time.Minute})

	ok, err := first.Acquire(ctx, target)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx, target)
	require.NoError(t, err)
	assert.False(t, ok, "a second process must not take a held lock")

	// Releasing a lock it never took leaves the holder in place.
	require.NoError(t, second.Release(ctx, target))
	ok, err = second.Acquire(ctx, target)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx, target))
	ok, err = second.Acquire(ctx, target)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release(ctx, target))
}

func TestRunLock_IndependentTargets(t *testing.T) {
	client := setupTestRedis(t)

	ctx := context.Background()
	lock := NewRunLock(client, RunLockOptions{Prefix: uniquePrefix()})

	a := model.Target{BrokerID: 1, ProfileQueryID: 1}
	b := model.Target{BrokerID: 1, ProfileQueryID: 2}
	for _, target := range []model.Target{a, b} {
		ok, err := lock.Acquire(ctx, target)
		require.NoError(t, err)
		assert.True(t, ok, target.String())
	}
	require.NoError(t, lock.Release(ctx, a))
	require.NoError(t, lock.Release(ctx, b))
}

func TestRunLock_ExpiresAfterTTL(t *testing.T) {
	client := setupTestRedis(t)

	ctx := context.Background()
	prefix := uniquePrefix()
	target := model.Target{BrokerID: 9, ProfileQueryID: 9}

	crashed := NewRunLock(client, RunLockOptions{Prefix: prefix, TTL: 100 * time.Millisecond})
	ok, err := crashed.Acquire(ctx, target)
	require.NoError(t, err)
	require.True(t, ok)

	other := NewRunLock(client, RunLockOptions{Prefix: prefix})
	assert.Eventually(t, func() bool {
		ok, err := other.Acquire(ctx, target)
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond)
	require.NoError(t, other.Release(ctx, target))
}

func TestThrottle_Allow(t *testing.T) {
	client := setupTestRedis(t)

	ctx := context.Background()
	throttle := NewThrottle(client, uniquePrefix())

	ok, err := throttle.Allow(ctx, "broker-update", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = throttle.Allow(ctx, "broker-update", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = throttle.Allow(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = throttle.Allow(ctx, "broker-update", 0)
	require.NoError(t, err)
	assert.True(t, ok, "a zero interval never throttles")
}
