package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances instantly whenever After is called.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func TestUntil_ReturnsValueWhenReady(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	got, err := Until(context.Background(), Options{Interval: time.Second, Timeout: time.Minute, Clock: clock},
		func(_ context.Context, attempt int) (string, bool, error) {
			return "token", attempt == 3, nil
		})

	require.NoError(t, err)
	assert.Equal(t, "token", got)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, clock.waits)
}

func TestUntil_TimesOutDeterministically(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	calls := 0
	_, err := Until(context.Background(), Options{Interval: 4 * time.Second, Timeout: 10 * time.Second, Clock: clock},
		func(context.Context, int) (int, bool, error) {
			calls++
			return 0, false, nil
		})

	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second, 2 * time.Second}, clock.waits)
}

func TestUntil_MaxAttempts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	calls := 0
	_, err := Until(context.Background(), Options{Interval: time.Second, MaxAttempts: 2, Clock: clock},
		func(context.Context, int) (int, bool, error) {
			calls++
			return 0, false, nil
		})

	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 2, calls)
}

func TestUntil_StopsOnFatalError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Until(context.Background(), Options{Interval: time.Second, Timeout: time.Minute, Clock: &fakeClock{}},
		func(context.Context, int) (int, bool, error) {
			return 0, false, boom
		})
	require.ErrorIs(t, err, boom)
}

func TestUntil_RetryableErrorIsKeptOnTimeout(t *testing.T) {
	transient := errors.New("503")
	_, err := Until(context.Background(), Options{
		Interval:  time.Second,
		Timeout:   3 * time.Second,
		Retryable: func(err error) bool { return errors.Is(err, transient) },
		Clock:     &fakeClock{now: time.Unix(0, 0)},
	}, func(context.Context, int) (int, bool, error) {
		return 0, false, transient
	})

	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, transient)
}

func TestUntil_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Until(ctx, Options{Interval: time.Second, Timeout: time.Minute},
		func(context.Context, int) (int, bool, error) {
			return 0, false, nil
		})
	require.ErrorIs(t, err, context.Canceled)
}

func TestUntil_RequiresBound(t *testing.T) {
	_, err := Until(context.Background(), Options{}, func(context.Context, int) (int, bool, error) {
		return 0, true, nil
	})
	require.Error(t, err)
}
