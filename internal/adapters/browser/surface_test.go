package browser

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-dbp/internal/core"
	errs "github.com/target/mmk-dbp/internal/errors"
)

func TestNewSurface_DefaultTimeout(t *testing.T) {
	f := NewFactory(Options{Headless: true})

	s, ok := f.NewSurface(core.SurfaceOptions{}).(*Surface)
	require.True(t, ok)
	assert.Equal(t, defaultActionTimeout, s.timeout)

	s, ok = f.NewSurface(core.SurfaceOptions{ActionTimeout: 5 * time.Second, FakeBroker: true}).(*Surface)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, s.timeout)
	assert.True(t, s.fakeBroker)
	assert.Equal(t, 15*time.Second, s.loadTimeout)
	assert.Equal(t, 5*time.Second, s.watch.limit)
}

func TestNewSurface_LoadTimeoutOutlastsActionTimeout(t *testing.T) {
	f := NewFactory(Options{LoadTimeout: 2 * time.Minute})
	s, ok := f.NewSurface(core.SurfaceOptions{ActionTimeout: 30 * time.Second}).(*Surface)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, s.loadTimeout)

	s, ok = f.NewSurface(core.SurfaceOptions{ActionTimeout: 5 * time.Minute}).(*Surface)
	require.True(t, ok)
	assert.Greater(t, s.loadTimeout, s.timeout)
}

// fakeClock is advanced by the test between ticks.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStallWatch_SilentPageFailsLoad(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	// each ping takes this long and then fails
	steps := []time.Duration{5 * time.Second, 6 * time.Second}
	var calls atomic.Int32
	w := stallWatch{
		limit: 10 * time.Second,
		now:   clock.Now,
		ping: func(context.Context) error {
			clock.Advance(steps[calls.Add(1)-1])
			return errors.New("page busy")
		},
	}

	ctx, stalled := context.WithCancelCause(context.Background())
	defer stalled(nil)
	ticks := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		w.run(ctx, ticks, stalled)
		close(done)
	}()

	for i := range steps {
		select {
		case ticks <- time.Time{}:
		case <-done:
			t.Fatalf("watch stopped after %d pings", i)
		}
	}
	<-done

	assert.Equal(t, int32(2), calls.Load())
	require.ErrorIs(t, context.Cause(ctx), errStalled)
	s := &Surface{timeout: w.limit}
	err := s.mapErr(context.Background(), ctx, assert.AnError)
	assert.True(t, errs.IsTimeout(err))
}

func TestStallWatch_AnsweringPageKeepsLoading(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	w := stallWatch{
		limit: 10 * time.Second,
		now:   clock.Now,
		ping: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	}

	ctx, stalled := context.WithCancelCause(context.Background())
	ticks := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		w.run(ctx, ticks, stalled)
		close(done)
	}()

	for range 5 {
		clock.Advance(8 * time.Second)
		ticks <- time.Time{}
	}
	stalled(nil)
	<-done

	assert.Equal(t, int32(5), calls.Load())
	assert.ErrorIs(t, context.Cause(ctx), context.Canceled)
	assert.NotErrorIs(t, context.Cause(ctx), errStalled)
}

func TestSurface_RequiresInitialize(t *testing.T) {
	s := NewFactory(Options{}).NewSurface(core.SurfaceOptions{})
	ctx := context.Background()

	err := s.Load(ctx, "https://example.com")
	assert.Equal(t, errs.KindUnrecoverable, errs.KindOf(err))

	_, err = s.Evaluate(ctx, "1")
	assert.Equal(t, errs.KindUnrecoverable, errs.KindOf(err))

	_, err = s.Snapshot(ctx)
	assert.Equal(t, errs.KindUnrecoverable, errs.KindOf(err))

	assert.NoError(t, s.SetCookies(ctx, nil))
	assert.NoError(t, s.Finish(ctx))
}

func TestCookieParams(t *testing.T) {
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	params := cookieParams([]*http.Cookie{
		{Name: "sid", Value: "1", Domain: ".broker.example", Secure: true, HttpOnly: true, Expires: expires, SameSite: http.SameSiteLaxMode},
		nil,
		{Name: "", Value: "skipped"},
		{Name: "pref", Value: "x", Domain: "broker.example", Path: "/search", SameSite: http.SameSiteStrictMode},
	})

	require.Len(t, params, 2)
	assert.Equal(t, "broker.example", params[0].Domain)
	assert.Equal(t, "/", params[0].Path)
	assert.True(t, params[0].Secure)
	assert.True(t, params[0].HTTPOnly)
	assert.Equal(t, network.CookieSameSiteLax, params[0].SameSite)
	require.NotNil(t, params[0].Expires)
	assert.Equal(t, expires.Unix(), params[0].Expires.Time().Unix())

	assert.Equal(t, "/search", params[1].Path)
	assert.Equal(t, network.CookieSameSiteStrict, params[1].SameSite)
	assert.Nil(t, params[1].Expires)
}

func TestMapErr(t *testing.T) {
	s := &Surface{timeout: time.Second}

	caller, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errs.IsCancelled(s.mapErr(caller, context.Background(), assert.AnError)))

	run, cancelRun := context.WithTimeout(context.Background(), -time.Second)
	defer cancelRun()
	assert.True(t, errs.IsTimeout(s.mapErr(context.Background(), run, assert.AnError)))

	stalled, cancelStall := context.WithCancelCause(context.Background())
	cancelStall(errStalled)
	assert.True(t, errs.IsTimeout(s.mapErr(context.Background(), stalled, assert.AnError)))

	assert.Equal(t, assert.AnError, s.mapErr(context.Background(), context.Background(), assert.AnError))
}
