// Package browser implements the automation surface on top of headless Chrome via chromedp.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/target/mmk-dbp/internal/core"
	errs "github.com/target/mmk-dbp/internal/errors"
)

const (
	defaultActionTimeout = 60 * time.Second
	pingInterval         = 200 * time.Millisecond
	pingTimeout          = 2 * time.Second
	loadTimeoutFactor    = 3
	screenshotQuality    = 80
)

var errStalled = errors.New("page stopped responding")

// Options configures every surface created by a Factory.
type Options struct {
	Headless  bool
	ExecPath  string
	UserAgent string
	// LoadTimeout bounds a whole navigation. Values not above the action
	// timeout are replaced by a multiple of it, so a stalled page is caught
	// by the stall watch before the navigation deadline.
	LoadTimeout time.Duration
	// FakeBrokerUser and FakeBrokerPassword answer auth challenges of fake brokers.
	FakeBrokerUser     string
	FakeBrokerPassword string
	Logger             *slog.Logger
}

// Factory creates isolated surfaces. Each surface runs its own browser
// process with a fresh temporary profile.
type Factory struct {
	opts   Options
	logger *slog.Logger
}

// NewFactory constructs a Factory.
func NewFactory(opts Options) *Factory {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{opts: opts, logger: logger.With("component", "browser")}
}

// NewSurface implements core.SurfaceFactory.
//
//nolint:ireturn // the factory port returns the surface interface.
func (f *Factory) NewSurface(opts core.SurfaceOptions) core.AutomationSurface {
	timeout := opts.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	loadTimeout := f.opts.LoadTimeout
	if loadTimeout <= timeout {
		loadTimeout = loadTimeoutFactor * timeout
	}
	s := &Surface{
		factory:     f.opts,
		logger:      f.logger,
		timeout:     timeout,
		loadTimeout: loadTimeout,
		fakeBroker:  opts.FakeBroker,
	}
	s.watch = stallWatch{
		interval: pingInterval,
		limit:    timeout,
		now:      time.Now,
		ping:     s.ping,
	}
	return s
}

// Surface is one browser context owned by a single job.
type Surface struct {
	factory     Options
	logger      *slog.Logger
	timeout     time.Duration
	loadTimeout time.Duration
	fakeBroker  bool
	watch       stallWatch

	mu          sync.Mutex
	browserCtx  context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// Initialize starts the browser process. visible=false runs headless
// regardless of the factory setting.
func (s *Surface) Initialize(ctx context.Context, visible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browserCtx != nil {
		return nil
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.factory.Headless && !visible),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if s.factory.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(s.factory.ExecPath))
	}
	if s.factory.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(s.factory.UserAgent))
	}

	// The browser outlives the caller's context; Finish tears it down.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, cancelTab := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and ties its lifetime to browserCtx.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return fmt.Errorf("start browser: %w", err)
	}

	startCtx, cancelStart := s.runContext(ctx, browserCtx)
	defer cancelStart()
	actions := []chromedp.Action{network.Enable()}
	if s.fakeBroker {
		s.listenAuth(browserCtx)
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
	}
	if err := chromedp.Run(startCtx, actions...); err != nil {
		cancelTab()
		cancelAlloc()
		return s.mapErr(ctx, startCtx, fmt.Errorf("enable browser domains: %w", err))
	}

	s.browserCtx = browserCtx
	s.cancelTab = cancelTab
	s.cancelAlloc = cancelAlloc
	return nil
}

// listenAuth answers basic-auth challenges with the fake broker credentials.
// With fetch enabled every request pauses, so paused requests are resumed.
func (s *Surface) listenAuth(browserCtx context.Context) {
	chromedp.ListenTarget(browserCtx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(browserCtx, fetch.ContinueRequest(e.RequestID))
			}()
		case *fetch.EventAuthRequired:
			resp := &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: s.factory.FakeBrokerUser,
				Password: s.factory.FakeBrokerPassword,
			}
			go func() {
				_ = chromedp.Run(browserCtx, fetch.ContinueWithAuth(e.RequestID, resp))
			}()
		}
	})
}

func (s *Surface) tab() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browserCtx == nil {
		return nil, errs.Unrecoverable("browser surface is not initialized")
	}
	return s.browserCtx, nil
}

// runContext derives a per-call context from the tab that is bounded by the
// action timeout and cancelled together with the caller's context.
func (s *Surface) runContext(callerCtx, tabCtx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(tabCtx, s.timeout)
	stop := context.AfterFunc(callerCtx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Surface) mapErr(callerCtx, runCtx context.Context, err error) error {
	switch {
	case callerCtx.Err() != nil:
		return errs.Cancelled(callerCtx.Err())
	case errors.Is(context.Cause(runCtx), errStalled):
		return errs.Timeout(errStalled.Error())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return errs.Timeout(fmt.Sprintf("no response within %s", s.timeout))
	}
	return err
}

// Load navigates and waits for the load event. It fails with an HTTP error
// when the main document answers with a status of 400 or more, and with a
// timeout when the page stops answering pings for longer than the action
// timeout or the whole load exceeds the load timeout.
func (s *Surface) Load(ctx context.Context, url string) error {
	tabCtx, err := s.tab()
	if err != nil {
		return err
	}
	watchCtx, stalled := context.WithCancelCause(tabCtx)
	defer stalled(nil)
	runCtx, cancel := context.WithTimeout(watchCtx, s.loadTimeout)
	stop := context.AfterFunc(ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	ticker := time.NewTicker(s.watch.interval)
	defer ticker.Stop()
	go s.watch.run(runCtx, ticker.C, stalled)

	start := time.Now()
	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		return s.mapErr(ctx, runCtx, fmt.Errorf("load %s: %w", url, err))
	}
	s.logger.DebugContext(ctx, "page loaded", "url", url, "duration_ms", time.Since(start).Milliseconds())
	if resp != nil && resp.Status >= http.StatusBadRequest {
		return errs.HTTPError(int(resp.Status))
	}
	return nil
}

// ping evaluates a trivial expression on the tab of ctx.
func (s *Surface) ping(ctx context.Context) error {
	var out int
	return chromedp.Run(ctx, chromedp.Evaluate(`1+1`, &out))
}

// stallWatch watches a load in flight and fails it once the page has not
// answered a ping for longer than limit.
type stallWatch struct {
	interval time.Duration
	limit    time.Duration
	now      func() time.Time
	ping     func(ctx context.Context) error
}

func (w stallWatch) run(ctx context.Context, ticks <-chan time.Time, stalled context.CancelCauseFunc) {
	lastSeen := w.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := w.ping(pctx)
		cancel()
		if err == nil {
			lastSeen = w.now()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if w.now().Sub(lastSeen) > w.limit {
			stalled(errStalled)
			return
		}
	}
}

// Evaluate runs a script and returns its JSON value.
func (s *Surface) Evaluate(ctx context.Context, script string) (json.RawMessage, error) {
	tabCtx, err := s.tab()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := s.runContext(ctx, tabCtx)
	defer cancel()

	var raw []byte
	if err = chromedp.Run(runCtx, chromedp.Evaluate(script, &raw)); err != nil {
		return nil, s.mapErr(ctx, runCtx, fmt.Errorf("evaluate: %w", err))
	}
	return json.RawMessage(raw), nil
}

// SetCookies installs cookies before the first navigation.
func (s *Surface) SetCookies(ctx context.Context, cookies []*http.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	tabCtx, err := s.tab()
	if err != nil {
		return err
	}
	runCtx, cancel := s.runContext(ctx, tabCtx)
	defer cancel()

	params := cookieParams(cookies)
	err = chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return s.mapErr(ctx, runCtx, fmt.Errorf("set cookies: %w", err))
	}
	return nil
}

// cookieParams converts HTTP cookies into CDP cookie parameters.
func cookieParams(cookies []*http.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   strings.TrimPrefix(c.Domain, "."),
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if !c.Expires.IsZero() {
			ts := cdp.TimeSinceEpoch(c.Expires)
			p.Expires = &ts
		}
		switch c.SameSite {
		case http.SameSiteStrictMode:
			p.SameSite = network.CookieSameSiteStrict
		case http.SameSiteLaxMode:
			p.SameSite = network.CookieSameSiteLax
		case http.SameSiteNoneMode:
			p.SameSite = network.CookieSameSiteNone
		case http.SameSiteDefaultMode:
		}
		out = append(out, p)
	}
	return out
}

// Snapshot captures the page URL, HTML and a full-page screenshot.
func (s *Surface) Snapshot(ctx context.Context) (core.Evidence, error) {
	tabCtx, err := s.tab()
	if err != nil {
		return core.Evidence{}, err
	}
	runCtx, cancel := s.runContext(ctx, tabCtx)
	defer cancel()

	var ev core.Evidence
	err = chromedp.Run(runCtx,
		chromedp.Location(&ev.URL),
		chromedp.OuterHTML("html", &ev.HTML, chromedp.ByQuery),
		chromedp.FullScreenshot(&ev.Screenshot, screenshotQuality),
	)
	if err != nil {
		return core.Evidence{}, s.mapErr(ctx, runCtx, fmt.Errorf("snapshot: %w", err))
	}
	ev.TakenAt = time.Now().UTC()
	return ev, nil
}

// Finish closes the browser and removes its temporary profile.
func (s *Surface) Finish(ctx context.Context) error {
	s.mu.Lock()
	browserCtx, cancelTab, cancelAlloc := s.browserCtx, s.cancelTab, s.cancelAlloc
	s.browserCtx, s.cancelTab, s.cancelAlloc = nil, nil, nil
	s.mu.Unlock()
	if browserCtx == nil {
		return nil
	}

	err := chromedp.Cancel(browserCtx)
	cancelTab()
	cancelAlloc()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "browser did not close cleanly", "error", err)
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
