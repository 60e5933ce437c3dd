// Package cookies pre-fetches the cookies a broker sets on its landing page
// so the automation surface starts with them installed.
package cookies

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
	"golang.org/x/net/publicsuffix"
)

// Options configures a Fetcher.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Fetcher implements core.CookieFetcher.
type Fetcher struct {
	timeout   time.Duration
	userAgent string
	transport http.RoundTripper
	logger    *slog.Logger
}

var _ core.CookieFetcher = (*Fetcher)(nil)

// NewFetcher constructs a Fetcher.
func NewFetcher(opts Options) *Fetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		timeout:   timeout,
		userAgent: opts.UserAgent,
		transport: opts.Transport,
		logger:    logger.With("component", "cookie_fetcher"),
	}
}

// FetchCookies loads the broker's root URL with a fresh jar and returns the
// cookies that the jar would send back to it. The jar follows the public
// suffix list so cookies scoped to a registrable domain are kept.
func (f *Fetcher) FetchCookies(ctx context.Context, broker model.Broker) ([]*http.Cookie, error) {
	root, err := broker.RootURL()
	if err != nil {
		return nil, errs.MalformedURL(broker.URL)
	}
	rootURL, err := url.Parse(root)
	if err != nil {
		return nil, errs.MalformedURL(root)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	client := &http.Client{Jar: jar, Timeout: f.timeout, Transport: f.transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rootURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Cancelled(ctx.Err())
		}
		return nil, fmt.Errorf("fetch cookies from %s: %w", rootURL.Host, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errs.HTTPError(resp.StatusCode)
	}

	// The jar drops the domain attribute; restore it so the surface scopes them correctly.
	domain := rootURL.Hostname()
	cookies := jar.Cookies(rootURL)
	for _, c := range cookies {
		c.Domain = domain
		c.Path = "/"
	}
	f.logger.DebugContext(ctx, "prefetched cookies", "broker", broker.Name, "count", len(cookies))
	return cookies, nil
}
