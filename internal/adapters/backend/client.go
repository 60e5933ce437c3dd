// Package backend holds the HTTP plumbing shared by the CAPTCHA and email
// service clients: OAuth2 client-credentials auth and JSON round trips.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxResponseBytes = 1 << 20

var (
	// ErrNoAuthToken is returned when no access token could be obtained.
	ErrNoAuthToken = errors.New("backend: no auth token")
	// ErrDecode is returned when a 2xx response body is not the expected JSON.
	ErrDecode = errors.New("backend: decode response")
)

// AuthConfig configures OAuth2 client-credentials auth. An empty TokenURL disables auth.
type AuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Auth       AuthConfig
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client performs authenticated JSON requests against one service.
type Client struct {
	base *url.URL
	http *http.Client
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.StatusCode, e.Body)
}

// NewClient builds a Client. The HTTP client carries the token source when auth is configured.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("backend: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", raw)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	if cfg.Auth.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.TokenURL,
			Scopes:       cfg.Auth.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		authed := cc.Client(ctx)
		authed.Timeout = hc.Timeout
		hc = authed
	}

	return &Client{base: base, http: hc}, nil
}

// Do sends in as JSON (when non-nil) to path and decodes the response into out.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return fmt.Errorf("%w: %w", ErrNoAuthToken, err)
		}
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err = json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}
