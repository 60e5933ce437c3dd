// Package email talks to the email relay backend: it generates per-broker
// addresses and polls for the confirmation links brokers send to them.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/target/mmk-dbp/internal/adapters/backend"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/poll"
	errs "github.com/target/mmk-dbp/internal/errors"
)

const (
	generatePath = "email/generate"
	linksPath    = "email/links"

	defaultPollInterval = 30 * time.Second
	defaultPollTimeout  = 15 * time.Minute
)

// Link statuses answered by the backend.
const (
	statusReady   = "ready"
	statusPending = "pending"
	statusUnknown = "unknown"
)

// Options configures a Client.
type Options struct {
	Backend      backend.Config
	PollInterval time.Duration
	PollTimeout  time.Duration
	Clock        poll.Clock
	Logger       *slog.Logger
}

// Client implements core.EmailService.
type Client struct {
	api          *backend.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
	clock        poll.Clock
	logger       *slog.Logger
}

var _ core.EmailService = (*Client)(nil)

// NewClient builds a Client.
func NewClient(opts Options) (*Client, error) {
	api, err := backend.NewClient(opts.Backend)
	if err != nil {
		return nil, fmt.Errorf("email client: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		api:          api,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		clock:        opts.Clock,
		logger:       logger.With("component", "email_client"),
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = defaultPollTimeout
	}
	return c, nil
}

type generateResponse struct {
	EmailAddress string `json:"emailAddress"`
}

// GetEmail generates an address dedicated to the broker.
func (c *Client) GetEmail(ctx context.Context, brokerURL string) (string, error) {
	if strings.TrimSpace(brokerURL) == "" {
		return "", errs.Email(errs.EmailCantGenerateURL, errors.New("broker url is empty"))
	}
	var resp generateResponse
	q := url.Values{"dataBroker": {brokerURL}}
	if err := c.api.Do(ctx, http.MethodGet, generatePath, q, nil, &resp); err != nil {
		return "", c.requestErr(ctx, err)
	}
	if resp.EmailAddress == "" {
		return "", errs.Email(errs.EmailCantFindEmail, errors.New("empty address in response"))
	}
	return resp.EmailAddress, nil
}

type linkResponse struct {
	Link   string `json:"link"`
	Status string `json:"status"`
}

// GetConfirmationLink polls until the broker's confirmation email arrived.
// pollInterval overrides the client's interval when positive.
func (c *Client) GetConfirmationLink(ctx context.Context, email string, pollInterval time.Duration) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", errs.Email(errs.EmailCantFindEmail, nil)
	}
	if pollInterval <= 0 {
		pollInterval = c.pollInterval
	}
	q := url.Values{"e": {email}}

	link, err := poll.Until(ctx, poll.Options{
		Interval: pollInterval,
		Timeout:  c.pollTimeout,
		Clock:    c.clock,
	}, func(ctx context.Context, attempt int) (string, bool, error) {
		var resp linkResponse
		if err := c.api.Do(ctx, http.MethodGet, linksPath, q, nil, &resp); err != nil {
			return "", false, c.requestErr(ctx, err)
		}
		switch resp.Status {
		case statusReady:
			if _, err := url.Parse(resp.Link); err != nil || resp.Link == "" {
				return "", false, errs.Email(errs.EmailCantDecodeEmailLink, err)
			}
			return resp.Link, true, nil
		case statusPending:
			c.logger.DebugContext(ctx, "confirmation email not received yet", "attempt", attempt)
			return "", false, nil
		case statusUnknown:
			return "", false, errs.Email(errs.EmailUnknownStatusReceived, nil)
		default:
			return "", false, errs.Email(errs.EmailUnknownStatusReceived, fmt.Errorf("status %q", resp.Status))
		}
	})
	switch {
	case err == nil:
		return link, nil
	case errors.Is(err, poll.ErrTimeout):
		return "", errs.Email(errs.EmailLinkExtractionTimedOut, err)
	case ctx.Err() != nil:
		return "", errs.Email(errs.EmailCancelled, ctx.Err())
	}
	return "", err
}

func (c *Client) requestErr(ctx context.Context, err error) error {
	var se *backend.StatusError
	switch {
	case ctx.Err() != nil:
		return errs.Email(errs.EmailCancelled, ctx.Err())
	case errors.As(err, &se):
		return errs.Email(errs.EmailHTTPError, err)
	case errors.Is(err, backend.ErrDecode):
		return errs.Email(errs.EmailCantDecodeEmailLink, err)
	}
	return errs.Email(errs.EmailHTTPError, err)
}
