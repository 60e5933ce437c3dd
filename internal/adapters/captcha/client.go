// Package captcha talks to the external CAPTCHA solving backend: it submits
// the page's CAPTCHA details and polls for the solved token.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/mmk-dbp/internal/adapters/backend"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/poll"
	errs "github.com/target/mmk-dbp/internal/errors"
)

const (
	submitPath = "captcha/submit"
	resultPath = "captcha/result"

	defaultSubmitRetries  = 5
	defaultSubmitInterval = 5 * time.Second
	defaultPollInterval   = 40 * time.Second
	defaultPollTimeout    = 5 * time.Minute
)

// Submission and result messages answered by the backend.
const (
	msgSuccess          = "SUCCESS"
	msgFailureTransient = "FAILURE_TRANSIENT"
	msgFailureCritical  = "FAILURE_CRITICAL"
	msgInvalidRequest   = "INVALID_REQUEST"
	msgSolved           = "SOLVED"
	msgUnsolved         = "UNSOLVED"
	msgReady            = "READY"
	msgFailure          = "FAILURE"
)

var errTransient = errors.New("captcha: transient failure")

// Options configures a Client.
type Options struct {
	Backend        backend.Config
	SubmitRetries  int
	SubmitInterval time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	Clock          poll.Clock
	Logger         *slog.Logger
}

// Client implements core.CaptchaService.
type Client struct {
	api            *backend.Client
	submitRetries  int
	submitInterval time.Duration
	pollInterval   time.Duration
	pollTimeout    time.Duration
	clock          poll.Clock
	logger         *slog.Logger
}

var _ core.CaptchaService = (*Client)(nil)

// NewClient builds a Client.
func NewClient(opts Options) (*Client, error) {
	api, err := backend.NewClient(opts.Backend)
	if err != nil {
		return nil, fmt.Errorf("captcha client: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		api:            api,
		submitRetries:  opts.SubmitRetries,
		submitInterval: opts.SubmitInterval,
		pollInterval:   opts.PollInterval,
		pollTimeout:    opts.PollTimeout,
		clock:          opts.Clock,
		logger:         logger.With("component", "captcha_client"),
	}
	if c.submitRetries <= 0 {
		c.submitRetries = defaultSubmitRetries
	}
	if c.submitInterval <= 0 {
		c.submitInterval = defaultSubmitInterval
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = defaultPollTimeout
	}
	return c, nil
}

type submitRequest struct {
	SiteKey string `json:"siteKey"`
	URL     string `json:"url"`
	Type    string `json:"type"`
}

type submitResponse struct {
	Message       string `json:"message"`
	TransactionID string `json:"transactionId"`
}

// SubmitCaptchaInformation submits the CAPTCHA details and returns the solver transaction id.
// Transient backend failures are retried; running out of retries is a timed-out submission.
func (c *Client) SubmitCaptchaInformation(ctx context.Context, info core.CaptchaInfo) (string, error) {
	if info.SiteKey == "" {
		return "", errs.CaptchaService(errs.CaptchaMissingSiteKeyInformation, nil)
	}
	req := submitRequest{SiteKey: info.SiteKey, URL: info.URL, Type: info.Type}

	id, err := poll.Until(ctx, poll.Options{
		Interval:    c.submitInterval,
		MaxAttempts: c.submitRetries + 1,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
		Clock:       c.clock,
	}, func(ctx context.Context, attempt int) (string, bool, error) {
		var resp submitResponse
		if err := c.api.Do(ctx, http.MethodPost, submitPath, nil, req, &resp); err != nil {
			return "", false, c.transportErr(ctx, errs.CaptchaSubmitError, err)
		}
		switch resp.Message {
		case msgSuccess:
			if resp.TransactionID == "" {
				return "", false, errs.CaptchaService(errs.CaptchaMissingTransactionID, nil)
			}
			return resp.TransactionID, true, nil
		case msgFailureTransient:
			c.logger.DebugContext(ctx, "captcha submission transient failure", "attempt", attempt)
			return "", false, errTransient
		case msgFailureCritical:
			return "", false, errs.CaptchaService(errs.CaptchaSubmitCriticalFailure, nil)
		case msgInvalidRequest:
			return "", false, errs.CaptchaService(errs.CaptchaSubmitInvalidRequest, nil)
		default:
			return "", false, errs.CaptchaService(errs.CaptchaSubmitError, fmt.Errorf("unexpected message %q", resp.Message))
		}
	})
	if err != nil {
		return "", c.finalErr(ctx, errs.CaptchaSubmitTimedOut, err)
	}
	c.logger.InfoContext(ctx, "captcha submitted", "transaction_id", id)
	return id, nil
}

type resultRequest struct {
	TransactionID string `json:"transactionId"`
}

type resultResponse struct {
	Message string  `json:"message"`
	Data    *string `json:"data"`
}

// SubmitCaptchaToBeResolved polls the solver until the token is ready.
func (c *Client) SubmitCaptchaToBeResolved(ctx context.Context, transactionID string) (string, error) {
	if transactionID == "" {
		return "", errs.CaptchaService(errs.CaptchaMissingTransactionID, nil)
	}
	token, err := poll.Until(ctx, poll.Options{
		Interval: c.pollInterval,
		Timeout:  c.pollTimeout,
		Clock:    c.clock,
	}, func(ctx context.Context, _ int) (string, bool, error) {
		var resp resultResponse
		if err := c.api.Do(ctx, http.MethodPost, resultPath, nil, resultRequest{TransactionID: transactionID}, &resp); err != nil {
			return "", false, c.transportErr(ctx, errs.CaptchaFetchError, err)
		}
		switch resp.Message {
		case msgSolved:
			if resp.Data == nil || *resp.Data == "" {
				return "", false, errs.CaptchaService(errs.CaptchaFetchNilData, nil)
			}
			return *resp.Data, true, nil
		case msgUnsolved, msgReady:
			return "", false, nil
		case msgFailure:
			return "", false, errs.CaptchaService(errs.CaptchaFetchFailure, nil)
		case msgInvalidRequest:
			return "", false, errs.CaptchaService(errs.CaptchaFetchInvalidRequest, nil)
		default:
			return "", false, errs.CaptchaService(errs.CaptchaFetchError, fmt.Errorf("unexpected message %q", resp.Message))
		}
	})
	if err != nil {
		return "", c.finalErr(ctx, errs.CaptchaFetchTimedOut, err)
	}
	return token, nil
}

func (c *Client) transportErr(ctx context.Context, kind errs.CaptchaKind, err error) error {
	switch {
	case ctx.Err() != nil:
		return errs.CaptchaService(errs.CaptchaCancelled, ctx.Err())
	case errors.Is(err, backend.ErrNoAuthToken):
		return errs.CaptchaService(errs.CaptchaNoAuthToken, err)
	}
	return errs.CaptchaService(kind, err)
}

// finalErr maps loop exhaustion to the timed-out kind and cancellation to the cancelled kind.
func (c *Client) finalErr(ctx context.Context, timedOut errs.CaptchaKind, err error) error {
	switch {
	case errors.Is(err, poll.ErrTimeout), errors.Is(err, poll.ErrAttemptsExhausted):
		return errs.CaptchaService(timedOut, err)
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return errs.CaptchaService(errs.CaptchaCancelled, err)
	}
	return err
}
