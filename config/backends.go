package config

import (
	"strings"
	"time"
)

// OAuthClientConfig holds client-credentials settings for a backend.
type OAuthClientConfig struct {
	TokenURL     string   `env:"TOKEN_URL"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Scopes       []string `env:"SCOPES"        envSeparator:","`
}

func (c *OAuthClientConfig) sanitize() {
	c.TokenURL = strings.TrimSpace(c.TokenURL)
	c.ClientID = strings.TrimSpace(c.ClientID)
}

// CaptchaConfig configures the CAPTCHA solving backend.
type CaptchaConfig struct {
	BaseURL        string            `env:"BASE_URL"`
	Timeout        time.Duration     `env:"TIMEOUT"         envDefault:"30s"`
	SubmitRetries  int               `env:"SUBMIT_RETRIES"  envDefault:"3"`
	SubmitInterval time.Duration     `env:"SUBMIT_INTERVAL" envDefault:"1s"`
	PollInterval   time.Duration     `env:"POLL_INTERVAL"   envDefault:"5s"`
	PollTimeout    time.Duration     `env:"POLL_TIMEOUT"    envDefault:"3m"`
	OAuth          OAuthClientConfig `                                        envPrefix:"OAUTH_"`
}

// Sanitize applies guardrails to CAPTCHA backend configuration values.
func (c *CaptchaConfig) Sanitize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.OAuth.sanitize()
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	c.SubmitRetries = atLeast(c.SubmitRetries, 1)
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollTimeout < c.PollInterval {
		c.PollTimeout = c.PollInterval
	}
}

// IsConfigured reports whether a backend URL was provided.
func (c *CaptchaConfig) IsConfigured() bool { return c.BaseURL != "" }

// EmailConfig configures the email alias backend.
type EmailConfig struct {
	BaseURL      string            `env:"BASE_URL"`
	Timeout      time.Duration     `env:"TIMEOUT"       envDefault:"30s"`
	PollInterval time.Duration     `env:"POLL_INTERVAL" envDefault:"10s"`
	PollTimeout  time.Duration     `env:"POLL_TIMEOUT"  envDefault:"5m"`
	OAuth        OAuthClientConfig `                                    envPrefix:"OAUTH_"`
}

// Sanitize applies guardrails to email backend configuration values.
func (c *EmailConfig) Sanitize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.OAuth.sanitize()
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.PollTimeout < c.PollInterval {
		c.PollTimeout = c.PollInterval
	}
}

// IsConfigured reports whether a backend URL was provided.
func (c *EmailConfig) IsConfigured() bool { return c.BaseURL != "" }
