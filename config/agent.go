package config

import (
	"strings"
	"time"
)

// AgentConfig tunes the job engine.
type AgentConfig struct {
	// Concurrency limits per batch kind. Scan batches are lighter than opt-out batches.
	ScanConcurrency   int `env:"AGENT_SCAN_CONCURRENCY"   envDefault:"6"`
	OptOutConcurrency int `env:"AGENT_OPTOUT_CONCURRENCY" envDefault:"2"`
	AllConcurrency    int `env:"AGENT_ALL_CONCURRENCY"    envDefault:"4"`

	ActionTimeout  time.Duration `env:"AGENT_ACTION_TIMEOUT"    envDefault:"60s"`
	ClickAwaitTime time.Duration `env:"AGENT_CLICK_AWAIT_TIME"  envDefault:"0s"`
	ScanRetries    int           `env:"AGENT_SCAN_RETRIES"      envDefault:"3"`
	OptOutRetries  int           `env:"AGENT_OPTOUT_RETRIES"    envDefault:"3"`
	RetryWait      time.Duration `env:"AGENT_RETRY_WAIT"        envDefault:"3s"`

	// ShowSurface runs browsers visibly. Only honoured in development.
	ShowSurface bool `env:"AGENT_SHOW_SURFACE" envDefault:"false"`

	// Credentials for the fake broker used in end-to-end tests.
	FakeBrokerUser     string `env:"AGENT_FAKE_BROKER_USER"`
	FakeBrokerPassword string `env:"AGENT_FAKE_BROKER_PASSWORD"`

	// RunLockPrefix namespaces per-target locks in Redis.
	RunLockPrefix string `env:"AGENT_RUN_LOCK_PREFIX" envDefault:"dbp:run:"`
}

// Sanitize applies guardrails to agent configuration values.
func (c *AgentConfig) Sanitize() {
	c.ScanConcurrency = atLeast(c.ScanConcurrency, 1)
	c.OptOutConcurrency = atLeast(c.OptOutConcurrency, 1)
	c.AllConcurrency = atLeast(c.AllConcurrency, 1)
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 60 * time.Second
	}
	if c.ClickAwaitTime < 0 {
		c.ClickAwaitTime = 0
	}
	c.ScanRetries = atLeast(c.ScanRetries, 1)
	c.OptOutRetries = atLeast(c.OptOutRetries, 1)
	if c.RetryWait < 0 {
		c.RetryWait = 0
	}
	if c.RunLockPrefix = strings.TrimSpace(c.RunLockPrefix); c.RunLockPrefix == "" {
		c.RunLockPrefix = "dbp:run:"
	}
}

// SchedulerConfig controls the cron trigger for scheduled batches.
type SchedulerConfig struct {
	Spec       string `env:"SCHEDULER_SPEC"         envDefault:"@every 20m"`
	RunOnStart bool   `env:"SCHEDULER_RUN_ON_START" envDefault:"true"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (c *SchedulerConfig) Sanitize() {
	if c.Spec = strings.TrimSpace(c.Spec); c.Spec == "" {
		c.Spec = "@every 20m"
	}
}

// BrokersConfig locates broker definitions on disk.
type BrokersConfig struct {
	Dir            string        `env:"BROKERS_DIR"             envDefault:"brokers"`
	UpdateInterval time.Duration `env:"BROKERS_UPDATE_INTERVAL" envDefault:"24h"`
}

// Sanitize applies guardrails to broker configuration values.
func (c *BrokersConfig) Sanitize() {
	c.Dir = strings.TrimSpace(c.Dir)
	if c.UpdateInterval < 0 {
		c.UpdateInterval = 0
	}
}

// BrowserConfig controls the headless browser used by the surfaces.
type BrowserConfig struct {
	Headless   bool   `env:"BROWSER_HEADLESS"    envDefault:"true"`
	ChromePath string `env:"BROWSER_CHROME_PATH"`
	UserAgent  string `env:"BROWSER_USER_AGENT"`
	// LoadTimeout bounds a page navigation; zero derives it from the action timeout.
	LoadTimeout time.Duration `env:"BROWSER_LOAD_TIMEOUT"`
}

// Sanitize forces headless mode outside development.
func (c *BrowserConfig) Sanitize(isDev bool) {
	c.ChromePath = strings.TrimSpace(c.ChromePath)
	c.UserAgent = strings.TrimSpace(c.UserAgent)
	if c.LoadTimeout < 0 {
		c.LoadTimeout = 0
	}
	if !isDev {
		c.Headless = true
	}
}

// EvidenceConfig controls where failure snapshots are written. Empty disables capture.
type EvidenceConfig struct {
	Dir string `env:"EVIDENCE_DIR"`
}

func atLeast(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
