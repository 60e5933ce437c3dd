package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: storage and Redis configuration
//   - agent.go: job engine, scheduler, broker and browser configuration
//   - backends.go: CAPTCHA and email service clients
//   - http.go: HTTP server configuration
//   - services.go: service mode configuration
//   - observability.go: metrics and failure notifications
type AppConfig struct {
	// IsDev relaxes production guard rails (visible surfaces, memory storage).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Storage selects the storage backend: postgres or memory.
	Storage StorageMode `env:"STORAGE" envDefault:"postgres"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	HTTP HTTPConfig

	// Services is a comma-delimited list of agent, scheduler, http.
	Services string `env:"SERVICES" envDefault:"agent,scheduler,http"`

	Agent     AgentConfig
	Scheduler SchedulerConfig
	Brokers   BrokersConfig
	Browser   BrowserConfig
	Evidence  EvidenceConfig

	Captcha CaptchaConfig `envPrefix:"CAPTCHA_"`
	Email   EmailConfig   `envPrefix:"EMAIL_"`

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.detectDevMode()

	c.Storage = StorageMode(strings.ToLower(strings.TrimSpace(string(c.Storage))))
	if c.Storage != StorageMemory {
		c.Storage = StoragePostgres
	}

	c.Postgres.Sanitize()
	c.Redis.Sanitize()
	c.HTTP.Sanitize()
	c.Agent.Sanitize()
	c.Scheduler.Sanitize()
	c.Brokers.Sanitize()
	c.Browser.Sanitize(c.IsDev)
	c.Captcha.Sanitize()
	c.Email.Sanitize()
	c.Observability.Sanitize()
}

// detectDevMode checks APP_ENV as a fallback for DEV.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsAgentEnabled returns true if the job engine runs in this process.
func (c *AppConfig) IsAgentEnabled() bool {
	return c.serviceEnabled(ServiceModeAgent)
}

// IsSchedulerEnabled returns true if the cron trigger runs in this process.
func (c *AppConfig) IsSchedulerEnabled() bool {
	return c.serviceEnabled(ServiceModeScheduler)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.serviceEnabled(ServiceModeHTTP)
}
