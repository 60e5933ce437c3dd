package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/target/mmk-dbp/config"
)

// NewLogger builds the process logger. JSON is the production format; text is
// easier to read when running the agent locally.
func NewLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Format == config.LogFormatText {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// InitLogger builds the process logger on stdout and installs it as the slog default.
func InitLogger(cfg config.LoggingConfig) *slog.Logger {
	logger := NewLogger(os.Stdout, cfg)
	slog.SetDefault(logger)
	return logger
}

// dotenvFilesVar lists extra .env files, comma separated, loaded before .env.
const dotenvFilesVar = "DBP_ENV_FILES"

// LoadConfig loads configuration from .env files and the environment. Variables
// already set in the environment win over file values.
func LoadConfig() (config.AppConfig, error) {
	if err := loadDotEnv(dotenvPaths(os.Getenv(dotenvFilesVar))...); err != nil {
		return config.AppConfig{}, err
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

func dotenvPaths(extra string) []string {
	var paths []string
	for _, p := range strings.Split(extra, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return append(paths, ".env")
}

// loadDotEnv loads each file that exists. godotenv never overrides variables
// that are already set, so earlier files take precedence.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("load %s: %w", p, err)
	}
	return nil
}

// ValidateServiceConfig validates that at least one service is enabled.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}

	if len(services) == 0 {
		return errors.New("no services enabled")
	}

	return nil
}

// GetEnabledServices returns a list of enabled service names.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		// Return empty list on error - validation will catch this
		return []string{}
	}

	enabledServices := make([]string, 0, len(services))
	for _, mode := range config.ValidServiceModes() {
		if services[mode] {
			enabledServices = append(enabledServices, string(mode))
		}
	}

	return enabledServices
}
