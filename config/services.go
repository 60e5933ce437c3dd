package config

import (
	"errors"
	"fmt"
	"strings"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeAgent runs the job engine: queue, runner and broker updates.
	ServiceModeAgent ServiceMode = "agent"
	// ServiceModeScheduler runs the cron trigger for scheduled batches.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeHTTP runs the HTTP control API.
	ServiceModeHTTP ServiceMode = "http"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeAgent, ServiceModeScheduler, ServiceModeHTTP}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if strings.TrimSpace(servicesStr) == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.ToLower(strings.TrimSpace(part))
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeAgent, ServiceModeScheduler, ServiceModeHTTP:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: agent, scheduler, http)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	// The scheduler and the API both drive the agent's queue.
	if (services[ServiceModeScheduler] || services[ServiceModeHTTP]) && !services[ServiceModeAgent] {
		return nil, errors.New("scheduler and http services require the agent service")
	}

	return services, nil
}
