// Package model defines the data types shared by the data broker opt-out engine.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// StepType identifies which script of a broker a step belongs to.
type StepType string

const (
	// StepTypeScan searches the broker for listings matching a profile query.
	StepTypeScan StepType = "scan"
	// StepTypeOptOut submits a removal request for an extracted profile.
	StepTypeOptOut StepType = "optOut"
)

// ScheduleConfig holds a broker's cadence in hours.
type ScheduleConfig struct {
	RetryError        int `json:"retryError"`
	ConfirmOptOutScan int `json:"confirmOptOutScan"`
	MaintenanceScan   int `json:"maintenanceScan"`
	// MaxAttempts bounds opt-out submissions. Zero or negative means unlimited.
	MaxAttempts int `json:"maxAttempts"`
}

// RetryErrorInterval is the delay before re-running a failed operation.
func (s ScheduleConfig) RetryErrorInterval() time.Duration {
	return time.Duration(s.RetryError) * time.Hour
}

// ConfirmOptOutScanInterval is the delay between an opt-out request and the confirming scan.
func (s ScheduleConfig) ConfirmOptOutScanInterval() time.Duration {
	return time.Duration(s.ConfirmOptOutScan) * time.Hour
}

// MaintenanceScanInterval is the regular rescan cadence; it also spaces opt-out re-submissions.
func (s ScheduleConfig) MaintenanceScanInterval() time.Duration {
	return time.Duration(s.MaintenanceScan) * time.Hour
}

// AttemptsExhausted reports whether another opt-out submission is allowed.
func (s ScheduleConfig) AttemptsExhausted(attempts int) bool {
	return s.MaxAttempts > 0 && attempts >= s.MaxAttempts
}

// Validate reports inconsistent cadence values.
func (s ScheduleConfig) Validate() error {
	if s.RetryError < 0 || s.ConfirmOptOutScan < 0 || s.MaintenanceScan < 0 {
		return fmt.Errorf(
			"negative schedule (retryError=%d confirmOptOutScan=%d maintenanceScan=%d)",
			s.RetryError, s.ConfirmOptOutScan, s.MaintenanceScan,
		)
	}
	return nil
}

// Step is one ordered script of a broker.
type Step struct {
	Type       StepType `json:"stepType"`
	OptOutType string   `json:"optOutType,omitempty"`
	Actions    []Action `json:"actions"`
}

// UnmarshalJSON decodes the step and each of its actions into their concrete variants.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       StepType          `json:"stepType"`
		OptOutType string            `json:"optOutType"`
		Actions    []json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode step: %w", err)
	}
	actions := make([]Action, 0, len(raw.Actions))
	for _, item := range raw.Actions {
		action, err := DecodeAction(item)
		if err != nil {
			return err
		}
		actions = append(actions, action)
	}
	s.Type = raw.Type
	s.OptOutType = raw.OptOutType
	s.Actions = actions
	return nil
}

// Broker is a third-party site hosting personal data listings.
type Broker struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	Version string `json:"version"`
	// Parent names the broker that owns this mirror site. Opt-outs go through the parent.
	Parent          string         `json:"parent,omitempty"`
	OptOutURL       string         `json:"optOutUrl,omitempty"`
	Steps           []Step         `json:"steps"`
	Schedule        ScheduleConfig `json:"schedulingConfig"`
	PrefetchCookies bool           `json:"prefetchCookies,omitempty"`
	FakeBroker      bool           `json:"fakeBroker,omitempty"`
}

// ParseBroker decodes a broker definition file.
func ParseBroker(data []byte) (Broker, error) {
	var b Broker
	if err := json.Unmarshal(data, &b); err != nil {
		return Broker{}, fmt.Errorf("parse broker: %w", err)
	}
	if strings.TrimSpace(b.Name) == "" {
		return Broker{}, errors.New("parse broker: name is required")
	}
	return b, nil
}

// IsChild reports whether the broker is a mirror of a parent broker.
func (b Broker) IsChild() bool {
	return strings.TrimSpace(b.Parent) != ""
}

// Step returns the first step of the given type.
func (b Broker) Step(t StepType) (Step, bool) {
	for _, s := range b.Steps {
		if s.Type == t {
			return s, true
		}
	}
	return Step{}, false
}

// Domain returns the registrable domain of the broker URL (eTLD+1).
func (b Broker) Domain() (string, error) {
	raw := b.URL
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("broker %q has invalid url %q", b.Name, b.URL)
	}
	return publicsuffix.EffectiveTLDPlusOne(u.Hostname())
}

// RootURL is the https origin of the broker.
func (b Broker) RootURL() (string, error) {
	domain, err := b.Domain()
	if err != nil {
		return "", err
	}
	return "https://" + domain, nil
}
