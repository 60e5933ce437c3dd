// Package notify defines the failure notifications the agent sends to on-call channels.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// OperationFailurePayload captures the canonical data emitted when a scan or opt-out fails.
type OperationFailurePayload struct {
	BatchID        string
	Operation      string
	BrokerName     string
	BrokerURL      string
	ProfileQueryID int64
	// IsTest marks failures on fake brokers used for end-to-end checks.
	IsTest     bool
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming failure notifications.
type Sink interface {
	SendOperationFailure(ctx context.Context, payload OperationFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload OperationFailurePayload) error

// SendOperationFailure implements the Sink interface.
func (f SinkFunc) SendOperationFailure(ctx context.Context, payload OperationFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
