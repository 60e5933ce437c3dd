// Package failurenotifier fans operation failures out to the configured on-call sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/target/mmk-dbp/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{Name: name, Sink: entry.Sink})
	}

	return &Service{
		logger: logger.With("component", "failure_notifier"),
		sinks:  sinks,
	}
}

// NotifyOperationFailure fans the payload out to all sinks and waits for delivery.
func (s *Service) NotifyOperationFailure(ctx context.Context, payload notify.OperationFailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}

	if payload.IsTest {
		s.logger.DebugContext(ctx, "skipping notification for fake broker",
			"broker", payload.BrokerName,
			"operation", payload.Operation,
		)
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendOperationFailure(ctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"batch_id", payload.BatchID,
					"broker", payload.BrokerName,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
