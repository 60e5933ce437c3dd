package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
	obserrors "github.com/target/mmk-dbp/internal/observability/errors"
	"github.com/target/mmk-dbp/internal/observability/metrics"
	"github.com/target/mmk-dbp/internal/observability/notify"
	"github.com/target/mmk-dbp/internal/observability/statsd"
)

type batchIDKey struct{}

// WithBatchID tags ctx with the batch that runs under it.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, id)
}

// BatchIDFromContext returns the batch tagged on ctx, if any.
func BatchIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(batchIDKey{}).(string)
	return id
}

// FailureNotifier delivers failure notifications to on-call channels.
type FailureNotifier interface {
	NotifyOperationFailure(ctx context.Context, payload notify.OperationFailurePayload)
}

// TelemetrySinkOptions groups dependencies for TelemetrySink.
type TelemetrySinkOptions struct {
	Metrics  statsd.Sink     // Optional
	Notifier FailureNotifier // Optional
	Logger   *slog.Logger    // Optional
}

// TelemetrySink turns engine events into metrics and failure notifications.
type TelemetrySink struct {
	metrics  statsd.Sink
	notifier FailureNotifier
	logger   *slog.Logger
}

var _ core.EventSink = (*TelemetrySink)(nil)

// NewTelemetrySink constructs a TelemetrySink.
func NewTelemetrySink(opts TelemetrySinkOptions) *TelemetrySink {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelemetrySink{
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		logger:   logger.With("component", "telemetry"),
	}
}

func batchTags(info core.BatchInfo) map[string]string {
	return map[string]string{
		"kind":      info.Kind,
		"immediate": strconv.FormatBool(info.Immediate),
	}
}

// BatchStarted implements core.EventSink.
func (s *TelemetrySink) BatchStarted(ctx context.Context, info core.BatchInfo) {
	s.logger.InfoContext(ctx, "batch started", "batch_id", info.ID, "kind", info.Kind, "immediate", info.Immediate)
	if s.metrics != nil {
		s.metrics.Count("batch.started", 1, batchTags(info))
	}
}

// BatchFinished implements core.EventSink. Batch-level failures other than
// interruption page on-call.
func (s *TelemetrySink) BatchFinished(ctx context.Context, report core.BatchReport) {
	duration := report.FinishedAt.Sub(report.StartedAt)
	s.logger.InfoContext(ctx, "batch finished",
		"batch_id", report.ID,
		"kind", report.Kind,
		"operations", report.Operations,
		"operation_errors", len(report.OperationErrors),
		"skipped", report.Skipped,
		"duration", duration,
		"error", report.OneTimeError,
	)

	if s.metrics != nil {
		tags := batchTags(report.BatchInfo)
		tags["result"] = metrics.ResultSuccess
		switch {
		case report.OneTimeError != nil:
			tags["result"] = metrics.ResultError
			tags["error_class"] = obserrors.Classify(report.OneTimeError)
		case len(report.OperationErrors) > 0:
			tags["result"] = metrics.ResultError
		case report.Operations == 0:
			tags["result"] = metrics.ResultNoop
		}
		s.metrics.Count("batch.finished", 1, tags)
		if duration > 0 {
			s.metrics.Timing("batch.duration", duration, metrics.CloneTags(tags))
		}
		s.metrics.Gauge("batch.operation_errors", float64(len(report.OperationErrors)), batchTags(report.BatchInfo))
		s.metrics.Gauge("batch.skipped", float64(report.Skipped), batchTags(report.BatchInfo))
	}

	if report.OneTimeError == nil || errors.Is(report.OneTimeError, errs.ErrInterrupted) || s.notifier == nil {
		return
	}
	s.notifier.NotifyOperationFailure(ctx, notify.OperationFailurePayload{
		BatchID:    report.ID,
		Operation:  report.Kind,
		Error:      report.OneTimeError.Error(),
		ErrorClass: obserrors.Classify(report.OneTimeError),
		Severity:   notify.SeverityCritical,
		OccurredAt: report.FinishedAt,
	})
}

// HistoryEventRecorded implements core.EventSink. Failed operations notify
// as warnings; the next run retries them.
func (s *TelemetrySink) HistoryEventRecorded(ctx context.Context, broker model.Broker, ev model.HistoryEvent) {
	if s.metrics != nil {
		tags := map[string]string{"type": string(ev.Type), "broker": broker.Name}
		if ev.Type == model.EventError {
			tags["error_class"] = string(ev.ErrorKind)
		}
		s.metrics.Count("history.event", 1, tags)
	}

	if ev.Type != model.EventError || s.notifier == nil {
		return
	}
	operation := string(model.OperationScan)
	meta := map[string]string{}
	if ev.ExtractedProfileID != nil {
		operation = string(model.OperationOptOut)
		meta["extracted_profile_id"] = strconv.FormatInt(*ev.ExtractedProfileID, 10)
	}
	s.notifier.NotifyOperationFailure(ctx, notify.OperationFailurePayload{
		BatchID:        BatchIDFromContext(ctx),
		Operation:      operation,
		BrokerName:     broker.Name,
		BrokerURL:      broker.URL,
		ProfileQueryID: ev.ProfileQueryID,
		IsTest:         broker.FakeBroker,
		Error:          ev.ErrorDetail,
		ErrorClass:     string(ev.ErrorKind),
		Severity:       notify.SeverityWarning,
		OccurredAt:     ev.Date,
		Metadata:       meta,
	})
}

// MismatchesComputed implements core.EventSink.
func (s *TelemetrySink) MismatchesComputed(_ context.Context, counts core.MismatchCounts) {
	if s.metrics == nil {
		return
	}
	s.metrics.Gauge("mismatch.disappeared", float64(counts.Disappeared), nil)
	s.metrics.Gauge("mismatch.removal_candidates", float64(counts.RemovalCandidates), nil)
	s.metrics.Gauge("mismatch.unexplained", float64(counts.Unexplained), nil)
	s.metrics.Gauge("mismatch.new_matches", float64(counts.NewMatches), nil)
	s.metrics.Gauge("mismatch.parent_child", float64(counts.ParentChildMismatches), nil)
	s.metrics.Gauge("mismatch.last_computed_epoch", float64(time.Now().Unix()), nil)
}
