package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
	"github.com/target/mmk-dbp/internal/observability/metrics"
	"github.com/target/mmk-dbp/internal/observability/notify"
)

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []notify.OperationFailurePayload
}

func (r *recordingNotifier) NotifyOperationFailure(_ context.Context, p notify.OperationFailurePayload) {
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	r.mu.Unlock()
}

func newTelemetryFixture() (*TelemetrySink, *recordingMetrics, *recordingNotifier) {
	m := &recordingMetrics{}
	n := &recordingNotifier{}
	return NewTelemetrySink(TelemetrySinkOptions{Metrics: m, Notifier: n}), m, n
}

func report(kind RequestKind, oneTime error, opErrs ...error) core.BatchReport {
	return core.BatchReport{
		BatchInfo: core.BatchInfo{
			ID:         "batch-1",
			Kind:       string(kind),
			Operations: 3,
			StartedAt:  baseTime,
		},
		FinishedAt:      baseTime.Add(time.Minute),
		OneTimeError:    oneTime,
		OperationErrors: opErrs,
	}
}

func TestTelemetrySink_BatchFinished(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		sink, m, n := newTelemetryFixture()
		sink.BatchFinished(ctx, report(RequestScheduledAll, nil))

		finished := m.find("batch.finished")
		require.Len(t, finished, 1)
		assert.Equal(t, metrics.ResultSuccess, finished[0].tags["result"])
		durations := m.find("batch.duration")
		require.Len(t, durations, 1)
		assert.Equal(t, float64(time.Minute), durations[0].value)
		assert.Empty(t, n.payloads)
	})

	t.Run("operation errors", func(t *testing.T) {
		sink, m, n := newTelemetryFixture()
		sink.BatchFinished(ctx, report(RequestScheduledAll, nil, errs.Timeout("slow")))

		finished := m.find("batch.finished")
		require.Len(t, finished, 1)
		assert.Equal(t, metrics.ResultError, finished[0].tags["result"])
		assert.Empty(t, n.payloads, "per-job failures notify through history events")
	})

	t.Run("interrupted", func(t *testing.T) {
		sink, m, n := newTelemetryFixture()
		sink.BatchFinished(ctx, report(RequestScheduledAll, errs.ErrInterrupted))

		finished := m.find("batch.finished")
		require.Len(t, finished, 1)
		assert.Equal(t, metrics.ResultError, finished[0].tags["result"])
		assert.Empty(t, n.payloads)
	})

	t.Run("database unavailable", func(t *testing.T) {
		sink, m, n := newTelemetryFixture()
		sink.BatchFinished(ctx, report(RequestImmediateScans, errs.DatabaseUnavailable(errors.New("down"))))

		finished := m.find("batch.finished")
		require.Len(t, finished, 1)
		assert.Equal(t, string(errs.KindDatabaseUnavailable), finished[0].tags["error_class"])
		require.Len(t, n.payloads, 1)
		assert.Equal(t, notify.SeverityCritical, n.payloads[0].Severity)
		assert.Equal(t, "batch-1", n.payloads[0].BatchID)
	})

	t.Run("nothing to run", func(t *testing.T) {
		sink, m, _ := newTelemetryFixture()
		r := report(RequestScheduledScans, nil)
		r.Operations = 0
		sink.BatchFinished(ctx, r)
		assert.Equal(t, metrics.ResultNoop, m.find("batch.finished")[0].tags["result"])
	})
}

func TestTelemetrySink_HistoryEventRecorded(t *testing.T) {
	ctx := WithBatchID(context.Background(), "batch-7")
	sink, m, n := newTelemetryFixture()
	broker := model.Broker{Name: "broker-x", URL: "https://broker-x.example"}
	target := model.Target{BrokerID: 1, ProfileQueryID: 2}

	sink.HistoryEventRecorded(ctx, broker, model.NewEvent(target, model.EventMatchesFound, baseTime))
	assert.Empty(t, n.payloads)

	ev := model.NewErrorEvent(target, errs.ActionFailed("optout-click", "button missing"), baseTime).ForProfile(9)
	sink.HistoryEventRecorded(ctx, broker, ev)

	counted := m.find("history.event")
	require.Len(t, counted, 2)
	assert.Equal(t, string(model.EventError), counted[1].tags["type"])
	assert.Equal(t, string(errs.KindActionFailed), counted[1].tags["error_class"])

	require.Len(t, n.payloads, 1)
	p := n.payloads[0]
	assert.Equal(t, "batch-7", p.BatchID)
	assert.Equal(t, string(model.OperationOptOut), p.Operation)
	assert.Equal(t, "broker-x", p.BrokerName)
	assert.Equal(t, int64(2), p.ProfileQueryID)
	assert.Equal(t, notify.SeverityWarning, p.Severity)
	assert.Equal(t, "9", p.Metadata["extracted_profile_id"])
	assert.False(t, p.IsTest)
}

func TestTelemetrySink_MismatchesComputed(t *testing.T) {
	sink, m, _ := newTelemetryFixture()
	sink.MismatchesComputed(context.Background(), core.MismatchCounts{RemovalCandidates: 2, Unexplained: 1})

	candidates := m.find("mismatch.removal_candidates")
	require.Len(t, candidates, 1)
	assert.Equal(t, float64(2), candidates[0].value)
	assert.Equal(t, float64(1), m.find("mismatch.unexplained")[0].value)
}

func TestTelemetrySink_NilCollaborators(t *testing.T) {
	sink := NewTelemetrySink(TelemetrySinkOptions{})
	assert.NotPanics(t, func() {
		sink.BatchStarted(context.Background(), core.BatchInfo{ID: "b"})
		sink.BatchFinished(context.Background(), report(RequestScheduledAll, errs.DatabaseUnavailable(errors.New("down"))))
		sink.MismatchesComputed(context.Background(), core.MismatchCounts{})
	})
}
