package core

import (
	"context"
	"time"

	"github.com/target/mmk-dbp/internal/domain/model"
)

// BatchInfo identifies a queue manager batch.
type BatchInfo struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Immediate  bool      `json:"immediate"`
	Operations int       `json:"operations"`
	StartedAt  time.Time `json:"startedAt"`
}

// BatchReport is emitted once per batch after every job reached a terminal state.
type BatchReport struct {
	BatchInfo
	FinishedAt      time.Time
	OneTimeError    error
	OperationErrors []error
	Skipped         int
}

// MismatchCounts summarises a reconciliation pass.
type MismatchCounts struct {
	Disappeared           int `json:"disappeared"`
	RemovalCandidates     int `json:"removalCandidates"`
	Unexplained           int `json:"unexplained"`
	NewMatches            int `json:"newMatches"`
	ParentChildMismatches int `json:"parentChildMismatches"`
}

// EventSink receives the events the engine produces for telemetry.
type EventSink interface {
	BatchStarted(ctx context.Context, info BatchInfo)
	BatchFinished(ctx context.Context, report BatchReport)
	HistoryEventRecorded(ctx context.Context, broker model.Broker, ev model.HistoryEvent)
	MismatchesComputed(ctx context.Context, counts MismatchCounts)
}

// NopEventSink discards every event.
type NopEventSink struct{}

func (NopEventSink) BatchStarted(context.Context, BatchInfo)                                {}
func (NopEventSink) BatchFinished(context.Context, BatchReport)                             {}
func (NopEventSink) HistoryEventRecorded(context.Context, model.Broker, model.HistoryEvent) {}
func (NopEventSink) MismatchesComputed(context.Context, MismatchCounts)                     {}
