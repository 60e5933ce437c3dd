package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
)

// AgentOptions groups dependencies for Agent.
type AgentOptions struct {
	DB         core.Database       // Required
	Queue      *QueueManager       // Required
	Operations OperationSource     // Required
	Runner     *OperationRunner    // Required
	Mismatches *MismatchCalculator // Required
	Logger     *slog.Logger
	Now        func() time.Time
}

// Agent is the job control surface used by the HTTP API and the scheduler.
type Agent struct {
	db         core.Database
	queue      *QueueManager
	operations OperationSource
	runner     *OperationRunner
	mismatches *MismatchCalculator
	logger     *slog.Logger
	now        func() time.Time
}

// NewAgent constructs an Agent.
func NewAgent(opts AgentOptions) (*Agent, error) {
	switch {
	case opts.DB == nil:
		return nil, errors.New("database is required")
	case opts.Queue == nil:
		return nil, errors.New("queue manager is required")
	case opts.Operations == nil:
		return nil, errors.New("operations source is required")
	case opts.Runner == nil:
		return nil, errors.New("operation runner is required")
	case opts.Mismatches == nil:
		return nil, errors.New("mismatch calculator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Agent{
		db:         opts.DB,
		queue:      opts.Queue,
		operations: opts.Operations,
		runner:     opts.Runner,
		mismatches: opts.Mismatches,
		logger:     logger.With("component", "agent"),
		now:        now,
	}, nil
}

func (a *Agent) start(kind RequestKind, showSurface bool) (*Ticket, error) {
	return a.queue.Execute(Request{
		Kind:        kind,
		ShowSurface: showSurface,
		ErrorHandler: func(ctx context.Context, c ErrorCollection) {
			a.logger.WarnContext(ctx, "batch finished with errors",
				"batch_id", BatchIDFromContext(ctx),
				"kind", kind,
				"one_time_error", c.OneTimeError,
				"operation_errors", len(c.OperationErrors),
			)
		},
	})
}

// StartImmediateScans scans every broker for every profile query now.
func (a *Agent) StartImmediateScans(showSurface bool) (*Ticket, error) {
	return a.start(RequestImmediateScans, showSurface)
}

// StartScheduledAll runs every due scan and opt-out.
func (a *Agent) StartScheduledAll(showSurface bool) (*Ticket, error) {
	return a.start(RequestScheduledAll, showSurface)
}

// StartScheduledScansOnly runs every due scan.
func (a *Agent) StartScheduledScansOnly(showSurface bool) (*Ticket, error) {
	return a.start(RequestScheduledScans, showSurface)
}

// RunAllOptOuts submits every pending opt-out.
func (a *Agent) RunAllOptOuts(showSurface bool) (*Ticket, error) {
	return a.start(RequestAllOptOuts, showSurface)
}

// Start runs a batch of the given kind.
func (a *Agent) Start(kind RequestKind, showSurface bool) (*Ticket, error) {
	return a.start(kind, showSurface)
}

// SaveProfile stores the profile queries and starts immediate scans for them.
// A refused immediate request still keeps the saved queries; the next
// scheduled run picks them up.
func (a *Agent) SaveProfile(ctx context.Context, queries []model.ProfileQuery, showSurface bool) ([]model.ProfileQuery, *Ticket, error) {
	if len(queries) == 0 {
		return nil, nil, errors.New("at least one profile query is required")
	}
	saved, err := a.db.SaveProfileQueries(ctx, queries)
	if err != nil {
		return nil, nil, fmt.Errorf("save profile: %w", err)
	}
	a.logger.InfoContext(ctx, "profile saved", "queries", len(saved))
	ticket, err := a.StartImmediateScans(showSurface)
	return saved, ticket, err
}

// ConfirmRemoval marks a listing as removed after an out-of-band confirmation.
func (a *Agent) ConfirmRemoval(ctx context.Context, target model.Target, extractedProfileID int64) error {
	return a.runner.ConfirmRemoval(ctx, target, extractedProfileID)
}

// Status returns the queue manager state.
func (a *Agent) Status() QueueStatus {
	return a.queue.Status()
}

// WaitIdle blocks until the queue has no batch left.
func (a *Agent) WaitIdle(ctx context.Context) (ErrorCollection, error) {
	return a.queue.WaitIdle(ctx)
}

// Mismatches returns the latest report, computing one when none exists or
// when recompute is set.
func (a *Agent) Mismatches(ctx context.Context, recompute bool) (MismatchReport, error) {
	if !recompute {
		if r, ok := a.mismatches.Last(); ok {
			return r, nil
		}
	}
	return a.mismatches.Recompute(ctx)
}

// ScheduledTick starts a scheduled-all batch when anything is due. It returns
// the number of operations the batch is expected to run.
func (a *Agent) ScheduledTick(ctx context.Context) (int, error) {
	n, err := a.db.ProfileQueriesCount(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	now := a.now().UTC()
	ops, err := a.operations.CreateOperations(ctx, model.OperationAll, &now)
	if err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if _, err = a.StartScheduledAll(false); err != nil {
		return 0, err
	}
	return len(ops), nil
}
