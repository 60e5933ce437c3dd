package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/action"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
	"github.com/target/mmk-dbp/internal/observability/metrics"
	"github.com/target/mmk-dbp/internal/observability/statsd"
)

// ActionExecutor runs one broker action against a surface.
type ActionExecutor interface {
	Execute(ctx context.Context, surface core.AutomationSurface, a model.Action, req *action.RequestData) (action.Result, error)
}

// RunnerConfig tunes how scripts are executed.
type RunnerConfig struct {
	ActionTimeout time.Duration
	// ClickAwaitTime is waited after every click so the page can react.
	ClickAwaitTime time.Duration
	ScanRetries    int
	OptOutRetries  int
	RetryWait      time.Duration
}

// OperationRunnerOptions groups dependencies for OperationRunner.
type OperationRunnerOptions struct {
	DB       core.Database       // Required
	Surfaces core.SurfaceFactory // Required
	Executor ActionExecutor      // Required
	Cookies  core.CookieFetcher  // Optional: cookie pre-fetch for brokers that ask for it
	Events   core.EventSink      // Optional
	Metrics  statsd.Sink         // Optional
	Logger   *slog.Logger        // Optional
	Config   RunnerConfig
	Now      func() time.Time
}

// RunOptions are the per-batch knobs of a single run.
type RunOptions struct {
	ShowSurface bool
	// Immediate marks runs started by the user; their site load times are recorded.
	Immediate bool
}

// ScanOutcome summarises a successful scan.
type ScanOutcome struct {
	Matches    int
	New        int
	Reappeared int
	Confirmed  int
	// NotFound is true when the broker answered 404 for the search page.
	NotFound bool
}

// OptOutOutcome summarises an opt-out run.
type OptOutOutcome struct {
	// Skipped is true for mirror brokers whose removals go through the parent.
	Skipped bool
	Attempt int
}

// OperationRunner executes scans and opt-outs for one broker and profile query
// pair and persists every state transition.
type OperationRunner struct {
	db       core.Database
	surfaces core.SurfaceFactory
	executor ActionExecutor
	cookies  core.CookieFetcher
	events   core.EventSink
	metrics  statsd.Sink
	logger   *slog.Logger
	cfg      RunnerConfig
	now      func() time.Time
}

// NewOperationRunner constructs an OperationRunner.
func NewOperationRunner(opts OperationRunnerOptions) (*OperationRunner, error) {
	if opts.DB == nil {
		return nil, errors.New("database is required")
	}
	if opts.Surfaces == nil {
		return nil, errors.New("surface factory is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("action executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := opts.Events
	if events == nil {
		events = core.NopEventSink{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg.ScanRetries < 0 {
		cfg.ScanRetries = 0
	}
	if cfg.OptOutRetries < 0 {
		cfg.OptOutRetries = 0
	}
	return &OperationRunner{
		db:       opts.DB,
		surfaces: opts.Surfaces,
		executor: opts.Executor,
		cookies:  opts.Cookies,
		events:   events,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "operation_runner"),
		cfg:      cfg,
		now:      func() time.Time { return now().UTC() },
	}, nil
}

func (r *OperationRunner) record(ctx context.Context, broker model.Broker, ev model.HistoryEvent) error {
	if err := r.db.AddHistoryEvent(ctx, ev); err != nil {
		return fmt.Errorf("record %s event: %w", ev.Type, err)
	}
	r.events.HistoryEventRecorded(ctx, broker, ev)
	return nil
}

// stepRun carries what a script produced.
type stepRun struct {
	profiles []model.ExtractedProfile
	notFound bool
}

// runStep executes every action of step on a fresh surface. A tolerated 404
// ends the step early with no listings.
func (r *OperationRunner) runStep(
	ctx context.Context,
	step model.Step,
	req *action.RequestData,
	retries int,
	opts RunOptions,
) (stepRun, error) {
	surface := r.surfaces.NewSurface(core.SurfaceOptions{
		ActionTimeout: r.cfg.ActionTimeout,
		FakeBroker:    req.Broker.FakeBroker,
	})
	defer func() {
		if err := surface.Finish(context.WithoutCancel(ctx)); err != nil {
			r.logger.WarnContext(ctx, "surface finish failed", "broker", req.Broker.Name, "error", err)
		}
	}()

	if err := surface.Initialize(ctx, opts.ShowSurface); err != nil {
		return stepRun{}, err
	}
	r.prefetchCookies(ctx, surface, req.Broker)

	var out stepRun
	for _, a := range step.Actions {
		start := time.Now()
		res, err := r.executeWithRetry(ctx, surface, a, req, retries)
		if err != nil {
			return stepRun{}, err
		}
		if a.Type() == model.ActionNavigate && opts.Immediate && r.metrics != nil {
			r.metrics.Timing("operation.site_load_duration", time.Since(start), map[string]string{
				"broker": req.Broker.Name,
				"step":   string(step.Type),
			})
		}
		if res.NotFound {
			out.notFound = true
			break
		}
		if res.Extracted {
			out.profiles = append(out.profiles, res.Profiles...)
		}
		if a.Type() == model.ActionClick && r.cfg.ClickAwaitTime > 0 {
			if err = sleep(ctx, r.cfg.ClickAwaitTime); err != nil {
				return stepRun{}, errs.Cancelled(err)
			}
		}
	}
	return out, nil
}

func (r *OperationRunner) prefetchCookies(ctx context.Context, surface core.AutomationSurface, broker model.Broker) {
	if !broker.PrefetchCookies || r.cookies == nil {
		return
	}
	cookies, err := r.cookies.FetchCookies(ctx, broker)
	if err != nil {
		r.logger.WarnContext(ctx, "cookie prefetch failed", "broker", broker.Name, "error", err)
		return
	}
	if err = surface.SetCookies(ctx, cookies); err != nil {
		r.logger.WarnContext(ctx, "installing prefetched cookies failed", "broker", broker.Name, "error", err)
	}
}

// executeWithRetry retries a failed action with a fixed wait. Cancellation is never retried.
func (r *OperationRunner) executeWithRetry(
	ctx context.Context,
	surface core.AutomationSurface,
	a model.Action,
	req *action.RequestData,
	retries int,
) (action.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			r.logger.InfoContext(ctx, "retrying action",
				"broker", req.Broker.Name,
				"action_id", a.ActionID(),
				"attempt", attempt,
				"error", lastErr,
			)
			if err := sleep(ctx, r.cfg.RetryWait); err != nil {
				return action.Result{}, errs.Cancelled(err)
			}
		}
		res, err := r.executor.Execute(ctx, surface, a, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errs.IsCancelled(err) || ctx.Err() != nil {
			break
		}
	}
	return action.Result{}, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *OperationRunner) emit(op model.OperationType, broker model.Broker, transition string, start time.Time, err error) {
	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultError
	case transition == "skipped":
		result = metrics.ResultNoop
	}
	var d time.Duration
	if !start.IsZero() {
		d = time.Since(start)
	}
	metrics.EmitOperationLifecycle(r.metrics, metrics.OperationMetric{
		Operation:  string(op),
		Broker:     broker.Name,
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

func newAttemptID() string {
	return uuid.NewString()
}
