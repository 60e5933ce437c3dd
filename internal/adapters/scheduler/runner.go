// Package scheduler triggers the periodic scheduled run of the agent on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	obserrors "github.com/target/mmk-dbp/internal/observability/errors"
	"github.com/target/mmk-dbp/internal/observability/metrics"
	"github.com/target/mmk-dbp/internal/observability/statsd"
)

// DefaultSpec runs the scheduled batch every 20 minutes.
const DefaultSpec = "@every 20m"

// TriggerFunc starts one scheduled run and reports how many operations it queued.
type TriggerFunc func(ctx context.Context) (int, error)

// Runner fires a TriggerFunc on a cron schedule.
type Runner struct {
	spec       string
	runOnStart bool
	trigger    TriggerFunc
	logger     *slog.Logger
	metrics    statsd.Sink
	now        func() time.Time
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	// Spec is a standard five-field cron expression or a descriptor such as "@every 20m".
	Spec       string
	RunOnStart bool
	Trigger    TriggerFunc
	Logger     *slog.Logger
	Metrics    statsd.Sink
	Now        func() time.Time
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Trigger == nil {
		return nil, errors.New("scheduler trigger is required")
	}
	spec := opts.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid scheduler spec %q: %w", spec, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		spec:       spec,
		runOnStart: opts.RunOnStart,
		trigger:    opts.Trigger,
		logger:     logger.With("component", "scheduler"),
		metrics:    opts.Metrics,
		now:        now,
	}, nil
}

// Run starts the cron loop and blocks until ctx is cancelled. An in-flight
// tick is allowed to finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cronLogger{r.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.logger})),
	)
	if _, err := c.AddFunc(r.spec, func() { r.Tick(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	r.logger.InfoContext(ctx, "starting scheduler", "spec", r.spec, "run_on_start", r.runOnStart)
	c.Start()
	if r.runOnStart {
		go r.Tick(ctx)
	}

	<-ctx.Done()
	r.logger.InfoContext(ctx, "scheduler stopping", "reason", ctx.Err())
	<-c.Stop().Done()
	return nil
}

// Tick runs the trigger once and records the outcome.
func (r *Runner) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := r.now()
	queued, err := r.trigger(ctx)
	elapsed := r.now().Sub(start)

	r.emitTickMetrics(queued, elapsed, err)

	switch {
	case err != nil:
		// Keep running; the next tick retries.
		r.logger.ErrorContext(ctx, "scheduled run failed", "error", err)
	case queued > 0:
		r.logger.InfoContext(ctx, "scheduled run finished", "operations", queued, "duration", elapsed)
	default:
		r.logger.DebugContext(ctx, "scheduled run found nothing to do")
	}
}

func (r *Runner) emitTickMetrics(queued int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if queued == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("scheduler.tick", 1, tags)

	if queued > 0 {
		r.metrics.Count("scheduler.operations_queued", int64(queued), tags)
	}

	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}

	if err == nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(r.now().Unix()), nil)
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
