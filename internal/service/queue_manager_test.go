package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
	"github.com/target/mmk-dbp/internal/mocks"
	"go.uber.org/mock/gomock"
)

const waitTimeout = 2 * time.Second

type fakeOperationSource struct {
	mu    sync.Mutex
	ops   map[model.OperationType][]Operation
	err   error
	calls map[model.OperationType]int
	dates []*time.Time
}

func newFakeOperationSource() *fakeOperationSource {
	return &fakeOperationSource{
		ops:   make(map[model.OperationType][]Operation),
		calls: make(map[model.OperationType]int),
	}
}

func (s *fakeOperationSource) set(typ model.OperationType, ops ...Operation) {
	s.mu.Lock()
	s.ops[typ] = ops
	s.mu.Unlock()
}

func (s *fakeOperationSource) CreateOperations(_ context.Context, typ model.OperationType, priorityDate *time.Time) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[typ]++
	s.dates = append(s.dates, priorityDate)
	if s.err != nil {
		return nil, s.err
	}
	return append([]Operation(nil), s.ops[typ]...), nil
}

func (s *fakeOperationSource) Calls(typ model.OperationType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[typ]
}

// gatedRunner blocks jobs of gated targets until the gate is closed.
type gatedRunner struct {
	mu      sync.Mutex
	started []model.Target
	running map[model.Target]int
	overlap bool
	gates   map[model.Target]chan struct{}
	errFor  map[model.Target]error
	optOut  map[int64]OptOutOutcome
	startCh chan model.Target
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		running: make(map[model.Target]int),
		gates:   make(map[model.Target]chan struct{}),
		errFor:  make(map[model.Target]error),
		optOut:  make(map[int64]OptOutOutcome),
		startCh: make(chan model.Target, 64),
	}
}

func (r *gatedRunner) gate(t model.Target) chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.gates[t] = ch
	r.mu.Unlock()
	return ch
}

func (r *gatedRunner) run(t model.Target) error {
	r.mu.Lock()
	r.started = append(r.started, t)
	r.running[t]++
	if r.running[t] > 1 {
		r.overlap = true
	}
	gate := r.gates[t]
	err := r.errFor[t]
	r.mu.Unlock()

	r.startCh <- t
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	r.running[t]--
	r.mu.Unlock()
	return err
}

func (r *gatedRunner) RunScan(_ context.Context, t model.Target, _ RunOptions) (ScanOutcome, error) {
	return ScanOutcome{}, r.run(t)
}

func (r *gatedRunner) RunOptOut(_ context.Context, t model.Target, id int64, _ RunOptions) (OptOutOutcome, error) {
	err := r.run(t)
	r.mu.Lock()
	out := r.optOut[id]
	r.mu.Unlock()
	return out, err
}

func (r *gatedRunner) Started() []model.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Target(nil), r.started...)
}

func (r *gatedRunner) awaitStart(t *testing.T, want model.Target) {
	t.Helper()
	select {
	case got := <-r.startCh:
		require.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("job for %s did not start", want)
	}
}

type countingRecomputer struct {
	calls atomic.Int32
}

func (c *countingRecomputer) Recompute(context.Context) (MismatchReport, error) {
	c.calls.Add(1)
	return MismatchReport{}, nil
}

type fakeRunLock struct {
	mu       sync.Mutex
	denied   map[model.Target]bool
	err      error
	released []model.Target
}

func (l *fakeRunLock) Acquire(_ context.Context, t model.Target) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	return !l.denied[t], nil
}

func (l *fakeRunLock) Release(_ context.Context, t model.Target) error {
	l.mu.Lock()
	l.released = append(l.released, t)
	l.mu.Unlock()
	return nil
}

func target(b, q int64) model.Target {
	return model.Target{BrokerID: b, ProfileQueryID: q}
}

func scanOp(t model.Target) Operation {
	return Operation{Target: t, Broker: "broker", Jobs: []Job{{Type: model.OperationScan}}}
}

func optOutOp(t model.Target, ids ...int64) Operation {
	op := Operation{Target: t, Broker: "broker"}
	for _, id := range ids {
		op.Jobs = append(op.Jobs, Job{Type: model.OperationOptOut, ExtractedProfileID: id})
	}
	return op
}

type queueFixture struct {
	source     *fakeOperationSource
	runner     *gatedRunner
	events     *recordingEvents
	metrics    *recordingMetrics
	mismatches *countingRecomputer
	queue      *QueueManager
}

func newQueueFixture(t *testing.T, mutate func(*QueueManagerOptions)) *queueFixture {
	t.Helper()
	f := &queueFixture{
		source:     newFakeOperationSource(),
		runner:     newGatedRunner(),
		events:     &recordingEvents{},
		metrics:    &recordingMetrics{},
		mismatches: &countingRecomputer{},
	}
	opts := QueueManagerOptions{
		Operations:  f.source,
		Runner:      f.runner,
		Mismatches:  f.mismatches,
		Events:      f.events,
		Metrics:     f.metrics,
		Concurrency: Concurrency{Scan: 1, OptOut: 1, All: 1},
		Now:         newTestClock().Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	q, err := NewQueueManager(opts)
	require.NoError(t, err)
	f.queue = q
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return f
}

func wait(t *testing.T, ticket *Ticket) ErrorCollection {
	t.Helper()
	require.NotNil(t, ticket)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := ticket.Wait(ctx)
	require.NoError(t, err, "batch did not complete")
	return res
}

func TestNewQueueManager_RequiresDependencies(t *testing.T) {
	_, err := NewQueueManager(QueueManagerOptions{})
	require.Error(t, err)
	_, err = NewQueueManager(QueueManagerOptions{Operations: newFakeOperationSource()})
	require.Error(t, err)
}

func TestQueueManager_RunsBatchAndCompletesOnce(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.source.set(model.OperationScan, scanOp(target(1, 1)), scanOp(target(2, 1)), scanOp(target(3, 1)))

	var completions, handled atomic.Int32
	ticket, err := f.queue.Execute(Request{
		Kind:         RequestImmediateScans,
		ErrorHandler: func(context.Context, ErrorCollection) { handled.Add(1) },
		Completion:   func(ErrorCollection) { completions.Add(1) },
	})
	require.NoError(t, err)

	res := wait(t, ticket)
	assert.True(t, res.Empty())
	assert.Equal(t, []model.Target{target(1, 1), target(2, 1), target(3, 1)}, f.runner.Started())
	assert.Equal(t, int32(1), completions.Load())
	assert.Zero(t, handled.Load())

	finished := f.events.Finished()
	require.Len(t, finished, 1)
	assert.Equal(t, 3, finished[0].Operations)
	assert.True(t, finished[0].Immediate)
	assert.Equal(t, int32(1), f.mismatches.calls.Load())
	assert.Equal(t, QueueIdle, f.queue.Status().Mode)
}

func TestQueueManager_PriorityDates(t *testing.T) {
	f := newQueueFixture(t, nil)

	wait(t, mustExecute(t, f.queue, RequestImmediateScans))
	wait(t, mustExecute(t, f.queue, RequestScheduledScans))
	wait(t, mustExecute(t, f.queue, RequestAllOptOuts))

	require.Len(t, f.source.dates, 3)
	assert.Nil(t, f.source.dates[0])
	require.NotNil(t, f.source.dates[1])
	assert.True(t, f.source.dates[1].Equal(baseTime))
	assert.Nil(t, f.source.dates[2])
	assert.Equal(t, 2, f.source.Calls(model.OperationScan))
	assert.Equal(t, 1, f.source.Calls(model.OperationOptOut))
	// only immediate scans look at mismatches here
	assert.Equal(t, int32(1), f.mismatches.calls.Load())
}

func mustExecute(t *testing.T, q *QueueManager, kind RequestKind) *Ticket {
	t.Helper()
	ticket, err := q.Execute(Request{Kind: kind})
	require.NoError(t, err)
	return ticket
}

func TestQueueManager_OperationErrorsDoNotStopSiblings(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.source.set(model.OperationScan, scanOp(target(1, 1)), scanOp(target(2, 1)), scanOp(target(3, 1)))
	f.runner.errFor[target(2, 1)] = errs.ActionFailed("scan-nav", "boom")

	var handled atomic.Int32
	ticket, err := f.queue.Execute(Request{
		Kind:         RequestScheduledScans,
		ErrorHandler: func(context.Context, ErrorCollection) { handled.Add(1) },
	})
	require.NoError(t, err)

	res := wait(t, ticket)
	assert.NoError(t, res.OneTimeError)
	require.Len(t, res.OperationErrors, 1)
	assert.Equal(t, errs.KindActionFailed, errs.KindOf(res.OperationErrors[0]))
	assert.Len(t, f.runner.Started(), 3)
	assert.Equal(t, int32(1), handled.Load())
}

func TestQueueManager_DatabaseUnavailableStopsBatch(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.source.set(model.OperationAll, scanOp(target(1, 1)), scanOp(target(2, 1)), scanOp(target(3, 1)))
	f.runner.errFor[target(1, 1)] = errs.DatabaseUnavailable(errors.New("connection refused"))

	res := wait(t, mustExecute(t, f.queue, RequestScheduledAll))
	require.Error(t, res.OneTimeError)
	assert.True(t, errs.IsDatabaseUnavailable(res.OneTimeError))
	assert.Empty(t, res.OperationErrors)
	assert.Equal(t, []model.Target{target(1, 1)}, f.runner.Started())
	assert.Zero(t, f.mismatches.calls.Load())

	finished := f.events.Finished()
	require.Len(t, finished, 1)
	assert.Equal(t, 2, finished[0].Skipped)
}

func TestQueueManager_ImmediateInterruptsScheduled(t *testing.T) {
	f := newQueueFixture(t, nil)
	a, b, c, d := target(1, 1), target(2, 1), target(3, 1), target(4, 1)
	f.source.set(model.OperationAll, scanOp(a), scanOp(b), scanOp(c))
	f.source.set(model.OperationScan, scanOp(d))
	gateA := f.runner.gate(a)

	scheduled := mustExecute(t, f.queue, RequestScheduledAll)
	f.runner.awaitStart(t, a)

	immediate, err := f.queue.Execute(Request{Kind: RequestImmediateScans})
	require.NoError(t, err)

	st := f.queue.Status()
	assert.Equal(t, QueueScheduled, st.Mode)
	assert.True(t, st.Interrupted)
	assert.True(t, st.NextImmediate)
	assert.Equal(t, []model.Target{a}, st.InFlight)

	// a second immediate request cannot preempt the one waiting to start
	_, err = f.queue.Execute(Request{Kind: RequestImmediateScans})
	assert.ErrorIs(t, err, errs.ErrCannotInterrupt)

	close(gateA)

	res := wait(t, scheduled)
	assert.ErrorIs(t, res.OneTimeError, errs.ErrInterrupted)
	assert.True(t, wait(t, immediate).Empty())

	assert.Equal(t, []model.Target{a, d}, f.runner.Started())
	finished := f.events.Finished()
	require.Len(t, finished, 2)
	assert.Equal(t, 2, finished[0].Skipped)
}

func TestQueueManager_ImmediateCannotInterruptImmediate(t *testing.T) {
	f := newQueueFixture(t, nil)
	x := target(1, 1)
	f.source.set(model.OperationScan, scanOp(x))
	gate := f.runner.gate(x)

	first := mustExecute(t, f.queue, RequestImmediateScans)
	f.runner.awaitStart(t, x)

	var refused ErrorCollection
	var completions atomic.Int32
	ticket, err := f.queue.Execute(Request{
		Kind:         RequestImmediateScans,
		ErrorHandler: func(_ context.Context, c ErrorCollection) { refused = c },
		Completion:   func(ErrorCollection) { completions.Add(1) },
	})
	assert.Nil(t, ticket)
	assert.ErrorIs(t, err, errs.ErrCannotInterrupt)
	assert.ErrorIs(t, refused.OneTimeError, errs.ErrCannotInterrupt)
	assert.Equal(t, int32(1), completions.Load())
	assert.False(t, f.queue.Status().Interrupted)

	close(gate)
	assert.True(t, wait(t, first).Empty())
	assert.Len(t, f.runner.Started(), 1)
}

func TestQueueManager_ScheduledRequestsQueueAndCoalesce(t *testing.T) {
	f := newQueueFixture(t, nil)
	a, e := target(1, 1), target(5, 1)
	f.source.set(model.OperationAll, scanOp(a))
	f.source.set(model.OperationScan, scanOp(e))
	gate := f.runner.gate(a)

	running := mustExecute(t, f.queue, RequestScheduledAll)
	f.runner.awaitStart(t, a)

	var completions atomic.Int32
	req := Request{Kind: RequestScheduledScans, Completion: func(ErrorCollection) { completions.Add(1) }}
	first, err := f.queue.Execute(req)
	require.NoError(t, err)
	second, err := f.queue.Execute(req)
	require.NoError(t, err)
	optOuts := mustExecute(t, f.queue, RequestAllOptOuts)

	st := f.queue.Status()
	assert.Equal(t, 2, st.Pending)
	assert.False(t, st.Interrupted)

	close(gate)
	assert.True(t, wait(t, running).Empty())
	assert.True(t, wait(t, first).Empty())
	assert.True(t, wait(t, second).Empty())
	wait(t, optOuts)

	assert.Equal(t, int32(2), completions.Load())
	assert.Equal(t, 1, f.source.Calls(model.OperationScan))
	assert.Equal(t, []model.Target{a, e}, f.runner.Started())

	finished := f.events.Finished()
	require.Len(t, finished, 3)
	assert.Equal(t, string(RequestScheduledAll), finished[0].Kind)
	assert.Equal(t, string(RequestScheduledScans), finished[1].Kind)
	assert.Equal(t, string(RequestAllOptOuts), finished[2].Kind)
}

func TestQueueManager_AtMostOneRunPerTarget(t *testing.T) {
	f := newQueueFixture(t, func(o *QueueManagerOptions) {
		o.Concurrency = Concurrency{Scan: 4}
	})
	x := target(1, 1)
	f.source.set(model.OperationScan, scanOp(x), scanOp(x), scanOp(target(2, 1)))
	gate := f.runner.gate(x)

	ticket := mustExecute(t, f.queue, RequestImmediateScans)
	require.Eventually(t, func() bool {
		return len(f.metrics.find("queue.target_busy")) == 1 && len(f.runner.Started()) == 2
	}, waitTimeout, 5*time.Millisecond)
	close(gate)

	assert.True(t, wait(t, ticket).Empty())
	assert.False(t, f.runner.overlap)
	assert.Len(t, f.runner.Started(), 2)
	assert.Equal(t, 1, f.events.Finished()[0].Skipped)
}

func TestQueueManager_RunLockSkipsLockedTargets(t *testing.T) {
	lock := &fakeRunLock{denied: map[model.Target]bool{target(1, 1): true}}
	f := newQueueFixture(t, func(o *QueueManagerOptions) { o.RunLock = lock })
	f.source.set(model.OperationScan, scanOp(target(1, 1)), scanOp(target(2, 1)))

	assert.True(t, wait(t, mustExecute(t, f.queue, RequestScheduledScans)).Empty())
	assert.Equal(t, []model.Target{target(2, 1)}, f.runner.Started())
	assert.Equal(t, []model.Target{target(2, 1)}, lock.released)
}

func TestQueueManager_RunLockFailureIsReported(t *testing.T) {
	lockErr := errors.New("redis: connection refused")
	lock := &fakeRunLock{err: lockErr}
	f := newQueueFixture(t, func(o *QueueManagerOptions) { o.RunLock = lock })
	f.source.set(model.OperationScan, scanOp(target(1, 1)), scanOp(target(2, 1)))

	var handled atomic.Int32
	ticket, err := f.queue.Execute(Request{
		Kind:         RequestScheduledScans,
		ErrorHandler: func(context.Context, ErrorCollection) { handled.Add(1) },
	})
	require.NoError(t, err)
	res := wait(t, ticket)

	assert.False(t, res.Empty())
	assert.Nil(t, res.OneTimeError)
	require.Len(t, res.OperationErrors, 2)
	for _, e := range res.OperationErrors {
		assert.ErrorIs(t, e, lockErr)
	}
	assert.Equal(t, int32(1), handled.Load())
	assert.Empty(t, f.runner.Started())
	assert.Empty(t, lock.released)
	assert.Zero(t, f.events.Finished()[0].Skipped)
}

func TestQueueManager_OptOutOutcomes(t *testing.T) {
	f := newQueueFixture(t, nil)
	x := target(1, 1)
	f.source.set(model.OperationOptOut, optOutOp(x, 10, 11))
	f.runner.optOut[10] = OptOutOutcome{Skipped: true}

	res := wait(t, mustExecute(t, f.queue, RequestAllOptOuts))
	assert.True(t, res.Empty())
	assert.Equal(t, 1, f.events.Finished()[0].Skipped)
}

func TestQueueManager_AlreadyRemovedIsSkipped(t *testing.T) {
	f := newQueueFixture(t, nil)
	x := target(1, 1)
	f.source.set(model.OperationOptOut, optOutOp(x, 10))
	f.runner.errFor[x] = errs.ProfileAlreadyRemoved()

	res := wait(t, mustExecute(t, f.queue, RequestAllOptOuts))
	assert.True(t, res.Empty())
	assert.Equal(t, 1, f.events.Finished()[0].Skipped)
}

func TestQueueManager_CreateOperationsFailure(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.source.err = errs.DatabaseUnavailable(errors.New("down"))

	res := wait(t, mustExecute(t, f.queue, RequestImmediateScans))
	assert.True(t, errs.IsDatabaseUnavailable(res.OneTimeError))
	assert.Empty(t, f.runner.Started())
	assert.Zero(t, f.mismatches.calls.Load())
}

func TestQueueManager_RunsBrokerSyncBeforeBatch(t *testing.T) {
	brokers := &countingBrokerSync{}
	f := newQueueFixture(t, func(o *QueueManagerOptions) { o.Brokers = brokers })

	wait(t, mustExecute(t, f.queue, RequestScheduledAll))
	wait(t, mustExecute(t, f.queue, RequestScheduledScans))
	assert.Equal(t, int32(2), brokers.calls.Load())
}

type countingBrokerSync struct {
	calls atomic.Int32
}

func (c *countingBrokerSync) CheckForUpdates(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestQueueManager_Shutdown(t *testing.T) {
	f := newQueueFixture(t, nil)
	a := target(1, 1)
	f.source.set(model.OperationAll, scanOp(a), scanOp(target(2, 1)))
	gate := f.runner.gate(a)

	running := mustExecute(t, f.queue, RequestScheduledAll)
	f.runner.awaitStart(t, a)
	pending := mustExecute(t, f.queue, RequestScheduledScans)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		done <- f.queue.Shutdown(ctx)
	}()

	assert.ErrorIs(t, wait(t, pending).OneTimeError, ErrQueueClosed)
	close(gate)
	require.NoError(t, <-done)
	assert.ErrorIs(t, wait(t, running).OneTimeError, errs.ErrInterrupted)

	_, err := f.queue.Execute(Request{Kind: RequestScheduledAll})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueManager_WaitIdle(t *testing.T) {
	f := newQueueFixture(t, nil)
	a := target(1, 1)
	f.source.set(model.OperationScan, scanOp(a))
	f.runner.errFor[a] = errs.Timeout("slow")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := f.queue.WaitIdle(ctx)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	gate := f.runner.gate(a)
	mustExecute(t, f.queue, RequestImmediateScans)
	f.runner.awaitStart(t, a)
	close(gate)

	res, err = f.queue.WaitIdle(ctx)
	require.NoError(t, err)
	require.Len(t, res.OperationErrors, 1)
	assert.True(t, errs.IsTimeout(res.OperationErrors[0]))
}

func TestParseRequestKind(t *testing.T) {
	k, err := ParseRequestKind("scheduled_all")
	require.NoError(t, err)
	assert.Equal(t, RequestScheduledAll, k)
	assert.Equal(t, model.OperationAll, k.OperationType())

	_, err = ParseRequestKind("everything")
	assert.Error(t, err)
}

func TestErrorCollection_Err(t *testing.T) {
	assert.NoError(t, ErrorCollection{}.Err())
	c := ErrorCollection{OneTimeError: errs.ErrInterrupted, OperationErrors: []error{errs.Timeout("x")}}
	assert.ErrorIs(t, c.Err(), errs.ErrInterrupted)
	assert.True(t, errs.IsTimeout(c.Err()))
}

func TestQueueManager_RunLockReleasedAfterJobs(t *testing.T) {
	ctrl := gomock.NewController(t)
	lock := mocks.NewMockRunLock(ctrl)
	held, failed := target(1, 1), target(2, 1)

	gomock.InOrder(
		lock.EXPECT().Acquire(gomock.Any(), held).Return(true, nil),
		lock.EXPECT().Release(gomock.Any(), held).Return(errors.New("redis gone")),
	)
	lock.EXPECT().Acquire(gomock.Any(), failed).Return(false, errors.New("redis gone"))

	f := newQueueFixture(t, func(o *QueueManagerOptions) { o.RunLock = lock })
	f.source.set(model.OperationScan, scanOp(held), scanOp(failed))

	res := wait(t, mustExecute(t, f.queue, RequestScheduledScans))
	assert.True(t, res.Empty(), "lock failures skip the target without failing the batch")
	assert.Equal(t, []model.Target{held}, f.runner.Started())
	assert.Equal(t, 1, f.events.Finished()[0].Skipped)
}
