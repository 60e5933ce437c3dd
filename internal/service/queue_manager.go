package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
	"github.com/target/mmk-dbp/internal/observability/statsd"
)

// ErrQueueClosed is reported to requests made or pending after Shutdown.
var ErrQueueClosed = errors.New("queue manager is shut down")

// RequestKind selects what a batch runs.
type RequestKind string

const (
	// RequestImmediateScans runs every schedulable scan now, e.g. after the user saved a profile.
	RequestImmediateScans RequestKind = "immediate_scans"
	// RequestScheduledAll runs every scan and opt-out that is due.
	RequestScheduledAll RequestKind = "scheduled_all"
	// RequestScheduledScans runs due scans only.
	RequestScheduledScans RequestKind = "scheduled_scans"
	// RequestAllOptOuts runs every pending opt-out regardless of its due date.
	RequestAllOptOuts RequestKind = "all_opt_outs"
)

// ParseRequestKind validates a request kind.
func ParseRequestKind(s string) (RequestKind, error) {
	switch k := RequestKind(s); k {
	case RequestImmediateScans, RequestScheduledAll, RequestScheduledScans, RequestAllOptOuts:
		return k, nil
	}
	return "", fmt.Errorf("unknown request kind %q", s)
}

// Immediate reports whether the kind is user-initiated.
func (k RequestKind) Immediate() bool {
	return k == RequestImmediateScans
}

// OperationType is the operation type the kind selects.
func (k RequestKind) OperationType() model.OperationType {
	switch k {
	case RequestImmediateScans, RequestScheduledScans:
		return model.OperationScan
	case RequestAllOptOuts:
		return model.OperationOptOut
	default:
		return model.OperationAll
	}
}

// priorityDate is nil for kinds that ignore due dates.
func (k RequestKind) priorityDate(now time.Time) *time.Time {
	switch k {
	case RequestScheduledAll, RequestScheduledScans:
		return &now
	default:
		return nil
	}
}

// recomputesMismatches reports whether the kind runs scans the calculator should look at.
func (k RequestKind) recomputesMismatches() bool {
	return k == RequestImmediateScans || k == RequestScheduledAll
}

// ErrorCollection aggregates the outcome of one batch. OneTimeError is the
// error that stopped the whole batch; OperationErrors are per-job failures
// that did not stop sibling jobs.
type ErrorCollection struct {
	OneTimeError    error
	OperationErrors []error
}

// Empty reports whether the batch finished without errors.
func (c ErrorCollection) Empty() bool {
	return c.OneTimeError == nil && len(c.OperationErrors) == 0
}

// Err joins every error of the collection.
func (c ErrorCollection) Err() error {
	all := make([]error, 0, len(c.OperationErrors)+1)
	if c.OneTimeError != nil {
		all = append(all, c.OneTimeError)
	}
	all = append(all, c.OperationErrors...)
	return errors.Join(all...)
}

// OperationDependencies overrides per-batch execution knobs. Zero values
// keep the manager defaults.
type OperationDependencies struct {
	Concurrency int
}

// Request asks the queue manager to run one batch.
type Request struct {
	Kind         RequestKind
	ShowSurface  bool
	Dependencies OperationDependencies
	// ErrorHandler receives the collection when the batch had any error. ctx
	// carries the batch ID when the request reached a batch.
	ErrorHandler func(ctx context.Context, c ErrorCollection)
	// Completion fires exactly once after every job of the batch reached a terminal state.
	Completion func(ErrorCollection)
}

// Ticket resolves when the batch serving a request completes.
type Ticket struct {
	done   chan struct{}
	result ErrorCollection
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

// CompletedTicket returns a ticket already resolved with res.
func CompletedTicket(res ErrorCollection) *Ticket {
	t := newTicket()
	t.result = res
	close(t.done)
	return t
}

// Done is closed once the result is available.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Result returns the batch outcome. It is only meaningful after Done is closed.
func (t *Ticket) Result() ErrorCollection {
	return t.result
}

// Wait blocks until the batch completes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (ErrorCollection, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return ErrorCollection{}, ctx.Err()
	}
}

// OperationExecutor runs single jobs.
type OperationExecutor interface {
	RunScan(ctx context.Context, target model.Target, opts RunOptions) (ScanOutcome, error)
	RunOptOut(ctx context.Context, target model.Target, extractedProfileID int64, opts RunOptions) (OptOutOutcome, error)
}

// OperationSource selects the operations of a batch.
type OperationSource interface {
	CreateOperations(ctx context.Context, typ model.OperationType, priorityDate *time.Time) ([]Operation, error)
}

// MismatchRecomputer reconciles scan outcomes after a batch.
type MismatchRecomputer interface {
	Recompute(ctx context.Context) (MismatchReport, error)
}

// BrokerSync refreshes broker definitions before a batch.
type BrokerSync interface {
	CheckForUpdates(ctx context.Context) (int, error)
}

// Concurrency bounds how many operations a batch runs at once, per operation type.
type Concurrency struct {
	Scan   int
	OptOut int
	All    int
}

func (c Concurrency) limit(typ model.OperationType) int {
	n := c.All
	switch typ {
	case model.OperationScan:
		n = c.Scan
	case model.OperationOptOut:
		n = c.OptOut
	}
	if n <= 0 {
		return 1
	}
	return n
}

// QueueManagerOptions groups dependencies for QueueManager.
type QueueManagerOptions struct {
	Operations  OperationSource    // Required
	Runner      OperationExecutor  // Required
	Mismatches  MismatchRecomputer // Optional
	Brokers     BrokerSync         // Optional
	RunLock     core.RunLock       // Optional: extends the in-flight guarantee across processes
	Events      core.EventSink     // Optional
	Metrics     statsd.Sink        // Optional
	Logger      *slog.Logger       // Optional
	Concurrency Concurrency
	Now         func() time.Time
}

// QueueMode is what the manager is currently doing.
type QueueMode string

const (
	QueueIdle      QueueMode = "idle"
	QueueImmediate QueueMode = "immediate"
	QueueScheduled QueueMode = "scheduled"
)

// QueueStatus is a snapshot of the manager state.
type QueueStatus struct {
	Mode        QueueMode       `json:"mode"`
	Current     *core.BatchInfo `json:"current,omitempty"`
	Interrupted bool            `json:"interrupted,omitempty"`
	// NextImmediate is set when an immediate batch waits for a preempted batch to drain.
	NextImmediate bool           `json:"nextImmediate,omitempty"`
	Pending       int            `json:"pending"`
	InFlight      []model.Target `json:"inFlight"`
}

type waiter struct {
	req    Request
	ticket *Ticket
}

// entry is a request not started yet. Identical scheduled requests share one entry.
type entry struct {
	kind        RequestKind
	showSurface bool
	deps        OperationDependencies
	waiters     []waiter
}

func (e *entry) matches(req Request) bool {
	return e.kind == req.Kind && e.showSurface == req.ShowSurface && e.deps == req.Dependencies
}

type batch struct {
	info  core.BatchInfo
	entry *entry

	stopOnce sync.Once
	stop     chan struct{}
	stopErr  error

	done   chan struct{}
	result ErrorCollection
}

func (b *batch) halt(err error) {
	b.stopOnce.Do(func() {
		b.stopErr = err
		close(b.stop)
	})
}

func (b *batch) stopped() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

// QueueManager serializes batches: at most one runs at a time. An immediate
// request preempts a scheduled batch, scheduled requests queue behind.
type QueueManager struct {
	operations  OperationSource
	runner      OperationExecutor
	mismatches  MismatchRecomputer
	brokers     BrokerSync
	runLock     core.RunLock
	events      core.EventSink
	metrics     statsd.Sink
	logger      *slog.Logger
	concurrency Concurrency
	now         func() time.Time

	// jobs run on root so that interrupting a batch never cancels an in-progress action
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	current  *batch
	next     *entry
	pending  []*entry
	inFlight map[model.Target]struct{}
	last     ErrorCollection
	closed   bool
}

// NewQueueManager constructs a QueueManager.
func NewQueueManager(opts QueueManagerOptions) (*QueueManager, error) {
	if opts.Operations == nil {
		return nil, errors.New("operations source is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("operation runner is required")
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
	root, cancel := context.WithCancel(context.Background())
	return &QueueManager{
		operations:  opts.Operations,
		runner:      opts.Runner,
		mismatches:  opts.Mismatches,
		brokers:     opts.Brokers,
		runLock:     opts.RunLock,
		events:      events,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "queue_manager"),
		concurrency: opts.Concurrency,
		now:         func() time.Time { return now().UTC() },
		root:        root,
		cancel:      cancel,
		inFlight:    make(map[model.Target]struct{}),
	}, nil
}

// Execute submits a request. It returns ErrCannotInterrupt when an immediate
// request meets a running immediate batch, and ErrQueueClosed after Shutdown;
// the request's callbacks receive the same error.
func (m *QueueManager) Execute(req Request) (*Ticket, error) {
	if _, err := ParseRequestKind(string(req.Kind)); err != nil {
		return nil, err
	}
	w := waiter{req: req, ticket: newTicket()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		deliver(m.root, w, ErrorCollection{OneTimeError: ErrQueueClosed})
		return nil, ErrQueueClosed
	}

	switch {
	case m.current == nil:
		b := m.startLocked(&entry{kind: req.Kind, showSurface: req.ShowSurface, deps: req.Dependencies, waiters: []waiter{w}})
		m.mu.Unlock()
		m.launch(b)

	case req.Kind.Immediate():
		if m.current.info.Immediate || m.next != nil {
			m.mu.Unlock()
			m.count("queue.refused", req.Kind)
			m.logger.Info("immediate request refused", "kind", req.Kind, "running", m.runningKind())
			deliver(m.root, w, ErrorCollection{OneTimeError: errs.ErrCannotInterrupt})
			return nil, errs.ErrCannotInterrupt
		}
		running := m.current
		m.next = &entry{kind: req.Kind, showSurface: req.ShowSurface, deps: req.Dependencies, waiters: []waiter{w}}
		m.mu.Unlock()
		running.halt(errs.ErrInterrupted)
		m.count("queue.interrupted", running.entry.kind)
		m.logger.Info("scheduled batch interrupted", "batch_id", running.info.ID, "kind", running.info.Kind, "by", req.Kind)

	default:
		coalesced := false
		for _, e := range m.pending {
			if e.matches(req) {
				e.waiters = append(e.waiters, w)
				coalesced = true
				break
			}
		}
		if !coalesced {
			m.pending = append(m.pending, &entry{kind: req.Kind, showSurface: req.ShowSurface, deps: req.Dependencies, waiters: []waiter{w}})
		}
		pending := len(m.pending)
		m.mu.Unlock()
		if coalesced {
			m.count("queue.coalesced", req.Kind)
		}
		if m.metrics != nil {
			m.metrics.Gauge("queue.pending", float64(pending), nil)
		}
		m.logger.Debug("request queued", "kind", req.Kind, "coalesced", coalesced, "pending", pending)
	}
	return w.ticket, nil
}

func (m *QueueManager) runningKind() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.info.Kind
}

// startLocked makes e the current batch. Callers hold m.mu and must launch the batch after unlocking.
func (m *QueueManager) startLocked(e *entry) *batch {
	b := &batch{
		info: core.BatchInfo{
			ID:        uuid.NewString(),
			Kind:      string(e.kind),
			Immediate: e.kind.Immediate(),
			StartedAt: m.now(),
		},
		entry: e,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	m.current = b
	return b
}

func (m *QueueManager) launch(b *batch) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(b)
	}()
}

// batchState accumulates job outcomes; jobs of one batch report concurrently.
type batchState struct {
	mu      sync.Mutex
	errs    ErrorCollection
	skipped atomic.Int64
}

func (s *batchState) fail(err error) {
	s.mu.Lock()
	s.errs.OperationErrors = append(s.errs.OperationErrors, err)
	s.mu.Unlock()
}

func (m *QueueManager) run(b *batch) {
	ctx := WithBatchID(m.root, b.info.ID)
	kind := b.entry.kind
	logger := m.logger.With("batch_id", b.info.ID, "kind", kind)
	state := &batchState{}

	if m.brokers != nil {
		if n, err := m.brokers.CheckForUpdates(ctx); err != nil {
			logger.WarnContext(ctx, "broker update failed", "error", err)
		} else if n > 0 {
			logger.InfoContext(ctx, "broker definitions updated", "count", n)
		}
	}

	ops, err := m.operations.CreateOperations(ctx, kind.OperationType(), kind.priorityDate(m.now()))
	if err != nil {
		b.halt(fmt.Errorf("create operations: %w", err))
	}
	m.mu.Lock()
	b.info.Operations = len(ops)
	m.mu.Unlock()
	m.events.BatchStarted(ctx, b.info)
	logger.InfoContext(ctx, "batch started", "operations", len(ops), "show_surface", b.entry.showSurface)

	opts := RunOptions{ShowSurface: b.entry.showSurface, Immediate: kind.Immediate()}
	limit := m.concurrency.limit(kind.OperationType())
	if c := b.entry.deps.Concurrency; c > 0 {
		limit = c
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, op := range ops {
		if b.stopped() {
			for _, rest := range ops[i:] {
				state.skipped.Add(int64(len(rest.Jobs)))
			}
			break
		}
		g.Go(func() error {
			m.runOperation(ctx, b, op, opts, state)
			return nil
		})
	}
	_ = g.Wait()

	if b.stopped() {
		state.errs.OneTimeError = b.stopErr
	}
	if kind.recomputesMismatches() && m.mismatches != nil && !errs.IsDatabaseUnavailable(state.errs.OneTimeError) {
		if _, err := m.mismatches.Recompute(ctx); err != nil {
			logger.WarnContext(ctx, "mismatch recompute failed", "error", err)
		}
	}

	m.finish(ctx, b, state)
}

func (m *QueueManager) runOperation(ctx context.Context, b *batch, op Operation, opts RunOptions, state *batchState) {
	target := op.Target
	if b.stopped() {
		state.skipped.Add(int64(len(op.Jobs)))
		return
	}
	if !m.claim(target) {
		m.count("queue.target_busy", b.entry.kind)
		m.logger.WarnContext(ctx, "target already in flight", "target", target.String())
		state.skipped.Add(int64(len(op.Jobs)))
		return
	}
	defer m.release(target)

	if m.runLock != nil {
		ok, err := m.runLock.Acquire(ctx, target)
		if err != nil {
			m.logger.ErrorContext(ctx, "run lock acquire failed", "target", target.String(), "error", err)
			state.fail(fmt.Errorf("acquire run lock %s: %w", target, err))
			return
		}
		if !ok {
			m.logger.InfoContext(ctx, "run lock held elsewhere", "target", target.String())
			state.skipped.Add(int64(len(op.Jobs)))
			return
		}
		defer func() {
			if err := m.runLock.Release(context.WithoutCancel(ctx), target); err != nil {
				m.logger.WarnContext(ctx, "run lock release failed", "target", target.String(), "error", err)
			}
		}()
	}

	for _, job := range op.Jobs {
		if b.stopped() {
			state.skipped.Add(1)
			continue
		}
		var err error
		switch job.Type {
		case model.OperationScan:
			_, err = m.runner.RunScan(ctx, target, opts)
		case model.OperationOptOut:
			var out OptOutOutcome
			out, err = m.runner.RunOptOut(ctx, target, job.ExtractedProfileID, opts)
			if err == nil && out.Skipped {
				state.skipped.Add(1)
			}
		}
		switch {
		case err == nil:
		case errs.IsProfileAlreadyRemoved(err):
			state.skipped.Add(1)
		case errs.IsDatabaseUnavailable(err):
			b.halt(err)
		default:
			state.fail(fmt.Errorf("%s %s (%s): %w", job.Type, op.Broker, target, err))
		}
	}
}

func (m *QueueManager) claim(target model.Target) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[target]; busy {
		return false
	}
	m.inFlight[target] = struct{}{}
	return true
}

func (m *QueueManager) release(target model.Target) {
	m.mu.Lock()
	delete(m.inFlight, target)
	m.mu.Unlock()
}

func (m *QueueManager) finish(ctx context.Context, b *batch, state *batchState) {
	result := state.errs
	b.result = result
	m.events.BatchFinished(ctx, core.BatchReport{
		BatchInfo:       b.info,
		FinishedAt:      m.now(),
		OneTimeError:    result.OneTimeError,
		OperationErrors: result.OperationErrors,
		Skipped:         int(state.skipped.Load()),
	})

	m.mu.Lock()
	m.current = nil
	m.last = result
	var nb *batch
	if !m.closed {
		switch {
		case m.next != nil:
			nb = m.startLocked(m.next)
			m.next = nil
		case len(m.pending) > 0:
			nb = m.startLocked(m.pending[0])
			m.pending = m.pending[1:]
		}
	}
	m.mu.Unlock()

	close(b.done)
	for _, w := range b.entry.waiters {
		deliver(ctx, w, result)
	}
	if nb != nil {
		m.launch(nb)
	}
}

// deliver runs the callbacks before resolving the ticket, so waiters observe their effects.
func deliver(ctx context.Context, w waiter, result ErrorCollection) {
	if !result.Empty() && w.req.ErrorHandler != nil {
		w.req.ErrorHandler(ctx, result)
	}
	if w.req.Completion != nil {
		w.req.Completion(result)
	}
	w.ticket.result = result
	close(w.ticket.done)
}

func (m *QueueManager) count(name string, kind RequestKind) {
	if m.metrics == nil {
		return
	}
	m.metrics.Count(name, 1, map[string]string{"kind": string(kind)})
}

// Status returns a snapshot of the manager state.
func (m *QueueManager) Status() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := QueueStatus{
		Mode:          QueueIdle,
		NextImmediate: m.next != nil,
		Pending:       len(m.pending),
		InFlight:      make([]model.Target, 0, len(m.inFlight)),
	}
	if m.current != nil {
		info := m.current.info
		st.Current = &info
		st.Interrupted = m.current.stopped()
		st.Mode = QueueScheduled
		if info.Immediate {
			st.Mode = QueueImmediate
		}
	}
	for t := range m.inFlight {
		st.InFlight = append(st.InFlight, t)
	}
	sort.Slice(st.InFlight, func(i, j int) bool {
		if st.InFlight[i].BrokerID != st.InFlight[j].BrokerID {
			return st.InFlight[i].BrokerID < st.InFlight[j].BrokerID
		}
		return st.InFlight[i].ProfileQueryID < st.InFlight[j].ProfileQueryID
	})
	return st
}

// WaitIdle blocks until no batch is running or queued and returns the
// outcome of the last finished batch.
func (m *QueueManager) WaitIdle(ctx context.Context) (ErrorCollection, error) {
	for {
		m.mu.Lock()
		b, last := m.current, m.last
		m.mu.Unlock()
		if b == nil {
			return last, nil
		}
		select {
		case <-b.done:
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

// Shutdown stops accepting requests, interrupts the running batch and waits
// for in-flight jobs. When ctx expires first, in-flight jobs are cancelled.
func (m *QueueManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	running := m.current
	dropped := m.pending
	if m.next != nil {
		dropped = append(dropped, m.next)
	}
	m.pending, m.next = nil, nil
	m.mu.Unlock()

	if running != nil {
		running.halt(errs.ErrInterrupted)
	}
	for _, e := range dropped {
		for _, w := range e.waiters {
			deliver(m.root, w, ErrorCollection{OneTimeError: ErrQueueClosed})
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}
