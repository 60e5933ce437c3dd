package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/action"
	"github.com/target/mmk-dbp/internal/domain/model"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by the components under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: baseTime}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSurface struct {
	mu          sync.Mutex
	initialized bool
	finished    bool
	cookies     []*http.Cookie
}

func (f *fakeSurface) Initialize(context.Context, bool) error {
	f.mu.Lock()
	f.initialized = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSurface) Load(context.Context, string) error { return nil }

func (f *fakeSurface) Evaluate(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"result":true}`), nil
}

func (f *fakeSurface) SetCookies(_ context.Context, cookies []*http.Cookie) error {
	f.mu.Lock()
	f.cookies = append(f.cookies, cookies...)
	f.mu.Unlock()
	return nil
}

func (f *fakeSurface) Snapshot(context.Context) (core.Evidence, error) { return core.Evidence{}, nil }

func (f *fakeSurface) Finish(context.Context) error {
	f.mu.Lock()
	f.finished = true
	f.mu.Unlock()
	return nil
}

type fakeSurfaceFactory struct {
	mu       sync.Mutex
	surfaces []*fakeSurface
}

func (f *fakeSurfaceFactory) NewSurface(core.SurfaceOptions) core.AutomationSurface {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSurface{}
	f.surfaces = append(f.surfaces, s)
	return s
}

// scriptedExecutor answers every action of a step type with a canned result.
type scriptedExecutor struct {
	mu    sync.Mutex
	scan  func(req *action.RequestData) (action.Result, error)
	opt   func(req *action.RequestData) (action.Result, error)
	calls map[model.StepType]int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{calls: make(map[model.StepType]int)}
}

func (e *scriptedExecutor) finds(profiles ...model.ExtractedProfile) *scriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scan = func(*action.RequestData) (action.Result, error) {
		out := make([]model.ExtractedProfile, len(profiles))
		copy(out, profiles)
		return action.Result{Profiles: out, Extracted: true}, nil
	}
	return e
}

func (e *scriptedExecutor) Execute(
	_ context.Context,
	_ core.AutomationSurface,
	_ model.Action,
	req *action.RequestData,
) (action.Result, error) {
	e.mu.Lock()
	e.calls[req.StepType]++
	fn := e.scan
	if req.StepType == model.StepTypeOptOut {
		fn = e.opt
	}
	e.mu.Unlock()
	if fn == nil {
		return action.Result{}, nil
	}
	return fn(req)
}

func (e *scriptedExecutor) Calls(t model.StepType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[t]
}

type recordingEvents struct {
	mu         sync.Mutex
	started    []core.BatchInfo
	finished   []core.BatchReport
	history    []model.HistoryEvent
	mismatches []core.MismatchCounts
}

func (r *recordingEvents) BatchStarted(_ context.Context, info core.BatchInfo) {
	r.mu.Lock()
	r.started = append(r.started, info)
	r.mu.Unlock()
}

func (r *recordingEvents) BatchFinished(_ context.Context, report core.BatchReport) {
	r.mu.Lock()
	r.finished = append(r.finished, report)
	r.mu.Unlock()
}

func (r *recordingEvents) HistoryEventRecorded(_ context.Context, _ model.Broker, ev model.HistoryEvent) {
	r.mu.Lock()
	r.history = append(r.history, ev)
	r.mu.Unlock()
}

func (r *recordingEvents) MismatchesComputed(_ context.Context, counts core.MismatchCounts) {
	r.mu.Lock()
	r.mismatches = append(r.mismatches, counts)
	r.mu.Unlock()
}

func (r *recordingEvents) Finished() []core.BatchReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.BatchReport(nil), r.finished...)
}

type metricCall struct {
	kind  string
	name  string
	value float64
	tags  map[string]string
}

type recordingMetrics struct {
	mu    sync.Mutex
	calls []metricCall
}

func (m *recordingMetrics) Count(name string, value int64, tags map[string]string) {
	m.add(metricCall{kind: "count", name: name, value: float64(value), tags: tags})
}

func (m *recordingMetrics) Gauge(name string, value float64, tags map[string]string) {
	m.add(metricCall{kind: "gauge", name: name, value: value, tags: tags})
}

func (m *recordingMetrics) Timing(name string, value time.Duration, tags map[string]string) {
	m.add(metricCall{kind: "timing", name: name, value: float64(value), tags: tags})
}

func (m *recordingMetrics) add(c metricCall) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *recordingMetrics) find(name string) []metricCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []metricCall
	for _, c := range m.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func eventTypes(events []model.HistoryEvent) []model.EventType {
	out := make([]model.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}
