package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errs "github.com/target/mmk-dbp/internal/errors"
)

type recordedMetric struct {
	kind string
	name string
	tags map[string]string
}

type recordingSink struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (s *recordingSink) record(kind, name string, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, recordedMetric{kind: kind, name: name, tags: tags})
}

func (s *recordingSink) Count(name string, _ int64, tags map[string]string) {
	s.record("count", name, tags)
}

func (s *recordingSink) Gauge(name string, _ float64, tags map[string]string) {
	s.record("gauge", name, tags)
}

func (s *recordingSink) Timing(name string, _ time.Duration, tags map[string]string) {
	s.record("timing", name, tags)
}

func (s *recordingSink) find(name string) (recordedMetric, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.metrics {
		if m.name == name {
			return m, true
		}
	}
	return recordedMetric{}, false
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{Spec: "every tuesday", Trigger: func(context.Context) (int, error) { return 0, nil }})
	require.Error(t, err)

	r, err := NewRunner(RunnerOptions{Trigger: func(context.Context) (int, error) { return 0, nil }})
	require.NoError(t, err)
	assert.Equal(t, DefaultSpec, r.spec)
}

func TestRunner_TickMetrics(t *testing.T) {
	tests := []struct {
		name       string
		queued     int
		err        error
		wantResult string
		wantClass  string
	}{
		{name: "success", queued: 3, wantResult: "success"},
		{name: "noop", queued: 0, wantResult: "noop"},
		{name: "error", err: errs.DatabaseUnavailable(errors.New("down")), wantResult: "error", wantClass: "database_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
			r, err := NewRunner(RunnerOptions{
				Trigger: func(context.Context) (int, error) { return tt.queued, tt.err },
				Metrics: sink,
				Now: func() time.Time {
					clock = clock.Add(time.Second)
					return clock
				},
			})
			require.NoError(t, err)

			r.Tick(context.Background())

			tick, ok := sink.find("scheduler.tick")
			require.True(t, ok)
			assert.Equal(t, tt.wantResult, tick.tags["result"])
			assert.Equal(t, tt.wantClass, tick.tags["error_class"])

			_, ok = sink.find("scheduler.tick_duration")
			assert.True(t, ok)
			_, ok = sink.find("scheduler.operations_queued")
			assert.Equal(t, tt.queued > 0, ok)
			_, ok = sink.find("scheduler.last_success_epoch")
			assert.Equal(t, tt.err == nil, ok)
		})
	}
}

func TestRunner_RunOnStartAndStop(t *testing.T) {
	var calls atomic.Int32
	r, err := NewRunner(RunnerOptions{
		Spec:       "@every 1h",
		RunOnStart: true,
		Trigger: func(context.Context) (int, error) {
			calls.Add(1)
			return 1, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_SkipsCancelledTick(t *testing.T) {
	var calls atomic.Int32
	r, err := NewRunner(RunnerOptions{Trigger: func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Tick(ctx)
	assert.Zero(t, calls.Load())
}
