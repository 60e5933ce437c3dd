// Package metrics holds the standard metric shapes emitted by the agent.
package metrics

import (
	"time"

	obserrors "github.com/target/mmk-dbp/internal/observability/errors"
	"github.com/target/mmk-dbp/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// OperationMetric captures details about a scan or opt-out lifecycle event for metric emission.
type OperationMetric struct {
	Operation  string
	Broker     string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitOperationLifecycle emits standardised operation lifecycle metrics.
func EmitOperationLifecycle(sink statsd.Sink, in OperationMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"operation":  in.Operation,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Broker != "" {
		tags["broker"] = in.Broker
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("operation.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("operation.duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
