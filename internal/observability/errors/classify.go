// Package errors classifies failures into low-cardinality tags for metrics and logs.
package errors

import (
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"

	errs "github.com/target/mmk-dbp/internal/errors"
)

// Classify returns a normalized error class suitable for tagging metrics/logs.
// Taxonomy errors report their kind; anything else reports the innermost concrete type in snake_case-ish.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := errs.As(err); ok {
		if e.Captcha != "" {
			return string(e.Kind) + "." + string(e.Captcha)
		}
		if e.Email != "" {
			return string(e.Kind) + "." + string(e.Email)
		}
		return string(e.Kind)
	}
	var qe *errs.QueueError
	if goerrors.As(err, &qe) {
		switch {
		case goerrors.Is(err, errs.ErrInterrupted):
			return "queue_interrupted"
		case goerrors.Is(err, errs.ErrCannotInterrupt):
			return "queue_cannot_interrupt"
		}
	}

	switch {
	case goerrors.Is(err, context.Canceled):
		return "context_canceled"
	case goerrors.Is(err, context.DeadlineExceeded):
		return "context_deadline"
	}
	var netErr net.Error
	if goerrors.As(err, &netErr) {
		if netErr.Timeout() {
			return "network_timeout"
		}
		return "network"
	}

	// Unwrap to the innermost error for better signal.
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
