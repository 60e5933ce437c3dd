// Package schedule computes preferred run dates from history events and a
// broker's cadence.
package schedule

import (
	"time"

	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
)

// Input describes one date update.
type Input struct {
	// Origin is the operation type that produced Event.
	Origin   model.OperationType
	Event    model.EventType
	Current  *time.Time
	Schedule model.ScheduleConfig
	Now      time.Time
}

// OptOutInput adds the opt-out record state needed for opt-out dates.
type OptOutInput struct {
	Input
	AttemptCount  int
	LastRequested *time.Time
	Removed       bool
}

// NextScanDate returns the scan's next preferred run date. Updates coming
// from an opt-out never push an earlier scheduled scan later.
func NextScanDate(in Input) (*time.Time, error) {
	if err := validate(in.Schedule); err != nil {
		return nil, err
	}

	var next *time.Time
	switch in.Event {
	case model.EventNoMatchFound, model.EventMatchesFound, model.EventOptOutConfirmed, model.EventReAppearance:
		next = model.Time(in.Now.Add(in.Schedule.MaintenanceScanInterval()))
	case model.EventError:
		next = model.Time(in.Now.Add(in.Schedule.RetryErrorInterval()))
	case model.EventOptOutRequested:
		next = model.Time(in.Now.Add(in.Schedule.ConfirmOptOutScanInterval()))
	case model.EventScanStarted, model.EventOptOutStarted:
		return in.Current, nil
	default:
		return in.Current, nil
	}

	if in.Origin != model.OperationScan {
		return earliest(in.Current, next), nil
	}
	return next, nil
}

// NextOptOutDate returns the opt-out's next preferred run date, or nil when
// it must not be scheduled. Updates coming from a scan never push an earlier
// scheduled opt-out later.
func NextOptOutDate(in OptOutInput) (*time.Time, error) {
	if err := validate(in.Schedule); err != nil {
		return nil, err
	}
	if in.Removed {
		return nil, nil
	}

	var next *time.Time
	switch in.Event {
	case model.EventNoMatchFound, model.EventOptOutConfirmed:
		return nil, nil
	case model.EventMatchesFound, model.EventReAppearance:
		next = in.onMatch()
	case model.EventError:
		next = model.Time(in.Now.Add(in.Schedule.RetryErrorInterval()))
	case model.EventOptOutRequested:
		next = model.Time(in.Now.Add(in.Schedule.MaintenanceScanInterval()))
	case model.EventScanStarted, model.EventOptOutStarted:
		return in.Current, nil
	default:
		return in.Current, nil
	}

	if in.Schedule.AttemptsExhausted(in.AttemptCount) {
		return nil, nil
	}
	if in.Origin != model.OperationOptOut {
		return earliest(in.Current, next), nil
	}
	return next, nil
}

// onMatch schedules an opt-out right away when it was never requested or
// the last request is older than the maintenance window.
func (in OptOutInput) onMatch() *time.Time {
	if in.LastRequested == nil {
		if in.Current != nil {
			return in.Current
		}
		return model.Time(in.Now)
	}
	if in.Now.Sub(*in.LastRequested) > in.Schedule.MaintenanceScanInterval() {
		return model.Time(in.Now)
	}
	return in.Current
}

func earliest(current, next *time.Time) *time.Time {
	if current != nil && next != nil && current.Before(*next) {
		return current
	}
	return next
}

func validate(s model.ScheduleConfig) error {
	if err := s.Validate(); err != nil {
		return errs.CantCalculatePreferredRunDate(err.Error())
	}
	return nil
}
