package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
	"github.com/target/mmk-dbp/internal/domain/schedule"
	errs "github.com/target/mmk-dbp/internal/errors"
)

func (r *OperationRunner) updateScanDate(
	ctx context.Context,
	data model.BrokerProfileQueryData,
	origin model.OperationType,
	event model.EventType,
	now time.Time,
) error {
	next, err := schedule.NextScanDate(schedule.Input{
		Origin:   origin,
		Event:    event,
		Current:  data.ScanJobData.PreferredRunDate,
		Schedule: data.Broker.Schedule,
		Now:      now,
	})
	if err != nil {
		return err
	}
	return r.db.UpdateScanDates(ctx, core.ScanDatesUpdate{Target: data.Target(), PreferredRunDate: next})
}

func (r *OperationRunner) updateOptOutDate(
	ctx context.Context,
	data model.BrokerProfileQueryData,
	o model.OptOutJobData,
	origin model.OperationType,
	event model.EventType,
	now time.Time,
) error {
	next, err := nextOptOutDate(data.Broker, o, origin, event, now)
	if err != nil {
		return err
	}
	return r.db.UpdateOptOutDates(ctx, core.OptOutDatesUpdate{
		Target:             data.Target(),
		ExtractedProfileID: o.ExtractedProfile.ID,
		PreferredRunDate:   next,
	})
}

func nextOptOutDate(
	broker model.Broker,
	o model.OptOutJobData,
	origin model.OperationType,
	event model.EventType,
	now time.Time,
) (*time.Time, error) {
	var lastRequested *time.Time
	if ev, ok := model.LastEventOfType(o.History, model.EventOptOutRequested); ok {
		lastRequested = model.Time(ev.Date)
	}
	return schedule.NextOptOutDate(schedule.OptOutInput{
		Input: schedule.Input{
			Origin:   origin,
			Event:    event,
			Current:  o.PreferredRunDate,
			Schedule: broker.Schedule,
			Now:      now,
		},
		AttemptCount:  o.AttemptCount,
		LastRequested: lastRequested,
		Removed:       o.ExtractedProfile.IsRemoved(),
	})
}

// scanDates are the preferred run dates a scan outcome leads to. They are
// computed before anything is written so a schedule error changes nothing.
type scanDates struct {
	scan    *time.Time
	optOuts map[int64]*time.Time
}

// planNoMatchDates unschedules every pending opt-out of a scan that found nothing.
func planNoMatchDates(data model.BrokerProfileQueryData, now time.Time) (scanDates, error) {
	next, err := schedule.NextScanDate(schedule.Input{
		Origin:   model.OperationScan,
		Event:    model.EventNoMatchFound,
		Current:  data.ScanJobData.PreferredRunDate,
		Schedule: data.Broker.Schedule,
		Now:      now,
	})
	if err != nil {
		return scanDates{}, err
	}
	plan := scanDates{scan: next, optOuts: make(map[int64]*time.Time)}
	if data.Broker.IsChild() {
		return plan, nil
	}
	for _, o := range data.OptOutJobData {
		if o.ExtractedProfile.IsRemoved() {
			continue
		}
		at, err := nextOptOutDate(data.Broker, o, model.OperationScan, model.EventNoMatchFound, now)
		if err != nil {
			return scanDates{}, err
		}
		plan.optOuts[o.ExtractedProfile.ID] = at
	}
	return plan, nil
}

// planScanResultDates fills the dates of result so storage writes them with
// the listings. New listings carry their initial opt-out date in the match;
// confirmed ones are unscheduled by storage.
func planScanResultDates(data model.BrokerProfileQueryData, result *core.ScanResult, now time.Time) error {
	next, err := schedule.NextScanDate(schedule.Input{
		Origin:   model.OperationScan,
		Event:    model.EventMatchesFound,
		Current:  data.ScanJobData.PreferredRunDate,
		Schedule: data.Broker.Schedule,
		Now:      now,
	})
	if err != nil {
		return err
	}
	result.ScanRunDate = next
	if data.Broker.IsChild() {
		return nil
	}

	for _, m := range result.Matches {
		if m.Profile.ID == 0 {
			continue
		}
		o, ok := data.OptOutFor(m.Profile.ID)
		if !ok {
			return errs.DataNotInDatabase(fmt.Sprintf("no opt-out for extracted profile %d on %s", m.Profile.ID, result.Target))
		}
		event := model.EventMatchesFound
		if m.Reappeared {
			event = model.EventReAppearance
			o.ExtractedProfile.RemovedDate = nil
			o.PreferredRunDate = m.OptOutRunDate
		}
		at, err := nextOptOutDate(data.Broker, o, model.OperationScan, event, now)
		if err != nil {
			return err
		}
		if result.OptOutRunDates == nil {
			result.OptOutRunDates = make(map[int64]*time.Time)
		}
		result.OptOutRunDates[m.Profile.ID] = at
	}
	return nil
}

func sortIDs(ids []int64) {
	slices.Sort(ids)
}
