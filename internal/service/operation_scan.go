package service

import (
	"context"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/action"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
)

// RunScan searches the broker for listings of the profile query and records
// the outcome. Zero matches leave known listings untouched; a failed scan
// records a single error event and changes no listing.
func (r *OperationRunner) RunScan(ctx context.Context, target model.Target, opts RunOptions) (ScanOutcome, error) {
	data, err := r.db.FetchBrokerProfileQueryData(ctx, target)
	if err != nil {
		return ScanOutcome{}, err
	}
	broker := data.Broker
	logger := r.logger.With("broker", broker.Name, "profile_query_id", target.ProfileQueryID, "attempt_id", newAttemptID())

	start := r.now()
	if err = r.record(ctx, broker, model.NewEvent(target, model.EventScanStarted, start)); err != nil {
		return ScanOutcome{}, err
	}
	if err = r.db.UpdateScanDates(ctx, core.ScanDatesUpdate{
		Target:           target,
		PreferredRunDate: data.ScanJobData.PreferredRunDate,
		LastRunDate:      &start,
	}); err != nil {
		return ScanOutcome{}, err
	}
	r.emit(model.OperationScan, broker, "started", time.Time{}, nil)
	logger.InfoContext(ctx, "scan started")

	outcome, runErr := r.scan(ctx, data, opts)
	if runErr != nil {
		if errs.IsDatabaseUnavailable(runErr) {
			return ScanOutcome{}, runErr
		}
		logger.WarnContext(ctx, "scan failed", "error", runErr)
		r.emit(model.OperationScan, broker, "failed", start, runErr)
		now := r.now()
		if err = r.record(ctx, broker, model.NewErrorEvent(target, runErr, now)); err != nil {
			return ScanOutcome{}, err
		}
		if err = r.updateScanDate(ctx, data, model.OperationScan, model.EventError, now); err != nil {
			return ScanOutcome{}, err
		}
		return ScanOutcome{}, runErr
	}

	logger.InfoContext(ctx, "scan finished",
		"matches", outcome.Matches,
		"new", outcome.New,
		"confirmed", outcome.Confirmed,
		"reappeared", outcome.Reappeared,
	)
	r.emit(model.OperationScan, broker, "completed", start, nil)
	return outcome, nil
}

func (r *OperationRunner) scan(ctx context.Context, data model.BrokerProfileQueryData, opts RunOptions) (ScanOutcome, error) {
	target := data.Target()
	step, ok := data.Broker.Step(model.StepTypeScan)
	if !ok {
		return ScanOutcome{}, errs.NoActionFound("broker has no scan step")
	}

	req := &action.RequestData{
		Broker:       data.Broker,
		ProfileQuery: data.ProfileQuery,
		StepType:     model.StepTypeScan,
	}
	run, err := r.runStep(ctx, step, req, r.cfg.ScanRetries, opts)
	if err != nil {
		return ScanOutcome{}, err
	}

	now := r.now()
	if len(run.profiles) == 0 {
		plan, err := planNoMatchDates(data, now)
		if err != nil {
			return ScanOutcome{}, err
		}
		if err = r.record(ctx, data.Broker, model.NewEvent(target, model.EventNoMatchFound, now)); err != nil {
			return ScanOutcome{}, err
		}
		if err = r.applyNoMatchDates(ctx, target, plan); err != nil {
			return ScanOutcome{}, err
		}
		return ScanOutcome{NotFound: run.notFound}, nil
	}

	result, outcome := buildScanResult(data, run.profiles, now)
	if err = planScanResultDates(data, &result, now); err != nil {
		return ScanOutcome{}, err
	}
	if _, err = r.db.SaveScanResult(ctx, result); err != nil {
		return ScanOutcome{}, err
	}
	r.notifyScanResult(ctx, data.Broker, result)
	return outcome, nil
}

func (r *OperationRunner) applyNoMatchDates(ctx context.Context, target model.Target, plan scanDates) error {
	if err := r.db.UpdateScanDates(ctx, core.ScanDatesUpdate{Target: target, PreferredRunDate: plan.scan}); err != nil {
		return err
	}
	ids := make([]int64, 0, len(plan.optOuts))
	for id := range plan.optOuts {
		ids = append(ids, id)
	}
	sortIDs(ids)
	for _, id := range ids {
		if err := r.db.UpdateOptOutDates(ctx, core.OptOutDatesUpdate{
			Target:             target,
			ExtractedProfileID: id,
			PreferredRunDate:   plan.optOuts[id],
		}); err != nil {
			return err
		}
	}
	return nil
}

// buildScanResult correlates the listings found now with the known ones.
func buildScanResult(
	data model.BrokerProfileQueryData,
	found []model.ExtractedProfile,
	now time.Time,
) (core.ScanResult, ScanOutcome) {
	known := make(map[string]model.OptOutJobData, len(data.OptOutJobData))
	for _, o := range data.OptOutJobData {
		known[o.ExtractedProfile.IdentityKey()] = o
	}

	var optOutAt *time.Time
	if !data.Broker.IsChild() {
		optOutAt = model.Time(now)
	}

	result := core.ScanResult{Target: data.Target(), Date: now}
	var outcome ScanOutcome
	seen := make(map[string]bool, len(found))
	for _, p := range found {
		key := p.IdentityKey()
		if seen[key] {
			continue
		}
		seen[key] = true

		existing, ok := known[key]
		if !ok {
			p.ID = 0
			result.Matches = append(result.Matches, core.ScanMatch{Profile: p, OptOutRunDate: optOutAt})
			outcome.New++
			continue
		}
		p.ID = existing.ExtractedProfile.ID
		match := core.ScanMatch{Profile: p}
		if existing.ExtractedProfile.IsRemoved() {
			match.Reappeared = true
			match.OptOutRunDate = optOutAt
			outcome.Reappeared++
		}
		result.Matches = append(result.Matches, match)
	}

	for key, o := range known {
		if seen[key] || o.ExtractedProfile.IsRemoved() {
			continue
		}
		// Only listings we asked to remove count as removed; other
		// disappearances are left to the mismatch report.
		if _, requested := model.LastEventOfType(o.History, model.EventOptOutRequested); requested {
			result.Confirmed = append(result.Confirmed, o.ExtractedProfile.ID)
		}
	}
	sortIDs(result.Confirmed)

	outcome.Matches = len(result.Matches)
	outcome.Confirmed = len(result.Confirmed)
	return result, outcome
}

// notifyScanResult reports the events storage wrote along with the result.
func (r *OperationRunner) notifyScanResult(ctx context.Context, broker model.Broker, result core.ScanResult) {
	for _, m := range result.Matches {
		if m.Reappeared {
			r.events.HistoryEventRecorded(ctx, broker,
				model.NewEvent(result.Target, model.EventReAppearance, result.Date).ForProfile(m.Profile.ID))
		}
	}
	for _, id := range result.Confirmed {
		r.events.HistoryEventRecorded(ctx, broker,
			model.NewEvent(result.Target, model.EventOptOutConfirmed, result.Date).ForProfile(id))
	}
	ev := model.NewEvent(result.Target, model.EventMatchesFound, result.Date)
	ev.Count = len(result.Matches)
	r.events.HistoryEventRecorded(ctx, broker, ev)
}
