package service

import (
	"context"
	"fmt"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/action"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
)

func (r *OperationRunner) loadOptOut(
	ctx context.Context,
	target model.Target,
	extractedProfileID int64,
) (model.BrokerProfileQueryData, model.OptOutJobData, error) {
	data, err := r.db.FetchBrokerProfileQueryData(ctx, target)
	if err != nil {
		return model.BrokerProfileQueryData{}, model.OptOutJobData{}, err
	}
	o, ok := data.OptOutFor(extractedProfileID)
	if !ok {
		return model.BrokerProfileQueryData{}, model.OptOutJobData{}, errs.DataNotInDatabase(
			fmt.Sprintf("no opt-out for extracted profile %d on %s", extractedProfileID, target))
	}
	return data, o, nil
}

// RunOptOut submits a removal request for one extracted profile. Profiles
// already removed fail before anything runs; mirror brokers are skipped.
func (r *OperationRunner) RunOptOut(
	ctx context.Context,
	target model.Target,
	extractedProfileID int64,
	opts RunOptions,
) (OptOutOutcome, error) {
	data, o, err := r.loadOptOut(ctx, target, extractedProfileID)
	if err != nil {
		return OptOutOutcome{}, err
	}
	broker := data.Broker
	if o.ExtractedProfile.IsRemoved() {
		return OptOutOutcome{}, errs.ProfileAlreadyRemoved()
	}
	if broker.IsChild() {
		r.logger.DebugContext(ctx, "skipping opt-out for mirror broker", "broker", broker.Name, "parent", broker.Parent)
		r.emit(model.OperationOptOut, broker, "skipped", time.Time{}, nil)
		return OptOutOutcome{Skipped: true}, nil
	}
	logger := r.logger.With(
		"broker", broker.Name,
		"profile_query_id", target.ProfileQueryID,
		"extracted_profile_id", extractedProfileID,
		"attempt_id", newAttemptID(),
	)

	step, ok := broker.Step(model.StepTypeOptOut)
	if !ok {
		return OptOutOutcome{}, r.failOptOut(ctx, data, o, errs.NoOptOutStep(), time.Time{})
	}

	start := r.now()
	if err = r.record(ctx, broker, model.NewEvent(target, model.EventOptOutStarted, start).ForProfile(extractedProfileID)); err != nil {
		return OptOutOutcome{}, err
	}
	if err = r.db.UpdateOptOutDates(ctx, core.OptOutDatesUpdate{
		Target:             target,
		ExtractedProfileID: extractedProfileID,
		PreferredRunDate:   o.PreferredRunDate,
		LastRunDate:        &start,
	}); err != nil {
		return OptOutOutcome{}, err
	}
	r.emit(model.OperationOptOut, broker, "started", time.Time{}, nil)
	logger.InfoContext(ctx, "opt-out started", "attempt", o.AttemptCount+1)

	profile := o.ExtractedProfile
	req := &action.RequestData{
		Broker:           broker,
		ProfileQuery:     data.ProfileQuery,
		StepType:         model.StepTypeOptOut,
		ExtractedProfile: &profile,
	}
	_, runErr := r.runStep(ctx, step, req, r.cfg.OptOutRetries, opts)
	if profile.Email != o.ExtractedProfile.Email {
		// Keep the generated address even when a later action failed; the
		// confirmation email goes there.
		if err = r.db.SetExtractedProfileEmail(ctx, extractedProfileID, profile.Email); err != nil {
			return OptOutOutcome{}, err
		}
	}
	if runErr != nil {
		if errs.IsDatabaseUnavailable(runErr) {
			return OptOutOutcome{}, runErr
		}
		logger.WarnContext(ctx, "opt-out failed", "error", runErr)
		return OptOutOutcome{}, r.failOptOut(ctx, data, o, runErr, start)
	}
	now := r.now()
	if err = r.record(ctx, broker, model.NewEvent(target, model.EventOptOutRequested, now).ForProfile(extractedProfileID)); err != nil {
		return OptOutOutcome{}, err
	}
	if err = r.db.RecordOptOutSubmitted(ctx, core.OptOutSubmission{
		Target:             target,
		ExtractedProfileID: extractedProfileID,
		SubmittedAt:        now,
	}); err != nil {
		return OptOutOutcome{}, err
	}

	o.AttemptCount++
	o.History = append(o.History, model.NewEvent(target, model.EventOptOutRequested, now).ForProfile(extractedProfileID))
	if err = r.updateOptOutDate(ctx, data, o, model.OperationOptOut, model.EventOptOutRequested, now); err != nil {
		return OptOutOutcome{}, err
	}
	if err = r.updateScanDate(ctx, data, model.OperationOptOut, model.EventOptOutRequested, now); err != nil {
		return OptOutOutcome{}, err
	}

	logger.InfoContext(ctx, "opt-out requested", "attempt", o.AttemptCount)
	r.emit(model.OperationOptOut, broker, "completed", start, nil)
	return OptOutOutcome{Attempt: o.AttemptCount}, nil
}

// failOptOut records the failure and schedules the retry. The scan date is
// left alone: a failed request gives the confirmation scan nothing to check.
func (r *OperationRunner) failOptOut(
	ctx context.Context,
	data model.BrokerProfileQueryData,
	o model.OptOutJobData,
	cause error,
	start time.Time,
) error {
	r.emit(model.OperationOptOut, data.Broker, "failed", start, cause)
	now := r.now()
	ev := model.NewErrorEvent(data.Target(), cause, now).ForProfile(o.ExtractedProfile.ID)
	if err := r.record(ctx, data.Broker, ev); err != nil {
		return err
	}
	if err := r.updateOptOutDate(ctx, data, o, model.OperationOptOut, model.EventError, now); err != nil {
		return err
	}
	return cause
}

// ConfirmRemoval marks a listing removed on the user's word, without waiting
// for the confirmation scan.
func (r *OperationRunner) ConfirmRemoval(ctx context.Context, target model.Target, extractedProfileID int64) error {
	data, o, err := r.loadOptOut(ctx, target, extractedProfileID)
	if err != nil {
		return err
	}
	if o.ExtractedProfile.IsRemoved() {
		return errs.ProfileAlreadyRemoved()
	}

	now := r.now()
	if err = r.db.UpdateRemovedDate(ctx, core.RemovalUpdate{ExtractedProfileID: extractedProfileID, RemovedDate: &now}); err != nil {
		return err
	}
	ev := model.NewEvent(target, model.EventOptOutConfirmed, now).ForProfile(extractedProfileID)
	if err = r.record(ctx, data.Broker, ev); err != nil {
		return err
	}

	o.ExtractedProfile.RemovedDate = &now
	if err = r.updateOptOutDate(ctx, data, o, model.OperationOptOut, model.EventOptOutConfirmed, now); err != nil {
		return err
	}
	if err = r.updateScanDate(ctx, data, model.OperationOptOut, model.EventOptOutConfirmed, now); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "removal confirmed",
		"broker", data.Broker.Name,
		"profile_query_id", target.ProfileQueryID,
		"extracted_profile_id", extractedProfileID,
	)
	return nil
}
