package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
	"github.com/target/mmk-dbp/internal/testutil"
)

type storeFactory func(t *testing.T, tp TimeProvider) core.Database

// runStoreContract exercises behavior every core.Database must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	start := testutil.TestTime()

	setup := func(t *testing.T) (context.Context, core.Database, *FixedTimeProvider, model.Target) {
		t.Helper()
		ctx := context.Background()
		tp := NewFixedTimeProvider(start)
		db := newStore(t, tp)
		target := testutil.SeedTarget(ctx, t, db, testutil.NewBroker("alpha").Build(), testutil.NewProfileQuery("John", "Doe"))
		return ctx, db, tp, target
	}

	t.Run("new pair is due now with empty history", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		d, err := db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		assert.Equal(t, "alpha", d.Broker.Name)
		assert.Equal(t, "John", d.ProfileQuery.FirstName)
		require.NotNil(t, d.ScanJobData.PreferredRunDate)
		assert.True(t, d.ScanJobData.PreferredRunDate.Equal(start))
		assert.Nil(t, d.ScanJobData.LastRunDate)
		assert.Empty(t, d.ScanJobData.History)
		assert.Empty(t, d.OptOutJobData)
		require.Len(t, d.Broker.Steps, 2)
		assert.Equal(t, model.ActionNavigate, d.Broker.Steps[0].Actions[0].Type())
	})

	t.Run("unknown pair is not in database", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		_, err := db.FetchBrokerProfileQueryData(ctx, model.Target{BrokerID: target.BrokerID + 1000, ProfileQueryID: 1})
		assert.True(t, errs.IsDataNotInDatabase(err))
	})

	t.Run("events keep date order", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		require.NoError(t, db.AddHistoryEvent(ctx, model.NewEvent(target, model.EventScanStarted, start)))
		require.NoError(t, db.AddHistoryEvent(ctx, model.NewEvent(target, model.EventNoMatchFound, start.Add(time.Minute))))

		d, err := db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		require.Len(t, d.ScanJobData.History, 2)
		assert.True(t, model.IsMonotonic(d.ScanJobData.History))
		assert.Equal(t, model.EventNoMatchFound, d.ScanJobData.History[1].Type)

		last, err := db.FetchLastEvent(ctx, target)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, model.EventNoMatchFound, last.Type)
	})

	t.Run("scan dates update", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		next := start.Add(240 * time.Hour)
		require.NoError(t, db.UpdateScanDates(ctx, core.ScanDatesUpdate{
			Target: target, PreferredRunDate: &next, LastRunDate: &start,
		}))
		d, err := db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		assert.True(t, d.ScanJobData.PreferredRunDate.Equal(next))
		assert.True(t, d.ScanJobData.LastRunDate.Equal(start))

		// Nil last run keeps the previous value; nil preferred date unschedules.
		require.NoError(t, db.UpdateScanDates(ctx, core.ScanDatesUpdate{Target: target}))
		d, err = db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		assert.Nil(t, d.ScanJobData.PreferredRunDate)
		assert.True(t, d.ScanJobData.LastRunDate.Equal(start))
	})

	t.Run("scan result inserts listings with opt-outs", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		due := start.Add(time.Hour)
		saved := testutil.SeedMatches(ctx, t, db, target, start, &due,
			testutil.NewExtractedProfile("a1", "John Doe"),
			testutil.NewExtractedProfile("a2", "Johnny Doe"),
		)
		require.Len(t, saved, 2)
		assert.NotZero(t, saved[0].ID)
		assert.NotEqual(t, saved[0].ID, saved[1].ID)

		d, err := db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		require.Len(t, d.OptOutJobData, 2)
		o := d.OptOutJobData[0]
		assert.Equal(t, "John Doe", o.ExtractedProfile.Name)
		assert.True(t, o.ExtractedProfile.FirstSeenDate.Equal(start))
		require.NotNil(t, o.PreferredRunDate)
		assert.True(t, o.PreferredRunDate.Equal(due))

		last, ok := model.LastEventOfType(d.ScanJobData.History, model.EventMatchesFound)
		require.True(t, ok)
		assert.Equal(t, 2, last.Count)

		has, err := db.HasMatches(ctx)
		require.NoError(t, err)
		assert.True(t, has)

		profiles, err := db.FetchExtractedProfiles(ctx, target.BrokerID)
		require.NoError(t, err)
		assert.Len(t, profiles, 2)
	})

	t.Run("scan result confirms and reappears", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		saved := testutil.SeedMatches(ctx, t, db, target, start, nil,
			testutil.NewExtractedProfile("a1", "John Doe"),
			testutil.NewExtractedProfile("a2", "Johnny Doe"),
		)
		require.NoError(t, db.SetExtractedProfileEmail(ctx, saved[0].ID, "x@relay.example"))

		later := start.Add(72 * time.Hour)
		_, err := db.SaveScanResult(ctx, core.ScanResult{
			Target:    target,
			Date:      later,
			Matches:   []core.ScanMatch{{Profile: saved[0]}},
			Confirmed: []int64{saved[1].ID},
		})
		require.NoError(t, err)

		d, err := db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		kept, ok := d.OptOutFor(saved[0].ID)
		require.True(t, ok)
		assert.Equal(t, "x@relay.example", kept.ExtractedProfile.Email)
		assert.True(t, kept.ExtractedProfile.FirstSeenDate.Equal(start))
		assert.True(t, kept.ExtractedProfile.LastSeenDate.Equal(later))

		gone, ok := d.OptOutFor(saved[1].ID)
		require.True(t, ok)
		require.NotNil(t, gone.ExtractedProfile.RemovedDate)
		assert.True(t, gone.ExtractedProfile.RemovedDate.Equal(later))
		assert.Nil(t, gone.PreferredRunDate)
		_, ok = model.LastEventOfType(gone.History, model.EventOptOutConfirmed)
		assert.True(t, ok)

		// The listing comes back.
		_, err = db.SaveScanResult(ctx, core.ScanResult{
			Target:  target,
			Date:    later.Add(time.Hour),
			Matches: []core.ScanMatch{{Profile: gone.ExtractedProfile, Reappeared: true}},
		})
		require.NoError(t, err)
		d, err = db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		back, _ := d.OptOutFor(saved[1].ID)
		assert.Nil(t, back.ExtractedProfile.RemovedDate)
		_, ok = model.LastEventOfType(back.History, model.EventReAppearance)
		assert.True(t, ok)
	})

	t.Run("scan result with unknown profile writes nothing", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		_, err := db.SaveScanResult(ctx, core.ScanResult{
			Target: target,
			Date:   start,
			Matches: []core.ScanMatch{
				{Profile: testutil.NewExtractedProfile("new", "John Doe")},
			},
			Confirmed: []int64{987654},
		})
		require.Error(t, err)
		has, err := db.HasMatches(ctx)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("scan result writes planned dates", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		saved := testutil.SeedMatches(ctx, t, db, target, start, &start, testutil.NewExtractedProfile("a1", "John Doe"))

		later := start.Add(24 * time.Hour)
		nextScan := later.Add(240 * time.Hour)
		_, err := db.SaveScanResult(ctx, core.ScanResult{
			Target:         target,
			Date:           later,
			Matches:        []core.ScanMatch{{Profile: saved[0]}},
			ScanRunDate:    &nextScan,
			OptOutRunDates: map[int64]*time.Time{saved[0].ID: nil},
		})
		require.NoError(t, err)

		d, err := db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		require.NotNil(t, d.ScanJobData.PreferredRunDate)
		assert.True(t, d.ScanJobData.PreferredRunDate.Equal(nextScan))
		o, ok := d.OptOutFor(saved[0].ID)
		require.True(t, ok)
		assert.Nil(t, o.PreferredRunDate)
	})

	t.Run("scan result with unknown opt-out date writes nothing", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		_, err := db.SaveScanResult(ctx, core.ScanResult{
			Target:         target,
			Date:           start,
			Matches:        []core.ScanMatch{{Profile: testutil.NewExtractedProfile("new", "John Doe")}},
			OptOutRunDates: map[int64]*time.Time{987654: &start},
		})
		require.Error(t, err)
		has, err := db.HasMatches(ctx)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("opt-out submission bumps attempts", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		saved := testutil.SeedMatches(ctx, t, db, target, start, &start, testutil.NewExtractedProfile("a1", "John Doe"))
		id := saved[0].ID

		require.NoError(t, db.RecordOptOutSubmitted(ctx, core.OptOutSubmission{Target: target, ExtractedProfileID: id, SubmittedAt: start}))
		require.NoError(t, db.RecordOptOutSubmitted(ctx, core.OptOutSubmission{Target: target, ExtractedProfileID: id, SubmittedAt: start.Add(time.Hour)}))
		next := start.Add(240 * time.Hour)
		require.NoError(t, db.UpdateOptOutDates(ctx, core.OptOutDatesUpdate{
			Target: target, ExtractedProfileID: id, PreferredRunDate: &next, LastRunDate: &start,
		}))

		d, err := db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		o, ok := d.OptOutFor(id)
		require.True(t, ok)
		assert.Equal(t, 2, o.AttemptCount)
		assert.True(t, o.SubmittedSuccessfullyDate.Equal(start.Add(time.Hour)))
		assert.True(t, o.PreferredRunDate.Equal(next))

		err = db.UpdateOptOutDates(ctx, core.OptOutDatesUpdate{Target: target, ExtractedProfileID: id + 1000})
		assert.True(t, errs.IsDataNotInDatabase(err))
	})

	t.Run("opt-out events stay out of scan history", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		saved := testutil.SeedMatches(ctx, t, db, target, start, nil, testutil.NewExtractedProfile("a1", "John Doe"))
		require.NoError(t, db.AddHistoryEvent(ctx,
			model.NewEvent(target, model.EventOptOutRequested, start.Add(time.Minute)).ForProfile(saved[0].ID)))

		d, err := db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		for _, ev := range d.ScanJobData.History {
			assert.Nil(t, ev.ExtractedProfileID)
		}
		o, _ := d.OptOutFor(saved[0].ID)
		require.Len(t, o.History, 1)
		assert.Equal(t, model.EventOptOutRequested, o.History[0].Type)

		last, err := db.FetchLastEvent(ctx, target)
		require.NoError(t, err)
		assert.Equal(t, model.EventOptOutRequested, last.Type)
	})

	t.Run("removed date can be cleared", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		saved := testutil.SeedMatches(ctx, t, db, target, start, nil, testutil.NewExtractedProfile("a1", "John Doe"))
		require.NoError(t, db.UpdateRemovedDate(ctx, core.RemovalUpdate{ExtractedProfileID: saved[0].ID, RemovedDate: &start}))
		require.NoError(t, db.UpdateRemovedDate(ctx, core.RemovalUpdate{ExtractedProfileID: saved[0].ID}))
		profiles, err := db.FetchExtractedProfiles(ctx, target.BrokerID)
		require.NoError(t, err)
		require.Len(t, profiles, 1)
		assert.Nil(t, profiles[0].RemovedDate)
	})

	t.Run("upsert broker keeps id and schedules new brokers", func(t *testing.T) {
		ctx, db, tp, target := setup(t)
		again, err := db.UpsertBroker(ctx, testutil.NewBroker("alpha").WithSchedule(model.ScheduleConfig{MaintenanceScan: 1}).Build())
		require.NoError(t, err)
		assert.Equal(t, target.BrokerID, again.ID)

		tp.AddTime(time.Hour)
		beta, err := db.UpsertBroker(ctx, testutil.NewBroker("beta").Build())
		require.NoError(t, err)
		d, err := db.FetchBrokerProfileQueryData(ctx, model.Target{BrokerID: beta.ID, ProfileQueryID: target.ProfileQueryID})
		require.NoError(t, err)
		assert.True(t, d.ScanJobData.PreferredRunDate.Equal(start.Add(time.Hour)))

		brokers, err := db.FetchBrokers(ctx)
		require.NoError(t, err)
		require.Len(t, brokers, 2)
		assert.Equal(t, 1, brokers[0].Schedule.MaintenanceScan)

		_, err = db.UpsertBroker(ctx, model.Broker{})
		assert.ErrorIs(t, err, ErrBrokerNameRequired)
	})

	t.Run("saving profile queries deprecates missing ones", func(t *testing.T) {
		ctx, db, _, target := setup(t)
		jane := testutil.NewProfileQuery("Jane", "Doe")
		saved, err := db.SaveProfileQueries(ctx, []model.ProfileQuery{jane})
		require.NoError(t, err)
		require.Len(t, saved, 1)
		assert.NotEqual(t, target.ProfileQueryID, saved[0].ID)

		n, err := db.ProfileQueriesCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		d, err := db.FetchBrokerProfileQueryData(ctx, target)
		require.NoError(t, err)
		assert.True(t, d.ProfileQuery.Deprecated)

		// Saving John again revives the same query.
		saved, err = db.SaveProfileQueries(ctx, []model.ProfileQuery{testutil.NewProfileQuery("John", "Doe"), jane})
		require.NoError(t, err)
		assert.Equal(t, target.ProfileQueryID, saved[0].ID)
		n, err = db.ProfileQueriesCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = db.SaveProfileQueries(ctx, []model.ProfileQuery{{FirstName: "Only"}})
		assert.True(t, errors.Is(err, ErrProfileQueryNameRequired))
	})
}
