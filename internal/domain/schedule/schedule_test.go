package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
)

var (
	now     = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cadence = model.ScheduleConfig{RetryError: 48, ConfirmOptOutScan: 72, MaintenanceScan: 240, MaxAttempts: -1}
)

func hoursFromNow(h int) *time.Time {
	return model.Time(now.Add(time.Duration(h) * time.Hour))
}

func TestNextScanDate(t *testing.T) {
	current := hoursFromNow(5)
	tests := []struct {
		name    string
		origin  model.OperationType
		event   model.EventType
		current *time.Time
		want    *time.Time
	}{
		{"no match schedules maintenance", model.OperationScan, model.EventNoMatchFound, nil, hoursFromNow(240)},
		{"matches schedules maintenance", model.OperationScan, model.EventMatchesFound, nil, hoursFromNow(240)},
		{"confirmation schedules maintenance", model.OperationScan, model.EventOptOutConfirmed, nil, hoursFromNow(240)},
		{"error schedules retry", model.OperationScan, model.EventError, nil, hoursFromNow(48)},
		{"request schedules confirm scan", model.OperationOptOut, model.EventOptOutRequested, nil, hoursFromNow(72)},
		{"started keeps current", model.OperationScan, model.EventScanStarted, current, current},
		{"opt-out started keeps current", model.OperationOptOut, model.EventOptOutStarted, current, current},
		{"scan origin always overrides", model.OperationScan, model.EventError, current, hoursFromNow(48)},
		{"opt-out origin keeps earlier scan", model.OperationOptOut, model.EventOptOutRequested, current, current},
		{
			"opt-out origin moves later scan earlier",
			model.OperationOptOut, model.EventOptOutRequested, hoursFromNow(500), hoursFromNow(72),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextScanDate(Input{
				Origin: tt.origin, Event: tt.event, Current: tt.current, Schedule: cadence, Now: now,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextOptOutDate(t *testing.T) {
	recent := hoursFromNow(-24)
	stale := hoursFromNow(-500)
	tests := []struct {
		name    string
		in      OptOutInput
		want    *time.Time
		wantNil bool
	}{
		{
			name:    "no match unschedules",
			in:      OptOutInput{Input: Input{Origin: model.OperationScan, Event: model.EventNoMatchFound, Current: hoursFromNow(1)}},
			wantNil: true,
		},
		{
			name: "new match schedules now",
			in:   OptOutInput{Input: Input{Origin: model.OperationScan, Event: model.EventMatchesFound}},
			want: model.Time(now),
		},
		{
			name: "match with recent request keeps current",
			in: OptOutInput{
				Input:         Input{Origin: model.OperationScan, Event: model.EventMatchesFound, Current: hoursFromNow(200)},
				LastRequested: recent,
			},
			want: hoursFromNow(200),
		},
		{
			name: "match with expired request schedules now",
			in: OptOutInput{
				Input:         Input{Origin: model.OperationScan, Event: model.EventMatchesFound, Current: hoursFromNow(200)},
				LastRequested: stale,
			},
			want: model.Time(now),
		},
		{
			name: "error schedules retry",
			in:   OptOutInput{Input: Input{Origin: model.OperationOptOut, Event: model.EventError}},
			want: hoursFromNow(48),
		},
		{
			name: "request schedules next attempt",
			in:   OptOutInput{Input: Input{Origin: model.OperationOptOut, Event: model.EventOptOutRequested}},
			want: hoursFromNow(240),
		},
		{
			name:    "confirmation unschedules",
			in:      OptOutInput{Input: Input{Origin: model.OperationScan, Event: model.EventOptOutConfirmed}},
			wantNil: true,
		},
		{
			name:    "removed profile is never scheduled",
			in:      OptOutInput{Input: Input{Origin: model.OperationOptOut, Event: model.EventError}, Removed: true},
			wantNil: true,
		},
		{
			name: "started keeps current",
			in:   OptOutInput{Input: Input{Origin: model.OperationOptOut, Event: model.EventOptOutStarted, Current: hoursFromNow(3)}},
			want: hoursFromNow(3),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.Schedule = cadence
			in.Now = now
			got, err := NextOptOutDate(in)
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextOptOutDate_MaxAttempts(t *testing.T) {
	limited := cadence
	limited.MaxAttempts = 3

	got, err := NextOptOutDate(OptOutInput{
		Input:        Input{Origin: model.OperationOptOut, Event: model.EventOptOutRequested, Schedule: limited, Now: now},
		AttemptCount: 3,
	})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = NextOptOutDate(OptOutInput{
		Input:        Input{Origin: model.OperationOptOut, Event: model.EventOptOutRequested, Schedule: limited, Now: now},
		AttemptCount: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, hoursFromNow(240), got)
}

func TestInconsistentSchedule(t *testing.T) {
	bad := model.ScheduleConfig{RetryError: -1, MaintenanceScan: 10}

	_, err := NextScanDate(Input{Origin: model.OperationScan, Event: model.EventError, Schedule: bad, Now: now})
	assert.Equal(t, errs.KindCantCalculatePreferredRunDate, errs.KindOf(err))

	_, err = NextOptOutDate(OptOutInput{Input: Input{Origin: model.OperationOptOut, Event: model.EventError, Schedule: bad, Now: now}})
	assert.Equal(t, errs.KindCantCalculatePreferredRunDate, errs.KindOf(err))
}
