package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errs "github.com/target/mmk-dbp/internal/errors"
)

const brokerJSON = `{
  "name": "Example People",
  "url": "www.example-people.com",
  "version": "0.3.1",
  "schedulingConfig": {"retryError": 48, "confirmOptOutScan": 72, "maintenanceScan": 240, "maxAttempts": 3},
  "steps": [
    {
      "stepType": "scan",
      "actions": [
        {"id": "n1", "actionType": "navigate", "url": "https://example-people.com/${firstName}-${lastName}"},
        {"id": "e1", "actionType": "extract", "selector": ".card", "profile": {"name": {"selector": ".name"}}}
      ]
    },
    {
      "stepType": "optOut",
      "optOutType": "formOptOut",
      "actions": [
        {"id": "n2", "actionType": "navigate", "url": "${profileUrl}", "ignoreNotFound": true},
        {"id": "f1", "actionType": "fillForm", "selector": "form", "elements": [{"type": "email", "selector": "#email"}]},
        {"id": "c1", "actionType": "click", "elements": [{"type": "button", "selector": "#submit"}]},
        {"id": "x1", "actionType": "expectation", "expectations": [{"type": "text", "selector": "body", "expect": "Thanks"}]},
        {"id": "g1", "actionType": "getCaptchaInfo", "selector": ".g-recaptcha"},
        {"id": "s1", "actionType": "solveCaptcha", "selector": ".g-recaptcha"},
        {"id": "m1", "actionType": "emailConfirmation", "pollingTime": 30}
      ]
    }
  ]
}`

func TestParseBroker(t *testing.T) {
	b, err := ParseBroker([]byte(brokerJSON))
	require.NoError(t, err)

	assert.Equal(t, "Example People", b.Name)
	assert.False(t, b.IsChild())
	assert.Equal(t, 3, b.Schedule.MaxAttempts)
	assert.Equal(t, 240, b.Schedule.MaintenanceScan)

	scan, ok := b.Step(StepTypeScan)
	require.True(t, ok)
	require.Len(t, scan.Actions, 2)
	assert.IsType(t, NavigateAction{}, scan.Actions[0])
	extract, ok := scan.Actions[1].(ExtractAction)
	require.True(t, ok)
	assert.Equal(t, ExtractModeDOM, extract.Mode)

	optOut, ok := b.Step(StepTypeOptOut)
	require.True(t, ok)
	assert.Equal(t, "formOptOut", optOut.OptOutType)
	require.Len(t, optOut.Actions, 7)
	nav := optOut.Actions[0].(NavigateAction)
	assert.True(t, nav.IgnoreNotFound)
	assert.True(t, optOut.Actions[1].NeedsEmail())
	assert.False(t, optOut.Actions[2].NeedsEmail())
	assert.Equal(t, 30, optOut.Actions[6].(EmailConfirmationAction).PollingTime)
}

func TestParseBroker_Errors(t *testing.T) {
	_, err := ParseBroker([]byte(`{"url": "x.com"}`))
	require.Error(t, err)

	_, err = ParseBroker([]byte(`{"name": "x", "steps": [{"stepType": "scan", "actions": [{"id": "a", "actionType": "teleport"}]}]}`))
	assert.Equal(t, errs.KindUnknownMethodName, errs.KindOf(err))

	_, err = ParseBroker([]byte(`{"name": "x", "steps": [{"stepType": "scan", "actions": [{"id": 5}]}]}`))
	assert.Equal(t, errs.KindParsingErrorObjectFailed, errs.KindOf(err))
}

func TestBroker_DomainAndRootURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{url: "www.example-people.com", want: "https://example-people.com"},
		{url: "https://search.people.co.uk/find", want: "https://people.co.uk"},
		{url: "example.com", want: "https://example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := Broker{Name: "b", URL: tt.url}.RootURL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Broker{Name: "b", URL: "https://"}.Domain()
	assert.Error(t, err)
}

func TestScheduleConfig(t *testing.T) {
	s := ScheduleConfig{RetryError: 1, ConfirmOptOutScan: 2, MaintenanceScan: 3, MaxAttempts: 2}
	assert.NoError(t, s.Validate())
	assert.False(t, s.AttemptsExhausted(1))
	assert.True(t, s.AttemptsExhausted(2))

	assert.False(t, ScheduleConfig{MaxAttempts: -1}.AttemptsExhausted(100))
	assert.Error(t, ScheduleConfig{RetryError: -1}.Validate())
}
