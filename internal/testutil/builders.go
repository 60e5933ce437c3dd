// Package testutil provides testing utilities and helpers for the opt-out engine.
package testutil

import (
	"context"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
)

// BrokerBuilder provides a fluent interface for building brokers for testing.
type BrokerBuilder struct {
	b model.Broker
}

// NewBroker creates a BrokerBuilder with a one-action scan, a one-action opt-out and a daily cadence.
func NewBroker(name string) *BrokerBuilder {
	return &BrokerBuilder{b: model.Broker{
		Name:    name,
		URL:     name + ".example",
		Version: "0.1.0",
		Steps: []model.Step{
			{Type: model.StepTypeScan, Actions: []model.Action{
				model.NavigateAction{
					ActionBase: model.ActionBase{ID: "scan-nav", ActionType: model.ActionNavigate},
					URL:        "https://" + name + ".example/${firstName}-${lastName}",
				},
			}},
			{Type: model.StepTypeOptOut, OptOutType: "formOptOut", Actions: []model.Action{
				model.NavigateAction{
					ActionBase: model.ActionBase{ID: "optout-nav", ActionType: model.ActionNavigate},
					URL:        "https://" + name + ".example/optout",
				},
			}},
		},
		Schedule: model.ScheduleConfig{RetryError: 48, ConfirmOptOutScan: 72, MaintenanceScan: 240},
	}}
}

// WithSchedule sets the cadence.
func (b *BrokerBuilder) WithSchedule(s model.ScheduleConfig) *BrokerBuilder {
	b.b.Schedule = s
	return b
}

// WithParent marks the broker as a mirror of parent.
func (b *BrokerBuilder) WithParent(parent string) *BrokerBuilder {
	b.b.Parent = parent
	return b
}

// WithSteps replaces the steps.
func (b *BrokerBuilder) WithSteps(steps ...model.Step) *BrokerBuilder {
	b.b.Steps = steps
	return b
}

// Fake marks the broker as a test broker.
func (b *BrokerBuilder) Fake() *BrokerBuilder {
	b.b.FakeBroker = true
	return b
}

// Build returns the broker.
func (b *BrokerBuilder) Build() model.Broker {
	return b.b
}

// NewProfileQuery returns an active query for a 1985-born person in Dallas.
func NewProfileQuery(first, last string) model.ProfileQuery {
	return model.ProfileQuery{
		FirstName: first,
		LastName:  last,
		City:      "Dallas",
		State:     "TX",
		BirthYear: 1985,
	}
}

// NewExtractedProfile returns a listing keyed by its identifier.
func NewExtractedProfile(identifier, name string) model.ExtractedProfile {
	return model.ExtractedProfile{
		Name:       name,
		Identifier: identifier,
		Age:        "39",
		Addresses:  []model.Address{{City: "Dallas", State: "TX"}},
	}
}

// SeedTarget stores a broker and a profile query and returns the pair.
func SeedTarget(ctx context.Context, t TestingTB, db core.Database, b model.Broker, q model.ProfileQuery) model.Target {
	t.Helper()
	saved, err := db.UpsertBroker(ctx, b)
	if err != nil {
		t.Fatalf("seed broker: %v", err)
	}
	queries, err := db.SaveProfileQueries(ctx, []model.ProfileQuery{q})
	if err != nil {
		t.Fatalf("seed profile query: %v", err)
	}
	return model.Target{BrokerID: saved.ID, ProfileQueryID: queries[0].ID}
}

// SeedMatches records a scan result with the given new listings, each with an opt-out due at optOutAt.
func SeedMatches(
	ctx context.Context,
	t TestingTB,
	db core.Database,
	target model.Target,
	at time.Time,
	optOutAt *time.Time,
	profiles ...model.ExtractedProfile,
) []model.ExtractedProfile {
	t.Helper()
	matches := make([]core.ScanMatch, 0, len(profiles))
	for _, p := range profiles {
		matches = append(matches, core.ScanMatch{Profile: p, OptOutRunDate: optOutAt})
	}
	saved, err := db.SaveScanResult(ctx, core.ScanResult{Target: target, Date: at, Matches: matches})
	if err != nil {
		t.Fatalf("seed matches: %v", err)
	}
	return saved
}
