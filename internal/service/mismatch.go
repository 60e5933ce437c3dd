package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
)

// MismatchKind classifies one reconciliation finding.
type MismatchKind string

const (
	// MismatchRemovalCandidate is a listing gone after we asked for its removal.
	MismatchRemovalCandidate MismatchKind = "removal_candidate"
	// MismatchUnexplained is a listing gone without a removal request. It may
	// be a broken scan script, so it is never treated as removed.
	MismatchUnexplained MismatchKind = "unexplained"
	// MismatchNewMatch is a listing first seen by the latest scan.
	MismatchNewMatch MismatchKind = "new_match"
	// MismatchParentChild is a mirror broker whose match count differs from its parent's.
	MismatchParentChild MismatchKind = "parent_child"
)

// Mismatch is one finding of the report.
type Mismatch struct {
	Kind               MismatchKind `json:"kind"`
	Target             model.Target `json:"target"`
	Broker             string       `json:"broker"`
	ExtractedProfileID int64        `json:"extractedProfileId,omitempty"`
	Detail             string       `json:"detail,omitempty"`
}

// MismatchReport is the result of one reconciliation pass.
type MismatchReport struct {
	Counts     core.MismatchCounts `json:"counts"`
	Items      []Mismatch          `json:"items"`
	ComputedAt time.Time           `json:"computedAt"`
}

// MismatchCalculatorOptions groups dependencies for MismatchCalculator.
type MismatchCalculatorOptions struct {
	DB     core.Database
	Events core.EventSink
	Logger *slog.Logger
	Now    func() time.Time
}

// MismatchCalculator reconciles scan outcomes with known listings. It only
// reads storage.
type MismatchCalculator struct {
	db     core.Database
	events core.EventSink
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	last *MismatchReport
}

// NewMismatchCalculator constructs a MismatchCalculator.
func NewMismatchCalculator(opts MismatchCalculatorOptions) (*MismatchCalculator, error) {
	if opts.DB == nil {
		return nil, errors.New("database is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := opts.Events
	if events == nil {
		events = core.NopEventSink{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MismatchCalculator{
		db:     opts.DB,
		events: events,
		logger: logger.With("component", "mismatch_calculator"),
		now:    now,
	}, nil
}

// latestOutcome returns the last scan event that reports listings.
func latestOutcome(history []model.HistoryEvent) (model.HistoryEvent, bool) {
	var (
		found model.HistoryEvent
		ok    bool
	)
	for _, ev := range history {
		if ev.Type != model.EventMatchesFound && ev.Type != model.EventNoMatchFound {
			continue
		}
		if !ok || !ev.Date.Before(found.Date) {
			found, ok = ev, true
		}
	}
	return found, ok
}

// Recompute builds a fresh report, stores it as the latest and emits its counts.
func (c *MismatchCalculator) Recompute(ctx context.Context) (MismatchReport, error) {
	all, err := c.db.FetchAllBrokerProfileQueryData(ctx)
	if err != nil {
		return MismatchReport{}, err
	}

	report := MismatchReport{ComputedAt: c.now().UTC(), Items: []Mismatch{}}
	// match counts of the latest outcome by broker name and profile query
	type countKey struct {
		broker string
		query  int64
	}
	counts := make(map[countKey]int)

	for _, d := range all {
		if d.ProfileQuery.Deprecated {
			continue
		}
		outcome, ok := latestOutcome(d.ScanJobData.History)
		if !ok {
			continue
		}
		counts[countKey{d.Broker.Name, d.ProfileQuery.ID}] = outcome.Count

		for _, o := range d.OptOutJobData {
			p := o.ExtractedProfile
			if p.IsRemoved() {
				continue
			}
			item := Mismatch{Target: d.Target(), Broker: d.Broker.Name, ExtractedProfileID: p.ID}
			switch {
			case p.LastSeenDate.Before(outcome.Date):
				report.Counts.Disappeared++
				if _, requested := model.LastEventOfType(o.History, model.EventOptOutRequested); requested {
					item.Kind = MismatchRemovalCandidate
					report.Counts.RemovalCandidates++
				} else {
					item.Kind = MismatchUnexplained
					report.Counts.Unexplained++
				}
			case !p.FirstSeenDate.Before(outcome.Date):
				item.Kind = MismatchNewMatch
				report.Counts.NewMatches++
			default:
				continue
			}
			report.Items = append(report.Items, item)
		}
	}

	for _, d := range all {
		if !d.Broker.IsChild() || d.ProfileQuery.Deprecated {
			continue
		}
		child, ok := counts[countKey{d.Broker.Name, d.ProfileQuery.ID}]
		if !ok {
			continue
		}
		parent, ok := counts[countKey{d.Broker.Parent, d.ProfileQuery.ID}]
		if !ok || parent == child {
			continue
		}
		report.Counts.ParentChildMismatches++
		report.Items = append(report.Items, Mismatch{
			Kind:   MismatchParentChild,
			Target: d.Target(),
			Broker: d.Broker.Name,
			Detail: d.Broker.Parent,
		})
	}

	sort.SliceStable(report.Items, func(i, j int) bool {
		a, b := report.Items[i], report.Items[j]
		if a.Target.BrokerID != b.Target.BrokerID {
			return a.Target.BrokerID < b.Target.BrokerID
		}
		if a.Target.ProfileQueryID != b.Target.ProfileQueryID {
			return a.Target.ProfileQueryID < b.Target.ProfileQueryID
		}
		return a.ExtractedProfileID < b.ExtractedProfileID
	})

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()

	c.events.MismatchesComputed(ctx, report.Counts)
	if report.Counts.Unexplained > 0 {
		c.logger.WarnContext(ctx, "listings disappeared without a removal request",
			"count", report.Counts.Unexplained)
	}
	c.logger.DebugContext(ctx, "mismatches computed",
		"disappeared", report.Counts.Disappeared,
		"removal_candidates", report.Counts.RemovalCandidates,
		"new_matches", report.Counts.NewMatches,
		"parent_child", report.Counts.ParentChildMismatches,
	)
	return report, nil
}

// Last returns the most recent report, if any.
func (c *MismatchCalculator) Last() (MismatchReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return MismatchReport{}, false
	}
	return *c.last, true
}
