package data

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
)

type jobDates struct {
	preferred *time.Time
	lastRun   *time.Time
}

type optOutRow struct {
	target    model.Target
	dates     jobDates
	attempts  int
	submitted *time.Time
}

// MemoryStore is an in-process core.Database. It backs the agent when no
// PostgreSQL is configured and doubles as the storage fake in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	time TimeProvider

	brokers  map[int64]model.Broker
	queries  map[int64]model.ProfileQuery
	scans    map[model.Target]*jobDates
	profiles map[int64]*model.ExtractedProfile
	optOuts  map[int64]*optOutRow
	events   []model.HistoryEvent

	lastID  int64
	failure error
}

var _ core.Database = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithTimeProvider(RealTimeProvider{})
}

// NewMemoryStoreWithTimeProvider creates an empty store with a custom clock.
func NewMemoryStoreWithTimeProvider(tp TimeProvider) *MemoryStore {
	return &MemoryStore{
		time:     tp,
		brokers:  make(map[int64]model.Broker),
		queries:  make(map[int64]model.ProfileQuery),
		scans:    make(map[model.Target]*jobDates),
		profiles: make(map[int64]*model.ExtractedProfile),
		optOuts:  make(map[int64]*optOutRow),
	}
}

// SetFailure makes every subsequent call fail with err until cleared with nil.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *MemoryStore) nextID() int64 {
	s.lastID++
	return s.lastID
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyProfile(p model.ExtractedProfile) model.ExtractedProfile {
	p.AlternativeNames = slices.Clone(p.AlternativeNames)
	p.Addresses = slices.Clone(p.Addresses)
	p.Phones = slices.Clone(p.Phones)
	p.Relatives = slices.Clone(p.Relatives)
	p.RemovedDate = copyTime(p.RemovedDate)
	return p
}

func (s *MemoryStore) checkTarget(target model.Target) error {
	if _, ok := s.scans[target]; !ok {
		return errs.DataNotInDatabase(fmt.Sprintf("no scan for broker %d and profile query %d",
			target.BrokerID, target.ProfileQueryID))
	}
	return nil
}

func (s *MemoryStore) checkProfile(id int64) (*model.ExtractedProfile, error) {
	p, ok := s.profiles[id]
	if !ok {
		return nil, errs.DataNotInDatabase(fmt.Sprintf("extracted profile %d", id))
	}
	return p, nil
}

func (s *MemoryStore) sortedTargets() []model.Target {
	targets := make([]model.Target, 0, len(s.scans))
	for t := range s.scans {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].BrokerID != targets[j].BrokerID {
			return targets[i].BrokerID < targets[j].BrokerID
		}
		return targets[i].ProfileQueryID < targets[j].ProfileQueryID
	})
	return targets
}

func (s *MemoryStore) history(target model.Target, profileID *int64) []model.HistoryEvent {
	var out []model.HistoryEvent
	for _, ev := range s.events {
		if ev.BrokerID != target.BrokerID || ev.ProfileQueryID != target.ProfileQueryID {
			continue
		}
		switch {
		case profileID == nil && ev.ExtractedProfileID != nil,
			profileID != nil && (ev.ExtractedProfileID == nil || *ev.ExtractedProfileID != *profileID):
			continue
		}
		out = append(out, ev)
	}
	model.SortEvents(out)
	return out
}

func (s *MemoryStore) build(target model.Target) model.BrokerProfileQueryData {
	scan := s.scans[target]
	data := model.BrokerProfileQueryData{
		Broker:       s.brokers[target.BrokerID],
		ProfileQuery: s.queries[target.ProfileQueryID],
		ScanJobData: model.ScanJobData{
			BrokerID:         target.BrokerID,
			ProfileQueryID:   target.ProfileQueryID,
			PreferredRunDate: copyTime(scan.preferred),
			LastRunDate:      copyTime(scan.lastRun),
			History:          s.history(target, nil),
		},
	}

	ids := make([]int64, 0)
	for id, row := range s.optOuts {
		if row.target == target {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		row := s.optOuts[id]
		data.OptOutJobData = append(data.OptOutJobData, model.OptOutJobData{
			BrokerID:                  target.BrokerID,
			ProfileQueryID:            target.ProfileQueryID,
			ExtractedProfile:          copyProfile(*s.profiles[id]),
			PreferredRunDate:          copyTime(row.dates.preferred),
			LastRunDate:               copyTime(row.dates.lastRun),
			AttemptCount:              row.attempts,
			SubmittedSuccessfullyDate: copyTime(row.submitted),
			History:                   s.history(target, &id),
		})
	}
	return data
}

// FetchAllBrokerProfileQueryData returns every broker and profile query pair ordered by IDs.
func (s *MemoryStore) FetchAllBrokerProfileQueryData(context.Context) ([]model.BrokerProfileQueryData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	targets := s.sortedTargets()
	out := make([]model.BrokerProfileQueryData, 0, len(targets))
	for _, t := range targets {
		out = append(out, s.build(t))
	}
	return out, nil
}

// FetchBrokerProfileQueryData returns one pair.
func (s *MemoryStore) FetchBrokerProfileQueryData(_ context.Context, target model.Target) (model.BrokerProfileQueryData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return model.BrokerProfileQueryData{}, s.failure
	}
	if err := s.checkTarget(target); err != nil {
		return model.BrokerProfileQueryData{}, err
	}
	return s.build(target), nil
}

// FetchExtractedProfiles returns the profiles found on a broker across all profile queries.
func (s *MemoryStore) FetchExtractedProfiles(_ context.Context, brokerID int64) ([]model.ExtractedProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	var out []model.ExtractedProfile
	for _, p := range s.profiles {
		if p.BrokerID == brokerID {
			out = append(out, copyProfile(*p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FetchLastEvent returns the latest event of the pair across scan and opt-outs, or nil.
func (s *MemoryStore) FetchLastEvent(_ context.Context, target model.Target) (*model.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	var events []model.HistoryEvent
	for _, ev := range s.events {
		if ev.BrokerID == target.BrokerID && ev.ProfileQueryID == target.ProfileQueryID {
			events = append(events, ev)
		}
	}
	last, ok := model.LastEvent(events)
	if !ok {
		return nil, nil
	}
	return &last, nil
}

// FetchBrokers returns every broker ordered by ID.
func (s *MemoryStore) FetchBrokers(context.Context) ([]model.Broker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	out := make([]model.Broker, 0, len(s.brokers))
	for _, b := range s.brokers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddHistoryEvent appends an event.
func (s *MemoryStore) AddHistoryEvent(_ context.Context, ev model.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if err := s.checkTarget(model.Target{BrokerID: ev.BrokerID, ProfileQueryID: ev.ProfileQueryID}); err != nil {
		return err
	}
	if ev.ExtractedProfileID != nil {
		if _, err := s.checkProfile(*ev.ExtractedProfileID); err != nil {
			return err
		}
	}
	s.appendEvent(ev)
	return nil
}

func (s *MemoryStore) appendEvent(ev model.HistoryEvent) {
	ev.ID = s.nextID()
	if ev.Date.IsZero() {
		ev.Date = s.time.Now()
	}
	s.events = append(s.events, ev)
}

// UpdateScanDates sets the preferred run date and, when given, the last run date.
func (s *MemoryStore) UpdateScanDates(_ context.Context, p core.ScanDatesUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if err := s.checkTarget(p.Target); err != nil {
		return err
	}
	row := s.scans[p.Target]
	row.preferred = copyTime(p.PreferredRunDate)
	if p.LastRunDate != nil {
		row.lastRun = copyTime(p.LastRunDate)
	}
	return nil
}

func (s *MemoryStore) optOut(target model.Target, id int64) (*optOutRow, error) {
	row, ok := s.optOuts[id]
	if !ok || row.target != target {
		return nil, errs.DataNotInDatabase(fmt.Sprintf("opt-out for extracted profile %d", id))
	}
	return row, nil
}

// UpdateOptOutDates sets the preferred run date and, when given, the last run date.
func (s *MemoryStore) UpdateOptOutDates(_ context.Context, p core.OptOutDatesUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	row, err := s.optOut(p.Target, p.ExtractedProfileID)
	if err != nil {
		return err
	}
	row.dates.preferred = copyTime(p.PreferredRunDate)
	if p.LastRunDate != nil {
		row.dates.lastRun = copyTime(p.LastRunDate)
	}
	return nil
}

// RecordOptOutSubmitted bumps the attempt count and stores the submission date.
func (s *MemoryStore) RecordOptOutSubmitted(_ context.Context, p core.OptOutSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	row, err := s.optOut(p.Target, p.ExtractedProfileID)
	if err != nil {
		return err
	}
	row.attempts++
	row.submitted = copyTime(&p.SubmittedAt)
	return nil
}

// SaveScanResult applies a scan outcome. Everything is validated before the
// first write so a failure leaves the store unchanged.
func (s *MemoryStore) SaveScanResult(_ context.Context, r core.ScanResult) ([]model.ExtractedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	if err := s.checkTarget(r.Target); err != nil {
		return nil, err
	}
	for _, m := range r.Matches {
		if m.Profile.ID != 0 {
			if _, err := s.optOut(r.Target, m.Profile.ID); err != nil {
				return nil, err
			}
		}
	}
	for _, id := range r.Confirmed {
		if _, err := s.optOut(r.Target, id); err != nil {
			return nil, err
		}
	}
	for id := range r.OptOutRunDates {
		if _, err := s.optOut(r.Target, id); err != nil {
			return nil, err
		}
	}

	saved := make([]model.ExtractedProfile, 0, len(r.Matches))
	for _, m := range r.Matches {
		p := copyProfile(m.Profile)
		p.BrokerID = r.Target.BrokerID
		p.ProfileQueryID = r.Target.ProfileQueryID
		p.LastSeenDate = r.Date

		if p.ID == 0 {
			p.ID = s.nextID()
			p.FirstSeenDate = r.Date
			p.RemovedDate = nil
			s.profiles[p.ID] = &p
			s.optOuts[p.ID] = &optOutRow{target: r.Target, dates: jobDates{preferred: copyTime(m.OptOutRunDate)}}
			saved = append(saved, copyProfile(p))
			continue
		}

		existing := s.profiles[p.ID]
		p.FirstSeenDate = existing.FirstSeenDate
		p.Email = existing.Email
		p.RemovedDate = copyTime(existing.RemovedDate)
		if m.Reappeared {
			p.RemovedDate = nil
			s.appendEvent(model.NewEvent(r.Target, model.EventReAppearance, r.Date).ForProfile(p.ID))
		}
		if m.OptOutRunDate != nil {
			s.optOuts[p.ID].dates.preferred = copyTime(m.OptOutRunDate)
		}
		*existing = p
		saved = append(saved, copyProfile(p))
	}

	for _, id := range r.Confirmed {
		s.profiles[id].RemovedDate = copyTime(&r.Date)
		s.optOuts[id].dates.preferred = nil
		s.appendEvent(model.NewEvent(r.Target, model.EventOptOutConfirmed, r.Date).ForProfile(id))
	}

	for id, at := range r.OptOutRunDates {
		s.optOuts[id].dates.preferred = copyTime(at)
	}
	if r.ScanRunDate != nil {
		s.scans[r.Target].preferred = copyTime(r.ScanRunDate)
	}

	ev := model.NewEvent(r.Target, model.EventMatchesFound, r.Date)
	ev.Count = len(r.Matches)
	s.appendEvent(ev)
	return saved, nil
}

// UpdateRemovedDate sets or clears the removal date of an extracted profile.
func (s *MemoryStore) UpdateRemovedDate(_ context.Context, p core.RemovalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	profile, err := s.checkProfile(p.ExtractedProfileID)
	if err != nil {
		return err
	}
	profile.RemovedDate = copyTime(p.RemovedDate)
	return nil
}

// SetExtractedProfileEmail stores the generated address on the profile.
func (s *MemoryStore) SetExtractedProfileEmail(_ context.Context, id int64, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	profile, err := s.checkProfile(id)
	if err != nil {
		return err
	}
	profile.Email = email
	return nil
}

// UpsertBroker inserts or replaces a broker by name. New brokers get a scan
// for every active profile query, due now.
func (s *MemoryStore) UpsertBroker(_ context.Context, b model.Broker) (model.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return model.Broker{}, s.failure
	}
	if strings.TrimSpace(b.Name) == "" {
		return model.Broker{}, ErrBrokerNameRequired
	}
	for id, existing := range s.brokers {
		if existing.Name == b.Name {
			b.ID = id
			s.brokers[id] = b
			return b, nil
		}
	}

	b.ID = s.nextID()
	s.brokers[b.ID] = b
	now := s.time.Now()
	for qid, q := range s.queries {
		if !q.Deprecated {
			s.scans[model.Target{BrokerID: b.ID, ProfileQueryID: qid}] = &jobDates{preferred: copyTime(&now)}
		}
	}
	return b, nil
}

// SaveProfileQueries makes queries the active set: matching queries are
// updated, new ones inserted with a scan per broker, and active queries
// missing from the set are deprecated.
func (s *MemoryStore) SaveProfileQueries(_ context.Context, queries []model.ProfileQuery) ([]model.ProfileQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	for _, q := range queries {
		if strings.TrimSpace(q.FirstName) == "" || strings.TrimSpace(q.LastName) == "" {
			return nil, ErrProfileQueryNameRequired
		}
	}

	byKey := make(map[string]int64, len(s.queries))
	for id, q := range s.queries {
		byKey[q.Key()] = id
	}

	now := s.time.Now()
	keep := make(map[int64]bool, len(queries))
	out := make([]model.ProfileQuery, 0, len(queries))
	for _, q := range queries {
		q.Deprecated = false
		if id, ok := byKey[q.Key()]; ok {
			q.ID = id
		} else {
			q.ID = s.nextID()
			byKey[q.Key()] = q.ID
		}
		s.queries[q.ID] = q
		keep[q.ID] = true
		for bid := range s.brokers {
			t := model.Target{BrokerID: bid, ProfileQueryID: q.ID}
			if _, ok := s.scans[t]; !ok {
				s.scans[t] = &jobDates{preferred: copyTime(&now)}
			}
		}
		out = append(out, q)
	}
	for id, q := range s.queries {
		if !keep[id] && !q.Deprecated {
			q.Deprecated = true
			s.queries[id] = q
		}
	}
	return out, nil
}

// HasMatches reports whether any extracted profile exists.
func (s *MemoryStore) HasMatches(context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return false, s.failure
	}
	return len(s.profiles) > 0, nil
}

// ProfileQueriesCount counts the active profile queries.
func (s *MemoryStore) ProfileQueriesCount(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return 0, s.failure
	}
	n := 0
	for _, q := range s.queries {
		if !q.Deprecated {
			n++
		}
	}
	return n, nil
}
