package model

import (
	"sort"
	"time"

	errs "github.com/target/mmk-dbp/internal/errors"
)

// EventType is the kind of an audit record.
type EventType string

const (
	EventScanStarted     EventType = "scanStarted"
	EventNoMatchFound    EventType = "noMatchFound"
	EventMatchesFound    EventType = "matchesFound"
	EventOptOutStarted   EventType = "optOutStarted"
	EventOptOutRequested EventType = "optOutRequested"
	EventOptOutConfirmed EventType = "optOutConfirmed"
	EventReAppearance    EventType = "reAppearance"
	EventError           EventType = "error"
)

// HistoryEvent is an immutable audit record of an operation's progress.
type HistoryEvent struct {
	ID                 int64     `json:"id,omitempty"`
	BrokerID           int64     `json:"brokerId"`
	ProfileQueryID     int64     `json:"profileQueryId"`
	ExtractedProfileID *int64    `json:"extractedProfileId,omitempty"`
	Type               EventType `json:"type"`
	// Count is the number of matches for matchesFound events.
	Count       int       `json:"count,omitempty"`
	ErrorKind   errs.Kind `json:"errorKind,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	Date        time.Time `json:"date"`
}

// NewEvent builds an event for target.
func NewEvent(target Target, t EventType, date time.Time) HistoryEvent {
	return HistoryEvent{
		BrokerID:       target.BrokerID,
		ProfileQueryID: target.ProfileQueryID,
		Type:           t,
		Date:           date,
	}
}

// NewErrorEvent builds an error event carrying the taxonomy kind of err.
func NewErrorEvent(target Target, err error, date time.Time) HistoryEvent {
	ev := NewEvent(target, EventError, date)
	if e := errs.Normalize(err); e != nil {
		ev.ErrorKind = e.Kind
		ev.ErrorDetail = e.Error()
	}
	return ev
}

// ForProfile sets the extracted profile the event refers to.
func (e HistoryEvent) ForProfile(id int64) HistoryEvent {
	e.ExtractedProfileID = &id
	return e
}

// Status is the derived state of an operation.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusNoMatch    Status = "no_match"
	StatusMatched    Status = "matched"
	// StatusPending means removal was requested and awaits confirmation.
	StatusPending Status = "pending"
	StatusRemoved Status = "removed"
	StatusError   Status = "error"
)

// SortEvents orders events by date, keeping insertion order for equal dates.
func SortEvents(events []HistoryEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Date.Before(events[j].Date)
	})
}

// IsMonotonic reports whether events are non-decreasing by date.
func IsMonotonic(events []HistoryEvent) bool {
	for i := 1; i < len(events); i++ {
		if events[i].Date.Before(events[i-1].Date) {
			return false
		}
	}
	return true
}

// LastEvent returns the most recent event.
func LastEvent(events []HistoryEvent) (HistoryEvent, bool) {
	if len(events) == 0 {
		return HistoryEvent{}, false
	}
	last := events[0]
	for _, ev := range events[1:] {
		if !ev.Date.Before(last.Date) {
			last = ev
		}
	}
	return last, true
}

// LastEventOfType returns the most recent event of the given type.
func LastEventOfType(events []HistoryEvent, t EventType) (HistoryEvent, bool) {
	var (
		found HistoryEvent
		ok    bool
	)
	for _, ev := range events {
		if ev.Type != t {
			continue
		}
		if !ok || !ev.Date.Before(found.Date) {
			found, ok = ev, true
		}
	}
	return found, ok
}

// DeriveStatus maps the last event alone to a status.
func DeriveStatus(events []HistoryEvent) Status {
	last, ok := LastEvent(events)
	if !ok {
		return StatusIdle
	}
	switch last.Type {
	case EventScanStarted, EventOptOutStarted:
		return StatusInProgress
	case EventNoMatchFound:
		return StatusNoMatch
	case EventMatchesFound, EventReAppearance:
		return StatusMatched
	case EventOptOutRequested:
		return StatusPending
	case EventOptOutConfirmed:
		return StatusRemoved
	case EventError:
		return StatusError
	}
	return StatusIdle
}
