package model

import (
	"fmt"
	"time"
)

// OperationType selects which operations a batch runs.
type OperationType string

const (
	OperationScan   OperationType = "scan"
	OperationOptOut OperationType = "optOut"
	OperationAll    OperationType = "all"
)

// Target identifies one broker and profile query pair.
type Target struct {
	BrokerID       int64 `json:"brokerId"`
	ProfileQueryID int64 `json:"profileQueryId"`
}

func (t Target) String() string {
	return fmt.Sprintf("%d:%d", t.BrokerID, t.ProfileQueryID)
}

// ScanJobData is the persisted state of the scan operation of one target.
type ScanJobData struct {
	BrokerID       int64 `json:"brokerId"`
	ProfileQueryID int64 `json:"profileQueryId"`
	// PreferredRunDate is nil when the scan must not be scheduled.
	PreferredRunDate *time.Time     `json:"preferredRunDate,omitempty"`
	LastRunDate      *time.Time     `json:"lastRunDate,omitempty"`
	History          []HistoryEvent `json:"history"`
}

// OptOutJobData is the persisted state of the opt-out of one extracted profile.
type OptOutJobData struct {
	BrokerID                  int64            `json:"brokerId"`
	ProfileQueryID            int64            `json:"profileQueryId"`
	ExtractedProfile          ExtractedProfile `json:"extractedProfile"`
	PreferredRunDate          *time.Time       `json:"preferredRunDate,omitempty"`
	LastRunDate               *time.Time       `json:"lastRunDate,omitempty"`
	AttemptCount              int              `json:"attemptCount"`
	SubmittedSuccessfullyDate *time.Time       `json:"submittedSuccessfullyDate,omitempty"`
	History                   []HistoryEvent   `json:"history"`
}

// BrokerProfileQueryData joins a broker, a profile query and their operations.
type BrokerProfileQueryData struct {
	Broker        Broker          `json:"broker"`
	ProfileQuery  ProfileQuery    `json:"profileQuery"`
	ScanJobData   ScanJobData     `json:"scanJobData"`
	OptOutJobData []OptOutJobData `json:"optOutJobData"`
}

// Target returns the broker and profile query pair.
func (d BrokerProfileQueryData) Target() Target {
	return Target{BrokerID: d.Broker.ID, ProfileQueryID: d.ProfileQuery.ID}
}

// ExtractedProfiles lists the profiles that have an opt-out record.
func (d BrokerProfileQueryData) ExtractedProfiles() []ExtractedProfile {
	out := make([]ExtractedProfile, 0, len(d.OptOutJobData))
	for _, o := range d.OptOutJobData {
		out = append(out, o.ExtractedProfile)
	}
	return out
}

// OptOutFor returns the opt-out record of an extracted profile.
func (d BrokerProfileQueryData) OptOutFor(extractedProfileID int64) (OptOutJobData, bool) {
	for _, o := range d.OptOutJobData {
		if o.ExtractedProfile.ID == extractedProfileID {
			return o, true
		}
	}
	return OptOutJobData{}, false
}

// Time returns a pointer to t, for optional date fields.
func Time(t time.Time) *time.Time {
	return &t
}
