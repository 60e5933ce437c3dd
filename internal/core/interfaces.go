// Package core declares the ports the opt-out engine depends on.
package core

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/target/mmk-dbp/internal/domain/model"
)

// ScanDatesUpdate groups the scan date fields to update. Nil LastRunDate leaves it unchanged.
type ScanDatesUpdate struct {
	Target           model.Target
	PreferredRunDate *time.Time
	LastRunDate      *time.Time
}

// OptOutDatesUpdate groups the opt-out date fields to update. Nil LastRunDate leaves it unchanged.
type OptOutDatesUpdate struct {
	Target             model.Target
	ExtractedProfileID int64
	PreferredRunDate   *time.Time
	LastRunDate        *time.Time
}

// OptOutSubmission records a successful opt-out submission and bumps the attempt count.
type OptOutSubmission struct {
	Target             model.Target
	ExtractedProfileID int64
	SubmittedAt        time.Time
}

// RemovalUpdate sets or clears an extracted profile's removal date.
type RemovalUpdate struct {
	ExtractedProfileID int64
	RemovedDate        *time.Time
}

// ScanMatch is one listing found by a scan. A zero Profile.ID means a new listing.
type ScanMatch struct {
	Profile model.ExtractedProfile
	// OptOutRunDate is the preferred run date for the opt-out created for a new listing.
	// Nil means no opt-out is scheduled, e.g. for mirror sites.
	OptOutRunDate *time.Time
	// Reappeared clears the removal date of a listing found again after removal.
	Reappeared bool
}

// ScanResult is everything a successful scan with matches writes. Storage
// applies it atomically: either every change lands or none does.
type ScanResult struct {
	Target  model.Target
	Date    time.Time
	Matches []ScanMatch
	// Confirmed lists previously requested profiles the scan no longer finds.
	Confirmed []int64
	// ScanRunDate, when set, becomes the scan's next preferred run date.
	ScanRunDate *time.Time
	// OptOutRunDates sets the preferred run date of known listings' opt-outs,
	// keyed by extracted profile ID. A nil value clears the date.
	OptOutRunDates map[int64]*time.Time
}

// Database is the narrow storage interface consumed by the engine.
type Database interface {
	FetchAllBrokerProfileQueryData(ctx context.Context) ([]model.BrokerProfileQueryData, error)
	FetchBrokerProfileQueryData(ctx context.Context, target model.Target) (model.BrokerProfileQueryData, error)
	FetchExtractedProfiles(ctx context.Context, brokerID int64) ([]model.ExtractedProfile, error)
	FetchLastEvent(ctx context.Context, target model.Target) (*model.HistoryEvent, error)
	FetchBrokers(ctx context.Context) ([]model.Broker, error)

	AddHistoryEvent(ctx context.Context, ev model.HistoryEvent) error
	UpdateScanDates(ctx context.Context, p ScanDatesUpdate) error
	UpdateOptOutDates(ctx context.Context, p OptOutDatesUpdate) error
	RecordOptOutSubmitted(ctx context.Context, p OptOutSubmission) error
	SaveScanResult(ctx context.Context, r ScanResult) ([]model.ExtractedProfile, error)
	UpdateRemovedDate(ctx context.Context, p RemovalUpdate) error
	// SetExtractedProfileEmail stores the generated address used for email confirmation.
	SetExtractedProfileEmail(ctx context.Context, extractedProfileID int64, email string) error

	UpsertBroker(ctx context.Context, b model.Broker) (model.Broker, error)
	SaveProfileQueries(ctx context.Context, queries []model.ProfileQuery) ([]model.ProfileQuery, error)

	HasMatches(ctx context.Context) (bool, error)
	ProfileQueriesCount(ctx context.Context) (int, error)
}

// Evidence is a diagnostic snapshot of the current page.
type Evidence struct {
	URL        string
	HTML       string
	Screenshot []byte
	TakenAt    time.Time
}

// AutomationSurface is an isolated, non-persistent browser context owned by one job.
type AutomationSurface interface {
	Initialize(ctx context.Context, visible bool) error
	// Load navigates and waits for completion. A final status of 400 or more fails with an HTTP error.
	Load(ctx context.Context, url string) error
	Evaluate(ctx context.Context, script string) (json.RawMessage, error)
	SetCookies(ctx context.Context, cookies []*http.Cookie) error
	Snapshot(ctx context.Context) (Evidence, error)
	Finish(ctx context.Context) error
}

// SurfaceOptions configures a new surface.
type SurfaceOptions struct {
	ActionTimeout time.Duration
	// FakeBroker enables the fixed basic-auth credential pair for test brokers.
	FakeBroker bool
}

// SurfaceFactory creates a fresh surface for every job.
type SurfaceFactory interface {
	NewSurface(opts SurfaceOptions) AutomationSurface
}

// CaptchaInfo is what the page exposes about its CAPTCHA.
type CaptchaInfo struct {
	SiteKey string `json:"siteKey"`
	URL     string `json:"url"`
	Type    string `json:"type"`
}

// CaptchaService is the external solver. Both calls retry transient failures
// internally and return a CAPTCHA taxonomy error when they give up.
type CaptchaService interface {
	SubmitCaptchaInformation(ctx context.Context, info CaptchaInfo) (transactionID string, err error)
	SubmitCaptchaToBeResolved(ctx context.Context, transactionID string) (token string, err error)
}

// EmailService generates addresses and returns confirmation links received on them.
// A zero pollInterval uses the service's default.
type EmailService interface {
	GetEmail(ctx context.Context, brokerURL string) (string, error)
	GetConfirmationLink(ctx context.Context, email string, pollInterval time.Duration) (string, error)
}

// CookieFetcher collects the cookies a broker sets on its landing page.
type CookieFetcher interface {
	FetchCookies(ctx context.Context, broker model.Broker) ([]*http.Cookie, error)
}

// EvidenceRecord is a snapshot taken when an action fails.
type EvidenceRecord struct {
	Target   model.Target
	Broker   string
	ActionID string
	Evidence Evidence
}

// EvidenceSink stores diagnostic snapshots.
type EvidenceSink interface {
	Save(ctx context.Context, rec EvidenceRecord) error
}

// RunLock extends the at-most-one-run-per-target guarantee across processes.
type RunLock interface {
	Acquire(ctx context.Context, target model.Target) (bool, error)
	Release(ctx context.Context, target model.Target) error
}

// Throttle limits how often a named task runs.
type Throttle interface {
	Allow(ctx context.Context, key string, every time.Duration) (bool, error)
}
