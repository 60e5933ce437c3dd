// Package errors defines the flat error taxonomy shared by the interpreter,
// the automation surface, the operation runners and the queue manager.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind enumerates every failure the engine can report.
type Kind string

const (
	// KindMalformedURL indicates a URL could not be built or parsed.
	KindMalformedURL Kind = "malformed_url"
	// KindNoActionFound indicates a script referenced a step or action that does not exist.
	KindNoActionFound Kind = "no_action_found"
	// KindActionFailed indicates the broker script raised an explicit error.
	KindActionFailed Kind = "action_failed"
	// KindParsingErrorObjectFailed indicates a script response could not be decoded.
	KindParsingErrorObjectFailed Kind = "parsing_error_object_failed"
	// KindUnknownMethodName indicates an action type the interpreter does not know.
	KindUnknownMethodName Kind = "unknown_method_name"
	// KindUnrecoverable indicates a failure that retrying will not fix.
	KindUnrecoverable Kind = "unrecoverable"
	// KindNoOptOutStep indicates an opt-out was attempted on a broker without an opt-out script.
	KindNoOptOutStep Kind = "no_opt_out_step"
	// KindCaptchaService wraps a CaptchaKind.
	KindCaptchaService Kind = "captcha_service"
	// KindEmail wraps an EmailKind.
	KindEmail Kind = "email"
	// KindCancelled indicates the run was cancelled by its caller.
	KindCancelled Kind = "cancelled"
	// KindSolvingCaptchaWithCallback indicates the solved token could not be injected into the page.
	KindSolvingCaptchaWithCallback Kind = "solving_captcha_with_callback"
	// KindCantCalculatePreferredRunDate indicates an inconsistent broker schedule.
	KindCantCalculatePreferredRunDate Kind = "cant_calculate_preferred_run_date"
	// KindHTTP indicates navigation finished with a status code of 400 or more.
	KindHTTP Kind = "http"
	// KindDataNotInDatabase indicates a record required by the run is missing.
	KindDataNotInDatabase Kind = "data_not_in_database"
	// KindTimeout indicates a surface operation exceeded its per-action timeout.
	KindTimeout Kind = "timeout"
	// KindDatabaseUnavailable indicates storage could not be reached. It is batch-fatal.
	KindDatabaseUnavailable Kind = "database_unavailable"
	// KindProfileAlreadyRemoved indicates an opt-out target already has a removal date.
	KindProfileAlreadyRemoved Kind = "profile_already_removed"
	// KindUnknown carries an unexpected failure with its original message.
	KindUnknown Kind = "unknown"
)

// AllKinds lists every Kind; used to check presentation mappings stay exhaustive.
func AllKinds() []Kind {
	return []Kind{
		KindMalformedURL, KindNoActionFound, KindActionFailed, KindParsingErrorObjectFailed,
		KindUnknownMethodName, KindUnrecoverable, KindNoOptOutStep, KindCaptchaService,
		KindEmail, KindCancelled, KindSolvingCaptchaWithCallback, KindCantCalculatePreferredRunDate,
		KindHTTP, KindDataNotInDatabase, KindTimeout, KindDatabaseUnavailable,
		KindProfileAlreadyRemoved, KindUnknown,
	}
}

// CaptchaKind distinguishes CAPTCHA solver failures.
type CaptchaKind string

const (
	CaptchaSubmitError               CaptchaKind = "error_when_submitting_captcha"
	CaptchaSubmitCriticalFailure     CaptchaKind = "critical_failure_when_submitting_captcha"
	CaptchaSubmitInvalidRequest      CaptchaKind = "invalid_request_when_submitting_captcha"
	CaptchaSubmitTimedOut            CaptchaKind = "timed_out_when_submitting_captcha"
	CaptchaFetchError                CaptchaKind = "error_when_fetching_captcha_result"
	CaptchaFetchFailure              CaptchaKind = "failure_when_fetching_captcha_result"
	CaptchaFetchInvalidRequest       CaptchaKind = "invalid_request_when_fetching_captcha_result"
	CaptchaFetchTimedOut             CaptchaKind = "timed_out_when_fetching_captcha_result"
	CaptchaFetchNilData              CaptchaKind = "nil_data_when_fetching_captcha_result"
	CaptchaNoAuthToken               CaptchaKind = "no_auth_token"
	CaptchaCancelled                 CaptchaKind = "cancelled"
	CaptchaMissingTransactionID      CaptchaKind = "missing_transaction_id"
	CaptchaMissingSiteKeyInformation CaptchaKind = "missing_site_key_information"
)

// Transient reports whether the solver failure is worth retrying soon.
func (k CaptchaKind) Transient() bool {
	switch k {
	case CaptchaSubmitError, CaptchaSubmitTimedOut, CaptchaFetchError, CaptchaFetchTimedOut, CaptchaFetchNilData:
		return true
	default:
		return false
	}
}

// EmailKind distinguishes email confirmation failures.
type EmailKind string

const (
	EmailCantFindEmail          EmailKind = "cant_find_email"
	EmailCantGenerateURL        EmailKind = "cant_generate_url"
	EmailCantDecodeEmailLink    EmailKind = "cant_decode_email_link"
	EmailLinkExtractionTimedOut EmailKind = "link_extraction_timed_out"
	EmailInvalidEmailLink       EmailKind = "invalid_email_link"
	EmailUnknownStatusReceived  EmailKind = "unknown_status_received"
	EmailHTTPError              EmailKind = "http_error"
	EmailCancelled              EmailKind = "cancelled"
)

// Error is the single concrete error type of the taxonomy. Only the fields
// relevant to Kind are set.
type Error struct {
	Kind       Kind
	ActionID   string
	Message    string
	StatusCode int
	Captcha    CaptchaKind
	Email      EmailKind
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	switch e.Kind {
	case KindActionFailed:
		msg = fmt.Sprintf("%s(%s)", e.Kind, e.ActionID)
	case KindHTTP:
		msg = fmt.Sprintf("%s(%d)", e.Kind, e.StatusCode)
	case KindCaptchaService:
		msg = fmt.Sprintf("%s(%s)", e.Kind, e.Captcha)
	case KindEmail:
		msg = fmt.Sprintf("%s(%s)", e.Kind, e.Email)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind and sub-kind, so sentinel-style
// comparisons such as errors.Is(err, errors.HTTPError(404)) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	switch e.Kind {
	case KindHTTP:
		return t.StatusCode == 0 || e.StatusCode == t.StatusCode
	case KindCaptchaService:
		return t.Captcha == "" || e.Captcha == t.Captcha
	case KindEmail:
		return t.Email == "" || e.Email == t.Email
	case KindActionFailed:
		return t.ActionID == "" || e.ActionID == t.ActionID
	default:
		return true
	}
}

// MalformedURL reports an unusable URL.
func MalformedURL(raw string) *Error {
	return &Error{Kind: KindMalformedURL, Message: raw}
}

// NoActionFound reports a missing step or action.
func NoActionFound(message string) *Error {
	return &Error{Kind: KindNoActionFound, Message: message}
}

// ActionFailed reports an explicit script failure for the given action.
func ActionFailed(actionID, message string) *Error {
	return &Error{Kind: KindActionFailed, ActionID: actionID, Message: message}
}

// ParsingErrorObjectFailed reports an undecodable script response.
func ParsingErrorObjectFailed(cause error) *Error {
	return &Error{Kind: KindParsingErrorObjectFailed, Cause: cause}
}

// UnknownMethodName reports an unknown action type.
func UnknownMethodName(name string) *Error {
	return &Error{Kind: KindUnknownMethodName, Message: name}
}

// Unrecoverable reports a failure that retrying will not fix.
func Unrecoverable(message string) *Error {
	return &Error{Kind: KindUnrecoverable, Message: message}
}

// NoOptOutStep reports a broker without an opt-out script.
func NoOptOutStep() *Error {
	return &Error{Kind: KindNoOptOutStep}
}

// CaptchaService wraps a CAPTCHA solver failure.
func CaptchaService(kind CaptchaKind, cause error) *Error {
	return &Error{Kind: KindCaptchaService, Captcha: kind, Cause: cause}
}

// Email wraps an email confirmation failure.
func Email(kind EmailKind, cause error) *Error {
	return &Error{Kind: KindEmail, Email: kind, Cause: cause}
}

// Cancelled reports a run cancelled by its caller.
func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Cause: cause}
}

// SolvingCaptchaWithCallback reports a failed token injection.
func SolvingCaptchaWithCallback(cause error) *Error {
	return &Error{Kind: KindSolvingCaptchaWithCallback, Cause: cause}
}

// CantCalculatePreferredRunDate reports an inconsistent broker schedule.
func CantCalculatePreferredRunDate(message string) *Error {
	return &Error{Kind: KindCantCalculatePreferredRunDate, Message: message}
}

// HTTPError reports a navigation that finished with the given status code.
func HTTPError(code int) *Error {
	return &Error{Kind: KindHTTP, StatusCode: code}
}

// DataNotInDatabase reports a missing record.
func DataNotInDatabase(message string) *Error {
	return &Error{Kind: KindDataNotInDatabase, Message: message}
}

// Timeout reports a surface operation that exceeded its deadline.
func Timeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

// DatabaseUnavailable reports unreachable storage.
func DatabaseUnavailable(cause error) *Error {
	return &Error{Kind: KindDatabaseUnavailable, Cause: cause}
}

// ProfileAlreadyRemoved reports an opt-out for a profile that already has a removal date.
func ProfileAlreadyRemoved() *Error {
	return &Error{Kind: KindProfileAlreadyRemoved}
}

// Unknown keeps an unexpected failure's message instead of dropping it.
func Unknown(message string, cause error) *Error {
	return &Error{Kind: KindUnknown, Message: message, Cause: cause}
}

// As extracts the taxonomy error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or an empty Kind when err is not a taxonomy error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// Normalize converts an arbitrary error into a taxonomy error. Context
// cancellation becomes KindCancelled; anything else unknown keeps its message.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled(err)
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout(err.Error())
	}
	return Unknown(err.Error(), err)
}

func isKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsHTTP reports whether err is a navigation status error.
func IsHTTP(err error) bool { return isKind(err, KindHTTP) }

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return isKind(err, KindTimeout) }

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool { return isKind(err, KindCancelled) }

// IsDatabaseUnavailable reports whether err should stop the whole batch.
func IsDatabaseUnavailable(err error) bool { return isKind(err, KindDatabaseUnavailable) }

// IsDataNotInDatabase reports whether err is a missing record.
func IsDataNotInDatabase(err error) bool { return isKind(err, KindDataNotInDatabase) }

// IsCaptcha reports whether err is a CAPTCHA solver failure.
func IsCaptcha(err error) bool { return isKind(err, KindCaptchaService) }

// IsEmail reports whether err is an email confirmation failure.
func IsEmail(err error) bool { return isKind(err, KindEmail) }

// IsProfileAlreadyRemoved reports whether err is an opt-out precondition failure.
func IsProfileAlreadyRemoved(err error) bool { return isKind(err, KindProfileAlreadyRemoved) }
