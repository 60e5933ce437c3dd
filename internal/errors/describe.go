package errors

import (
	"errors"
	"fmt"
)

// Description is the user-facing rendering of a failure.
type Description struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
}

// Describe maps any error to a title and subtitle. Every Kind has an entry;
// errors outside the taxonomy keep their own message in the subtitle.
func Describe(err error) Description {
	if err == nil {
		return Description{}
	}
	if errors.Is(err, ErrInterrupted) {
		return Description{Title: "Scan paused", Subtitle: "A newer request took priority. Remaining brokers will run later."}
	}
	if errors.Is(err, ErrCannotInterrupt) {
		return Description{Title: "Scan already running", Subtitle: "Wait for the current scan to finish."}
	}

	e, ok := As(err)
	if !ok {
		return Description{Title: "Unexpected error", Subtitle: err.Error()}
	}

	switch e.Kind {
	case KindMalformedURL:
		return Description{Title: "Broker address is invalid", Subtitle: e.Message}
	case KindNoActionFound:
		return Description{Title: "Broker script is incomplete", Subtitle: e.Message}
	case KindActionFailed:
		return Description{
			Title:    "Broker page did not behave as expected",
			Subtitle: fmt.Sprintf("Step %s failed: %s", e.ActionID, e.Message),
		}
	case KindParsingErrorObjectFailed:
		return Description{Title: "Broker page returned unreadable data", Subtitle: e.Error()}
	case KindUnknownMethodName:
		return Description{Title: "Broker script uses an unsupported step", Subtitle: e.Message}
	case KindUnrecoverable:
		return Description{Title: "Broker cannot be processed", Subtitle: e.Message}
	case KindNoOptOutStep:
		return Description{Title: "Removal not supported", Subtitle: "This broker has no removal procedure."}
	case KindCaptchaService:
		if e.Captcha.Transient() {
			return Description{Title: "CAPTCHA check delayed", Subtitle: "We will retry shortly (" + string(e.Captcha) + ")."}
		}
		return Description{Title: "CAPTCHA check failed", Subtitle: string(e.Captcha)}
	case KindEmail:
		return Description{Title: "Email confirmation failed", Subtitle: string(e.Email)}
	case KindCancelled:
		return Description{Title: "Cancelled", Subtitle: "The run was stopped before it finished."}
	case KindSolvingCaptchaWithCallback:
		return Description{Title: "CAPTCHA answer rejected", Subtitle: e.Error()}
	case KindCantCalculatePreferredRunDate:
		return Description{Title: "Broker schedule is inconsistent", Subtitle: e.Message}
	case KindHTTP:
		return Description{Title: "Broker site error", Subtitle: fmt.Sprintf("The site responded with HTTP %d.", e.StatusCode)}
	case KindDataNotInDatabase:
		return Description{Title: "Missing data", Subtitle: e.Message}
	case KindTimeout:
		return Description{Title: "Broker site timed out", Subtitle: e.Message}
	case KindDatabaseUnavailable:
		return Description{Title: "Storage unavailable", Subtitle: e.Error()}
	case KindProfileAlreadyRemoved:
		return Description{Title: "Already removed", Subtitle: "This record was removed earlier."}
	case KindUnknown:
		return Description{Title: "Unexpected error", Subtitle: e.Error()}
	}
	return Description{Title: "Unexpected error", Subtitle: e.Error()}
}
