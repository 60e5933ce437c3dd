package model

import (
	"encoding/json"
	"fmt"

	errs "github.com/target/mmk-dbp/internal/errors"
)

// ActionType is the discriminator of a broker script action.
type ActionType string

const (
	ActionNavigate          ActionType = "navigate"
	ActionFillForm          ActionType = "fillForm"
	ActionClick             ActionType = "click"
	ActionExtract           ActionType = "extract"
	ActionExpectation       ActionType = "expectation"
	ActionGetCaptchaInfo    ActionType = "getCaptchaInfo"
	ActionSolveCaptcha      ActionType = "solveCaptcha"
	ActionEmailConfirmation ActionType = "emailConfirmation"
)

// Action is one scripted step. The set of implementations is closed; the
// interpreter switches over them exhaustively.
type Action interface {
	ActionID() string
	Type() ActionType
	// NeedsEmail reports whether an email address must be generated before the action runs.
	NeedsEmail() bool
	sealed()
}

// ActionBase carries the fields common to every action.
type ActionBase struct {
	ID         string     `json:"id"`
	ActionType ActionType `json:"actionType"`
	// DataSource selects where fill values come from: the profile query or the extracted profile.
	DataSource string `json:"dataSource,omitempty"`
}

func (a ActionBase) ActionID() string { return a.ID }
func (a ActionBase) Type() ActionType { return a.ActionType }
func (a ActionBase) NeedsEmail() bool { return false }
func (a ActionBase) sealed()          {}

// PageElement addresses one element on a page.
type PageElement struct {
	Type     string `json:"type"`
	Selector string `json:"selector"`
	// Parent scopes Selector to the element matching this selector.
	Parent string `json:"parent,omitempty"`
}

// NavigateAction loads a URL template such as https://x.com/${firstName}-${lastName}/${state|downcase}.
type NavigateAction struct {
	ActionBase
	URL string `json:"url"`
	// IgnoreNotFound treats a 404 as a normal "no listing" page.
	IgnoreNotFound bool `json:"ignoreNotFound,omitempty"`
}

// FillFormAction fills the form matched by Selector.
type FillFormAction struct {
	ActionBase
	Selector string        `json:"selector"`
	Elements []PageElement `json:"elements"`
}

// NeedsEmail is true when one of the form fields is an email field.
func (a FillFormAction) NeedsEmail() bool {
	for _, el := range a.Elements {
		if el.Type == "email" {
			return true
		}
	}
	return false
}

// ClickAction clicks each element in order.
type ClickAction struct {
	ActionBase
	Elements []PageElement `json:"elements"`
}

// ExtractField describes how one profile field is read.
type ExtractField struct {
	// Selector is a CSS selector relative to the listing element (DOM mode).
	Selector string `json:"selector,omitempty"`
	// Expression is a JMESPath expression evaluated against each listing (JSON mode).
	Expression   string `json:"expression,omitempty"`
	FindElements bool   `json:"findElements,omitempty"`
	AfterText    string `json:"afterText,omitempty"`
	BeforeText   string `json:"beforeText,omitempty"`
	Separator    string `json:"separator,omitempty"`
}

// ExtractMode selects how listings are read from the page.
type ExtractMode string

const (
	ExtractModeDOM  ExtractMode = "dom"
	ExtractModeJSON ExtractMode = "json"
)

// ExtractAction reads listings from the current page.
type ExtractAction struct {
	ActionBase
	Mode ExtractMode `json:"mode,omitempty"`
	// Selector matches listing elements (DOM mode) or is a JMESPath returning the listing array (JSON mode).
	Selector string                  `json:"selector"`
	Profile  map[string]ExtractField `json:"profile"`
}

// ExpectationType is the kind of assertion an expectation makes.
type ExpectationType string

const (
	ExpectText       ExpectationType = "text"
	ExpectURL        ExpectationType = "url"
	ExpectElement    ExpectationType = "element"
	ExpectExpression ExpectationType = "expression"
)

// Expectation is one assertion about the current page.
type Expectation struct {
	Type     ExpectationType `json:"type"`
	Selector string          `json:"selector,omitempty"`
	Expect   string          `json:"expect,omitempty"`
	// FailSilently keeps going when the expectation does not hold.
	FailSilently bool `json:"failSilently,omitempty"`
}

// ExpectationAction asserts the page is in the expected state.
type ExpectationAction struct {
	ActionBase
	Expectations []Expectation `json:"expectations"`
}

// GetCaptchaInfoAction reads the CAPTCHA site key and submits it to the solver.
type GetCaptchaInfoAction struct {
	ActionBase
	Selector    string `json:"selector"`
	CaptchaType string `json:"captchaType,omitempty"`
}

// SolveCaptchaAction waits for the solver and injects the token into the page.
type SolveCaptchaAction struct {
	ActionBase
	Selector string `json:"selector"`
}

// EmailConfirmationAction polls for the broker's confirmation link and opens it.
type EmailConfirmationAction struct {
	ActionBase
	// PollingTime is the polling interval in seconds.
	PollingTime int `json:"pollingTime,omitempty"`
}

// DecodeAction decodes one action by its actionType discriminator.
//
//nolint:ireturn // Action is a closed variant.
func DecodeAction(raw json.RawMessage) (Action, error) {
	var base ActionBase
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, errs.ParsingErrorObjectFailed(err)
	}

	var target Action
	switch base.ActionType {
	case ActionNavigate:
		target = &NavigateAction{}
	case ActionFillForm:
		target = &FillFormAction{}
	case ActionClick:
		target = &ClickAction{}
	case ActionExtract:
		target = &ExtractAction{}
	case ActionExpectation:
		target = &ExpectationAction{}
	case ActionGetCaptchaInfo:
		target = &GetCaptchaInfoAction{}
	case ActionSolveCaptcha:
		target = &SolveCaptchaAction{}
	case ActionEmailConfirmation:
		target = &EmailConfirmationAction{}
	default:
		return nil, errs.UnknownMethodName(string(base.ActionType))
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, errs.ParsingErrorObjectFailed(fmt.Errorf("action %s: %w", base.ID, err))
	}
	return deref(target), nil
}

//nolint:ireturn // Action is a closed variant.
func deref(a Action) Action {
	switch v := a.(type) {
	case *NavigateAction:
		return *v
	case *FillFormAction:
		return *v
	case *ClickAction:
		return *v
	case *ExtractAction:
		if v.Mode == "" {
			v.Mode = ExtractModeDOM
		}
		return *v
	case *ExpectationAction:
		return *v
	case *GetCaptchaInfoAction:
		return *v
	case *SolveCaptchaAction:
		return *v
	case *EmailConfirmationAction:
		return *v
	}
	return a
}
