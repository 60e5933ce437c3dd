// Package action executes single broker script actions against an automation surface.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
)

const evidenceTimeout = 10 * time.Second

// RequestData is the job context an action runs with.
type RequestData struct {
	Broker       model.Broker
	ProfileQuery model.ProfileQuery
	StepType     model.StepType
	// ExtractedProfile is the opt-out target; nil during scans.
	ExtractedProfile *model.ExtractedProfile
	// Answers holds user-supplied values for form fields the profile does not cover.
	Answers map[string]string
	// Email is the generated address when there is no extracted profile to hold it.
	Email                string
	CaptchaTransactionID string
}

func (r *RequestData) email() string {
	if r.ExtractedProfile != nil && r.ExtractedProfile.Email != "" {
		return r.ExtractedProfile.Email
	}
	return r.Email
}

func (r *RequestData) setEmail(email string) {
	r.Email = email
	if r.ExtractedProfile != nil {
		r.ExtractedProfile.Email = email
	}
}

// Result is the success payload of an action.
type Result struct {
	// Profiles is set by extract actions, already filtered against the profile query.
	Profiles []model.ExtractedProfile
	// Extracted is true when the action was an extract action.
	Extracted bool
	// NotFound is true when a tolerated 404 ended navigation.
	NotFound bool
}

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Evaluate(expr string, data any) (any, error)
}

type jmespathLibEvaluator struct{}

func (jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// Options groups the interpreter's collaborators. Captcha and Email are only
// required by brokers whose scripts use them.
type Options struct {
	Captcha   core.CaptchaService
	Email     core.EmailService
	Evidence  core.EvidenceSink
	Evaluator JMESPathEvaluator
	Logger    *slog.Logger
	Now       func() time.Time
}

// Interpreter dispatches actions by their concrete type.
type Interpreter struct {
	captcha   core.CaptchaService
	email     core.EmailService
	evidence  core.EvidenceSink
	evaluator JMESPathEvaluator
	logger    *slog.Logger
	now       func() time.Time
}

// NewInterpreter constructs an Interpreter.
func NewInterpreter(opts Options) *Interpreter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = jmespathLibEvaluator{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Interpreter{
		captcha:   opts.Captcha,
		email:     opts.Email,
		evidence:  opts.Evidence,
		evaluator: evaluator,
		logger:    logger.With("component", "action_interpreter"),
		now:       now,
	}
}

// Execute runs one action. It never writes to storage; the caller persists
// whatever the result or error implies.
func (i *Interpreter) Execute(
	ctx context.Context,
	surface core.AutomationSurface,
	a model.Action,
	req *RequestData,
) (Result, error) {
	if a == nil {
		return Result{}, errs.NoActionFound("no current action")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, errs.Cancelled(err)
	}

	res, err := i.dispatch(ctx, surface, a, req)
	if err != nil {
		err = errs.Normalize(err)
		i.captureEvidence(ctx, surface, a, req, err)
		return Result{}, err
	}
	return res, nil
}

func (i *Interpreter) dispatch(
	ctx context.Context,
	surface core.AutomationSurface,
	a model.Action,
	req *RequestData,
) (Result, error) {
	if a.NeedsEmail() && req.email() == "" {
		if err := i.generateEmail(ctx, req); err != nil {
			return Result{}, err
		}
	}

	switch act := a.(type) {
	case model.NavigateAction:
		return i.navigate(ctx, surface, act, req)
	case model.FillFormAction:
		return Result{}, i.fillForm(ctx, surface, act, req)
	case model.ClickAction:
		_, err := i.run(ctx, surface, act.ID, clickScript, map[string]any{"elements": act.Elements})
		return Result{}, err
	case model.ExtractAction:
		return i.extract(ctx, surface, act, req)
	case model.ExpectationAction:
		return Result{}, i.expect(ctx, surface, act)
	case model.GetCaptchaInfoAction:
		return Result{}, i.getCaptchaInfo(ctx, surface, act, req)
	case model.SolveCaptchaAction:
		return Result{}, i.solveCaptcha(ctx, surface, act, req)
	case model.EmailConfirmationAction:
		return Result{}, i.confirmEmail(ctx, surface, act, req)
	default:
		return Result{}, errs.UnknownMethodName(string(a.Type()))
	}
}

func (i *Interpreter) navigate(
	ctx context.Context,
	surface core.AutomationSurface,
	act model.NavigateAction,
	req *RequestData,
) (Result, error) {
	target, err := ResolveURL(act.URL, req, i.now())
	if err != nil {
		return Result{}, err
	}
	if err = surface.Load(ctx, target); err != nil {
		if errors.Is(err, errs.HTTPError(http.StatusNotFound)) &&
			(act.IgnoreNotFound || req.StepType == model.StepTypeScan) {
			i.logger.DebugContext(ctx, "navigation returned 404, treating as empty listing", "url", target)
			return Result{NotFound: true}, nil
		}
		return Result{}, err
	}
	return Result{}, nil
}

type formField struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

func (i *Interpreter) fillForm(
	ctx context.Context,
	surface core.AutomationSurface,
	act model.FillFormAction,
	req *RequestData,
) error {
	fields := make([]formField, 0, len(act.Elements))
	now := i.now()
	for _, el := range act.Elements {
		value, ok := req.fieldValue(el.Type, now)
		if !ok {
			return errs.ActionFailed(act.ID, "no value for field type "+el.Type)
		}
		fields = append(fields, formField{Selector: el.Selector, Value: value})
	}
	_, err := i.run(ctx, surface, act.ID, fillFormScript, map[string]any{
		"selector": act.Selector,
		"elements": fields,
	})
	return err
}

type expectationCheck struct {
	Type     model.ExpectationType `json:"type"`
	Selector string                `json:"selector,omitempty"`
	Expect   string                `json:"expect,omitempty"`
}

type pageState struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Checks []bool `json:"checks"`
}

func (i *Interpreter) expect(ctx context.Context, surface core.AutomationSurface, act model.ExpectationAction) error {
	checks := make([]expectationCheck, 0, len(act.Expectations))
	for _, e := range act.Expectations {
		checks = append(checks, expectationCheck{Type: e.Type, Selector: e.Selector, Expect: e.Expect})
	}
	raw, err := i.run(ctx, surface, act.ID, pageStateScript, map[string]any{"checks": checks})
	if err != nil {
		return err
	}
	var state pageState
	if err = json.Unmarshal(raw, &state); err != nil || len(state.Checks) != len(checks) {
		return errs.ParsingErrorObjectFailed(fmt.Errorf("page state: %w", err))
	}

	for idx, e := range act.Expectations {
		ok, evalErr := i.holds(e, state, state.Checks[idx])
		if evalErr != nil {
			return errs.ActionFailed(act.ID, evalErr.Error())
		}
		if !ok && !e.FailSilently {
			return errs.ActionFailed(act.ID, fmt.Sprintf("expectation %s %q not met", e.Type, e.Expect))
		}
	}
	return nil
}

func (i *Interpreter) holds(e model.Expectation, state pageState, domCheck bool) (bool, error) {
	switch e.Type {
	case model.ExpectText, model.ExpectElement:
		return domCheck, nil
	case model.ExpectURL:
		return containsFold(state.URL, e.Expect), nil
	case model.ExpectExpression:
		doc := map[string]any{"url": state.URL, "title": state.Title, "text": state.Text}
		var body any
		if json.Unmarshal([]byte(state.Text), &body) == nil {
			doc["json"] = body
		}
		out, err := i.evaluator.Evaluate(e.Expect, doc)
		if err != nil {
			return false, fmt.Errorf("expression %q: %w", e.Expect, err)
		}
		return truthy(out), nil
	default:
		return false, errs.UnknownMethodName("expectation:" + string(e.Type))
	}
}

func (i *Interpreter) getCaptchaInfo(
	ctx context.Context,
	surface core.AutomationSurface,
	act model.GetCaptchaInfoAction,
	req *RequestData,
) error {
	if i.captcha == nil {
		return errs.CaptchaService(errs.CaptchaSubmitCriticalFailure, errors.New("no captcha service configured"))
	}
	raw, err := i.run(ctx, surface, act.ID, captchaInfoScript, map[string]any{
		"selector":    act.Selector,
		"captchaType": act.CaptchaType,
	})
	if err != nil {
		return err
	}
	var info core.CaptchaInfo
	if err = json.Unmarshal(raw, &info); err != nil {
		return errs.ParsingErrorObjectFailed(err)
	}
	if info.SiteKey == "" {
		return errs.CaptchaService(errs.CaptchaMissingSiteKeyInformation, nil)
	}
	id, err := i.captcha.SubmitCaptchaInformation(ctx, info)
	if err != nil {
		return err
	}
	req.CaptchaTransactionID = id
	return nil
}

func (i *Interpreter) solveCaptcha(
	ctx context.Context,
	surface core.AutomationSurface,
	act model.SolveCaptchaAction,
	req *RequestData,
) error {
	if i.captcha == nil {
		return errs.CaptchaService(errs.CaptchaSubmitCriticalFailure, errors.New("no captcha service configured"))
	}
	if req.CaptchaTransactionID == "" {
		return errs.CaptchaService(errs.CaptchaMissingTransactionID, nil)
	}
	token, err := i.captcha.SubmitCaptchaToBeResolved(ctx, req.CaptchaTransactionID)
	if err != nil {
		return err
	}
	if _, err = i.run(ctx, surface, act.ID, captchaCallbackScript, map[string]any{
		"token":    token,
		"selector": act.Selector,
	}); err != nil {
		if errs.KindOf(err) == errs.KindCancelled {
			return err
		}
		return errs.SolvingCaptchaWithCallback(err)
	}
	req.CaptchaTransactionID = ""
	return nil
}

func (i *Interpreter) generateEmail(ctx context.Context, req *RequestData) error {
	if i.email == nil {
		return errs.Email(errs.EmailCantFindEmail, errors.New("no email service configured"))
	}
	address, err := i.email.GetEmail(ctx, req.Broker.URL)
	if err != nil {
		return err
	}
	req.setEmail(address)
	return nil
}

func (i *Interpreter) confirmEmail(
	ctx context.Context,
	surface core.AutomationSurface,
	act model.EmailConfirmationAction,
	req *RequestData,
) error {
	if i.email == nil {
		return errs.Email(errs.EmailCantFindEmail, errors.New("no email service configured"))
	}
	address := req.email()
	if address == "" {
		return errs.Email(errs.EmailCantFindEmail, nil)
	}
	interval := time.Duration(act.PollingTime) * time.Second
	link, err := i.email.GetConfirmationLink(ctx, address, interval)
	if err != nil {
		return err
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return errs.Email(errs.EmailInvalidEmailLink, err)
	}
	return surface.Load(ctx, u.String())
}

// run evaluates a wrapped script and decodes its {result}|{error} envelope.
func (i *Interpreter) run(
	ctx context.Context,
	surface core.AutomationSurface,
	actionID string,
	fn string,
	args any,
) (json.RawMessage, error) {
	script, err := wrapScript(fn, args)
	if err != nil {
		return nil, errs.ParsingErrorObjectFailed(err)
	}
	raw, err := surface.Evaluate(ctx, script)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *string         `json:"error"`
	}
	if err = json.Unmarshal(raw, &envelope); err != nil {
		return nil, errs.ParsingErrorObjectFailed(err)
	}
	if envelope.Error != nil {
		return nil, errs.ActionFailed(actionID, *envelope.Error)
	}
	if envelope.Result == nil {
		return nil, errs.ParsingErrorObjectFailed(errors.New("script returned neither result nor error"))
	}
	return envelope.Result, nil
}

func (i *Interpreter) captureEvidence(
	ctx context.Context,
	surface core.AutomationSurface,
	a model.Action,
	req *RequestData,
	cause error,
) {
	if i.evidence == nil || surface == nil || errs.IsCancelled(cause) {
		return
	}
	snapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), evidenceTimeout)
	defer cancel()

	ev, err := surface.Snapshot(snapCtx)
	if err != nil {
		i.logger.WarnContext(ctx, "evidence snapshot failed", "action_id", a.ActionID(), "error", err)
		return
	}
	rec := core.EvidenceRecord{
		Target:   model.Target{BrokerID: req.Broker.ID, ProfileQueryID: req.ProfileQuery.ID},
		Broker:   req.Broker.Name,
		ActionID: a.ActionID(),
		Evidence: ev,
	}
	if err = i.evidence.Save(snapCtx, rec); err != nil {
		i.logger.WarnContext(ctx, "evidence save failed", "action_id", a.ActionID(), "error", err)
	}
}
