package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
	errs "github.com/target/mmk-dbp/internal/errors"
)

func (i *Interpreter) extract(
	ctx context.Context,
	surface core.AutomationSurface,
	act model.ExtractAction,
	req *RequestData,
) (Result, error) {
	var (
		listings []map[string]any
		err      error
	)
	switch act.Mode {
	case model.ExtractModeJSON:
		listings, err = i.extractJSON(ctx, surface, act)
	case model.ExtractModeDOM, "":
		listings, err = i.extractDOM(ctx, surface, act)
	default:
		return Result{}, errs.UnknownMethodName("extract:" + string(act.Mode))
	}
	if err != nil {
		return Result{}, err
	}

	rootURL, _ := req.Broker.RootURL()
	now := i.now()
	seen := make(map[string]struct{}, len(listings))
	profiles := make([]model.ExtractedProfile, 0, len(listings))
	for _, l := range listings {
		p := profileFromListing(l, rootURL)
		if p.Name == "" || !p.Matches(req.ProfileQuery, now) {
			continue
		}
		key := p.IdentityKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		p.BrokerID = req.Broker.ID
		p.ProfileQueryID = req.ProfileQuery.ID
		profiles = append(profiles, p)
	}

	i.logger.DebugContext(ctx, "extracted listings",
		"broker", req.Broker.Name,
		"candidates", len(listings),
		"matches", len(profiles),
	)
	return Result{Profiles: profiles, Extracted: true}, nil
}

func (i *Interpreter) extractDOM(
	ctx context.Context,
	surface core.AutomationSurface,
	act model.ExtractAction,
) ([]map[string]any, error) {
	raw, err := i.run(ctx, surface, act.ID, extractDOMScript, map[string]any{
		"selector": act.Selector,
		"profile":  act.Profile,
	})
	if err != nil {
		return nil, err
	}
	var listings []map[string]any
	if err = json.Unmarshal(raw, &listings); err != nil {
		return nil, errs.ParsingErrorObjectFailed(fmt.Errorf("extract %s: %w", act.ID, err))
	}
	return listings, nil
}

func (i *Interpreter) extractJSON(
	ctx context.Context,
	surface core.AutomationSurface,
	act model.ExtractAction,
) ([]map[string]any, error) {
	raw, err := i.run(ctx, surface, act.ID, pageStateScript, map[string]any{})
	if err != nil {
		return nil, err
	}
	var state pageState
	if err = json.Unmarshal(raw, &state); err != nil {
		return nil, errs.ParsingErrorObjectFailed(err)
	}
	var doc any
	if err = json.Unmarshal([]byte(state.Text), &doc); err != nil {
		return nil, errs.ActionFailed(act.ID, "page body is not JSON")
	}

	root := doc
	if act.Selector != "" {
		if root, err = i.evaluator.Evaluate(act.Selector, doc); err != nil {
			return nil, errs.ActionFailed(act.ID, fmt.Sprintf("selector %q: %v", act.Selector, err))
		}
	}
	items, ok := root.([]any)
	if !ok {
		if root == nil {
			return nil, nil
		}
		return nil, errs.ActionFailed(act.ID, "selector did not return a list")
	}

	listings := make([]map[string]any, 0, len(items))
	for _, item := range items {
		listing := make(map[string]any, len(act.Profile))
		for name, f := range act.Profile {
			if f.Expression == "" {
				continue
			}
			v, evalErr := i.evaluator.Evaluate(f.Expression, item)
			if evalErr != nil {
				return nil, errs.ActionFailed(act.ID, fmt.Sprintf("field %s: %v", name, evalErr))
			}
			listing[name] = v
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

// profileFromListing maps the well-known listing field names onto a profile.
func profileFromListing(l map[string]any, rootURL string) model.ExtractedProfile {
	p := model.ExtractedProfile{
		Name:             firstString(l["name"]),
		AlternativeNames: stringValues(l["alternativeNamesList"]),
		Relatives:        stringValues(l["relativesList"]),
		Age:              firstString(l["age"]),
		Identifier:       firstString(l["identifier"]),
	}
	if p.Identifier == "" {
		p.Identifier = firstString(l["reportId"])
	}

	for _, key := range []string{"phone", "phoneList"} {
		p.Phones = append(p.Phones, stringValues(l[key])...)
	}
	for _, key := range []string{"addressCityState", "addressCityStateList", "addressFull", "addressFullList"} {
		for _, s := range stringValues(l[key]) {
			if a, ok := parseAddress(s); ok {
				p.Addresses = append(p.Addresses, a)
			}
		}
	}

	if u := firstString(l["profileUrl"]); u != "" {
		if strings.HasPrefix(u, "/") && rootURL != "" {
			u = strings.TrimSuffix(rootURL, "/") + u
		}
		p.ProfileURL = u
	}
	return p
}

// parseAddress reads "City, ST" or "Street, City, ST 12345".
func parseAddress(s string) (model.Address, bool) {
	parts := strings.Split(s, ",")
	for idx := range parts {
		parts[idx] = strings.TrimSpace(parts[idx])
	}
	if len(parts) < 2 || parts[len(parts)-2] == "" {
		return model.Address{}, false
	}
	a := model.Address{City: parts[len(parts)-2]}
	stateZip := strings.Fields(parts[len(parts)-1])
	if len(stateZip) == 0 {
		return model.Address{}, false
	}
	a.State = stateZip[0]
	if len(stateZip) > 1 {
		a.ZipCode = stateZip[1]
	}
	if len(parts) > 2 {
		a.Street = strings.Join(parts[:len(parts)-2], ", ")
	}
	return a, true
}

func firstString(v any) string {
	if s := stringValues(v); len(s) > 0 {
		return s[0]
	}
	return ""
}

func stringValues(v any) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch t := v.(type) {
	case string:
		add(t)
	case float64:
		add(strconv.FormatFloat(t, 'f', -1, 64))
	case []any:
		for _, e := range t {
			out = append(out, stringValues(e)...)
		}
	case []string:
		for _, e := range t {
			add(e)
		}
	}
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// truthy follows JMESPath truthiness: false, null, empty strings and empty collections are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
