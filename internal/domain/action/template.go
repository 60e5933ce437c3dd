package action

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	errs "github.com/target/mmk-dbp/internal/errors"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z]+)(\|[A-Za-z|]+)?\}`)

// ResolveURL fills ${field} and ${field|modifier} placeholders from the
// request data and checks the result is an absolute http(s) URL.
func ResolveURL(template string, req *RequestData, now time.Time) (string, error) {
	var missing string
	resolved := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		parts := placeholderRe.FindStringSubmatch(match)
		value, ok := req.fieldValue(parts[1], now)
		if !ok {
			missing = parts[1]
			return ""
		}
		for _, mod := range strings.Split(strings.TrimPrefix(parts[2], "|"), "|") {
			value = applyModifier(value, mod)
		}
		if parts[1] == "profileUrl" {
			return value
		}
		return url.PathEscape(value)
	})
	if missing != "" {
		return "", errs.MalformedURL(template + ": no value for " + missing)
	}

	u, err := url.Parse(resolved)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", errs.MalformedURL(resolved)
	}
	return u.String(), nil
}

func applyModifier(value, mod string) string {
	switch mod {
	case "downcase":
		return strings.ToLower(value)
	case "upcase":
		return strings.ToUpper(value)
	case "hyphenated":
		return strings.Join(strings.Fields(value), "-")
	case "snakecase":
		return strings.Join(strings.Fields(value), "_")
	case "plus":
		return strings.Join(strings.Fields(value), "+")
	}
	return value
}

// fieldValue returns the value used for a template placeholder or form field type.
func (r *RequestData) fieldValue(name string, now time.Time) (string, bool) {
	q := r.ProfileQuery
	var v string
	switch name {
	case "firstName":
		v = q.FirstName
	case "lastName":
		v = q.LastName
	case "middleName":
		v = q.MiddleName
	case "fullName":
		v = q.FullName()
	case "city":
		v = q.City
	case "state":
		v = q.State
	case "street":
		v = q.Street
	case "zipCode", "zip":
		v = q.ZipCode
	case "phone":
		v = q.Phone
	case "age":
		if age := q.Age(now); age > 0 {
			v = strconv.Itoa(age)
		}
	case "birthYear":
		if q.BirthYear > 0 {
			v = strconv.Itoa(q.BirthYear)
		}
	case "email":
		v = r.email()
	case "profileUrl":
		if r.ExtractedProfile != nil {
			v = r.ExtractedProfile.ProfileURL
		}
	case "name":
		if r.ExtractedProfile != nil {
			v = r.ExtractedProfile.Name
		}
	default:
		v = r.Answers[name]
	}
	if strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
