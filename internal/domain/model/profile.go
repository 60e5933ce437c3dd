package model

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ProfileQuery is one identity variant of the user checked against brokers.
type ProfileQuery struct {
	ID         int64  `json:"id"`
	FirstName  string `json:"firstName"`
	MiddleName string `json:"middleName,omitempty"`
	LastName   string `json:"lastName"`
	Suffix     string `json:"suffix,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	Street     string `json:"street,omitempty"`
	ZipCode    string `json:"zipCode,omitempty"`
	Phone      string `json:"phone,omitempty"`
	BirthYear  int    `json:"birthYear"`
	// Deprecated queries are kept for history but never scheduled.
	Deprecated bool `json:"deprecated,omitempty"`
}

// FullName joins the non-empty name parts.
func (q ProfileQuery) FullName() string {
	parts := []string{q.FirstName, q.MiddleName, q.LastName, q.Suffix}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// Age returns the age in whole years at now, or 0 when the birth year is unknown.
func (q ProfileQuery) Age(now time.Time) int {
	if q.BirthYear <= 0 {
		return 0
	}
	return now.Year() - q.BirthYear
}

// Address is a location attached to an extracted profile.
type Address struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode,omitempty"`
}

func (a Address) key() string {
	return strings.ToLower(strings.TrimSpace(a.City)) + "," + strings.ToLower(strings.TrimSpace(a.State))
}

// ExtractedProfile is a broker-hosted record believed to match the user.
type ExtractedProfile struct {
	ID               int64      `json:"id"`
	BrokerID         int64      `json:"brokerId"`
	ProfileQueryID   int64      `json:"profileQueryId"`
	Name             string     `json:"name"`
	AlternativeNames []string   `json:"alternativeNames,omitempty"`
	Addresses        []Address  `json:"addresses,omitempty"`
	Phones           []string   `json:"phoneNumbers,omitempty"`
	Relatives        []string   `json:"relatives,omitempty"`
	Age              string     `json:"age,omitempty"`
	ProfileURL       string     `json:"profileUrl,omitempty"`
	Identifier       string     `json:"identifier,omitempty"`
	Email            string     `json:"email,omitempty"`
	FirstSeenDate    time.Time  `json:"firstSeenDate"`
	LastSeenDate     time.Time  `json:"lastSeenDate"`
	RemovedDate      *time.Time `json:"removedDate,omitempty"`
}

// IsRemoved reports whether removal has been confirmed.
func (p ExtractedProfile) IsRemoved() bool {
	return p.RemovedDate != nil
}

// IdentityKey correlates the same listing across scans. The broker
// identifier wins, then the canonical profile URL, then a digest of the
// name, age and address set.
func (p ExtractedProfile) IdentityKey() string {
	if id := strings.TrimSpace(p.Identifier); id != "" {
		return "id:" + id
	}
	if p.ProfileURL != "" {
		if u, err := url.Parse(strings.TrimSpace(p.ProfileURL)); err == nil && u.Host != "" {
			u.Fragment = ""
			u.RawQuery = ""
			return "url:" + strings.ToLower(u.Host) + strings.TrimSuffix(u.EscapedPath(), "/")
		}
	}

	addrs := make([]string, 0, len(p.Addresses))
	for _, a := range p.Addresses {
		addrs = append(addrs, a.key())
	}
	sort.Strings(addrs)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.Join(strings.Fields(p.Name), " "))))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(p.Age)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(addrs, "|")))
	return "digest:" + hex.EncodeToString(h.Sum(nil))[:24]
}

// Matches reports whether the listing plausibly belongs to the query: first
// and last name must appear in the listing name or an alternative name, and a
// listed age must be within two years of the query's age.
func (p ExtractedProfile) Matches(q ProfileQuery, now time.Time) bool {
	if !nameMatches(q, p.Name) {
		matched := false
		for _, alt := range p.AlternativeNames {
			if nameMatches(q, alt) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	want := q.Age(now)
	if want == 0 {
		return true
	}
	got, err := strconv.Atoi(strings.TrimSpace(p.Age))
	if err != nil {
		return true
	}
	diff := got - want
	return diff >= -2 && diff <= 2
}

func nameMatches(q ProfileQuery, name string) bool {
	fields := strings.Fields(strings.ToLower(name))
	has := func(s string) bool {
		s = strings.ToLower(strings.TrimSpace(s))
		for _, f := range fields {
			if strings.Trim(f, ",.") == s {
				return true
			}
		}
		return false
	}
	return has(q.FirstName) && has(q.LastName)
}

// Key identifies the same identity variant across profile saves.
func (q ProfileQuery) Key() string {
	parts := []string{q.FirstName, q.MiddleName, q.LastName, q.Suffix, q.City, q.State, strconv.Itoa(q.BirthYear)}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, "|")
}
