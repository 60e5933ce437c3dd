package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// validationErrorPatterns holds validation error substrings that map to 400 instead of 5xx.
var validationErrorPatterns = []string{ //nolint:gochecknoglobals // read-only
	"is required",
	"cannot be empty",
	"must be positive",
	"unknown request kind",
}

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// parseBoolQuery returns the boolean value of a query param or false.
func parseBoolQuery(r *http.Request, key string) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && b
}

// waitTimeout bounds ?wait=true requests by the timeout query param in seconds.
func waitTimeout(r *http.Request, def time.Duration) time.Duration {
	if secs := parseIntQuery(r, "timeout", 0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

// isValidationError checks for common validation error patterns to decide 400 vs 5xx.
func isValidationError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range validationErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
