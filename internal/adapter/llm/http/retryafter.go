package http

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultRateLimitWait is assumed when a rate-limit rejection carries no
// usable wait hint.
const DefaultRateLimitWait = 60 * time.Second

// tryAgainPattern matches the "try again in 2s" / "try again in 250ms" hint
// some providers embed in rate-limit error messages.
var tryAgainPattern = regexp.MustCompile(`(?i)try again in\s+([0-9]*\.?[0-9]+)\s*(ms|s)`)

// ParseRetryAfterHeader reads a Retry-After header carrying delay seconds.
// Returns zero when the header is absent or unparseable.
func ParseRetryAfterHeader(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// ParseWaitHint extracts a "try again in ..." duration from an error message.
// Returns zero when no hint is present.
func ParseWaitHint(message string) time.Duration {
	m := tryAgainPattern.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value <= 0 {
		return 0
	}
	unit := time.Second
	if strings.EqualFold(m[2], "ms") {
		unit = time.Millisecond
	}
	return time.Duration(value * float64(unit))
}

// RateLimitWait resolves the wait a rate-limited caller should report: the
// typed error's Retry-After when present, then the message hint, then
// DefaultRateLimitWait.
func RateLimitWait(err error) time.Duration {
	if err == nil {
		return DefaultRateLimitWait
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	if hint := ParseWaitHint(err.Error()); hint > 0 {
		return hint
	}
	return DefaultRateLimitWait
}
