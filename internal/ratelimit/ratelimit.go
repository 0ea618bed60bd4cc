// Package ratelimit parses the vendor's rate-limit headers into a single
// reset instant, walking a fixed priority chain of header names down to
// the unified/7d/tokens/requests fallback order.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// headerParsers lists the headers consulted, in order, to determine when an
// account's rate limit resets, each paired with how its value is encoded.
// The first header present and parseable wins.
var headerParsers = []struct {
	name  string
	parse func(string) (time.Time, bool)
}{
	{"Retry-After", parseRetryAfter},
	{"anthropic-ratelimit-unified-reset", parseUnixSeconds},
	{"anthropic-ratelimit-unified-7d-reset", parseUnixSeconds},
	{"anthropic-ratelimit-tokens-reset", parseISO8601},
	{"anthropic-ratelimit-requests-reset", parseISO8601},
}

// ParseResetAt walks headerParsers and returns the first reset instant it
// can derive. Returns false if none of the headers were present or
// parseable, leaving the caller to apply its own now+1h default.
func ParseResetAt(headers http.Header) (time.Time, bool) {
	if headers == nil {
		return time.Time{}, false
	}

	for _, hp := range headerParsers {
		v := headers.Get(hp.name)
		if v == "" {
			continue
		}
		if t, ok := hp.parse(v); ok {
			return t, true
		}
	}

	return time.Time{}, false
}

func parseRetryAfter(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Now().Add(time.Duration(secs) * time.Second), true
	}
	if t, err := http.ParseTime(v); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func parseUnixSeconds(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// parseISO8601 parses an ISO-8601 timestamp, assuming UTC when the string
// carries no offset (a "naive" timestamp).
func parseISO8601(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	layouts := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			if layout == "2006-01-02T15:04:05" {
				return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), true
			}
			return t, true
		}
	}
	return time.Time{}, false
}

// IsRateLimitResponse reports whether a response should be treated as a
// rate limit rather than a hard failure: status 429, or a 5xx that the
// vendor tags with a rate-limit-shaped body is NOT included here — that
// classification happens in the rotation middleware, which has the body.
func IsRateLimitResponse(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests
}

// IsAuthErrorResponse reports whether a response indicates the account's
// credentials themselves are bad, as opposed to transient capacity
// exhaustion.
func IsAuthErrorResponse(statusCode int) bool {
	return statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden
}

// rateLimitPhrases are the substrings that mark a rate limit embedded in an
// error message on a response that isn't a bare 429 — some upstreams wrap
// capacity exhaustion in a 400/500 with rate-limit-shaped language instead
// of the dedicated status code.
var rateLimitPhrases = []string{"rate limit", "usage limit", "exceeded", "too many requests"}

// ContainsRateLimitLanguage case-insensitively searches message for any of
// rateLimitPhrases. Callers combine this with the bare status-code check:
// 429 always qualifies regardless of body content.
func ContainsRateLimitLanguage(message string) bool {
	if message == "" {
		return false
	}
	lower := strings.ToLower(message)
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
