package continuation

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FailureReason categorizes a failed continuation attempt. Each category
// carries its own backoff base.
type FailureReason string

const (
	ReasonRateLimit       FailureReason = "rate_limit"
	ReasonBilling         FailureReason = "billing"
	ReasonTimeout         FailureReason = "timeout"
	ReasonContextOverflow FailureReason = "context_overflow"
	ReasonUnknown         FailureReason = "unknown"
)

// Base returns the category's backoff base.
func (r FailureReason) Base() time.Duration {
	switch r {
	case ReasonRateLimit, ReasonTimeout:
		return 60 * time.Second
	case ReasonBilling:
		return 3600 * time.Second
	case ReasonContextOverflow:
		return 1800 * time.Second
	}
	return 300 * time.Second
}

// Providers only expose the reset as error text ("reset after Ns"); a
// Retry-After header would be preferable but is not available here.
var resetAfterRe = regexp.MustCompile(`reset after (\d+)s`)

const rateLimitFloor = 10 * time.Second

// Classify parses an error message into a failure reason plus an optional
// server-suggested backoff override (rate limits only, floored at 10s).
func Classify(errText string) (FailureReason, time.Duration) {
	lower := strings.ToLower(errText)

	switch {
	case containsAny(lower, "429", "rate limit", "too many requests"):
		override := time.Duration(0)
		if m := resetAfterRe.FindStringSubmatch(lower); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				override = time.Duration(n) * time.Second
				if override < rateLimitFloor {
					override = rateLimitFloor
				}
			}
		}
		return ReasonRateLimit, override
	case containsAny(lower, "billing", "insufficient credits"):
		return ReasonBilling, 0
	case containsAny(lower, "timeout", "timed out"):
		return ReasonTimeout, 0
	case containsAny(lower, "context length exceeded", "context overflow"):
		return ReasonContextOverflow, 0
	}
	return ReasonUnknown, 0
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
