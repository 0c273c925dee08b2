package provider

import "strings"

// IsRetryableError reports whether a model call failure is worth
// another attempt: rate limits, transient network errors and server
// errors. Everything else is treated as permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	if IsRateLimitError(err) {
		return true
	}

	// Network errors
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504", "529"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}

// IsRateLimitError reports whether a failure is the provider refusing
// the request for rate reasons. Kept distinct so the skip-on-rate-limit
// policy can tell it apart from other provider failures.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit")
}
