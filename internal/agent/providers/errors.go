package providers

import "strings"

// retryableFragments are the error-message markers shared by both vendors for
// transient failures: rate limits, 5xx responses, timeouts, and dropped
// connections. Auth and validation errors never match and fail immediately.
var retryableFragments = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"timeout",
	"deadline exceeded",
	"overloaded",
	"connection reset",
	"connection refused",
	"no such host",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
