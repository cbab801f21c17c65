package pool

import (
	"strings"

	"github.com/uesteibar/swarm/internal/stream"
)

// Substrings that mark a usage or rate limit failure (case-insensitive).
var rateLimitPatterns = []string{
	"rate limit",
	"usage limit",
	"too many requests",
	"429",
	"token limit exceeded",
	"exceeded your",
	"capacity",
	"overloaded",
	"try again later",
	"rate_limit",
	"throttl",
}

// MatchesRateLimit reports whether text looks like a usage or rate limit
// error. The rate-limit watcher reuses this on probe output.
func MatchesRateLimit(text string) bool {
	lower := strings.ToLower(text)
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// isRateLimitFailure checks a failed worker's stderr and its error events for
// rate-limit signatures.
func isRateLimitFailure(stderr string, events []stream.Event) bool {
	if MatchesRateLimit(stderr) {
		return true
	}
	for _, ev := range events {
		if ev.Type == stream.TypeError && MatchesRateLimit(ev.Summary) {
			return true
		}
	}
	return false
}
