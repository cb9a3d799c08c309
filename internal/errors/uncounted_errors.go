package errors

import "strings"

// unCountedSubstrings lists upstream error fragments caused by the caller's
// own request (oversized context, exhausted quota) rather than upstream
// health. Matching is case-insensitive.
var unCountedSubstrings = []string{
	"resource has been exhausted",
	"please reduce the length of the messages",
}

// IsUnCounted reports whether an error message should be excluded from
// upstream failure statistics.
func IsUnCounted(errorMsg string) bool {
	if errorMsg == "" {
		return false
	}
	lower := strings.ToLower(errorMsg)
	for _, substr := range unCountedSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}
