package utils

import (
	"strings"
)

// TruncationMarker is appended to strings cut by TruncateWithMarker.
const TruncationMarker = "...(truncated)"

// MaskAPIKey masks an API key for safe logging.
// Example: "sk-1234567890abcdef" -> "sk-1****cdef"
func MaskAPIKey(key string) string {
	length := len(key)
	if length <= 8 {
		return key
	}
	var b strings.Builder
	b.Grow(12)
	b.WriteString(key[:4])
	b.WriteString("****")
	b.WriteString(key[length-4:])
	return b.String()
}

// TruncateString shortens a string to a maximum byte length.
func TruncateString(s string, maxLength int) string {
	if len(s) > maxLength {
		return s[:maxLength]
	}
	return s
}

// TruncateWithMarker caps a string at maxLength characters and appends a
// truncation marker when it was cut. Strings at or under the cap are
// returned unchanged. The cap counts runes so multi-byte text is not split
// mid-character.
func TruncateWithMarker(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	return string(runes[:maxLength]) + TruncationMarker
}

// SplitAndTrim splits a string by a separator
func SplitAndTrim(s string, sep string) []string {
	if s == "" {
		return []string{}
	}

	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// StringToSet converts a separator-delimited string into a set
func StringToSet(s string, sep string) map[string]struct{} {
	parts := SplitAndTrim(s, sep)
	if len(parts) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		set[part] = struct{}{}
	}
	return set
}
