package utils

import (
	"net/url"
	"strings"
)

// SanitizeURLForLog returns a loggable form of a request URL with credential
// material removed: userinfo is dropped and any "key" query parameter is
// replaced with a masked placeholder.
func SanitizeURLForLog(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.User = nil
	if clean.RawQuery != "" {
		query := clean.Query()
		if query.Has("key") {
			query.Set("key", "***")
			clean.RawQuery = query.Encode()
		}
	}
	return clean.String()
}

// SanitizeProxyString removes userinfo from a proxy URL string for display.
// If parsing fails, it performs a best-effort removal of the userinfo segment.
func SanitizeProxyString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if u, err := url.Parse(s); err == nil {
		clean := *u
		clean.User = nil
		return clean.String()
	}
	schemeIdx := strings.Index(s, "://")
	atIdx := strings.LastIndex(s, "@")
	if schemeIdx >= 0 && atIdx > schemeIdx+3 {
		return s[:schemeIdx+3] + s[atIdx+1:]
	}
	return s
}
