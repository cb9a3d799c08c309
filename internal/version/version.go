// Package version holds the application version, overridable at build time.
package version

// Version is the application version. It can be overridden at build time:
//
//	go build -ldflags "-X kiro2chat/internal/version.Version=1.2.3"
var Version = "1.0.0"
