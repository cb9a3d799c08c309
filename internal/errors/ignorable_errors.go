package errors

import "strings"

// ignorableErrorSubstrings lists error fragments produced by normal client
// disconnects and cancellations. They should not be logged as failures.
var ignorableErrorSubstrings = []string{
	"context canceled",
	"connection reset by peer",
	"broken pipe",
	"use of closed network connection",
	"request canceled",
}

// IsIgnorableError reports whether err is a benign network or cancellation
// error that occurs when a client walks away mid-stream.
func IsIgnorableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, substr := range ignorableErrorSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
