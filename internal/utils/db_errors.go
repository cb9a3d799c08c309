package utils

import (
	"context"
	"errors"
	"strings"
)

// IsDBLockError reports whether err looks like lock contention, a deadlock,
// or a busy database. The broad "busy"/"interrupted" matches cover SQLite's
// SQLITE_BUSY and SQLITE_INTERRUPT strings; a false positive costs one
// extra retry at worst.
func IsDBLockError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database schema has changed") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "interrupted") ||
		strings.Contains(msg, "lock wait timeout") ||
		strings.Contains(msg, "lock timeout") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "could not obtain lock")
}

// IsTransientDBError reports whether err is likely transient: a timeout,
// a cancellation, or lock contention. Background jobs use it to decide
// between retrying later and logging a real failure.
func IsTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return IsDBLockError(err)
}
