package errors

import (
	stderrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

// maxErrorBodyLength caps how much of an upstream error body is surfaced to callers.
const maxErrorBodyLength = 2048

// upstreamErrorPaths are probed in order against an upstream JSON error body.
var upstreamErrorPaths = []string{"error.message", "error_msg", "error", "message"}

// ParseUpstreamError extracts a human-readable message from an upstream error
// body. It understands the common vendor formats (OpenAI-style nested errors,
// flat error_msg fields, bare message fields) and falls back to the raw body.
func ParseUpstreamError(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	raw := string(body)
	if gjson.Valid(raw) {
		for _, path := range upstreamErrorPaths {
			v := gjson.Get(raw, path)
			if v.Type == gjson.String && v.Str != "" {
				return truncateString(strings.TrimSpace(v.Str), maxErrorBodyLength)
			}
		}
	}

	return truncateString(strings.TrimSpace(raw), maxErrorBodyLength)
}

// ParseDBError maps a database error to an APIError.
func ParseDBError(err error) *APIError {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return ErrResourceNotFound
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateResource
	}

	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) && myErr.Number == 1062 {
		return ErrDuplicateResource
	}

	// SQLite reports constraint violations as plain text
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateResource
	}

	return ErrDatabase
}

func truncateString(s string, maxLength int) string {
	if maxLength <= 0 {
		return ""
	}
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength]
}
