package utils

import (
	"os"
	"strconv"
	"strings"
)

// GetEnvOrDefault returns the value of the environment variable or a default.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ParseInteger parses a string into an int, falling back to a default on
// empty or malformed input.
func ParseInteger(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultValue
	}
	return value
}

// ParseBoolean parses a string into a bool, falling back to a default on
// empty or malformed input.
func ParseBoolean(s string, defaultValue bool) bool {
	if s == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return defaultValue
	}
	return value
}

// ParseFloat parses a string into a float64, falling back to a default on
// empty or malformed input.
func ParseFloat(s string, defaultValue float64) float64 {
	if s == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return defaultValue
	}
	return value
}
