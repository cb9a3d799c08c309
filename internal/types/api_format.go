// Package types defines common types used across the application
package types

// APIFormat represents the client-facing API dialect of a request
type APIFormat string

const (
	// APIFormatOpenAIChat represents OpenAI chat completions format
	APIFormatOpenAIChat APIFormat = "openai_chat"

	// APIFormatClaude represents Anthropic Claude messages format
	APIFormatClaude APIFormat = "claude"

	// APIFormatUnknown represents unknown or unsupported format
	APIFormatUnknown APIFormat = "unknown"
)

// String returns the string representation of APIFormat
func (f APIFormat) String() string {
	return string(f)
}

// IsValid checks if the API format is valid (not unknown)
func (f APIFormat) IsValid() bool {
	return f != APIFormatUnknown && f != ""
}
