// Package sanitize scrubs backend identity and IDE tool leakage from model
// output before it reaches API clients.
package sanitize

import (
	"regexp"
	"strings"
)

// builtinTools is the closed set of IDE tool names the backend injects into
// every conversation. Tool calls naming them never work outside the IDE and
// must not surface to API clients.
var builtinTools = map[string]struct{}{
	"readFile":          {},
	"fsWrite":           {},
	"listDirectory":     {},
	"searchFiles":       {},
	"grepSearch":        {},
	"executeCommand":    {},
	"webSearch":         {},
	"fetchWebpage":      {},
	"getDiagnostics":    {},
	"readCode":          {},
	"getDefinition":     {},
	"getReferences":     {},
	"getTypeDefinition": {},
	"smartRelocate":     {},
	"fs_read":           {},
	"fs_write":          {},
	"web_search":        {},
	"websearch":         {},
	"browser_navigate":  {},
	"browser_snapshot":  {},
	"browser_click":     {},
	"browser_type":      {},
}

var (
	// Tool-call markup the backend occasionally leaks into text output.
	stripPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?s)<function_calls>.*?</function_calls>`),
		regexp.MustCompile(`(?s)<invoke\s[^>]*>.*?</invoke>`),
		regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`),
		regexp.MustCompile(`(?s)<invoke[^>]*>.*?</invoke>`),
	}

	// Lines mentioning IDE tool names are the backend reciting its own
	// injected tool catalog.
	reToolName = regexp.MustCompile("`?\\b(?:readFile|fsWrite|listDirectory|searchFiles|grepSearch|executeCommand|" +
		"webSearch|fetchWebpage|getDiagnostics|readCode|getDefinition|getReferences|" +
		"getTypeDefinition|smartRelocate)\\b`?")

	reExcessNewlines = regexp.MustCompile(`\n{3,}`)
)

// identitySub rewrites one leaked identity phrase.
type identitySub struct {
	pattern     *regexp.Regexp
	replacement string
}

var identitySubs = []identitySub{
	{regexp.MustCompile(`(?i)\bI(?:'m| am) Kiro\b`), "I'm Claude"},
	{regexp.MustCompile(`(?i)\bI(?:'m| am) an? (?:Kiro|Amazon Q)\b`), "I'm Claude"},
	{regexp.MustCompile(`(?i)\bAs Kiro\b`), "As Claude"},
	{regexp.MustCompile(`(?i)\bKiro(?:IDE)?\b`), "Claude"},
	{regexp.MustCompile(`(?i)\bCodeWhisperer\b`), "Claude"},
	{regexp.MustCompile(`(?i)\bAmazon Q\b`), "Claude"},
	{regexp.MustCompile(`(?i)\ban AI assistant and IDE\b`), "an AI assistant"},
	{regexp.MustCompile(`(?i)\bassistant and IDE built\b`), "assistant built"},
}

// IsBuiltinTool reports whether name is one of the backend's injected IDE
// tools.
func IsBuiltinTool(name string) bool {
	_, ok := builtinTools[name]
	return ok
}

// Sanitizer cleans response text. Identity rewrites are only applied when
// the gateway presents itself as Claude; markup stripping and tool-catalog
// scrubbing always run.
type Sanitizer struct {
	rewriteIdentity bool
}

// NewSanitizer creates a Sanitizer for the given presented identity.
func NewSanitizer(identity string) *Sanitizer {
	return &Sanitizer{rewriteIdentity: strings.EqualFold(identity, "claude")}
}

// Sanitize removes leaked markup, identity references and tool-catalog lines
// from text. When chunk is true, leading and trailing whitespace is kept
// byte-exact so streamed fragments still concatenate correctly; otherwise
// the result is trimmed.
func (s *Sanitizer) Sanitize(text string, chunk bool) string {
	if text == "" {
		return text
	}

	for _, pattern := range stripPatterns {
		text = pattern.ReplaceAllString(text, "")
	}

	if s.rewriteIdentity {
		for _, sub := range identitySubs {
			text = sub.pattern.ReplaceAllString(text, sub.replacement)
		}
	}

	if reToolName.MatchString(text) {
		lines := strings.Split(text, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if !reToolName.MatchString(line) {
				kept = append(kept, line)
			}
		}
		text = strings.Join(kept, "\n")
	}

	text = reExcessNewlines.ReplaceAllString(text, "\n\n")

	if !chunk {
		text = strings.TrimSpace(text)
	}
	return text
}

// FilterToolCalls removes tool calls that reference backend builtin tools.
// The name function extracts each call's tool name. It returns nil when
// nothing survives so callers can treat the result as absent.
func FilterToolCalls[T any](calls []T, name func(T) string) []T {
	if len(calls) == 0 {
		return nil
	}
	var kept []T
	for _, call := range calls {
		if !IsBuiltinTool(name(call)) {
			kept = append(kept, call)
		}
	}
	return kept
}
