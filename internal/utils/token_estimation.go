package utils

import (
	"golang.org/x/text/width"
)

// Token overheads applied on top of per-string estimates when counting a
// whole conversation. These mirror the accounting of chat-format prompts:
// every message carries framing tokens, images cost a flat amount, and the
// assistant reply is primed with a few tokens.
const (
	MessageOverheadTokens = 4
	SystemOverheadTokens  = 4
	ImageTokens           = 85
	ReplyPrimingTokens    = 3
)

// EstimateTokens estimates the token count of a string.
// CJK runes tokenize far denser than Latin text (roughly 1.5 characters per
// token versus 4), so they are weighted separately.
// NOTE: This is an approximation and may differ from actual tokenizers.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, total int
	for _, r := range text {
		total++
		if isCJKRune(r) {
			cjk++
		}
	}
	estimate := int(float64(cjk)/1.5 + float64(total-cjk)/4.0 + 0.5)
	if estimate < 1 {
		return 1
	}
	return estimate
}

// isCJKRune reports whether the rune occupies an East Asian cell: CJK
// ideographs, kana, hangul, and the full/half-width forms block.
func isCJKRune(r rune) bool {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth, width.EastAsianHalfwidth:
		return true
	}
	return false
}
