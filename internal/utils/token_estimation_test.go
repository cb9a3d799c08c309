package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{"Empty", "", 0},
		{"SingleChar", "a", 1},
		{"FourLatinChars", "abcd", 1},
		{"EightLatinChars", "abcdefgh", 2},
		{"SingleCJK", "你", 1},
		{"ThreeCJK", "你好吗", 2},
		{"Kana", "こんにちは", 3},
		{"Hangul", "안녕하세요", 3},
		{"MixedLatinCJK", "hello你好", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EstimateTokens(tt.text))
		})
	}
}

func TestEstimateTokensMinimumOne(t *testing.T) {
	// Any non-empty string estimates to at least one token.
	assert.Equal(t, 1, EstimateTokens("."))
	assert.Equal(t, 1, EstimateTokens(" "))
}

func TestEstimateTokensCJKDensity(t *testing.T) {
	// The same number of characters should cost more tokens in CJK text.
	latin := strings.Repeat("a", 100)
	cjk := strings.Repeat("中", 100)
	assert.Greater(t, EstimateTokens(cjk), EstimateTokens(latin))
}

func TestIsCJKRune(t *testing.T) {
	tests := []struct {
		name string
		r    rune
		cjk  bool
	}{
		{"Ideograph", '中', true},
		{"Hiragana", 'あ', true},
		{"Katakana", 'カ', true},
		{"Hangul", '한', true},
		{"FullwidthLatin", 'Ａ', true},
		{"HalfwidthKatakana", 'ｱ', true},
		{"IdeographicComma", '、', true},
		{"ASCII", 'a', false},
		{"Digit", '7', false},
		{"Accented", 'é', false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.cjk, isCJKRune(tt.r))
		})
	}
}
