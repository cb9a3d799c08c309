package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessInChunks(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}

	var seen [][]int
	err := ProcessInChunks(items, 3, func(chunk []int) error {
		seen = append(seen, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, seen)
}

func TestProcessInChunksStopsOnError(t *testing.T) {
	boom := errors.New("insert failed")
	calls := 0
	err := ProcessInChunks(make([]int, 10), 4, func(chunk []int) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestProcessInChunksEmpty(t *testing.T) {
	err := ProcessInChunks(nil, 3, func(chunk []int) error {
		t.Fatal("callback should not run for an empty slice")
		return nil
	})
	assert.NoError(t, err)
}

func TestChunkSlice(t *testing.T) {
	keys := []string{"request_log:a", "request_log:b", "request_log:c"}

	chunks := ChunkSlice(keys, 2)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"request_log:a", "request_log:b"}, chunks[0])
	assert.Equal(t, []string{"request_log:c"}, chunks[1])

	assert.Nil(t, ChunkSlice[string](nil, 2))
}

func TestChunkString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		size     int
		expected []string
	}{
		{"even split", "abcdef", 2, []string{"ab", "cd", "ef"}},
		{"ragged tail", `{"city":"Tokyo"}`, 5, []string{`{"cit`, `y":"T`, `okyo"`, `}`}},
		{"multi-byte runes stay intact", "日本語テキスト", 2, []string{"日本", "語テ", "キス", "ト"}},
		{"empty input", "", 4, nil},
		{"non-positive size", "abc", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ChunkString(tt.input, tt.size))
		})
	}
}
