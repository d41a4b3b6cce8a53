package gpt2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableTokenizerRoundTrip(t *testing.T) {
	tok := newTableTokenizerFromVocab([]string{"a", "b", "ab", "ba", " "})
	tests := []struct {
		text string
		want []int32
	}{
		{"a", []int32{0}},
		{"ab", []int32{2}},        // longest match beats "a"+"b"
		{"aba", []int32{2, 0}},    // greedy, not globally optimal
		{"ba b", []int32{3, 4, 1}},
		{"abab", []int32{2, 2}},
	}
	for _, tt := range tests {
		got, err := tok.Encode(tt.text)
		require.NoError(t, err, "encoding %q", tt.text)
		assert.Equal(t, tt.want, got, "encoding %q", tt.text)

		decoded, err := tok.Decode(got)
		require.NoError(t, err)
		assert.Equal(t, tt.text, decoded, "decoding round-trips %q", tt.text)
	}
}

func TestTableTokenizerEncodeUnknown(t *testing.T) {
	tok := newTableTokenizerFromVocab([]string{"a", "b"})
	_, err := tok.Encode("abc")
	assert.ErrorContains(t, err, "no vocabulary entry")
}

func TestTableTokenizerDecodeOutOfRange(t *testing.T) {
	tok := newTableTokenizerFromVocab([]string{"a", "b"})
	_, err := tok.Decode([]int32{0, 2})
	assert.ErrorContains(t, err, "outside vocabulary")
	_, err = tok.Decode([]int32{-1})
	assert.ErrorContains(t, err, "outside vocabulary")
}
