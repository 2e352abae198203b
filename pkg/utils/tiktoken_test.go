package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenCounterAcceptsAnyModel(t *testing.T) {
	for _, model := range []string{"gpt-4o", "claude-sonnet-4", "unknown-model"} {
		counter, err := NewTokenCounter(model)
		require.NoError(t, err, model)
		require.NotNil(t, counter, model)
	}
}

func TestCountTokensRanges(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	tests := []struct {
		text string
		min  int
		max  int
	}{
		{"", 0, 0},
		{"Hello", 1, 2},
		{"Hello world", 2, 3},
		{"This is a longer sentence with more words.", 8, 12},
		{strings.Repeat("word ", 100), 90, 110},
	}
	for _, tt := range tests {
		got := counter.CountTokens(tt.text)
		assert.GreaterOrEqual(t, got, tt.min, "%q", tt.text)
		assert.LessOrEqual(t, got, tt.max, "%q", tt.text)
	}
}

func TestCountTokensFallsBackWithoutCodec(t *testing.T) {
	bare := &TokenCounter{}
	assert.Equal(t, len("twelve chars")/4, bare.CountTokens("twelve chars"))
}

func TestValidateTokenLimit(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	assert.True(t, counter.ValidateTokenLimit("short", 10))
	assert.False(t, counter.ValidateTokenLimit(
		"a very long sentence that definitely exceeds a small token limit", 5))
}

func TestTruncateToTokenLimit(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	long := strings.Repeat("This is a sentence. ", 50)
	short := counter.TruncateToTokenLimit(long, 10)
	require.Less(t, len(short), len(long))
	assert.LessOrEqual(t, counter.CountTokens(short), 15, "should land near the limit")

	assert.Equal(t, "untouched", counter.TruncateToTokenLimit("untouched", 100))
}

func TestCountTokensSimpleSharesCounter(t *testing.T) {
	first := CountTokensSimple("Hello world")
	assert.Equal(t, first, CountTokensSimple("Hello world"))
	assert.Positive(t, first)
}
