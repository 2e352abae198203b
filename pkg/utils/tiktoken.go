// Package utils provides token counting shared by the context manager and
// the metrics middleware.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// fallbackCount estimates when no codec is available, at roughly four
// characters per token.
func fallbackCount(text string) int {
	return len(text) / 4
}

// TokenCounter counts tokens with a tiktoken codec.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for the given model. Every model this
// assistant routes to tokenizes close enough to the GPT-4 encoding for
// budget purposes, so that encoding is used throughout.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the token count of text, estimating when the codec
// cannot encode it.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.codec == nil {
		return fallbackCount(text)
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return fallbackCount(text)
	}
	return count
}

// ValidateTokenLimit reports whether text fits within limit tokens.
func (tc *TokenCounter) ValidateTokenLimit(text string, limit int) bool {
	return tc.CountTokens(text) <= limit
}

// TruncateToTokenLimit shortens text to roughly limit tokens. Truncation
// is by character ratio with a safety margin, not exact token boundaries.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}

	ratio := float64(limit) / float64(current)
	cut := int(float64(len(text)) * ratio * 0.9)
	if cut >= len(text) {
		return text
	}
	return text[:cut] + "..."
}

//nolint:gochecknoglobals // Codec construction is not cheap; share one
var sharedCounter = sync.OnceValue(func() *TokenCounter {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		return &TokenCounter{}
	}
	return counter
})

// CountTokensSimple counts with a process-shared counter.
func CountTokensSimple(text string) int {
	return sharedCounter().CountTokens(text)
}
