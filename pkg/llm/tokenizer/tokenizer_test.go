package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountTokens_Estimate(t *testing.T) {
	tok := NewEstimator()

	assert.Equal(t, 0, tok.CountTokens(""))
	assert.Equal(t, 1, tok.CountTokens("abc"))
	assert.Equal(t, 2, tok.CountTokens("abcde"))
	assert.ErrorIs(t, tok.Err(), errEstimateOnly)
}

func TestTruncate_Estimate(t *testing.T) {
	tok := NewEstimator()
	text := strings.Repeat("x", 100)

	assert.Equal(t, text, tok.Truncate(text, 25))
	assert.Len(t, tok.Truncate(text, 10), 40)
	assert.Empty(t, tok.Truncate(text, 0))
	assert.LessOrEqual(t, tok.CountTokens(tok.Truncate(text, 7)), 7)
}
