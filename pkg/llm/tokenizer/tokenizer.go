// Package tokenizer counts prompt tokens so prompts can be kept under a budget.
package tokenizer

import (
	"errors"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Encoding is the tiktoken encoding used for counting.
const Encoding = "cl100k_base"

var errEstimateOnly = errors.New("tokenizer: encoding disabled")

// Tokenizer counts tokens with tiktoken, falling back to a four bytes per
// token estimate when the encoding cannot be loaded.
type Tokenizer struct {
	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// New returns a Tokenizer. The encoding is loaded on first use.
func New() *Tokenizer {
	return &Tokenizer{}
}

// NewEstimator returns a Tokenizer that always uses the byte estimate.
func NewEstimator() *Tokenizer {
	t := &Tokenizer{}
	t.once.Do(func() { t.initErr = errEstimateOnly })
	return t
}

func (t *Tokenizer) init() {
	t.once.Do(func() {
		t.enc, t.initErr = tiktoken.GetEncoding(Encoding)
	})
}

// Err reports why the encoding could not be loaded, if it could not.
func (t *Tokenizer) Err() error {
	t.init()
	return t.initErr
}

// CountTokens returns the number of tokens in text.
func (t *Tokenizer) CountTokens(text string) int {
	t.init()
	if t.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most max tokens.
func (t *Tokenizer) Truncate(text string, max int) string {
	if max <= 0 {
		return ""
	}
	t.init()
	if t.enc == nil {
		if len(text) <= max*4 {
			return text
		}
		return text[:max*4]
	}
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= max {
		return text
	}
	return t.enc.Decode(tokens[:max])
}
