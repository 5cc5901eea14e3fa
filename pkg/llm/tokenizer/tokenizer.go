// Package tokenizer counts tokens in iteration context documents so the
// loop can keep them inside a budget.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultEncoding is used when no encoding is configured.
	DefaultEncoding = "cl100k_base"
	// Approximate selects the byte heuristic without loading any encoding.
	Approximate = "approximate"
)

// bytesPerToken approximates English prose and source code when no BPE
// ranks are available.
const bytesPerToken = 4

// Tokenizer counts tokens with a tiktoken encoding, or with a byte
// heuristic when the encoding could not be loaded.
type Tokenizer struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
	name     string
}

// New creates a tokenizer for DefaultEncoding.
func New() (*Tokenizer, error) {
	return NewWithEncoding(DefaultEncoding)
}

// NewWithEncoding creates a tokenizer for the named encoding.
func NewWithEncoding(name string) (*Tokenizer, error) {
	if name == "" {
		name = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", name, err)
	}
	return &Tokenizer{encoding: enc, name: name}, nil
}

// NewApproximate creates a tokenizer that only uses the byte heuristic.
func NewApproximate() *Tokenizer {
	return &Tokenizer{name: Approximate}
}

// NewOrApproximate returns a tiktoken tokenizer, or the byte heuristic if
// the encoding cannot be loaded (for example without network access to
// fetch the BPE ranks).
func NewOrApproximate(name string) *Tokenizer {
	if name == Approximate {
		return NewApproximate()
	}
	tok, err := NewWithEncoding(name)
	if err != nil {
		return NewApproximate()
	}
	return tok
}

// Encoding returns the name of the encoding in use.
func (t *Tokenizer) Encoding() string {
	return t.name
}

// Exact reports whether counts come from a real encoding.
func (t *Tokenizer) Exact() bool {
	return t.encoding != nil
}

// CountTokens returns the number of tokens in text.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if t.encoding == nil {
		return (len(text) + bytesPerToken - 1) / bytesPerToken
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoding.Encode(text, nil, nil))
}
