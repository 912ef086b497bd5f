package prompt

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultEncoding is used when no encoding is configured.
const DefaultEncoding = tokenizer.Cl100kBase

// Budget truncates text to a maximum number of tokens.
type Budget struct {
	codec tokenizer.Codec
	max   int
}

// NewBudget returns a budget of max tokens counted with the named tiktoken encoding.
func NewBudget(encoding string, max int) (*Budget, error) {
	enc := tokenizer.Encoding(encoding)
	if encoding == "" {
		enc = DefaultEncoding
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding %q: %w", enc, err)
	}
	return &Budget{codec: codec, max: max}, nil
}

// Max returns the token limit.
func (b *Budget) Max() int {
	return b.max
}

// Count returns the number of tokens in text.
func (b *Budget) Count(text string) (int, error) {
	return b.codec.Count(text)
}

// Truncate returns text cut to the token limit and whether it was cut.
// Text that cannot be tokenized is returned unchanged.
func (b *Budget) Truncate(text string) (string, bool) {
	ids, _, err := b.codec.Encode(text)
	if err != nil || len(ids) <= b.max {
		return text, false
	}
	out, err := b.codec.Decode(ids[:b.max])
	if err != nil {
		return text, false
	}
	return out, true
}
