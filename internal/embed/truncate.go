package embed

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// Truncator cuts text to a token budget using the cl100k_base encoding
// shared by the OpenAI embedding models.
type Truncator struct {
	codec     tokenizer.Codec
	maxTokens int
}

// NewTruncator loads the codec.
func NewTruncator(maxTokens int) (*Truncator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "embed: load tokenizer")
	}
	return &Truncator{codec: codec, maxTokens: maxTokens}, nil
}

// Truncate returns text unchanged when it fits, otherwise its first
// maxTokens tokens. Encoding errors leave the text untouched.
func (t *Truncator) Truncate(text string) string {
	if t.maxTokens <= 0 {
		return text
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil || len(ids) <= t.maxTokens {
		return text
	}
	out, err := t.codec.Decode(ids[:t.maxTokens])
	if err != nil {
		return text
	}
	return out
}
