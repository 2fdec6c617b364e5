package llm

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// Tokenizer counts tokens for prompt budgeting
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer loads an encoding by model name, falling back to an encoding name
func NewTokenizer(name string) (*Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		enc, err = tiktoken.GetEncoding(name)
		if err != nil {
			return nil, err
		}
	}
	return &Tokenizer{enc: enc}, nil
}

// CountTokens returns the number of tokens in text. A nil tokenizer
// estimates four characters per token.
func (t *Tokenizer) CountTokens(text string) int {
	if t == nil || t.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most maxTokens tokens
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if t == nil || t.enc == nil {
		return domain.Truncate(text, maxTokens*4)
	}
	ids := t.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	// a cut between the tokens of one character leaves a partial sequence
	return strings.ToValidUTF8(t.enc.Decode(ids[:maxTokens]), "")
}

// CountWords counts whitespace separated words
func CountWords(text string) int {
	return len(strings.Fields(text))
}
