// Package tokencount estimates token counts for text that never goes
// through the upstream LLM's own tokenizer (tool-result previews shown to
// the caller). It is a best-effort estimate, not a billing figure.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// Estimate returns the approximate token count of text using the cl100k_base
// encoding shared by most current chat models. If the encoder can't be
// loaded, it falls back to a character-per-token heuristic.
func Estimate(text string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return fallback(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func fallback(text string) int {
	if len(text) == 0 {
		return 0
	}
	return len(text) / 5
}
