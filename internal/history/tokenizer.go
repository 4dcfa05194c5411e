package history

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer, a reasonable approximation for
// the chat models the service proxies.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text. If the codec
// is unavailable it falls back to a bytes/4 heuristic rather than failing:
// the budget is advisory, not a correctness boundary.
func EstimateTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		return len(text) / 4
	}

	ids, _, err := c.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
