// Package history turns a chat's stored transcript into the bounded context
// window sent to the model.
package history

import (
	"strings"

	"github.com/DEVector-it/Mythai/internal/store"
)

// Turn is one context entry handed to the model backend.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// BuildContext selects the most recent maxTurns non-empty messages in their
// original order, then drops turns oldest-first until the window fits
// maxTokens (maxTokens <= 0 disables the token budget). Pure function: same
// transcript in, same window out, input never mutated.
func BuildContext(messages []store.Message, maxTurns, maxTokens int) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, Turn{Role: m.Sender, Content: m.Content})
	}

	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	if maxTokens > 0 {
		total := 0
		for _, t := range turns {
			total += EstimateTokens(t.Content)
		}
		for len(turns) > 0 && total > maxTokens {
			total -= EstimateTokens(turns[0].Content)
			turns = turns[1:]
		}
	}

	return turns
}
