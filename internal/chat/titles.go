package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DEVector-it/Mythai/internal/metrics"
	"github.com/DEVector-it/Mythai/internal/store"
)

const titleReplyLimit = 200

// setTitle derives and saves a title for the chat's first exchange. Always
// best-effort: a committed turn is never rolled back over a title, so every
// failure degrades to a fallback or to keeping the current title.
func (s *Service) setTitle(ctx context.Context, st turnState, reply string) string {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TitleTimeout)
	defer cancel()

	generated, err := s.model.Complete(tctx, st.limits.Model, titlePrompt(st.prompt, reply))
	title := strings.ReplaceAll(strings.TrimSpace(generated), `"`, "")
	switch {
	case err != nil:
		slog.Warn("generating title", "error", err, "chat_id", st.chat.ID)
		title = fallbackTitle(st.prompt)
		metrics.TitleResultsTotal.WithLabelValues("fallback").Inc()
	case title == "":
		title = fallbackTitle(st.prompt)
		metrics.TitleResultsTotal.WithLabelValues("fallback").Inc()
	default:
		metrics.TitleResultsTotal.WithLabelValues("generated").Inc()
	}

	if err := s.store.SetChatTitle(ctx, st.chat.ID, title); err != nil {
		// The chat may have been deleted while the turn was streaming.
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("saving chat title", "error", err, "chat_id", st.chat.ID)
		}
		return ""
	}
	return title
}

func titlePrompt(prompt, reply string) string {
	r := []rune(reply)
	if len(r) > titleReplyLimit {
		r = r[:titleReplyLimit]
	}
	return fmt.Sprintf("Summarize the following conversation with a short, descriptive title (4 words max, be concise).\n\nUser: \"%s\"\nAssistant: \"%s\"", prompt, string(r))
}

// fallbackTitle derives a title from the prompt when generation yields
// nothing usable.
func fallbackTitle(prompt string) string {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return "Chat"
	}
	r := []rune(p)
	if len(r) > 40 {
		return string(r[:40]) + "..."
	}
	return p
}
