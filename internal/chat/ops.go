package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/DEVector-it/Mythai/internal/api"
	"github.com/DEVector-it/Mythai/internal/events"
	"github.com/DEVector-it/Mythai/internal/store"
)

type ListParams struct {
	Page     int
	PageSize int
}

func DefaultListParams() ListParams {
	return ListParams{Page: 1, PageSize: 20}
}

// NewChat creates an empty private chat titled "New Chat".
func (s *Service) NewChat(ctx context.Context, userID string) (*store.Chat, error) {
	c := &store.Chat{
		ID:         uuid.NewString(),
		OwnerID:    userID,
		Title:      "New Chat",
		Messages:   []store.Message{},
		Visibility: store.VisibilityPrivate,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateChat(ctx, c); err != nil {
		return nil, fmt.Errorf("creating chat: %w", err)
	}
	s.publishChatCreated(userID, c.ID)
	return c, nil
}

// Get returns the chat by id, nil when absent.
func (s *Service) Get(ctx context.Context, chatID string) (*store.Chat, error) {
	return s.store.GetChat(ctx, chatID)
}

// List returns the user's chats, newest first.
func (s *Service) List(ctx context.Context, userID string, params ListParams) ([]*store.Chat, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}

	offset := (params.Page - 1) * params.PageSize
	chats, total, err := s.store.ListChatsByOwner(ctx, userID, params.PageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing chats: %w", err)
	}
	return chats, total, nil
}

// Rename sets a caller-provided title.
func (s *Service) Rename(ctx context.Context, chat *store.Chat, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return api.NewValidationError("a title is required")
	}

	if err := s.store.SetChatTitle(ctx, chat.ID, title); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return api.ErrNotFound
		}
		return fmt.Errorf("renaming chat: %w", err)
	}
	return nil
}

// Delete removes the chat permanently.
func (s *Service) Delete(ctx context.Context, chat *store.Chat) error {
	if err := s.store.DeleteChat(ctx, chat.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return api.ErrNotFound
		}
		return fmt.Errorf("deleting chat: %w", err)
	}
	s.publishChatDeleted(chat.OwnerID, chat.ID)
	return nil
}

// Share makes the chat publicly readable and returns its share id.
func (s *Service) Share(ctx context.Context, chat *store.Chat) (string, error) {
	if err := s.store.SetChatVisibility(ctx, chat.ID, store.VisibilityPublic); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", api.ErrNotFound
		}
		return "", fmt.Errorf("sharing chat: %w", err)
	}
	return chat.ID, nil
}

// SharedChat returns a public chat for unauthenticated viewing. Private and
// missing chats are indistinguishable to the caller.
func (s *Service) SharedChat(ctx context.Context, chatID string) (*store.Chat, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("loading shared chat: %w", err)
	}
	if c == nil || c.Visibility != store.VisibilityPublic {
		return nil, api.ErrNotFound
	}
	return c, nil
}

func (s *Service) publishChatCreated(userID, chatID string) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := s.events.PublishChatCreated(ctx, events.ChatEvent{UserID: userID, ChatID: chatID, Timestamp: s.now().UTC()})
	if err != nil {
		slog.Warn("publishing chat event", "error", err)
	}
}

func (s *Service) publishChatDeleted(userID, chatID string) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := s.events.PublishChatDeleted(ctx, events.ChatEvent{UserID: userID, ChatID: chatID, Timestamp: s.now().UTC()})
	if err != nil {
		slog.Warn("publishing chat event", "error", err)
	}
}
