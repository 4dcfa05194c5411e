package chat

import (
	"context"

	"github.com/DEVector-it/Mythai/internal/store"
)

type contextKey string

const chatCtxKey contextKey = "chat"

func SetChatInContext(ctx context.Context, c *store.Chat) context.Context {
	return context.WithValue(ctx, chatCtxKey, c)
}

func ChatFromContext(ctx context.Context) *store.Chat {
	c, _ := ctx.Value(chatCtxKey).(*store.Chat)
	return c
}
