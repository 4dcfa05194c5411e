package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by operations that target a user or chat that does
// not exist (or no longer exists).
var ErrNotFound = errors.New("not found")

// Store is the durable state contract. Implementations guarantee that every
// mutating call is serialized against every other mutating call, so a
// read-modify-write expressed as a single call (UpdateUser, AppendExchange)
// can never lose an update to a concurrent writer. Reads return copies;
// mutating a returned value has no effect on stored state.
type Store interface {
	// Users.
	GetUser(ctx context.Context, id string) (*User, error)
	PutUser(ctx context.Context, u *User) error
	// UpdateUser applies fn to the stored user inside the writer lock and
	// persists the result. fn returning an error abandons the mutation.
	UpdateUser(ctx context.Context, id string, fn func(*User) error) error

	// Chats.
	GetChat(ctx context.Context, id string) (*Chat, error)
	CreateChat(ctx context.Context, c *Chat) error
	ListChatsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Chat, int64, error)
	// AppendExchange appends the user turn and its assistant reply as one
	// atomic pair. Partial appends are never observable.
	AppendExchange(ctx context.Context, chatID string, userMsg, assistantMsg Message) error
	SetChatTitle(ctx context.Context, chatID, title string) error
	SetChatVisibility(ctx context.Context, chatID, visibility string) error
	DeleteChat(ctx context.Context, chatID string) error

	// Settings.
	GetSettings(ctx context.Context) (Settings, error)
	SetAnnouncement(ctx context.Context, text string) error

	// API keys.
	GetAPIKey(ctx context.Context, prefix string) (*APIKey, error)
	PutAPIKey(ctx context.Context, k *APIKey) error
	TouchAPIKey(ctx context.Context, prefix string) error

	// Ping reports whether the backing medium is reachable and writable.
	Ping(ctx context.Context) error
	Close() error
}
