package store

import (
	"time"
)

// Message senders.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Chat visibility values.
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// User is an identity and entitlement record. Quota fields are mutated only
// through Store.UpdateUser so counter changes serialize with everything else.
type User struct {
	ID                   string    `json:"id"`
	Email                string    `json:"email,omitempty"`
	Username             string    `json:"username"`
	Role                 string    `json:"role"`
	Plan                 string    `json:"plan"`
	DailyMessageCount    int       `json:"daily_message_count"`
	LastCountResetDate   string    `json:"last_count_reset_date,omitempty"`
	MessageLimitOverride *int      `json:"message_limit_override,omitempty"`
	StreakDays           int       `json:"streak_days,omitempty"`
	LastStreakDate       string    `json:"last_streak_date,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// AttachmentInfo describes an image that accompanied a message. Only the
// descriptor is persisted; the processed payload goes to the model and is
// then discarded.
type AttachmentInfo struct {
	MediaType string `json:"media_type"`
	SizeBytes int    `json:"size_bytes"`
}

// Message is one element of a chat transcript.
type Message struct {
	Sender     string          `json:"sender"`
	Content    string          `json:"content"`
	Attachment *AttachmentInfo `json:"attachment,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Chat is a conversation owned by exactly one user. Messages are append-only
// during normal operation; rename, share, and delete are the only external
// mutations.
type Chat struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
	Visibility string    `json:"visibility"`
	CreatedAt  time.Time `json:"created_at"`
}

// Settings holds site-wide values persisted alongside users and chats.
type Settings struct {
	Announcement string `json:"announcement,omitempty"`
}

// APIKey is a verification-only record for machine callers. The secret is
// stored as a bcrypt hash and never recoverable.
type APIKey struct {
	Prefix    string    `json:"prefix"`
	HashedKey string    `json:"hashed_key"`
	UserID    string    `json:"user_id"`
	Active    bool      `json:"active"`
	LastUsed  time.Time `json:"last_used,omitempty"`
}

// State is the canonical document: every user, every chat, and the settings
// block, in one unit. The file-backed store persists it verbatim; the
// Postgres store maps it onto an equivalent table set.
type State struct {
	Users    map[string]*User `json:"users"`
	Chats    map[string]*Chat `json:"chats"`
	Settings Settings         `json:"settings"`
	APIKeys  []*APIKey        `json:"api_keys,omitempty"`
}

// NewState returns an empty state with initialized containers.
func NewState() *State {
	return &State{
		Users: make(map[string]*User),
		Chats: make(map[string]*Chat),
	}
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	cp := *u
	if u.MessageLimitOverride != nil {
		v := *u.MessageLimitOverride
		cp.MessageLimitOverride = &v
	}
	return &cp
}

func cloneChat(c *Chat) *Chat {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		cp.Messages[i] = m
		if m.Attachment != nil {
			a := *m.Attachment
			cp.Messages[i].Attachment = &a
		}
	}
	return &cp
}

func cloneAPIKey(k *APIKey) *APIKey {
	if k == nil {
		return nil
	}
	cp := *k
	return &cp
}
