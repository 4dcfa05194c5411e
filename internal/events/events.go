// Package events publishes chat lifecycle events to NATS JetStream and runs
// the durable audit consumer that persists them.
package events

import (
	"time"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// StreamEvents holds every chat lifecycle subject.
const StreamEvents = "MYTHAI_EVENTS"

// Subject constants.
const (
	SubjectTurnCompleted = "mythai.events.turn.completed"
	SubjectTurnFailed    = "mythai.events.turn.failed"
	SubjectChatCreated   = "mythai.events.chat.created"
	SubjectChatDeleted   = "mythai.events.chat.deleted"
	SubjectQuotaDenied   = "mythai.events.quota.denied"

	subjectWildcard = "mythai.events.>"
)

// TurnEvent is published when a chat turn finishes, whatever the outcome.
type TurnEvent struct {
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id"`
	Plan       string    `json:"plan"`
	Model      string    `json:"model"`
	Fragments  int       `json:"fragments"`
	Outcome    string    `json:"outcome"` // committed, partial, failed
	Reason     string    `json:"reason,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatEvent is published for chat lifecycle changes.
type ChatEvent struct {
	UserID    string    `json:"user_id"`
	ChatID    string    `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`
}

// QuotaDeniedEvent is published when admission rejects a turn.
type QuotaDeniedEvent struct {
	UserID    string    `json:"user_id"`
	Plan      string    `json:"plan"`
	Limit     int       `json:"limit"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
