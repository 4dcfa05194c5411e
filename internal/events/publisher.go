package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing chat events to JetStream.
// Publishing is best-effort; callers log failures and move on.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishTurnCompleted records a committed turn.
func (p *Publisher) PublishTurnCompleted(ctx context.Context, event TurnEvent) error {
	return p.publish(ctx, SubjectTurnCompleted, event)
}

// PublishTurnFailed records a turn that ended without a commit.
func (p *Publisher) PublishTurnFailed(ctx context.Context, event TurnEvent) error {
	return p.publish(ctx, SubjectTurnFailed, event)
}

// PublishChatCreated records a new chat.
func (p *Publisher) PublishChatCreated(ctx context.Context, event ChatEvent) error {
	return p.publish(ctx, SubjectChatCreated, event)
}

// PublishChatDeleted records a chat deletion.
func (p *Publisher) PublishChatDeleted(ctx context.Context, event ChatEvent) error {
	return p.publish(ctx, SubjectChatDeleted, event)
}

// PublishQuotaDenied records an admission rejection.
func (p *Publisher) PublishQuotaDenied(ctx context.Context, event QuotaDeniedEvent) error {
	return p.publish(ctx, SubjectQuotaDenied, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
