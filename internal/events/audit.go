package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"
)

// AuditRecord is one persisted audit entry derived from a published event.
type AuditRecord struct {
	ID        uuid.UUID
	UserID    string
	EventType string
	Subject   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// AuditSink persists audit records.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// AuditConsumer drains the events stream through a durable consumer and
// hands every event to the configured sink.
type AuditConsumer struct {
	js   jetstream.JetStream
	sink AuditSink
}

// NewAuditConsumer creates a new AuditConsumer.
func NewAuditConsumer(js jetstream.JetStream, sink AuditSink) *AuditConsumer {
	return &AuditConsumer{js: js, sink: sink}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *AuditConsumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, StreamEvents, jetstream.ConsumerConfig{
		Durable:       "audit-persister",
		FilterSubject: subjectWildcard,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensuring consumer audit-persister on %s: %w", StreamEvents, err)
	}

	slog.Info("audit consumer started", "consumer", "audit-persister")

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *AuditConsumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	// Every event type shares the user_id and timestamp envelope fields.
	var envelope struct {
		UserID    string    `json:"user_id"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		slog.Error("audit consumer: unmarshaling event", "error", err, "subject", msg.Subject())
		_ = msg.Nak()
		return
	}

	createdAt := envelope.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	rec := AuditRecord{
		ID:        uuid.New(),
		UserID:    envelope.UserID,
		EventType: strings.TrimPrefix(msg.Subject(), "mythai.events."),
		Subject:   msg.Subject(),
		Payload:   json.RawMessage(msg.Data()),
		CreatedAt: createdAt,
	}

	if err := c.sink.Record(ctx, rec); err != nil {
		slog.Error("audit consumer: persisting audit record", "error", err, "subject", msg.Subject())
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("audit consumer: persisted event",
		"event_type", rec.EventType,
		"user_id", rec.UserID,
	)
}

// PostgresAuditSink writes audit records to the audit_logs table.
type PostgresAuditSink struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditSink creates a sink backed by PostgreSQL.
func NewPostgresAuditSink(pool *pgxpool.Pool) *PostgresAuditSink {
	return &PostgresAuditSink{pool: pool}
}

func (s *PostgresAuditSink) Record(ctx context.Context, rec AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, user_id, event_type, subject, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.UserID, rec.EventType, rec.Subject, payload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// LogAuditSink writes audit records to the application log. Used when the
// deployment runs on the file store without PostgreSQL.
type LogAuditSink struct{}

func (LogAuditSink) Record(_ context.Context, rec AuditRecord) error {
	slog.Info("audit event",
		"event_type", rec.EventType,
		"user_id", rec.UserID,
		"subject", rec.Subject,
	)
	return nil
}
