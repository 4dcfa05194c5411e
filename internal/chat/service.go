// Package chat runs the streaming turn pipeline and the chat lifecycle
// operations around it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DEVector-it/Mythai/internal/api"
	"github.com/DEVector-it/Mythai/internal/attachment"
	"github.com/DEVector-it/Mythai/internal/events"
	"github.com/DEVector-it/Mythai/internal/genai"
	"github.com/DEVector-it/Mythai/internal/history"
	"github.com/DEVector-it/Mythai/internal/metrics"
	"github.com/DEVector-it/Mythai/internal/plans"
	"github.com/DEVector-it/Mythai/internal/quota"
	"github.com/DEVector-it/Mythai/internal/store"
)

// Personas sent as system instructions, chosen by the plan's model tier.
const (
	personaStandard = "You are Myth AI, a powerful, general-purpose assistant for creative tasks, coding, and complex questions."
	personaPremium  = "You are MythAI Plus, a premium, enhanced AI assistant. Your goal is to provide faster, more detailed, and more insightful answers. You have access to advanced tools and knowledge. Be proactive and thorough."
)

// fallbackReply is persisted when the model finishes with only whitespace. A
// committed turn always carries a non-empty assistant message.
const fallbackReply = "I wasn't able to generate a response. Please try again."

const (
	clockFormat    = "Monday, January 02, 2006 at 03:04 PM"
	persistTimeout = 15 * time.Second
	publishTimeout = 5 * time.Second
)

// GenAI is the slice of the model client the service consumes.
type GenAI interface {
	Stream(ctx context.Context, req genai.Request, emit func(fragment string) error) error
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// Config bounds one turn.
type Config struct {
	MaxHistoryTurns  int
	MaxHistoryTokens int
	StreamTimeout    time.Duration
	TitleTimeout     time.Duration
}

// Service coordinates quota admission, context assembly, the streaming model
// call, and the durable commit of each turn.
type Service struct {
	store   store.Store
	tracker *quota.Tracker
	catalog *plans.Catalog
	model   GenAI
	events  *events.Publisher
	cfg     Config

	now func() time.Time
}

// NewService creates a Service. publisher may be nil when eventing is
// disabled.
func NewService(st store.Store, tracker *quota.Tracker, catalog *plans.Catalog, model GenAI, publisher *events.Publisher, cfg Config) *Service {
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = 30
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 2 * time.Minute
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 15 * time.Second
	}
	return &Service{
		store:   st,
		tracker: tracker,
		catalog: catalog,
		model:   model,
		events:  publisher,
		cfg:     cfg,
		now:     time.Now,
	}
}

// TurnInput is one inbound chat turn. Chat is the caller-loaded conversation
// the turn appends to.
type TurnInput struct {
	Chat       *store.Chat
	UserID     string
	Prompt     string
	Attachment []byte
}

// turnState carries everything the asynchronous half of a turn needs.
type turnState struct {
	chat          *store.Chat
	user          *store.User
	limits        plans.Limits
	decision      quota.Decision
	prompt        string
	attachment    *store.AttachmentInfo
	firstExchange bool
	started       time.Time
}

// StreamTurn admits and dispatches one chat turn. Admission failures are
// returned synchronously and cost no quota. Once a channel comes back every
// outcome arrives as events: zero or more fragments, then exactly one error
// or done event, then close.
func (s *Service) StreamTurn(ctx context.Context, in TurnInput) (<-chan Event, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" && len(in.Attachment) == 0 {
		return nil, api.NewBadRequestError("A prompt or file is required.")
	}

	chat := in.Chat
	if chat == nil || chat.OwnerID != in.UserID {
		return nil, api.ErrOwnershipViolation
	}

	user, err := s.store.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		return nil, api.ErrUnauthorized
	}
	limits := s.catalog.Limits(plans.Plan(user.Plan))

	dec, err := s.tracker.Admit(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("admitting turn: %w", err)
	}
	if !dec.Allow {
		metrics.QuotaDenialsTotal.WithLabelValues(dec.Reason).Inc()
		s.publishQuotaDenied(ctx, user, dec)
		if dec.Reason == quota.ReasonBurst {
			return nil, api.ErrRateLimited
		}
		return nil, api.NewQuotaExceededError(dec.Limit)
	}

	var payload *attachment.Payload
	var info *store.AttachmentInfo
	if len(in.Attachment) > 0 {
		if !limits.CanAttach {
			return nil, api.ErrUploadNotAllowed
		}
		payload, err = attachment.Process(in.Attachment)
		if err != nil {
			slog.Warn("processing attachment", "error", err, "chat_id", chat.ID)
			return nil, api.ErrAttachmentInvalid
		}
		info = &store.AttachmentInfo{MediaType: payload.MIME, SizeBytes: len(payload.Data)}
	}

	req := genai.Request{
		Model:             limits.Model,
		SystemInstruction: s.systemInstruction(limits),
		History:           history.BuildContext(chat.Messages, s.cfg.MaxHistoryTurns, s.cfg.MaxHistoryTokens),
		Prompt:            prompt,
		Image:             payload,
	}

	st := turnState{
		chat:          chat,
		user:          user,
		limits:        limits,
		decision:      dec,
		prompt:        prompt,
		attachment:    info,
		firstExchange: len(chat.Messages) == 0,
		started:       s.now(),
	}

	ch := make(chan Event, 16)
	go s.runTurn(ctx, ch, st, req)
	return ch, nil
}

func (s *Service) runTurn(ctx context.Context, ch chan<- Event, st turnState, req genai.Request) {
	defer close(ch)

	streamCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamTimeout)
	defer cancel()

	var reply strings.Builder
	fragments := 0

	err := s.model.Stream(streamCtx, req, func(fragment string) error {
		reply.WriteString(fragment)
		fragments++
		metrics.TurnFragmentsTotal.Inc()
		select {
		case ch <- Event{Type: EventFragment, Fragment: fragment}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	switch {
	case err == nil:
		s.commitTurn(ctx, ch, st, reply.String(), fragments, false)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The client went away or the stream timed out. Content already
		// streamed belongs to the user and is kept.
		if strings.TrimSpace(reply.String()) != "" {
			s.commitTurn(ctx, ch, st, reply.String(), fragments, true)
			return
		}
		s.failTurn(ctx, ch, st, fragments, "canceled")
	default:
		slog.Error("model stream failed", "error", err, "chat_id", st.chat.ID, "user_id", st.user.ID)
		s.failTurn(ctx, ch, st, fragments, "upstream")
	}
}

// commitTurn persists the exchange, commits quota, and finishes the stream.
// Persistence runs on a context detached from the request so a departed
// client cannot abort it.
func (s *Service) commitTurn(ctx context.Context, ch chan<- Event, st turnState, reply string, fragments int, partial bool) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if strings.TrimSpace(reply) == "" {
		slog.Info("empty model response, persisting fallback", "chat_id", st.chat.ID)
		reply = fallbackReply
	}

	now := s.now().UTC()
	userMsg := store.Message{Sender: store.SenderUser, Content: st.prompt, Attachment: st.attachment, CreatedAt: now}
	assistantMsg := store.Message{Sender: store.SenderAssistant, Content: reply, CreatedAt: now}

	if err := s.store.AppendExchange(persistCtx, st.chat.ID, userMsg, assistantMsg); err != nil {
		slog.Error("persisting exchange", "error", err, "chat_id", st.chat.ID)
		metrics.TurnsTotal.WithLabelValues("persist_failed").Inc()
		s.send(ctx, ch, Event{Type: EventError, Err: "Could not save the conversation. Please try again."})
		s.publishTurnFailed(st, fragments, "persist_failed")
		return
	}

	if err := s.tracker.Commit(persistCtx, st.user.ID); err != nil {
		slog.Error("committing quota", "error", err, "user_id", st.user.ID)
	}

	var title string
	if st.firstExchange {
		title = s.setTitle(persistCtx, st, reply)
	}

	outcome := "committed"
	if partial {
		outcome = "partial"
	}
	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	metrics.TurnDuration.Observe(s.now().Sub(st.started).Seconds())
	s.publishTurnCompleted(st, fragments, outcome)

	remaining := st.decision.Remaining
	if remaining != plans.Unlimited {
		remaining--
	}
	s.send(ctx, ch, Event{Type: EventDone, Done: &DoneInfo{Title: title, Remaining: remaining, Partial: partial}})
}

// failTurn ends a stream that produced nothing worth keeping. The transcript
// and the quota counter stay untouched.
func (s *Service) failTurn(ctx context.Context, ch chan<- Event, st turnState, fragments int, reason string) {
	metrics.TurnsTotal.WithLabelValues("failed").Inc()
	s.send(ctx, ch, Event{Type: EventError, Err: "An error occurred with the AI model. Please try again."})
	s.publishTurnFailed(st, fragments, reason)
}

// send delivers an event unless the consumer is gone.
func (s *Service) send(ctx context.Context, ch chan<- Event, ev Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// systemInstruction combines the clock preamble with the tier persona.
func (s *Service) systemInstruction(limits plans.Limits) string {
	persona := personaStandard
	if s.catalog.Premium(limits.Model) {
		persona = personaPremium
	}
	return fmt.Sprintf("The current date and time is %s.\n\n%s", s.now().Format(clockFormat), persona)
}

func (s *Service) publishTurnCompleted(st turnState, fragments int, outcome string) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := s.events.PublishTurnCompleted(ctx, events.TurnEvent{
		UserID:     st.user.ID,
		ChatID:     st.chat.ID,
		Plan:       st.user.Plan,
		Model:      st.limits.Model,
		Fragments:  fragments,
		Outcome:    outcome,
		DurationMS: s.now().Sub(st.started).Milliseconds(),
		Timestamp:  s.now().UTC(),
	})
	if err != nil {
		slog.Warn("publishing turn event", "error", err)
	}
}

func (s *Service) publishTurnFailed(st turnState, fragments int, reason string) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := s.events.PublishTurnFailed(ctx, events.TurnEvent{
		UserID:     st.user.ID,
		ChatID:     st.chat.ID,
		Plan:       st.user.Plan,
		Model:      st.limits.Model,
		Fragments:  fragments,
		Outcome:    "failed",
		Reason:     reason,
		DurationMS: s.now().Sub(st.started).Milliseconds(),
		Timestamp:  s.now().UTC(),
	})
	if err != nil {
		slog.Warn("publishing turn event", "error", err)
	}
}

func (s *Service) publishQuotaDenied(ctx context.Context, user *store.User, dec quota.Decision) {
	if s.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := s.events.PublishQuotaDenied(pctx, events.QuotaDeniedEvent{
		UserID:    user.ID,
		Plan:      user.Plan,
		Limit:     dec.Limit,
		Reason:    dec.Reason,
		Timestamp: s.now().UTC(),
	})
	if err != nil {
		slog.Warn("publishing quota event", "error", err)
	}
}
