package chat

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEVector-it/Mythai/internal/api"
	"github.com/DEVector-it/Mythai/internal/genai"
	"github.com/DEVector-it/Mythai/internal/history"
	"github.com/DEVector-it/Mythai/internal/plans"
	"github.com/DEVector-it/Mythai/internal/quota"
	"github.com/DEVector-it/Mythai/internal/store"
)

// fakeModel scripts the model backend for one test. Stream emits the
// configured fragments, optionally cancels the request context mid-stream,
// and finishes with streamErr or the context's own error.
type fakeModel struct {
	fragments []string
	streamErr error
	cancelAt  int
	cancel    context.CancelFunc

	title    string
	titleErr error

	streamReq   genai.Request
	streamCalls int
	titleModel  string
	titlePrompt string
	titleCalls  int
}

func (f *fakeModel) Stream(ctx context.Context, req genai.Request, emit func(string) error) error {
	f.streamReq = req
	f.streamCalls++

	if f.cancel != nil && f.cancelAt == 0 {
		f.cancel()
	}
	for i, fr := range f.fragments {
		if err := emit(fr); err != nil {
			return err
		}
		if f.cancel != nil && i+1 == f.cancelAt {
			f.cancel()
		}
	}
	if f.streamErr != nil {
		return f.streamErr
	}
	return ctx.Err()
}

func (f *fakeModel) Complete(ctx context.Context, model, prompt string) (string, error) {
	f.titleCalls++
	f.titleModel = model
	f.titlePrompt = prompt
	return f.title, f.titleErr
}

type fixture struct {
	svc   *Service
	store *store.FileStore
	model *fakeModel
}

func setupService(t *testing.T, model *fakeModel) fixture {
	t.Helper()
	fs, err := store.OpenFile(filepath.Join(t.TempDir(), "db.json"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	catalog := plans.NewCatalog("model-standard", "model-premium")
	tracker := quota.NewTracker(fs, catalog, nil, 0)
	svc := NewService(fs, tracker, catalog, model, nil, Config{})
	return fixture{svc: svc, store: fs, model: model}
}

func seedUser(t *testing.T, fs *store.FileStore, id, plan string) {
	t.Helper()
	require.NoError(t, fs.PutUser(context.Background(), &store.User{
		ID:        id,
		Username:  id,
		Role:      "user",
		Plan:      plan,
		CreatedAt: time.Now().UTC(),
	}))
}

func seedChat(t *testing.T, fs *store.FileStore, id, ownerID string, messages ...store.Message) *store.Chat {
	t.Helper()
	c := &store.Chat{
		ID:         id,
		OwnerID:    ownerID,
		Title:      "New Chat",
		Messages:   messages,
		Visibility: store.VisibilityPrivate,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, fs.CreateChat(context.Background(), c))
	return c
}

func msg(sender, content string) store.Message {
	return store.Message{Sender: sender, Content: content, CreatedAt: time.Now().UTC()}
}

// drain collects every event until the stream closes.
func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var evs []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-deadline:
			t.Fatal("turn stream did not close")
		}
	}
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestStreamTurn_AppendsExchangeInOrder(t *testing.T) {
	model := &fakeModel{fragments: []string{"Hel", "lo ", "there"}}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1",
		msg(store.SenderUser, "earlier question"),
		msg(store.SenderAssistant, "earlier answer"),
	)

	ch, err := f.svc.StreamTurn(context.Background(), TurnInput{Chat: c, UserID: "u1", Prompt: "What about now?"})
	require.NoError(t, err)
	evs := drain(t, ch)

	require.Len(t, evs, 4)
	for i, want := range []string{"Hel", "lo ", "there"} {
		assert.Equal(t, EventFragment, evs[i].Type)
		assert.Equal(t, want, evs[i].Fragment)
	}
	done := evs[3].Done
	require.NotNil(t, done, "stream must end with a done event")
	assert.False(t, done.Partial)
	assert.Empty(t, done.Title, "no title after the first exchange")
	assert.Equal(t, 14, done.Remaining)

	got, err := f.store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, store.SenderUser, got.Messages[2].Sender)
	assert.Equal(t, "What about now?", got.Messages[2].Content)
	assert.Equal(t, store.SenderAssistant, got.Messages[3].Sender)
	assert.Equal(t, "Hello there", got.Messages[3].Content)

	u, err := f.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.DailyMessageCount)

	// The prior transcript went to the model, the new prompt separately.
	assert.Equal(t, []history.Turn{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}, model.streamReq.History)
	assert.Equal(t, "What about now?", model.streamReq.Prompt)
	assert.Equal(t, "model-standard", model.streamReq.Model)
	assert.Equal(t, 0, model.titleCalls)
}

func TestStreamTurn_FirstExchangeGetsGeneratedTitle(t *testing.T) {
	model := &fakeModel{
		fragments: []string{"Sure, let's plan your trip."},
		title:     `"Trip Planning Help"`,
	}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1")

	ch, err := f.svc.StreamTurn(context.Background(), TurnInput{Chat: c, UserID: "u1", Prompt: "Help me plan a trip to Japan"})
	require.NoError(t, err)
	evs := drain(t, ch)

	done := evs[len(evs)-1].Done
	require.NotNil(t, done)
	assert.Equal(t, "Trip Planning Help", done.Title, "surrounding quotes are stripped")

	got, err := f.store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Trip Planning Help", got.Title)

	assert.Equal(t, 1, model.titleCalls)
	assert.Equal(t, "model-standard", model.titleModel)
	assert.Contains(t, model.titlePrompt, `User: "Help me plan a trip to Japan"`)
	assert.Contains(t, model.titlePrompt, "4 words max")
}

func TestStreamTurn_TitleFailureFallsBackToPrompt(t *testing.T) {
	prompt := strings.Repeat("a", 50)
	model := &fakeModel{
		fragments: []string{"reply"},
		titleErr:  errors.New("title backend down"),
	}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1")

	ch, err := f.svc.StreamTurn(context.Background(), TurnInput{Chat: c, UserID: "u1", Prompt: prompt})
	require.NoError(t, err)
	evs := drain(t, ch)

	want := strings.Repeat("a", 40) + "..."
	done := evs[len(evs)-1].Done
	require.NotNil(t, done)
	assert.Equal(t, want, done.Title)

	got, err := f.store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, want, got.Title, "a failed generation must not leave the placeholder title")
}

func TestStreamTurn_WhitespaceReplyPersistsFallback(t *testing.T) {
	model := &fakeModel{fragments: []string{"  ", "\n\t"}}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1",
		msg(store.SenderUser, "q"),
		msg(store.SenderAssistant, "a"),
	)

	ch, err := f.svc.StreamTurn(context.Background(), TurnInput{Chat: c, UserID: "u1", Prompt: "anyone there?"})
	require.NoError(t, err)
	evs := drain(t, ch)

	done := evs[len(evs)-1].Done
	require.NotNil(t, done, "an empty reply still completes the turn")

	got, err := f.store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, fallbackReply, got.Messages[3].Content)

	u, err := f.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.DailyMessageCount, "a delivered fallback still costs quota")
}

func TestStreamTurn_EmptyPromptRejected(t *testing.T) {
	f := setupService(t, &fakeModel{})
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1")

	_, err := f.svc.StreamTurn(context.Background(), TurnInput{Chat: c, UserID: "u1", Prompt: "   "})

	var appErr *api.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.Code)
	assert.Equal(t, "A prompt or file is required.", appErr.Message)
}

func TestStreamTurn_SixteenthMessageDeniedUpFront(t *testing.T) {
	model := &fakeModel{fragments: []string{"never sent"}}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1")
	ctx := context.Background()

	today := time.Now().Format("2006-01-02")
	require.NoError(t, f.store.UpdateUser(ctx, "u1", func(u *store.User) error {
		u.DailyMessageCount = 15
		u.LastCountResetDate = today
		return nil
	}))

	_, err := f.svc.StreamTurn(ctx, TurnInput{Chat: c, UserID: "u1", Prompt: "one more?"})

	var appErr *api.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 429, appErr.Code)
	assert.Equal(t, "Daily message limit of 15 reached.", appErr.Message)

	// Denied before dispatch: no model call, no transcript growth, no count.
	assert.Equal(t, 0, model.streamCalls)
	got, err := f.store.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
	u, err := f.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 15, u.DailyMessageCount)
}

func TestStreamTurn_BurstLimitRejects(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	fs, err := store.OpenFile(filepath.Join(t.TempDir(), "db.json"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	catalog := plans.NewCatalog("model-standard", "model-premium")
	tracker := quota.NewTracker(fs, catalog, quota.NewBurstLimiter(rdb), 1)
	model := &fakeModel{fragments: []string{"ok"}}
	svc := NewService(fs, tracker, catalog, model, nil, Config{})

	seedUser(t, fs, "u1", "ultra")
	c := seedChat(t, fs, "c1", "u1")
	ctx := context.Background()

	ch, err := svc.StreamTurn(ctx, TurnInput{Chat: c, UserID: "u1", Prompt: "first"})
	require.NoError(t, err)
	drain(t, ch)

	_, err = svc.StreamTurn(ctx, TurnInput{Chat: c, UserID: "u1", Prompt: "second"})
	assert.ErrorIs(t, err, api.ErrRateLimited)
}

func TestStreamTurn_AttachmentRequiresCapablePlan(t *testing.T) {
	model := &fakeModel{fragments: []string{"ok"}}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1")
	ctx := context.Background()

	_, err := f.svc.StreamTurn(ctx, TurnInput{Chat: c, UserID: "u1", Prompt: "look", Attachment: pngImage(t, 32, 32)})
	assert.ErrorIs(t, err, api.ErrUploadNotAllowed)
	assert.Equal(t, 0, model.streamCalls)

	u, err := f.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, u.DailyMessageCount, "a rejected upload costs nothing")
}

func TestStreamTurn_RejectsInvalidAttachment(t *testing.T) {
	f := setupService(t, &fakeModel{})
	seedUser(t, f.store, "u1", "plus")
	c := seedChat(t, f.store, "c1", "u1")

	_, err := f.svc.StreamTurn(context.Background(), TurnInput{Chat: c, UserID: "u1", Prompt: "look", Attachment: []byte("not an image")})
	assert.ErrorIs(t, err, api.ErrAttachmentInvalid)
}

func TestStreamTurn_AttachmentOnlyTurn(t *testing.T) {
	model := &fakeModel{fragments: []string{"A red square."}}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "plus")
	c := seedChat(t, f.store, "c1", "u1")
	ctx := context.Background()

	ch, err := f.svc.StreamTurn(ctx, TurnInput{Chat: c, UserID: "u1", Attachment: pngImage(t, 64, 64)})
	require.NoError(t, err)
	evs := drain(t, ch)

	done := evs[len(evs)-1].Done
	require.NotNil(t, done)
	assert.Equal(t, "Chat", done.Title, "a file-only first turn falls back to the default title")

	require.NotNil(t, model.streamReq.Image)
	assert.Equal(t, "image/jpeg", model.streamReq.Image.MIME)

	got, err := f.store.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	require.NotNil(t, got.Messages[0].Attachment)
	assert.Equal(t, "image/jpeg", got.Messages[0].Attachment.MediaType)
	assert.Greater(t, got.Messages[0].Attachment.SizeBytes, 0)
	assert.Nil(t, got.Messages[1].Attachment)
}

func TestStreamTurn_UpstreamFailureLeavesStateUntouched(t *testing.T) {
	model := &fakeModel{
		fragments: []string{"partial "},
		streamErr: errors.New("bad gateway"),
	}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1",
		msg(store.SenderUser, "q"),
		msg(store.SenderAssistant, "a"),
	)
	ctx := context.Background()

	ch, err := f.svc.StreamTurn(ctx, TurnInput{Chat: c, UserID: "u1", Prompt: "continue"})
	require.NoError(t, err)
	evs := drain(t, ch)

	require.Len(t, evs, 2)
	assert.Equal(t, EventFragment, evs[0].Type)
	assert.Equal(t, EventError, evs[1].Type)
	assert.Equal(t, "An error occurred with the AI model. Please try again.", evs[1].Err)

	// The half-delivered reply is discarded, and the turn costs nothing.
	got, err := f.store.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)
	u, err := f.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, u.DailyMessageCount)
}

func TestStreamTurn_ClientCancelMidStreamKeepsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &fakeModel{
		fragments: []string{"The ", "answer ", "is 42"},
		cancelAt:  3,
		cancel:    cancel,
	}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1",
		msg(store.SenderUser, "q"),
		msg(store.SenderAssistant, "a"),
	)

	ch, err := f.svc.StreamTurn(ctx, TurnInput{Chat: c, UserID: "u1", Prompt: "the question"})
	require.NoError(t, err)
	drain(t, ch)

	// Everything streamed before the disconnect is kept, and the turn counts.
	got, err := f.store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "The answer is 42", got.Messages[3].Content)
	u, err := f.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.DailyMessageCount)
}

func TestStreamTurn_CancelBeforeContentPersistsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &fakeModel{cancel: cancel, cancelAt: 0}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1")

	ch, err := f.svc.StreamTurn(ctx, TurnInput{Chat: c, UserID: "u1", Prompt: "hello?"})
	require.NoError(t, err)
	drain(t, ch)

	got, err := f.store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
	u, err := f.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, u.DailyMessageCount)
}

func TestStreamTurn_DeadlineWithContentCommitsPartial(t *testing.T) {
	model := &fakeModel{
		fragments: []string{"Half of "},
		streamErr: context.DeadlineExceeded,
	}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "free")
	c := seedChat(t, f.store, "c1", "u1",
		msg(store.SenderUser, "q"),
		msg(store.SenderAssistant, "a"),
	)
	ctx := context.Background()

	ch, err := f.svc.StreamTurn(ctx, TurnInput{Chat: c, UserID: "u1", Prompt: "finish this"})
	require.NoError(t, err)
	evs := drain(t, ch)

	done := evs[len(evs)-1].Done
	require.NotNil(t, done)
	assert.True(t, done.Partial)
	assert.Equal(t, 14, done.Remaining)

	got, err := f.store.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "Half of ", got.Messages[3].Content)
}

func TestStreamTurn_SystemInstructionClockAndPersona(t *testing.T) {
	model := &fakeModel{fragments: []string{"ok"}}
	f := setupService(t, model)
	fixed := time.Date(2026, 5, 4, 15, 4, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	seedUser(t, f.store, "standard-user", "free")
	seedUser(t, f.store, "premium-user", "pro")
	c1 := seedChat(t, f.store, "c1", "standard-user")
	c2 := seedChat(t, f.store, "c2", "premium-user")
	ctx := context.Background()

	ch, err := f.svc.StreamTurn(ctx, TurnInput{Chat: c1, UserID: "standard-user", Prompt: "hi"})
	require.NoError(t, err)
	drain(t, ch)

	want := "The current date and time is Monday, May 04, 2026 at 03:04 PM.\n\n" + personaStandard
	assert.Equal(t, want, model.streamReq.SystemInstruction)
	assert.Equal(t, "model-standard", model.streamReq.Model)

	ch, err = f.svc.StreamTurn(ctx, TurnInput{Chat: c2, UserID: "premium-user", Prompt: "hi"})
	require.NoError(t, err)
	drain(t, ch)

	assert.Contains(t, model.streamReq.SystemInstruction, personaPremium)
	assert.Equal(t, "model-premium", model.streamReq.Model)
}

func TestStreamTurn_WrongOwnerRejected(t *testing.T) {
	f := setupService(t, &fakeModel{})
	seedUser(t, f.store, "u1", "free")
	seedUser(t, f.store, "intruder", "free")
	c := seedChat(t, f.store, "c1", "u1")

	_, err := f.svc.StreamTurn(context.Background(), TurnInput{Chat: c, UserID: "intruder", Prompt: "hi"})
	assert.ErrorIs(t, err, api.ErrOwnershipViolation)
}

func TestStreamTurn_UnlimitedPlanRemaining(t *testing.T) {
	model := &fakeModel{fragments: []string{"ok"}}
	f := setupService(t, model)
	seedUser(t, f.store, "u1", "ultra")
	c := seedChat(t, f.store, "c1", "u1",
		msg(store.SenderUser, "q"),
		msg(store.SenderAssistant, "a"),
	)

	ch, err := f.svc.StreamTurn(context.Background(), TurnInput{Chat: c, UserID: "u1", Prompt: "hi"})
	require.NoError(t, err)
	evs := drain(t, ch)

	done := evs[len(evs)-1].Done
	require.NotNil(t, done)
	assert.Equal(t, plans.Unlimited, done.Remaining)
}
