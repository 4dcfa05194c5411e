package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEVector-it/Mythai/internal/attachment"
	"github.com/DEVector-it/Mythai/internal/history"
)

func chunk(content string) string {
	return fmt.Sprintf(`{"id":"cmpl-1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, content)
}

// newStreamServer fakes an OpenAI-compatible SSE endpoint. Each request body
// is decoded and sent on the returned channel before any chunks go out.
func newStreamServer(t *testing.T, chunks ...string) (*httptest.Server, <-chan openai.ChatCompletionRequest) {
	t.Helper()

	reqCh := make(chan openai.ChatCompletionRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reqCh <- req

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk(c))
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)
	return srv, reqCh
}

func TestClient_StreamDeliversFragmentsInOrder(t *testing.T) {
	srv, _ := newStreamServer(t, "Hel", "lo ", "there")
	c := NewClient("test-key", srv.URL+"/v1")

	var got []string
	err := c.Stream(context.Background(), Request{Model: "m", Prompt: "hi"}, func(fragment string) error {
		got = append(got, fragment)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo ", "there"}, got)
}

func TestClient_StreamSendsSystemHistoryAndPrompt(t *testing.T) {
	srv, reqCh := newStreamServer(t, "ok")
	c := NewClient("test-key", srv.URL+"/v1")

	err := c.Stream(context.Background(), Request{
		Model:             "test-model",
		SystemInstruction: "be helpful",
		History: []history.Turn{
			{Role: "user", Content: "first question"},
			{Role: "assistant", Content: "first answer"},
		},
		Prompt: "second question",
	}, func(string) error { return nil })
	require.NoError(t, err)

	sent := <-reqCh
	assert.Equal(t, "test-model", sent.Model)
	assert.True(t, sent.Stream)
	require.Len(t, sent.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, sent.Messages[0].Role)
	assert.Equal(t, "be helpful", sent.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, sent.Messages[1].Role)
	assert.Equal(t, "first question", sent.Messages[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, sent.Messages[2].Role)
	assert.Equal(t, "first answer", sent.Messages[2].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, sent.Messages[3].Role)
	assert.Equal(t, "second question", sent.Messages[3].Content)
}

func TestClient_StreamInlinesImageAsDataURL(t *testing.T) {
	srv, reqCh := newStreamServer(t, "ok")
	c := NewClient("test-key", srv.URL+"/v1")

	err := c.Stream(context.Background(), Request{
		Model:  "m",
		Prompt: "what is in this picture",
		Image:  &attachment.Payload{MIME: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}},
	}, func(string) error { return nil })
	require.NoError(t, err)

	sent := <-reqCh
	require.Len(t, sent.Messages, 1)
	last := sent.Messages[0]
	assert.Empty(t, last.Content)
	require.Len(t, last.MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, last.MultiContent[0].Type)
	assert.Equal(t, "what is in this picture", last.MultiContent[0].Text)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, last.MultiContent[1].Type)
	require.NotNil(t, last.MultiContent[1].ImageURL)
	assert.True(t, strings.HasPrefix(last.MultiContent[1].ImageURL.URL, "data:image/jpeg;base64,"))
}

func TestClient_StreamStopsWhenEmitFails(t *testing.T) {
	srv, _ := newStreamServer(t, "one", "two", "three")
	c := NewClient("test-key", srv.URL+"/v1")

	boom := errors.New("consumer gone")
	var got []string
	err := c.Stream(context.Background(), Request{Model: "m", Prompt: "hi"}, func(fragment string) error {
		got = append(got, fragment)
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"one"}, got)
}

func TestClient_StreamRequestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"backend down","type":"server_error"}}`)
	}))
	t.Cleanup(srv.Close)
	c := NewClient("test-key", srv.URL+"/v1")

	err := c.Stream(context.Background(), Request{Model: "m", Prompt: "hi"}, func(string) error {
		t.Fatal("no fragment expected")
		return nil
	})
	require.ErrorIs(t, err, ErrRequestFailed)
}

func TestClient_StreamSurfacesContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", chunk("partial"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	c := NewClient("test-key", srv.URL+"/v1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	err := c.Stream(ctx, Request{Model: "m", Prompt: "hi"}, func(fragment string) error {
		got = append(got, fragment)
		cancel()
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"partial"}, got)
}

func TestClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-2","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"Trip Planning Help"},"finish_reason":"stop"}]}`)
	}))
	t.Cleanup(srv.Close)
	c := NewClient("test-key", srv.URL+"/v1")

	out, err := c.Complete(context.Background(), "m", "summarize this")
	require.NoError(t, err)
	assert.Equal(t, "Trip Planning Help", out)
}

func TestClient_CompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-3","object":"chat.completion","created":1,"model":"m","choices":[]}`)
	}))
	t.Cleanup(srv.Close)
	c := NewClient("test-key", srv.URL+"/v1")

	_, err := c.Complete(context.Background(), "m", "summarize this")
	require.ErrorIs(t, err, ErrRequestFailed)
}
