// Package genai talks to an OpenAI-compatible chat backend. It exposes a
// streaming call that forwards deltas as they arrive and a small blocking
// call used for short one-shot completions.
package genai

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/DEVector-it/Mythai/internal/attachment"
	"github.com/DEVector-it/Mythai/internal/history"
)

var (
	// ErrRequestFailed marks failures before any content arrived.
	ErrRequestFailed = errors.New("model request failed")
	// ErrStream marks failures after streaming had already started.
	ErrStream = errors.New("model stream interrupted")
)

// Request describes one model call.
type Request struct {
	Model             string
	SystemInstruction string
	History           []history.Turn
	Prompt            string
	Image             *attachment.Payload
}

// Client wraps an OpenAI-compatible API endpoint.
type Client struct {
	api *openai.Client
}

// NewClient builds a client for the given key. baseURL overrides the default
// endpoint when non-empty, which is how self-hosted and proxy backends are
// reached.
func NewClient(apiKey, baseURL string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg)}
}

// Stream runs a streaming completion and calls emit once per content delta,
// in arrival order. A non-nil error from emit aborts the stream and is
// returned unchanged. Context cancellation surfaces as ctx.Err().
func (c *Client) Stream(ctx context.Context, req Request, emit func(fragment string) error) error {
	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: buildMessages(req),
		Stream:   true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrStream, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := emit(delta); err != nil {
			return err
		}
	}
}

// Complete runs a blocking completion and returns the full reply text.
func (c *Client) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrRequestFailed)
	}
	return resp.Choices[0].Message.Content, nil
}

func buildMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemInstruction != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemInstruction,
		})
	}
	for _, turn := range req.History {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    roleFor(turn.Role),
			Content: turn.Content,
		})
	}
	msgs = append(msgs, userMessage(req))
	return msgs
}

func userMessage(req Request) openai.ChatCompletionMessage {
	if req.Image == nil {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		}
	}

	parts := make([]openai.ChatMessagePart, 0, 2)
	if req.Prompt != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: req.Prompt,
		})
	}
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{
			URL:    req.Image.DataURL(),
			Detail: openai.ImageURLDetailAuto,
		},
	})
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

func roleFor(role string) string {
	if role == "assistant" {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}
