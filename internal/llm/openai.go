package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI implements Streamer on the OpenAI chat completion API.
type OpenAI struct {
	client *openai.Client
	log    *slog.Logger
}

func NewOpenAI(apiKey string, log *slog.Logger) *OpenAI {
	return &OpenAI{client: openai.NewClient(apiKey), log: log}
}

// NewOpenAIWithConfig is used by tests to point the client at a fake server.
func NewOpenAIWithConfig(cfg openai.ClientConfig, log *slog.Logger) *OpenAI {
	return &OpenAI{client: openai.NewClientWithConfig(cfg), log: log}
}

var _ Streamer = (*OpenAI)(nil)

func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	if len(req.History) == 0 {
		return nil, fmt.Errorf("llm: empty history")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: open stream: %w", err)
	}

	out := make(chan Delta, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		var full strings.Builder
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Delta{Done: true, FullText: strings.TrimSpace(full.String())}
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					// Cancelled by the session; not a provider failure.
					return
				}
				out <- Delta{Err: fmt.Errorf("llm: recv: %w", err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			text := resp.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			full.WriteString(text)
			select {
			case out <- Delta{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (o *OpenAI) Summarize(ctx context.Context, history []Message) (string, error) {
	if len(history) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, m := range history {
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: openai.GPT4oMini,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Resuma a conversa telefônica abaixo em 2-3 frases, destacando o motivo do contato e a resolução.",
			},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		MaxTokens:   200,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("llm: summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
