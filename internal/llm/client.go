package llm

import (
	"context"
)

// Message is one turn of committed conversation.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request describes one completion stream. History carries only committed
// transcript entries; the most recent entry must be the user's.
type Request struct {
	SystemPrompt string
	History      []Message
	Model        string
	Temperature  float32
	MaxTokens    int
}

// Delta is a streamed token chunk. The terminal item has Done set and carries
// the accumulated full text; a failed stream carries Err instead.
type Delta struct {
	Text     string
	Done     bool
	FullText string
	Err      error
}

// Streamer produces chat completions. Stream is cancellable at any token
// boundary through the context; cancellation releases the provider stream.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
	// Summarize condenses a finished conversation into a few sentences for
	// the call record. Best effort.
	Summarize(ctx context.Context, history []Message) (string, error)
}
