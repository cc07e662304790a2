package tts

import (
	"context"
)

// Voice is one entry of the provider's catalog.
type Voice struct {
	ID       string `json:"voice_id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Style    string `json:"style,omitempty"`
}

// Synthesis is one in-flight utterance. Text is fed incrementally with
// Append; CloseInput marks the end of the utterance. PCM arrives on Frames as
// fixed 20 ms telephony frames, in order; Frames closes after the last frame
// or after Cancel. Cancel is idempotent, stops emission within one frame and
// drains the provider.
type Synthesis interface {
	Append(text string)
	CloseInput()
	Frames() <-chan []byte
	Cancel()
	// Err reports a provider failure after Frames closes. Cancelled
	// synthesis is not an error.
	Err() error
	// Flushed reports how many bytes of the appended text have been fully
	// synthesized and emitted. After a failure, a caller can resume by
	// re-appending only the text past this offset.
	Flushed() int
}

// Client opens synthesis streams and lists available voices.
type Client interface {
	Synthesize(ctx context.Context, voiceID string) (Synthesis, error)
	Voices(ctx context.Context, language string) ([]Voice, error)
}
