package stt

import (
	"context"
	"time"
)

// EventType enumerates what a transcription stream can emit.
type EventType string

const (
	EventInterim      EventType = "interim"
	EventFinal        EventType = "final"
	EventUtteranceEnd EventType = "utterance_end"
	EventSpeechStart  EventType = "speech_started"
	EventError        EventType = "error"
)

// Event is a single ordered item on a transcription stream.
type Event struct {
	Type       EventType
	Text       string
	DurationMS float64
	TS         time.Time
	Err        error
}

// StreamConfig selects the recognition model for one call.
type StreamConfig struct {
	Model      string
	Language   string
	SampleRate int // defaults to 8000
}

// Stream is one continuous recognition session. Send never blocks on provider
// round-trips; events arrive on Events in provider order. Close is idempotent
// and drains the provider connection.
type Stream interface {
	Send(pcm []byte) error
	Events() <-chan Event
	Close() error
}

// Client opens recognition streams. The session keeps a stream open for the
// whole call; there is no per-utterance reopen.
type Client interface {
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}
