package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultListenURL = "wss://api.deepgram.com/v1/listen"

// syntheticEndpointDelay is how long we wait after the most recent final with
// no further interims before synthesizing an utterance end ourselves.
const syntheticEndpointDelay = 700 * time.Millisecond

// Deepgram streams PCM to the Deepgram live-transcription WebSocket API.
type Deepgram struct {
	apiKey    string
	listenURL string
	log       *slog.Logger
}

func NewDeepgram(apiKey string, log *slog.Logger) *Deepgram {
	return &Deepgram{apiKey: apiKey, listenURL: defaultListenURL, log: log}
}

var _ Client = (*Deepgram)(nil)

func (d *Deepgram) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("stt: api key not configured")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}

	q := url.Values{}
	q.Set("model", cfg.Model)
	q.Set("language", cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", "300")
	q.Set("vad_events", "true")
	q.Set("smart_format", "true")

	header := http.Header{"Authorization": {"Token " + d.apiKey}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.listenURL+"?"+q.Encode(), header)
	if err != nil {
		return nil, fmt.Errorf("stt: dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &deepgramStream{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		log:    d.log,
	}
	go s.readLoop()
	go s.endpointLoop()
	return s, nil
}

type deepgramStream struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	log    *slog.Logger

	closeOnce sync.Once

	mu           sync.Mutex
	lastResult   time.Time
	pendingFinal bool // saw a final, no utterance end yet

	writeMu     sync.Mutex
	writeFailed bool
}

func (s *deepgramStream) Send(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeFailed {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		// The read loop reports the failure; suppress per-frame spam.
		s.writeFailed = true
		return fmt.Errorf("stt: send: %w", err)
	}
	return nil
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		// Best effort: tell the provider we are done so it flushes finals.
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

// deepgramResult is the subset of the live API response we consume.
type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	Duration float64 `json:"duration"`
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Orderly close; not an error.
			default:
				s.emit(Event{Type: EventError, Err: err, TS: time.Now()})
			}
			return
		}

		var msg deepgramResult
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "SpeechStarted":
			s.emit(Event{Type: EventSpeechStart, TS: time.Now()})
		case "UtteranceEnd":
			s.mu.Lock()
			s.pendingFinal = false
			s.mu.Unlock()
			s.emit(Event{Type: EventUtteranceEnd, TS: time.Now()})
		case "Results":
			text := ""
			if len(msg.Channel.Alternatives) > 0 {
				text = msg.Channel.Alternatives[0].Transcript
			}
			if text == "" {
				continue
			}
			now := time.Now()
			s.mu.Lock()
			s.lastResult = now
			if msg.IsFinal {
				s.pendingFinal = true
			}
			s.mu.Unlock()
			if msg.IsFinal {
				s.emit(Event{Type: EventFinal, Text: text, DurationMS: msg.Duration * 1000, TS: now})
			} else {
				s.emit(Event{Type: EventInterim, Text: text, TS: now})
			}
		}
	}
}

// endpointLoop synthesizes an utterance end when the provider goes quiet
// after a final and never sends its own boundary.
func (s *deepgramStream) endpointLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			fire := s.pendingFinal && !s.lastResult.IsZero() &&
				time.Since(s.lastResult) >= syntheticEndpointDelay
			if fire {
				s.pendingFinal = false
			}
			s.mu.Unlock()
			if fire {
				s.emit(Event{Type: EventUtteranceEnd, TS: time.Now()})
			}
		}
	}
}

func (s *deepgramStream) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.done:
	default:
		// A stalled consumer must not wedge the provider read loop.
		if s.log != nil {
			s.log.Warn("stt event dropped", "type", e.Type)
		}
	}
}
