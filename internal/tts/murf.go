package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"voicebridge/internal/audio"
)

const defaultAPIBase = "https://api.murf.ai/v1"

// Murf synthesizes speech over the Murf REST API. The API is
// request-per-utterance, so streamed LLM text is batched by sentence before
// each generate call; audio is requested directly in telephony format
// (linear16, 8 kHz, mono) so no transcoding happens here.
type Murf struct {
	apiKey  string
	apiBase string
	style   string
	http    *http.Client
	log     *slog.Logger
}

func NewMurf(apiKey, style string, log *slog.Logger) *Murf {
	return &Murf{
		apiKey:  apiKey,
		apiBase: defaultAPIBase,
		style:   style,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

var _ Client = (*Murf)(nil)

func (m *Murf) Synthesize(ctx context.Context, voiceID string) (Synthesis, error) {
	if m.apiKey == "" {
		return nil, fmt.Errorf("tts: api key not configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &murfSynthesis{
		client:  m,
		voiceID: voiceID,
		ctx:     ctx,
		cancel:  cancel,
		input:   make(chan string, 16),
		frames:  make(chan []byte, 8),
	}
	go s.run()
	return s, nil
}

type murfSynthesis struct {
	client  *Murf
	voiceID string
	ctx     context.Context
	cancel  context.CancelFunc

	input  chan string
	frames chan []byte

	inputOnce  sync.Once
	cancelOnce sync.Once

	mu      sync.Mutex
	err     error
	flushed int
}

func (s *murfSynthesis) Append(text string) {
	if text == "" {
		return
	}
	select {
	case s.input <- text:
	case <-s.ctx.Done():
	}
}

func (s *murfSynthesis) CloseInput() {
	s.inputOnce.Do(func() { close(s.input) })
}

func (s *murfSynthesis) Frames() <-chan []byte { return s.frames }

func (s *murfSynthesis) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancel()
		s.CloseInput()
		// Drain so the worker can exit even mid-emission.
		go func() {
			for range s.frames {
			}
		}()
	})
}

func (s *murfSynthesis) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *murfSynthesis) Flushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

func (s *murfSynthesis) addFlushed(n int) {
	s.mu.Lock()
	s.flushed += n
	s.mu.Unlock()
}

func (s *murfSynthesis) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// run consumes streamed text, batches it by sentence and synthesizes batch by
// batch, emitting fixed telephony frames.
func (s *murfSynthesis) run() {
	defer close(s.frames)

	var b batcher
	flush := func(bt batch) bool {
		if bt.text == "" {
			s.addFlushed(bt.raw)
			return true
		}
		pcm, err := s.client.generate(s.ctx, s.voiceID, bt.text)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return false
		}
		for _, frame := range audio.Frames(pcm) {
			select {
			case s.frames <- frame:
			case <-s.ctx.Done():
				return false
			}
		}
		// The batch is only flushed once its audio is fully emitted.
		s.addFlushed(bt.raw)
		return true
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case text, ok := <-s.input:
			if !ok {
				flush(b.Flush())
				return
			}
			for _, bt := range b.Push(text) {
				if !flush(bt) {
					return
				}
			}
		}
	}
}

type generateRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voiceId"`
	Style        string `json:"style,omitempty"`
	Format       string `json:"format"`
	SampleRate   int    `json:"sampleRate"`
	ChannelType  string `json:"channelType"`
	ModelVersion string `json:"modelVersion"`
}

type generateResponse struct {
	AudioFile string `json:"audioFile"`
}

func (m *Murf) generate(ctx context.Context, voiceID, text string) ([]byte, error) {
	body, err := json.Marshal(generateRequest{
		Text:         text,
		VoiceID:      voiceID,
		Style:        m.style,
		Format:       "PCM",
		SampleRate:   audio.SampleRate,
		ChannelType:  "MONO",
		ModelVersion: "GEN2",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiBase+"/speech/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("api-key", m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: generate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts: generate: status %d: %s", resp.StatusCode, msg)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("tts: generate: decode: %w", err)
	}
	if out.AudioFile == "" {
		return nil, fmt.Errorf("tts: generate: no audio url in response")
	}
	return m.download(ctx, out.AudioFile)
}

func (m *Murf) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: download: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (m *Murf) Voices(ctx context.Context, language string) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiBase+"/speech/voices?language="+language, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("api-key", m.apiKey)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: voices: status %d", resp.StatusCode)
	}

	var out struct {
		Voices []struct {
			VoiceID     string `json:"voiceId"`
			DisplayName string `json:"displayName"`
			Locale      string `json:"locale"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("tts: voices: decode: %w", err)
	}
	voices := make([]Voice, 0, len(out.Voices))
	for _, v := range out.Voices {
		voices = append(voices, Voice{ID: v.VoiceID, Name: v.DisplayName, Language: v.Locale})
	}
	return voices, nil
}
