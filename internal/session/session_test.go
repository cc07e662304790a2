package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"voicebridge/internal/llm"
	"voicebridge/internal/prompt"
	"voicebridge/internal/store"
	"voicebridge/internal/stt"
	"voicebridge/internal/tts"
)

/* ===================== fakes ===================== */

type fakeSTT struct {
	mu      sync.Mutex
	streams []*fakeSTTStream
}

func (f *fakeSTT) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	s := &fakeSTTStream{events: make(chan stt.Event, 64)}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSTT) current() *fakeSTTStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeSTTStream struct {
	mu     sync.Mutex
	closed bool
	events chan stt.Event
	sent   int
}

func (s *fakeSTTStream) Send(pcm []byte) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

func (s *fakeSTTStream) Events() <-chan stt.Event { return s.events }

func (s *fakeSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSTTStream) emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

type fakeLLM struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (f *fakeLLM) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	f.mu.Lock()
	reply := "Certo."
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	}
	f.calls++
	f.mu.Unlock()

	out := make(chan llm.Delta, 8)
	go func() {
		defer close(out)
		// Two deltas then done, honoring cancellation.
		half := len(reply) / 2
		for _, chunk := range []string{reply[:half], reply[half:]} {
			if chunk == "" {
				continue
			}
			select {
			case out <- llm.Delta{Text: chunk}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- llm.Delta{Done: true, FullText: reply}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (f *fakeLLM) Summarize(ctx context.Context, history []llm.Message) (string, error) {
	return "", nil
}

func (f *fakeLLM) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTTS emits one 320-byte frame per byte of input text. Entries in
// failAfter make successive synths fail after that many frames.
type fakeTTS struct {
	mu        sync.Mutex
	synths    []*fakeSynth
	failAfter []int
}

func (f *fakeTTS) Synthesize(ctx context.Context, voiceID string) (tts.Synthesis, error) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	fail := 0
	if len(f.failAfter) > 0 {
		fail = f.failAfter[0]
		f.failAfter = f.failAfter[1:]
	}
	s := &fakeSynth{
		ctx:       ctx,
		cancel:    cancel,
		input:     make(chan string, 16),
		frames:    make(chan []byte, 512),
		failAfter: fail,
	}
	f.synths = append(f.synths, s)
	f.mu.Unlock()
	go s.run()
	return s, nil
}

func (f *fakeTTS) Voices(ctx context.Context, language string) ([]tts.Voice, error) {
	return nil, nil
}

func (f *fakeTTS) last() *fakeSynth {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.synths) == 0 {
		return nil
	}
	return f.synths[len(f.synths)-1]
}

func (f *fakeTTS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.synths)
}

type fakeSynth struct {
	ctx       context.Context
	cancel    context.CancelFunc
	input     chan string
	frames    chan []byte
	inOnce    sync.Once
	cancOnce  sync.Once
	failAfter int // frames to emit before failing; 0 = never

	mu        sync.Mutex
	cancelled bool
	appended  []string
	err       error
	flushed   int
}

func (s *fakeSynth) run() {
	defer close(s.frames)
	emitted := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case text, ok := <-s.input:
			if !ok {
				return
			}
			for i := 0; i < len(text); i++ {
				if s.failAfter > 0 && emitted >= s.failAfter {
					s.mu.Lock()
					s.err = errors.New("synthesis failed")
					s.mu.Unlock()
					return
				}
				select {
				case s.frames <- make([]byte, 320):
					emitted++
				case <-s.ctx.Done():
					return
				}
			}
			// An append counts as flushed only once fully emitted.
			s.mu.Lock()
			s.flushed += len(text)
			s.mu.Unlock()
		}
	}
}

func (s *fakeSynth) Append(text string) {
	s.mu.Lock()
	s.appended = append(s.appended, text)
	s.mu.Unlock()
	select {
	case s.input <- text:
	case <-s.ctx.Done():
	}
}

func (s *fakeSynth) CloseInput() { s.inOnce.Do(func() { close(s.input) }) }

func (s *fakeSynth) Frames() <-chan []byte { return s.frames }

func (s *fakeSynth) Cancel() {
	s.cancOnce.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		s.cancel()
		go func() {
			for range s.frames {
			}
		}()
	})
}

func (s *fakeSynth) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSynth) Flushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

func (s *fakeSynth) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *fakeSynth) appendedText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.appended, "")
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Notify(event string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

/* ===================== helpers ===================== */

type harness struct {
	s        *Session
	sttc     *fakeSTT
	llmc     *fakeLLM
	ttsc     *fakeTTS
	gw       *store.Memory
	rec      *eventRecorder
	delivered chan int // frames the fake switch consumed
}

func newHarness(t *testing.T, cfg Config, drainDelay time.Duration) *harness {
	t.Helper()
	h := &harness{
		sttc:      &fakeSTT{},
		llmc:      &fakeLLM{replies: []string{"Tudo ótimo, posso ajudar sim."}},
		ttsc:      &fakeTTS{},
		gw:        store.NewMemory(),
		rec:       &eventRecorder{},
		delivered: make(chan int, 4096),
	}
	if cfg.CallID == "" {
		cfg.CallID = "call-1"
	}
	if cfg.Prompt.VoiceID == "" {
		cfg.Prompt.VoiceID = "pt-BR-isadora"
	}
	cfg.DrainTimeout = 100 * time.Millisecond

	_ = h.gw.InsertCall(context.Background(), store.Call{
		CallID: cfg.CallID, Status: store.CallStatusActive, StartTime: time.Now(),
	})

	s, err := New(cfg, Deps{
		STT:      h.sttc,
		LLM:      h.llmc,
		TTS:      h.ttsc,
		Gateway:  h.gw,
		Notifier: h.rec,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.s = s

	// Fake switch: drain output, optionally slowly.
	go func() {
		n := 0
		for range s.Output() {
			n++
			h.delivered <- n
			if drainDelay > 0 {
				time.Sleep(drainDelay)
			}
		}
	}()
	return h
}

func waitState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, stuck at %s", want, s.State())
}

func waitDone(t *testing.T, s *Session, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatalf("session did not end")
	}
}

// waitTranscript waits until n entries are committed; states can flip faster
// than a poll can observe, the transcript cannot.
func waitTranscript(t *testing.T, s *Session, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.Transcript()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transcript never reached %d entries: %+v", n, s.Transcript())
}

/* ===================== tests ===================== */

func TestHappyPathInbound(t *testing.T) {
	cfg := Config{
		Direction: store.DirectionInbound,
		Prompt: prompt.Snapshot{
			SystemText:   "seja breve",
			GreetingText: "Olá, em que posso ajudar?",
			LLMModel:     "gpt-4.1-nano",
		},
	}
	h := newHarness(t, cfg, 0)
	h.s.Connected("fs-uuid-1")

	// Greeting plays, then the session listens.
	waitState(t, h.s, StateListening, 2*time.Second)

	st := h.sttc.current()
	st.emit(stt.Event{Type: stt.EventInterim, Text: "oi", TS: time.Now()})
	st.emit(stt.Event{Type: stt.EventFinal, Text: "oi tudo bem", DurationMS: 1200, TS: time.Now()})
	st.emit(stt.Event{Type: stt.EventUtteranceEnd, TS: time.Now()})

	// Greeting + user + assistant reply.
	waitTranscript(t, h.s, 3, 2*time.Second)
	waitState(t, h.s, StateListening, 2*time.Second)

	h.s.SwitchHangup()
	waitDone(t, h.s, 2*time.Second)

	if got := h.s.Result().Status; got != store.CallStatusCompleted {
		t.Fatalf("outcome: got %s", got)
	}

	tr := h.s.Transcript()
	if len(tr) != 3 {
		t.Fatalf("transcript: expected 3 entries, got %d: %+v", len(tr), tr)
	}
	wantRoles := []store.MessageRole{store.RoleAssistant, store.RoleUser, store.RoleAssistant}
	for i, want := range wantRoles {
		if tr[i].Role != want {
			t.Fatalf("entry %d role %s, want %s", i, tr[i].Role, want)
		}
	}
	if tr[0].Content != "Olá, em que posso ajudar?" {
		t.Fatalf("greeting content %q", tr[0].Content)
	}
	if tr[1].Content != "oi tudo bem" {
		t.Fatalf("user content %q", tr[1].Content)
	}
	if tr[2].Content == "" {
		t.Fatalf("assistant reply empty")
	}

	// Persisted transcript matches and the call row is finalized.
	row, err := h.gw.GetCall(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if row.Status != store.CallStatusCompleted {
		t.Fatalf("row status %s", row.Status)
	}
	if len(row.Messages) != 3 {
		t.Fatalf("persisted messages %d", len(row.Messages))
	}

	events := h.rec.names()
	if events[0] != EventCallStarted {
		t.Fatalf("first event %q", events[0])
	}
	if events[len(events)-1] != EventCallEnded {
		t.Fatalf("last event %q", events[len(events)-1])
	}
	changes := 0
	for _, e := range events {
		if e == EventCallStateChanged {
			changes++
		}
	}
	if changes < 3 {
		t.Fatalf("expected >= 3 state changes, got %d", changes)
	}
}

func TestTurnAlternation(t *testing.T) {
	// Two full turns; no two consecutive assistant entries.
	cfg := Config{
		Direction: store.DirectionInbound,
		Prompt:    prompt.Snapshot{SystemText: "s", GreetingText: "Oi!"},
	}
	h := newHarness(t, cfg, 0)
	h.llmc.replies = []string{"Primeira resposta.", "Segunda resposta."}
	h.s.Connected("u")
	waitState(t, h.s, StateListening, 2*time.Second)

	for i := 0; i < 2; i++ {
		st := h.sttc.current()
		st.emit(stt.Event{Type: stt.EventFinal, Text: "pergunta", TS: time.Now()})
		st.emit(stt.Event{Type: stt.EventUtteranceEnd, TS: time.Now()})
		// greeting + (user+assistant) per turn
		waitTranscript(t, h.s, 1+2*(i+1), 2*time.Second)
		waitState(t, h.s, StateListening, 2*time.Second)
	}
	h.s.Hangup()
	waitDone(t, h.s, 2*time.Second)

	tr := h.s.Transcript()
	for i := 1; i < len(tr); i++ {
		if tr[i].Role == store.RoleAssistant && tr[i-1].Role == store.RoleAssistant {
			t.Fatalf("consecutive assistant entries at %d: %+v", i, tr)
		}
	}
}

func TestBargeInCancelsAndTruncates(t *testing.T) {
	long := strings.Repeat("palavra ", 20) + "fim." // 164 chars -> ~3.3s of audio
	cfg := Config{
		Direction: store.DirectionInbound,
		Prompt:    prompt.Snapshot{SystemText: "s"},
	}
	h := newHarness(t, cfg, 20*time.Millisecond) // real-time-ish drain
	h.llmc.replies = []string{long}
	h.s.Connected("u")
	waitState(t, h.s, StateListening, 2*time.Second)

	st := h.sttc.current()
	st.emit(stt.Event{Type: stt.EventFinal, Text: "me conta tudo", TS: time.Now()})
	st.emit(stt.Event{Type: stt.EventUtteranceEnd, TS: time.Now()})
	waitState(t, h.s, StateSpeaking, 2*time.Second)

	// Let ~500 ms of audio through, then the user barges in.
	time.Sleep(500 * time.Millisecond)
	st.emit(stt.Event{Type: stt.EventInterim, Text: "espera um pouco", TS: time.Now()})

	waitState(t, h.s, StateListening, 2*time.Second)
	if synth := h.ttsc.last(); synth == nil || !synth.wasCancelled() {
		t.Fatalf("tts was not cancelled on barge-in")
	}

	tr := h.s.Transcript()
	last := tr[len(tr)-1]
	if last.Role != store.RoleAssistant {
		t.Fatalf("expected truncated assistant entry last, got %+v", last)
	}
	if len(last.Content) >= len(long) {
		t.Fatalf("assistant entry was not truncated: %d chars", len(last.Content))
	}

	// The new utterance triggers a fresh turn.
	st.emit(stt.Event{Type: stt.EventFinal, Text: "queria saber do preço", TS: time.Now()})
	st.emit(stt.Event{Type: stt.EventUtteranceEnd, TS: time.Now()})
	deadline := time.Now().Add(2 * time.Second)
	for h.llmc.streamCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.llmc.streamCount() != 2 {
		t.Fatalf("expected a second llm stream, got %d", h.llmc.streamCount())
	}
	h.s.Hangup()
	waitDone(t, h.s, 2*time.Second)
}

func TestInterimsAreNeverPersisted(t *testing.T) {
	cfg := Config{Direction: store.DirectionInbound, Prompt: prompt.Snapshot{SystemText: "s"}}
	h := newHarness(t, cfg, 0)
	h.s.Connected("u")
	waitState(t, h.s, StateListening, 2*time.Second)

	st := h.sttc.current()
	st.emit(stt.Event{Type: stt.EventInterim, Text: "oi eu", TS: time.Now()})
	st.emit(stt.Event{Type: stt.EventInterim, Text: "oi eu queria", TS: time.Now()})
	time.Sleep(50 * time.Millisecond)

	if tr := h.s.Transcript(); len(tr) != 0 {
		t.Fatalf("interims were persisted: %+v", tr)
	}
	h.s.Hangup()
	waitDone(t, h.s, 2*time.Second)
}

func TestConnectTimeoutFailsCall(t *testing.T) {
	cfg := Config{
		Direction:      store.DirectionOutbound,
		ConnectTimeout: 80 * time.Millisecond,
		Prompt:         prompt.Snapshot{SystemText: "s"},
	}
	h := newHarness(t, cfg, 0)

	waitDone(t, h.s, 2*time.Second)
	out := h.s.Result()
	if out.Status != store.CallStatusFailed {
		t.Fatalf("status %s", out.Status)
	}
	if !out.ConnectFailure {
		t.Fatalf("expected connect failure flag")
	}
	row, _ := h.gw.GetCall(context.Background(), "call-1")
	if row.Status != store.CallStatusFailed {
		t.Fatalf("row status %s", row.Status)
	}
}

func TestInactivitySpeaksBeforeHangup(t *testing.T) {
	cfg := Config{
		Direction:         store.DirectionInbound,
		InactivityTimeout: 300 * time.Millisecond,
		Prompt:            prompt.Snapshot{SystemText: "s"},
	}
	h := newHarness(t, cfg, 0)
	h.s.Connected("u")
	waitState(t, h.s, StateListening, 2*time.Second)

	// Say nothing; the session must speak a farewell, then hang up.
	waitDone(t, h.s, 3*time.Second)

	tr := h.s.Transcript()
	if len(tr) == 0 || tr[len(tr)-1].Role != store.RoleAssistant {
		t.Fatalf("expected a spoken farewell before hangup, transcript: %+v", tr)
	}
	if h.s.Result().Status != store.CallStatusCompleted {
		t.Fatalf("status %s", h.s.Result().Status)
	}
}

func TestTTSFailureRetriesFromUnspokenTail(t *testing.T) {
	reply := "Primeira frase. Segunda frase."
	half := len(reply) / 2 // the fake LLM splits the reply here
	cfg := Config{Direction: store.DirectionInbound, Prompt: prompt.Snapshot{SystemText: "s"}}
	h := newHarness(t, cfg, 0)
	h.llmc.replies = []string{reply}
	// First synth dies a few frames into the second delta; its replacement
	// must only be fed the tail the caller has not heard.
	h.ttsc.failAfter = []int{half + 3}
	h.s.Connected("u")
	waitState(t, h.s, StateListening, 2*time.Second)

	st := h.sttc.current()
	st.emit(stt.Event{Type: stt.EventFinal, Text: "me conta", TS: time.Now()})
	st.emit(stt.Event{Type: stt.EventUtteranceEnd, TS: time.Now()})

	// user + full assistant turn despite the mid-utterance failure.
	waitTranscript(t, h.s, 2, 3*time.Second)
	waitState(t, h.s, StateListening, 2*time.Second)

	if got := h.ttsc.count(); got != 2 {
		t.Fatalf("expected a retry synthesis, got %d synths", got)
	}
	first := h.ttsc.synths[0]
	if first.Err() == nil {
		t.Fatalf("first synth should have failed")
	}
	if first.Flushed() != half {
		t.Fatalf("first synth flushed %d, want %d", first.Flushed(), half)
	}
	retry := h.ttsc.synths[1]
	if got, want := retry.appendedText(), reply[half:]; got != want {
		t.Fatalf("retry re-sent %q, want only the unspoken tail %q", got, want)
	}

	tr := h.s.Transcript()
	last := tr[len(tr)-1]
	if last.Role != store.RoleAssistant || last.Content != reply {
		t.Fatalf("assistant entry: %+v", last)
	}

	h.s.Hangup()
	waitDone(t, h.s, 2*time.Second)
	if h.s.Result().Status != store.CallStatusCompleted {
		t.Fatalf("one recovered tts failure must not fail the call: %s", h.s.Result().Status)
	}
}

func TestTTSFailingTwiceWithin5sIsFatal(t *testing.T) {
	cfg := Config{Direction: store.DirectionInbound, Prompt: prompt.Snapshot{SystemText: "s"}}
	h := newHarness(t, cfg, 0)
	h.ttsc.failAfter = []int{1, 1} // the retry fails too
	h.s.Connected("u")
	waitState(t, h.s, StateListening, 2*time.Second)

	st := h.sttc.current()
	st.emit(stt.Event{Type: stt.EventFinal, Text: "oi", TS: time.Now()})
	st.emit(stt.Event{Type: stt.EventUtteranceEnd, TS: time.Now()})

	waitDone(t, h.s, 3*time.Second)
	out := h.s.Result()
	if out.Status != store.CallStatusFailed {
		t.Fatalf("status %s", out.Status)
	}
	if out.Reason != "tts failed twice within 5s" {
		t.Fatalf("reason %q", out.Reason)
	}
	events := h.rec.names()
	sawFailed := false
	for _, e := range events {
		if e == EventCallFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected call.failed event, got %v", events)
	}
}

func TestWatchDeliversOutcome(t *testing.T) {
	cfg := Config{Direction: store.DirectionInbound, Prompt: prompt.Snapshot{SystemText: "s"}}
	h := newHarness(t, cfg, 0)
	w := h.s.Watch()
	h.s.Connected("u")
	waitState(t, h.s, StateListening, 2*time.Second)
	h.s.Hangup()

	select {
	case out := <-w:
		if out.CallID != "call-1" {
			t.Fatalf("outcome %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher never fired")
	}
}
