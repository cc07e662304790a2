package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voicebridge/internal/audio"
	"voicebridge/internal/llm"
	"voicebridge/internal/prompt"
	"voicebridge/internal/store"
	"voicebridge/internal/stt"
	"voicebridge/internal/tts"
)

// State is the call FSM state.
type State string

const (
	StatePending   State = "pending"
	StateGreeting  State = "greeting"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
	StateHangingUp State = "hanging_up"
	StateEnded     State = "ended"
)

// Spoken fallbacks. The caller must never get silence followed by a hangup.
const (
	phraseApology  = "Desculpe, estou com dificuldades técnicas no momento. Pode repetir?"
	phraseFarewell = "Obrigado pela ligação. Até logo!"
)

// estimatedCharsPerSecond approximates speech rate for truncating a barged-in
// assistant entry to the text actually delivered.
const estimatedCharsPerSecond = 15

// Config fixes one call's identity and tunables at admission time.
type Config struct {
	CallID       string
	Direction    store.CallDirection
	CallerNumber string
	CalledNumber string
	CampaignID   int64
	ScheduleID   int64
	Prompt       prompt.Snapshot

	BargeInChars      int
	LLMMaxTokens      int
	InactivityTimeout time.Duration
	ConnectTimeout    time.Duration
	LLMFirstToken     time.Duration
	TTSFirstFrame     time.Duration
	TTSFallbackAfter  time.Duration
	DrainTimeout      time.Duration
}

func (c *Config) withDefaults() {
	if c.BargeInChars <= 0 {
		c.BargeInChars = 3
	}
	if c.LLMMaxTokens <= 0 {
		// Short replies suit a phone call.
		c.LLMMaxTokens = 500
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 45 * time.Second
	}
	if c.LLMFirstToken <= 0 {
		c.LLMFirstToken = 8 * time.Second
	}
	if c.TTSFirstFrame <= 0 {
		c.TTSFirstFrame = 4 * time.Second
	}
	if c.TTSFallbackAfter <= 0 {
		c.TTSFallbackAfter = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
}

// Deps are the collaborators a session drives. Hangup tears down the switch
// leg; it may be nil in tests.
type Deps struct {
	STT       stt.Client
	LLM       llm.Streamer
	TTS       tts.Client
	STTCfg    stt.StreamConfig
	Gateway   store.Gateway
	Notifier  Notifier
	Greetings *prompt.GreetingCache
	Hangup    func(ctx context.Context, switchUUID string) error
	Log       *slog.Logger
}

// Outcome is what watchers learn when a session ends.
type Outcome struct {
	CallID string
	Status store.CallStatus
	// ConnectFailure is true when the switch never attached media; campaign
	// retry policy only retries these.
	ConnectFailure bool
	Reason         string
}

type controlKind int

const (
	ctrlConnected controlKind = iota
	ctrlMetadata
	ctrlDTMF
	ctrlSwitchHangup
	ctrlDisconnected
	ctrlOperatorHangup
)

type controlMsg struct {
	kind       controlKind
	switchUUID string
	caller     string
	called     string
	digit      string
}

// Session is one live call: it owns the provider streams and is the only
// mutator of its own state. All external inputs funnel through channels into
// the run loop.
type Session struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	audioIn chan []byte
	control chan controlMsg
	out     chan []byte
	done    chan struct{}

	state atomic.Value // State

	// Everything below is owned by run().
	sttStream      stt.Stream
	sttEvents      <-chan stt.Event
	sttReconnectAt time.Time

	llmCancel    context.CancelFunc
	llmCh        <-chan llm.Delta
	llmStartedAt time.Time
	llmGotDelta  bool
	llmDone      bool

	synth          tts.Synthesis
	ttsFrames      <-chan []byte
	ttsStartedAt   time.Time
	ttsGotFrame    bool
	ttsWarned      bool
	ttsReconnectAt time.Time
	pendingFrame   []byte
	queue          [][]byte // locally queued frames (cached greeting)
	queueUtterance bool

	assistantText   string // full text of the in-progress assistant turn
	bytesSent       int    // PCM bytes delivered this assistant turn
	hangupAfterTurn bool
	greetingTurn    bool
	greetingBuf     []byte

	pendingUser []string

	lastAudio time.Time
	startedAt time.Time

	reachedListening bool
	connected        bool

	mu         sync.Mutex
	transcript []store.CallMessage
	switchUUID string

	endOnce  sync.Once
	outcome  Outcome
	watchers []chan Outcome
}

// New creates a session in PENDING and starts its run loop.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.CallID == "" {
		return nil, fmt.Errorf("session: call id required")
	}
	if deps.STT == nil || deps.LLM == nil || deps.TTS == nil {
		return nil, fmt.Errorf("session: stt, llm and tts clients are required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("session: gateway is required")
	}
	cfg.withDefaults()
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = NotifierFunc(func(string, map[string]any) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.With("call_id", cfg.CallID),
		ctx:     ctx,
		cancel:  cancel,
		audioIn: make(chan []byte, 50),
		control: make(chan controlMsg, 16),
		out:       make(chan []byte, 10), // 200 ms of audio
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.state.Store(StatePending)

	go s.run()
	return s, nil
}

/* ===================== adapter-facing API ===================== */

func (s *Session) CallID() string { return s.cfg.CallID }

func (s *Session) State() State { return s.state.Load().(State) }

func (s *Session) Direction() store.CallDirection { return s.cfg.Direction }

func (s *Session) StartedAt() time.Time { return s.startedAt }

// Connected is called by the media adapter once the switch WebSocket binds.
func (s *Session) Connected(switchUUID string) {
	s.push(controlMsg{kind: ctrlConnected, switchUUID: switchUUID})
}

// HandleAudio receives one inbound PCM frame. It never blocks: under
// pressure frames are shed rather than wedging the switch reader.
func (s *Session) HandleAudio(frame []byte) {
	select {
	case s.audioIn <- frame:
	case <-s.done:
	default:
	}
}

func (s *Session) HandleMetadata(caller, called string) {
	s.push(controlMsg{kind: ctrlMetadata, caller: caller, called: called})
}

func (s *Session) HandleDTMF(digit string) {
	s.push(controlMsg{kind: ctrlDTMF, digit: digit})
}

// SwitchHangup handles the switch's in-band hangup control frame.
func (s *Session) SwitchHangup() { s.push(controlMsg{kind: ctrlSwitchHangup}) }

// Disconnected handles the media WebSocket dropping.
func (s *Session) Disconnected() { s.push(controlMsg{kind: ctrlDisconnected}) }

// Hangup is the operator command; teardown is asynchronous but bounded.
func (s *Session) Hangup() { s.push(controlMsg{kind: ctrlOperatorHangup}) }

// Output carries PCM frames for the switch. Closed at teardown.
func (s *Session) Output() <-chan []byte { return s.out }

// Done closes once teardown completes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the outcome; valid after Done closes.
func (s *Session) Result() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Watch returns a channel receiving the outcome when the session ends.
func (s *Session) Watch() <-chan Outcome {
	ch := make(chan Outcome, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		ch <- s.outcome
	default:
		s.watchers = append(s.watchers, ch)
	}
	return ch
}

// Transcript returns the committed transcript so far.
func (s *Session) Transcript() []store.CallMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.CallMessage(nil), s.transcript...)
}

func (s *Session) push(m controlMsg) {
	select {
	case s.control <- m:
	case <-s.done:
	}
}

/* ===================== run loop ===================== */

func (s *Session) run() {
	if !s.awaitConnect() {
		return
	}

	if err := s.openSTT(); err != nil {
		s.log.Error("stt open failed", "err", err)
		s.finish(store.CallStatusFailed, "stt unavailable", false)
		return
	}

	s.deps.Notifier.Notify(EventCallStarted, s.eventData(nil))

	if s.cfg.Prompt.GreetingText != "" {
		s.startGreeting()
	} else {
		s.setState(StateListening)
		s.reachedListening = true
	}

	s.lastAudio = time.Now()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		// Forward at most one frame per iteration so provider events stay
		// interleaved with playback under backpressure.
		outCh, frame := s.nextOutbound()

		select {
		case pcm := <-s.audioIn:
			s.lastAudio = time.Now()
			if s.sttStream != nil {
				_ = s.sttStream.Send(pcm)
			}

		case outCh <- frame:
			s.pendingFrame = nil
			s.bytesSent += len(frame)
			s.lastAudio = time.Now()
			if s.queueUtterance && len(s.queue) == 0 {
				// Cached greeting fully delivered.
				s.queueUtterance = false
				s.finishAssistantTurn()
			}

		case ev, ok := <-s.sttEvents:
			if !ok {
				s.sttEvents = nil
				continue
			}
			s.handleSTT(ev)

		case d, ok := <-s.llmCh:
			if !ok {
				s.llmCh = nil
				continue
			}
			s.handleLLM(d)

		case f, ok := <-s.ttsFrames:
			if !ok {
				s.ttsFrames = nil
				s.handleTTSClosed()
				continue
			}
			s.handleTTSFrame(f)

		case c := <-s.control:
			if s.handleControl(c) {
				return
			}

		case <-ticker.C:
			if s.checkDeadlines() {
				return
			}
		}

		if s.State() == StateEnded {
			return
		}
	}
}

// nextOutbound exposes a conditional send case: nil channel when there is
// nothing to deliver, so the select ignores it.
func (s *Session) nextOutbound() (chan<- []byte, []byte) {
	if s.pendingFrame == nil && len(s.queue) > 0 {
		s.pendingFrame = s.queue[0]
		s.queue = s.queue[1:]
	}
	if s.pendingFrame == nil {
		return nil, nil
	}
	return s.out, s.pendingFrame
}

func (s *Session) awaitConnect() bool {
	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()
	for {
		select {
		case c := <-s.control:
			switch c.kind {
			case ctrlConnected:
				s.connected = true
				s.mu.Lock()
				s.switchUUID = c.switchUUID
				s.mu.Unlock()
				if c.switchUUID != "" {
					_ = s.deps.Gateway.SetCallSwitchUUID(s.ctx, s.cfg.CallID, c.switchUUID)
				}
				return true
			case ctrlMetadata:
				s.applyMetadata(c.caller, c.called)
			case ctrlOperatorHangup, ctrlSwitchHangup, ctrlDisconnected:
				s.finish(store.CallStatusFailed, "ended before media connect", true)
				return false
			}
		case <-timer.C:
			s.log.Warn("switch connect timeout")
			s.finish(store.CallStatusFailed, "switch connect timeout", true)
			return false
		}
	}
}

/* ===================== STT ===================== */

func (s *Session) openSTT() error {
	stream, err := s.deps.STT.Open(s.ctx, s.deps.STTCfg)
	if err != nil {
		return err
	}
	s.sttStream = stream
	s.sttEvents = stream.Events()
	return nil
}

func (s *Session) handleSTT(ev stt.Event) {
	switch ev.Type {
	case stt.EventError:
		s.log.Warn("stt stream error", "err", ev.Err)
		if !s.sttReconnectAt.IsZero() && time.Since(s.sttReconnectAt) < 5*time.Second {
			s.fatal("stt failed twice within 5s")
			return
		}
		s.sttReconnectAt = time.Now()
		_ = s.sttStream.Close()
		if err := s.openSTT(); err != nil {
			s.fatal("stt reconnect failed")
		}

	case stt.EventInterim:
		// Interims are never persisted; they only drive barge-in.
		if s.speaking() && len(ev.Text) > s.cfg.BargeInChars {
			s.bargeIn()
		}

	case stt.EventFinal:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		if s.speaking() && len(ev.Text) > s.cfg.BargeInChars {
			s.bargeIn()
		}
		s.pendingUser = append(s.pendingUser, strings.TrimSpace(ev.Text))

	case stt.EventUtteranceEnd:
		if len(s.pendingUser) == 0 || s.State() != StateListening {
			return
		}
		text := strings.Join(s.pendingUser, " ")
		s.pendingUser = nil
		s.commit(store.RoleUser, text, 0)
		s.startThinking()
	}
}

func (s *Session) speaking() bool {
	st := s.State()
	return st == StateSpeaking || st == StateGreeting
}

/* ===================== LLM ===================== */

func (s *Session) startThinking() {
	s.setState(StateThinking)

	history := make([]llm.Message, 0, 16)
	s.mu.Lock()
	for _, m := range s.transcript {
		history = append(history, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	ch, err := s.deps.LLM.Stream(ctx, llm.Request{
		SystemPrompt: s.cfg.Prompt.SystemText,
		History:      history,
		Model:        s.cfg.Prompt.LLMModel,
		Temperature:  float32(s.cfg.Prompt.Temperature),
		MaxTokens:    s.cfg.LLMMaxTokens,
	})
	if err != nil {
		cancel()
		s.log.Error("llm stream open failed", "err", err)
		s.speakPhrase(phraseApology, false)
		return
	}
	s.llmCancel = cancel
	s.llmCh = ch
	s.llmStartedAt = time.Now()
	s.llmGotDelta = false
	s.llmDone = false
}

func (s *Session) handleLLM(d llm.Delta) {
	switch {
	case d.Err != nil:
		s.log.Warn("llm stream failed", "err", d.Err)
		s.cancelLLM()
		s.cancelTTS()
		s.speakPhrase(phraseApology, false)

	case d.Done:
		s.llmDone = true
		s.llmCh = nil
		if !s.llmGotDelta || strings.TrimSpace(d.FullText) == "" {
			// Empty response: apologize instead of dead air.
			s.cancelTTS()
			s.speakPhrase(phraseApology, false)
			return
		}
		s.assistantText = d.FullText
		if s.synth != nil {
			s.synth.CloseInput()
		}

	case d.Text != "":
		if !s.llmGotDelta {
			s.llmGotDelta = true
			s.startSpeaking()
		}
		s.assistantText += d.Text
		if s.synth != nil {
			s.synth.Append(d.Text)
		}
	}
}

func (s *Session) cancelLLM() {
	if s.llmCancel != nil {
		s.llmCancel()
		s.llmCancel = nil
	}
	s.llmCh = nil
	s.llmDone = false
}

/* ===================== TTS ===================== */

func (s *Session) startSpeaking() {
	s.setState(StateSpeaking)
	s.assistantText = ""
	s.bytesSent = 0
	s.openSynth()
}

func (s *Session) openSynth() {
	synth, err := s.deps.TTS.Synthesize(s.ctx, s.cfg.Prompt.VoiceID)
	if err != nil {
		s.log.Error("tts open failed", "err", err)
		s.fatal("tts unavailable")
		return
	}
	s.synth = synth
	s.ttsFrames = synth.Frames()
	s.ttsStartedAt = time.Now()
	s.ttsGotFrame = false
	s.ttsWarned = false
}

func (s *Session) handleTTSFrame(f []byte) {
	s.ttsGotFrame = true
	if s.greetingTurn && s.deps.Greetings != nil {
		s.greetingBuf = append(s.greetingBuf, f...)
	}
	s.queue = append(s.queue, f)
}

func (s *Session) handleTTSClosed() {
	if s.synth == nil {
		return
	}
	if err := s.synth.Err(); err != nil {
		s.log.Warn("tts synthesis failed", "err", err)
		if !s.ttsReconnectAt.IsZero() && time.Since(s.ttsReconnectAt) < 5*time.Second {
			s.fatal("tts failed twice within 5s")
			return
		}
		s.ttsReconnectAt = time.Now()
		// One in-place retry, resuming from the unspoken tail: batches the
		// caller already heard are not repeated.
		text := s.assistantText
		if n := s.synth.Flushed(); n < len(text) {
			text = text[n:]
		} else {
			text = ""
		}
		s.synth = nil
		s.openSynth()
		if s.synth != nil {
			if text != "" {
				s.synth.Append(text)
			}
			if s.llmDone || s.greetingTurn {
				s.synth.CloseInput()
			}
		}
		return
	}
	s.synth = nil
	if s.greetingTurn && s.deps.Greetings != nil && len(s.greetingBuf) > 0 {
		s.deps.Greetings.Put(s.ctx, s.cfg.Prompt.VoiceID, s.cfg.Prompt.GreetingText, s.greetingBuf)
		if s.cfg.Prompt.PromptID != 0 {
			ms := float64(audio.Duration(len(s.greetingBuf))) / float64(time.Millisecond)
			_ = s.deps.Gateway.SetGreetingDuration(s.ctx, s.cfg.Prompt.PromptID, ms)
		}
		s.greetingBuf = nil
	}
	if s.llmDone || s.greetingTurn {
		// Whole utterance synthesized; the tail may still be queued for the
		// switch, but the transcript text is final.
		s.queueUtterance = len(s.queue) > 0 || s.pendingFrame != nil
		if !s.queueUtterance {
			s.finishAssistantTurn()
		}
	}
}

func (s *Session) cancelTTS() {
	if s.synth != nil {
		s.synth.Cancel()
		s.synth = nil
	}
	s.ttsFrames = nil
	s.queue = nil
	s.pendingFrame = nil
	s.queueUtterance = false
}

/* ===================== turns ===================== */

func (s *Session) startGreeting() {
	s.setState(StateGreeting)
	s.greetingTurn = true
	s.assistantText = s.cfg.Prompt.GreetingText
	s.bytesSent = 0

	if s.deps.Greetings != nil {
		if pcm := s.deps.Greetings.Get(s.ctx, s.cfg.Prompt.VoiceID, s.cfg.Prompt.GreetingText); pcm != nil {
			s.queue = audio.Frames(pcm)
			s.queueUtterance = true
			return
		}
	}
	s.openSynth()
	if s.synth != nil {
		s.synth.Append(s.cfg.Prompt.GreetingText)
		s.synth.CloseInput()
	}
}

// speakPhrase speaks a canned phrase as a full assistant turn.
func (s *Session) speakPhrase(text string, hangupAfter bool) {
	s.cancelLLM()
	s.cancelTTS()
	s.setState(StateSpeaking)
	s.assistantText = text
	s.bytesSent = 0
	s.llmDone = true
	s.hangupAfterTurn = hangupAfter
	s.openSynth()
	if s.synth != nil {
		s.synth.Append(text)
		s.synth.CloseInput()
	}
}

// finishAssistantTurn commits the assistant entry exactly once per turn and
// returns the session to LISTENING (or tears down after a farewell).
func (s *Session) finishAssistantTurn() {
	text := strings.TrimSpace(s.assistantText)
	if text != "" {
		ms := float64(audio.Duration(s.bytesSent)) / float64(time.Millisecond)
		s.commit(store.RoleAssistant, text, int(ms))
	}
	s.assistantText = ""
	s.greetingTurn = false
	s.llmDone = false

	if s.hangupAfterTurn {
		s.finish(s.naturalOutcome(), "inactivity timeout", false)
		return
	}
	s.setState(StateListening)
	s.reachedListening = true
}

// bargeIn cancels assistant output and commits the truncated entry.
func (s *Session) bargeIn() {
	s.log.Debug("barge-in", "state", s.State())
	s.cancelLLM()
	s.cancelTTS()

	delivered := strings.TrimSpace(s.assistantText)
	sentSec := float64(audio.Duration(s.bytesSent)) / float64(time.Second)
	limit := int(sentSec * estimatedCharsPerSecond)
	if r := []rune(delivered); limit < len(r) {
		delivered = strings.TrimSpace(string(r[:limit]))
	}
	if delivered != "" {
		ms := float64(audio.Duration(s.bytesSent)) / float64(time.Millisecond)
		s.commit(store.RoleAssistant, delivered, int(ms))
	}
	s.assistantText = ""
	s.greetingTurn = false
	s.llmDone = false
	s.hangupAfterTurn = false

	s.setState(StateListening)
	s.reachedListening = true
}

func (s *Session) commit(role store.MessageRole, content string, audioMS int) {
	msg := store.CallMessage{
		CallID:          s.cfg.CallID,
		Role:            role,
		Content:         content,
		AudioDurationMS: audioMS,
		Timestamp:       time.Now().UTC(),
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.mu.Unlock()
	if err := s.deps.Gateway.AppendMessage(s.ctx, msg); err != nil {
		// The in-memory transcript is authoritative until teardown flush.
		s.log.Warn("append message failed", "err", err)
	}
}

/* ===================== control & timers ===================== */

func (s *Session) applyMetadata(caller, called string) {
	if caller != "" {
		s.cfg.CallerNumber = caller
	}
	if called != "" {
		s.cfg.CalledNumber = called
	}
}

// handleControl returns true when the session has finished.
func (s *Session) handleControl(c controlMsg) bool {
	switch c.kind {
	case ctrlMetadata:
		s.applyMetadata(c.caller, c.called)
	case ctrlDTMF:
		s.log.Info("dtmf received", "digit", c.digit)
	case ctrlSwitchHangup, ctrlDisconnected:
		s.finish(s.naturalOutcome(), "switch disconnect", false)
		return true
	case ctrlOperatorHangup:
		s.finish(s.naturalOutcome(), "operator hangup", false)
		return true
	}
	return false
}

// naturalOutcome applies the disconnect rule: completed when the caller got a
// real chance to talk, failed otherwise.
func (s *Session) naturalOutcome() store.CallStatus {
	if s.reachedListening {
		return store.CallStatusCompleted
	}
	return store.CallStatusFailed
}

// checkDeadlines enforces the soft timers; returns true when the session
// finished.
func (s *Session) checkDeadlines() bool {
	now := time.Now()

	if now.Sub(s.lastAudio) > s.cfg.InactivityTimeout {
		s.log.Info("inactivity timeout")
		if s.State() == StateListening {
			s.speakPhrase(phraseFarewell, true)
			s.lastAudio = now // do not re-trigger while the farewell plays
			return false
		}
		s.finish(s.naturalOutcome(), "inactivity timeout", false)
		return true
	}

	if s.llmCh != nil && !s.llmGotDelta && now.Sub(s.llmStartedAt) > s.cfg.LLMFirstToken {
		s.log.Warn("llm first token timeout")
		s.cancelLLM()
		s.speakPhrase(phraseApology, false)
		return false
	}

	if s.ttsFrames != nil && !s.ttsGotFrame {
		wait := now.Sub(s.ttsStartedAt)
		if wait > s.cfg.TTSFallbackAfter {
			s.log.Error("tts first frame timeout")
			s.fatal("tts first frame timeout")
			return true
		}
		if wait > s.cfg.TTSFirstFrame && !s.ttsWarned {
			s.ttsWarned = true
			s.log.Warn("tts slow to produce first frame", "waited", wait)
		}
	}
	return false
}

func (s *Session) fatal(reason string) {
	s.finish(store.CallStatusFailed, reason, false)
}

/* ===================== state & teardown ===================== */

func (s *Session) setState(next State) {
	prev := s.State()
	if prev == next {
		return
	}
	s.state.Store(next)
	s.log.Debug("state", "from", prev, "to", next)
	if next != StateEnded {
		s.deps.Notifier.Notify(EventCallStateChanged, s.eventData(map[string]any{
			"state":          string(next),
			"previous_state": string(prev),
		}))
	}
}

func (s *Session) eventData(extra map[string]any) map[string]any {
	data := map[string]any{
		"call_id":   s.cfg.CallID,
		"caller":    s.cfg.CallerNumber,
		"called":    s.cfg.CalledNumber,
		"direction": string(s.cfg.Direction),
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// finish tears the session down exactly once: cancel all provider streams,
// drain them (bounded), flush the transcript and persist the final record.
func (s *Session) finish(outcome store.CallStatus, reason string, connectFailure bool) {
	s.endOnce.Do(func() {
		s.setState(StateHangingUp)

		s.cancelLLM()
		s.cancelTTS()
		if s.sttStream != nil {
			_ = s.sttStream.Close()
		}
		s.cancel()

		// Bounded drain of the STT event channel.
		if s.sttEvents != nil {
			drain := time.NewTimer(s.cfg.DrainTimeout)
			for s.sttEvents != nil {
				select {
				case _, ok := <-s.sttEvents:
					if !ok {
						s.sttEvents = nil
					}
				case <-drain.C:
					s.sttEvents = nil
				}
			}
			drain.Stop()
		}

		// Commit whatever the user said that never reached an utterance end.
		if len(s.pendingUser) > 0 {
			s.commitFinal(store.RoleUser, strings.Join(s.pendingUser, " "), 0)
			s.pendingUser = nil
		}
		// Commit a truncated assistant turn cut off by the teardown.
		if text := strings.TrimSpace(s.assistantText); text != "" && s.bytesSent > 0 {
			ms := float64(audio.Duration(s.bytesSent)) / float64(time.Millisecond)
			s.commitFinal(store.RoleAssistant, text, int(ms))
		}

		if s.connected && s.deps.Hangup != nil {
			s.mu.Lock()
			uuid := s.switchUUID
			s.mu.Unlock()
			if uuid == "" {
				uuid = s.cfg.CallID
			}
			hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.deps.Hangup(hctx, uuid)
			hcancel()
		}

		endTime := time.Now().UTC()
		duration := endTime.Sub(s.startedAt).Seconds()
		fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.deps.Gateway.FinalizeCall(fctx, s.cfg.CallID, outcome, endTime, duration, ""); err != nil {
			s.log.Warn("finalize call failed", "err", err)
		}
		fcancel()

		s.mu.Lock()
		s.outcome = Outcome{
			CallID:         s.cfg.CallID,
			Status:         outcome,
			ConnectFailure: connectFailure,
			Reason:         reason,
		}
		// Closing done under the lock keeps Watch race-free: a watcher either
		// lands in this copy or observes done already closed.
		close(s.done)
		watchers := s.watchers
		s.watchers = nil
		transcript := append([]store.CallMessage(nil), s.transcript...)
		s.mu.Unlock()

		if outcome == store.CallStatusFailed && !connectFailure && reason != "switch disconnect" {
			s.deps.Notifier.Notify(EventCallFailed, s.eventData(map[string]any{"reason": reason}))
		}
		s.deps.Notifier.Notify(EventCallEnded, s.eventData(map[string]any{
			"status":           string(outcome),
			"duration_seconds": duration,
			"transcript":       transcriptPayload(transcript),
		}))

		s.state.Store(StateEnded)
		close(s.out)
		for _, w := range watchers {
			w <- s.outcome
		}

		// Post-call summary, best effort, off the teardown path.
		if outcome == store.CallStatusCompleted && len(transcript) > 0 {
			go s.summarize(transcript, outcome, endTime, duration)
		}

		s.log.Info("call ended", "status", outcome, "reason", reason, "duration_s", duration)
	})
}

// commitFinal is commit with a background context, for use during
// teardown after s.ctx is cancelled.
func (s *Session) commitFinal(role store.MessageRole, content string, audioMS int) {
	msg := store.CallMessage{
		CallID:          s.cfg.CallID,
		Role:            role,
		Content:         content,
		AudioDurationMS: audioMS,
		Timestamp:       time.Now().UTC(),
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Gateway.AppendMessage(ctx, msg); err != nil {
		s.log.Warn("final append failed", "err", err)
	}
}

func (s *Session) summarize(transcript []store.CallMessage, outcome store.CallStatus, endTime time.Time, duration float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	history := make([]llm.Message, 0, len(transcript))
	for _, m := range transcript {
		history = append(history, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	summary, err := s.deps.LLM.Summarize(ctx, history)
	if err != nil || summary == "" {
		return
	}
	if err := s.deps.Gateway.FinalizeCall(ctx, s.cfg.CallID, outcome, endTime, duration, summary); err != nil {
		s.log.Warn("summary persist failed", "err", err)
	}
}

func transcriptPayload(msgs []store.CallMessage) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
			"ts":      m.Timestamp,
		}
		if m.AudioDurationMS > 0 {
			entry["audio_ms"] = m.AudioDurationMS
		}
		out = append(out, entry)
	}
	return out
}
