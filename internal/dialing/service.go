package dialing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"voicebridge/internal/config"
	"voicebridge/internal/prompt"
	"voicebridge/internal/session"
	"voicebridge/internal/settings"
	"voicebridge/internal/store"
	"voicebridge/internal/telephony"
)

// ErrOriginateRejected wraps switch-side refusals so callers can apply their
// retry policies.
var ErrOriginateRejected = errors.New("dialing: originate rejected")

// LaunchRequest is one outbound call to place.
type LaunchRequest struct {
	Number        string
	PromptID      int64 // 0 = active prompt
	CampaignID    int64
	CampaignLimit int
	ScheduleID    int64
}

// Service places outbound calls: it freezes the prompt snapshot, admits a
// session under the caps and issues the switch origination. The media leg
// attaches later through the WebSocket adapter.
type Service struct {
	registry *session.Registry
	dialer   telephony.Dialer
	gw       store.Gateway
	settings *settings.Store
	limits   config.LimitConfig
	log      *slog.Logger
}

func NewService(registry *session.Registry, dialer telephony.Dialer, gw store.Gateway, st *settings.Store, limits config.LimitConfig, log *slog.Logger) (*Service, error) {
	if registry == nil || dialer == nil || gw == nil {
		return nil, fmt.Errorf("dialing: registry, dialer and gateway are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		registry: registry,
		dialer:   dialer,
		gw:       gw,
		settings: st,
		limits:   limits,
		log:      log,
	}, nil
}

// Dial admits and originates one call, returning the live session.
func (s *Service) Dial(ctx context.Context, req LaunchRequest) (*session.Session, error) {
	number, err := telephony.NormalizeNumber(req.Number)
	if err != nil {
		return nil, err
	}

	snap, err := s.promptSnapshot(ctx, req.PromptID)
	if err != nil {
		return nil, err
	}

	callID := "call-" + uuid.NewString()
	sess, err := s.registry.Admit(ctx, session.AdmitRequest{
		CallID:        callID,
		Direction:     store.DirectionOutbound,
		CalledNumber:  number,
		CampaignID:    req.CampaignID,
		CampaignLimit: req.CampaignLimit,
		ScheduleID:    req.ScheduleID,
	}, session.Config{
		Prompt:            snap,
		BargeInChars:      s.limits.BargeInChars,
		InactivityTimeout: s.limits.InactivityTimeout,
	})
	if err != nil {
		return nil, err
	}

	if err := s.dialer.Originate(ctx, telephony.OriginateRequest{CallID: callID, Number: number}); err != nil {
		// The session never got a switch leg; tear it down as failed.
		sess.Hangup()
		return nil, fmt.Errorf("%w: %v", ErrOriginateRejected, err)
	}
	s.log.Info("call originated", "call_id", callID, "number", number)
	return sess, nil
}

// Launch is Dial for callers that only need the outcome.
func (s *Service) Launch(ctx context.Context, req LaunchRequest) (string, <-chan session.Outcome, error) {
	sess, err := s.Dial(ctx, req)
	if err != nil {
		return "", nil, err
	}
	return sess.CallID(), sess.Watch(), nil
}

// AcceptInbound admits a session for a call the switch is about to connect.
// The switch dialplan announces the call (with its own uuid as call_id)
// before forking media to /ws/{call_id}; a connection that was never
// announced stays an orphan and is refused by the media adapter.
func (s *Service) AcceptInbound(ctx context.Context, callID, caller, called string) (*session.Session, error) {
	if callID == "" {
		return nil, fmt.Errorf("dialing: call id required")
	}
	snap, err := s.promptSnapshot(ctx, 0)
	if err != nil {
		return nil, err
	}
	return s.registry.Admit(ctx, session.AdmitRequest{
		CallID:       callID,
		Direction:    store.DirectionInbound,
		CallerNumber: caller,
		CalledNumber: called,
	}, session.Config{
		Prompt:            snap,
		BargeInChars:      s.limits.BargeInChars,
		InactivityTimeout: s.limits.InactivityTimeout,
	})
}

// Hangup forces a live call into teardown.
func (s *Service) Hangup(callID string) error {
	sess, ok := s.registry.Get(callID)
	if !ok {
		return store.ErrNotFound
	}
	sess.Hangup()
	select {
	case <-sess.Done():
	case <-time.After(100 * time.Millisecond):
		// Teardown is asynchronous; the caller does not wait for it.
	}
	return nil
}

// promptSnapshot freezes the requested (or active) prompt, applying runtime
// setting overrides for model and voice defaults.
func (s *Service) promptSnapshot(ctx context.Context, promptID int64) (prompt.Snapshot, error) {
	var (
		p   store.Prompt
		err error
	)
	if promptID != 0 {
		p, err = s.gw.GetPrompt(ctx, promptID)
	} else {
		p, err = s.gw.GetActivePrompt(ctx)
		if errors.Is(err, store.ErrNotFound) {
			// No configured prompt: a bare assistant with defaults.
			p, err = store.Prompt{SystemPrompt: defaultSystemPrompt}, nil
		}
	}
	if err != nil {
		return prompt.Snapshot{}, fmt.Errorf("dialing: load prompt: %w", err)
	}

	snap := prompt.SnapshotFrom(p)
	if s.settings != nil {
		if snap.LLMModel == "" {
			snap.LLMModel = s.settings.Get(settings.KeyLLMModel, "")
		}
		if snap.VoiceID == "" {
			snap.VoiceID = s.settings.Get(settings.KeyTTSVoiceID, "")
		}
	}
	return snap, nil
}

const defaultSystemPrompt = `Você é um assistente virtual de atendimento telefônico.
Seja cordial, objetivo e natural. Respostas muito curtas: no máximo duas frases.`
