package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voicebridge/internal/dialing"
	"voicebridge/internal/session"
	"voicebridge/internal/store"
)

const maxContactAttempts = 3

var (
	// ErrNotStartable means the campaign is not pending or paused.
	ErrNotStartable = errors.New("campaign: not startable")
	// ErrNotRunning means pause was requested on a campaign with no loop.
	ErrNotRunning = errors.New("campaign: not running")
)

// Launcher places one outbound call; dialing.Service satisfies it.
type Launcher interface {
	Launch(ctx context.Context, req dialing.LaunchRequest) (string, <-chan session.Outcome, error)
}

// Manager drives one cooperative loop per running campaign. The loop claims
// pending contacts up to the campaign's free slots, launches calls and binds
// outcomes back to contacts; pause lets in-flight calls finish.
type Manager struct {
	gw       store.Gateway
	launcher Launcher
	notifier session.Notifier
	log      *slog.Logger

	// Tunables, shortened in tests.
	Tick         time.Duration
	RetrySpacing time.Duration

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(gw store.Gateway, launcher Launcher, notifier session.Notifier, log *slog.Logger) (*Manager, error) {
	if gw == nil || launcher == nil {
		return nil, fmt.Errorf("campaign: gateway and launcher are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = session.NotifierFunc(func(string, map[string]any) {})
	}
	return &Manager{
		gw:           gw,
		launcher:     launcher,
		notifier:     notifier,
		log:          log,
		Tick:         time.Second,
		RetrySpacing: 60 * time.Second,
		running:      map[int64]context.CancelFunc{},
	}, nil
}

// Start begins or resumes a campaign.
func (m *Manager) Start(ctx context.Context, campaignID int64) error {
	m.mu.Lock()
	if _, ok := m.running[campaignID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	camp, err := m.gw.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if camp.Status != store.CampaignPending && camp.Status != store.CampaignPaused {
		return fmt.Errorf("%w: status %s", ErrNotStartable, camp.Status)
	}
	if err := m.gw.SetCampaignStatus(ctx, campaignID, store.CampaignRunning, time.Now().UTC()); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if _, ok := m.running[campaignID]; ok {
		// Lost a start race; the other loop owns the campaign.
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.running[campaignID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(loopCtx, campaignID)
	m.log.Info("campaign started", "campaign_id", campaignID)
	return nil
}

// Pause stops the loop cooperatively; calls already placed are not aborted.
func (m *Manager) Pause(ctx context.Context, campaignID int64) error {
	m.mu.Lock()
	cancel, ok := m.running[campaignID]
	if ok {
		delete(m.running, campaignID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel()
	if err := m.gw.SetCampaignStatus(ctx, campaignID, store.CampaignPaused, time.Now().UTC()); err != nil {
		return err
	}
	m.log.Info("campaign paused", "campaign_id", campaignID)
	return nil
}

// IsRunning reports whether a loop is active for the campaign.
func (m *Manager) IsRunning(campaignID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[campaignID]
	return ok
}

// Close cancels every loop and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, cancel := range m.running {
		cancel()
		delete(m.running, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, campaignID int64) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.running, campaignID)
		m.mu.Unlock()
	}()

	var contactWG sync.WaitGroup
	defer contactWG.Wait()

	ticker := time.NewTicker(m.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		camp, err := m.gw.GetCampaign(ctx, campaignID)
		if err != nil {
			m.log.Error("campaign lookup failed", "campaign_id", campaignID, "err", err)
			continue
		}
		if camp.Status != store.CampaignRunning {
			return
		}

		calling, err := m.gw.CountContacts(ctx, campaignID, store.ContactCalling)
		if err != nil {
			continue
		}
		slots := camp.MaxConcurrent - calling
		if slots <= 0 {
			continue
		}

		claimed, err := m.gw.ClaimPendingContacts(ctx, campaignID, slots, time.Now().UTC())
		if err != nil {
			m.log.Error("claim contacts failed", "campaign_id", campaignID, "err", err)
			continue
		}

		if len(claimed) == 0 {
			if calling == 0 {
				m.complete(campaignID)
				return
			}
			continue
		}

		for _, contact := range claimed {
			contactWG.Add(1)
			go func(c store.CampaignContact) {
				defer contactWG.Done()
				m.handleContact(ctx, camp, c)
			}(contact)
		}
	}
}

func (m *Manager) complete(campaignID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	camp, err := m.gw.RefreshCampaignCounters(ctx, campaignID)
	if err != nil {
		m.log.Error("counter refresh failed", "campaign_id", campaignID, "err", err)
	}
	if err := m.gw.SetCampaignStatus(ctx, campaignID, store.CampaignCompleted, time.Now().UTC()); err != nil {
		m.log.Error("campaign completion failed", "campaign_id", campaignID, "err", err)
		return
	}
	m.log.Info("campaign completed", "campaign_id", campaignID)
	m.notifier.Notify("campaign.completed", map[string]any{
		"campaign_id":        campaignID,
		"name":               camp.Name,
		"total_contacts":     camp.TotalContacts,
		"completed_contacts": camp.CompletedContacts,
		"failed_contacts":    camp.FailedContacts,
	})
}

// handleContact launches one call and settles the contact on its outcome.
func (m *Manager) handleContact(ctx context.Context, camp store.Campaign, contact store.CampaignContact) {
	callID, outcome, err := m.launcher.Launch(ctx, dialing.LaunchRequest{
		Number:        contact.PhoneNumber,
		PromptID:      camp.PromptID,
		CampaignID:    camp.ID,
		CampaignLimit: camp.MaxConcurrent,
	})
	if err != nil {
		m.settleLaunchFailure(camp.ID, contact, err)
		return
	}

	cid := callID
	_ = m.gw.UpdateContact(ctx, contact.ID, store.ContactUpdate{CallID: &cid})

	var result session.Outcome
	select {
	case result = <-outcome:
	case <-ctx.Done():
		// Pause: keep waiting for the in-flight call off the loop context.
		result = <-outcome
	}

	if result.Status == store.CallStatusCompleted {
		status := store.ContactCompleted
		now := time.Now().UTC()
		m.updateContact(contact.ID, store.ContactUpdate{Status: &status, CompletedAt: &now})
	} else if result.ConnectFailure && contact.Attempts < maxContactAttempts {
		m.retryLater(contact.ID, result.Reason)
	} else {
		status := store.ContactFailed
		reason := result.Reason
		m.updateContact(contact.ID, store.ContactUpdate{Status: &status, ErrorMessage: &reason})
	}
	m.refresh(camp.ID)
}

func (m *Manager) settleLaunchFailure(campaignID int64, contact store.CampaignContact, err error) {
	switch {
	case errors.Is(err, session.ErrAdmissionDenied):
		// Caps full: give the slot back and let a later tick retry.
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = m.gw.RequeueContact(rctx, contact.ID)

	case errors.Is(err, dialing.ErrOriginateRejected) && contact.Attempts < maxContactAttempts:
		m.retryLater(contact.ID, err.Error())

	default:
		status := store.ContactFailed
		msg := err.Error()
		m.updateContact(contact.ID, store.ContactUpdate{Status: &status, ErrorMessage: &msg})
		m.refresh(campaignID)
	}
}

// retryLater spaces connect-failure retries apart.
func (m *Manager) retryLater(contactID int64, reason string) {
	m.log.Info("contact retry scheduled", "contact_id", contactID, "reason", reason)
	time.AfterFunc(m.RetrySpacing, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = m.gw.RequeueContact(ctx, contactID)
	})
}

func (m *Manager) updateContact(contactID int64, u store.ContactUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.gw.UpdateContact(ctx, contactID, u); err != nil {
		m.log.Warn("contact update failed", "contact_id", contactID, "err", err)
	}
}

func (m *Manager) refresh(campaignID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := m.gw.RefreshCampaignCounters(ctx, campaignID); err != nil {
		m.log.Warn("counter refresh failed", "campaign_id", campaignID, "err", err)
	}
}
