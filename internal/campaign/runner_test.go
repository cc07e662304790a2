package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"voicebridge/internal/dialing"
	"voicebridge/internal/session"
	"voicebridge/internal/store"
)

// fakeLauncher completes each call after callDuration, tracking concurrency.
type fakeLauncher struct {
	mu           sync.Mutex
	inFlight     int
	maxInFlight  int
	launches     int
	callDuration time.Duration
	outcome      store.CallStatus
	connectFail  bool
	failFirstN   int // reject the first N launches outright
}

func (f *fakeLauncher) Launch(ctx context.Context, req dialing.LaunchRequest) (string, <-chan session.Outcome, error) {
	f.mu.Lock()
	f.launches++
	if f.failFirstN > 0 {
		f.failFirstN--
		f.mu.Unlock()
		return "", nil, fmt.Errorf("%w: gateway down", dialing.ErrOriginateRejected)
	}
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	callID := fmt.Sprintf("call-%d", f.launches)
	f.mu.Unlock()

	out := make(chan session.Outcome, 1)
	go func() {
		time.Sleep(f.callDuration)
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
		status := f.outcome
		if status == "" {
			status = store.CallStatusCompleted
		}
		out <- session.Outcome{CallID: callID, Status: status, ConnectFailure: f.connectFail}
	}()
	return callID, out, nil
}

func newTestManager(t *testing.T, gw store.Gateway, l Launcher) *Manager {
	t.Helper()
	m, err := NewManager(gw, l, nil, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	m.Tick = 10 * time.Millisecond
	m.RetrySpacing = 30 * time.Millisecond
	t.Cleanup(m.Close)
	return m
}

func seedCampaign(t *testing.T, gw *store.Memory, contacts int, maxConcurrent int) store.Campaign {
	t.Helper()
	camp, err := gw.CreateCampaign(context.Background(), store.Campaign{Name: "c", MaxConcurrent: maxConcurrent})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	batch := make([]store.CampaignContact, 0, contacts)
	for i := 0; i < contacts; i++ {
		batch = append(batch, store.CampaignContact{PhoneNumber: fmt.Sprintf("55119999900%02d", i)})
	}
	if _, _, err := gw.AddContacts(context.Background(), camp.ID, batch); err != nil {
		t.Fatalf("add contacts: %v", err)
	}
	return camp
}

func waitCampaignStatus(t *testing.T, gw *store.Memory, id int64, want store.CampaignStatus, timeout time.Duration) store.Campaign {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		camp, err := gw.GetCampaign(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if camp.Status == want {
			return camp
		}
		time.Sleep(10 * time.Millisecond)
	}
	camp, _ := gw.GetCampaign(context.Background(), id)
	t.Fatalf("campaign stuck at %s, want %s", camp.Status, want)
	return store.Campaign{}
}

func TestCampaignRespectsConcurrencyCap(t *testing.T) {
	gw := store.NewMemory()
	camp := seedCampaign(t, gw, 5, 2)
	l := &fakeLauncher{callDuration: 60 * time.Millisecond}
	m := newTestManager(t, gw, l)

	if err := m.Start(context.Background(), camp.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := waitCampaignStatus(t, gw, camp.ID, store.CampaignCompleted, 5*time.Second)

	l.mu.Lock()
	maxInFlight := l.maxInFlight
	l.mu.Unlock()
	if maxInFlight > 2 {
		t.Fatalf("max in flight %d, cap 2", maxInFlight)
	}
	if got.CompletedContacts != 5 || got.FailedContacts != 0 {
		t.Fatalf("counters: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
}

func TestCampaignRetriesConnectFailures(t *testing.T) {
	gw := store.NewMemory()
	camp := seedCampaign(t, gw, 1, 1)
	l := &fakeLauncher{callDuration: 10 * time.Millisecond, outcome: store.CallStatusFailed, connectFail: true}
	m := newTestManager(t, gw, l)

	if err := m.Start(context.Background(), camp.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := waitCampaignStatus(t, gw, camp.ID, store.CampaignCompleted, 5*time.Second)
	if got.FailedContacts != 1 {
		t.Fatalf("counters: %+v", got)
	}

	contacts, _ := gw.ListContacts(context.Background(), camp.ID)
	if contacts[0].Attempts != maxContactAttempts {
		t.Fatalf("attempts %d, want %d", contacts[0].Attempts, maxContactAttempts)
	}
	if contacts[0].Status != store.ContactFailed {
		t.Fatalf("status %s", contacts[0].Status)
	}
}

func TestCampaignPostAnswerFailureIsTerminal(t *testing.T) {
	gw := store.NewMemory()
	camp := seedCampaign(t, gw, 1, 1)
	// Failed but not a connect failure: no retry.
	l := &fakeLauncher{callDuration: 10 * time.Millisecond, outcome: store.CallStatusFailed}
	m := newTestManager(t, gw, l)

	_ = m.Start(context.Background(), camp.ID)
	waitCampaignStatus(t, gw, camp.ID, store.CampaignCompleted, 5*time.Second)

	contacts, _ := gw.ListContacts(context.Background(), camp.ID)
	if contacts[0].Attempts != 1 {
		t.Fatalf("post-answer failure must not retry, attempts %d", contacts[0].Attempts)
	}
}

func TestCampaignPauseIsCooperative(t *testing.T) {
	gw := store.NewMemory()
	camp := seedCampaign(t, gw, 10, 1)
	l := &fakeLauncher{callDuration: 50 * time.Millisecond}
	m := newTestManager(t, gw, l)

	if err := m.Start(context.Background(), camp.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if err := m.Pause(context.Background(), camp.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitCampaignStatus(t, gw, camp.ID, store.CampaignPaused, time.Second)

	// Resume finishes the rest.
	if err := m.Start(context.Background(), camp.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitCampaignStatus(t, gw, camp.ID, store.CampaignCompleted, 10*time.Second)
}

func TestStartRejectsCompletedCampaign(t *testing.T) {
	gw := store.NewMemory()
	camp := seedCampaign(t, gw, 0, 1)
	_ = gw.SetCampaignStatus(context.Background(), camp.ID, store.CampaignCompleted, time.Now())

	m := newTestManager(t, gw, &fakeLauncher{})
	if err := m.Start(context.Background(), camp.ID); !errors.Is(err, ErrNotStartable) {
		t.Fatalf("expected ErrNotStartable, got %v", err)
	}
}

func TestPauseWithoutLoop(t *testing.T) {
	gw := store.NewMemory()
	m := newTestManager(t, gw, &fakeLauncher{})
	if err := m.Pause(context.Background(), 42); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}
