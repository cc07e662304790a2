package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"voicebridge/internal/dialing"
	"voicebridge/internal/session"
	"voicebridge/internal/store"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	fail     bool
	outcome  store.CallStatus
}

func (f *fakeLauncher) Launch(ctx context.Context, req dialing.LaunchRequest) (string, <-chan session.Outcome, error) {
	f.mu.Lock()
	f.launches++
	n := f.launches
	fail := f.fail
	status := f.outcome
	f.mu.Unlock()
	if fail {
		return "", nil, session.ErrAdmissionDenied
	}
	if status == "" {
		status = store.CallStatusCompleted
	}
	out := make(chan session.Outcome, 1)
	callID := fmt.Sprintf("call-%d", n)
	go func() {
		time.Sleep(10 * time.Millisecond)
		out <- session.Outcome{CallID: callID, Status: status}
	}()
	return callID, out, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

func newTestRunner(t *testing.T, gw store.Gateway, l Launcher) *Runner {
	t.Helper()
	r, err := NewRunner(gw, l, nil)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	r.Tick = 10 * time.Millisecond
	t.Cleanup(r.Close)
	return r
}

func waitScheduleStatus(t *testing.T, gw *store.Memory, id int64, want store.ScheduleStatus, timeout time.Duration) store.ScheduledCall {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		all, _ := gw.ListScheduledCalls(context.Background())
		for _, sc := range all {
			if sc.ID == id && sc.Status == want {
				return sc
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	all, _ := gw.ListScheduledCalls(context.Background())
	t.Fatalf("schedule %d never reached %s: %+v", id, want, all)
	return store.ScheduledCall{}
}

func TestDueScheduleFires(t *testing.T) {
	gw := store.NewMemory()
	sc, _ := gw.CreateScheduledCall(context.Background(), store.ScheduledCall{
		PhoneNumber:   "5511999990001",
		ScheduledTime: time.Now().Add(-time.Second),
	})
	l := &fakeLauncher{}
	r := newTestRunner(t, gw, l)
	r.Start()

	got := waitScheduleStatus(t, gw, sc.ID, store.ScheduleCompleted, 2*time.Second)
	if got.CallID == "" {
		t.Fatalf("call id not bound: %+v", got)
	}
	if l.count() != 1 {
		t.Fatalf("launches %d", l.count())
	}
}

func TestFutureScheduleWaits(t *testing.T) {
	gw := store.NewMemory()
	_, _ = gw.CreateScheduledCall(context.Background(), store.ScheduledCall{
		PhoneNumber:   "5511999990001",
		ScheduledTime: time.Now().Add(time.Hour),
	})
	l := &fakeLauncher{}
	r := newTestRunner(t, gw, l)
	r.Start()

	time.Sleep(100 * time.Millisecond)
	if l.count() != 0 {
		t.Fatalf("future schedule fired early")
	}
}

func TestCancelledScheduleNeverFires(t *testing.T) {
	gw := store.NewMemory()
	sc, _ := gw.CreateScheduledCall(context.Background(), store.ScheduledCall{
		PhoneNumber:   "5511999990001",
		ScheduledTime: time.Now().Add(50 * time.Millisecond),
	})
	if err := gw.CancelScheduledCall(context.Background(), sc.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	l := &fakeLauncher{}
	r := newTestRunner(t, gw, l)
	r.Start()

	time.Sleep(150 * time.Millisecond)
	if l.count() != 0 {
		t.Fatalf("cancelled schedule fired")
	}
	waitScheduleStatus(t, gw, sc.ID, store.ScheduleCancelled, time.Second)
}

func TestLaunchFailureMarksFailed(t *testing.T) {
	gw := store.NewMemory()
	sc, _ := gw.CreateScheduledCall(context.Background(), store.ScheduledCall{
		PhoneNumber:   "5511999990001",
		ScheduledTime: time.Now().Add(-time.Second),
	})
	l := &fakeLauncher{fail: true}
	r := newTestRunner(t, gw, l)
	r.Start()

	waitScheduleStatus(t, gw, sc.ID, store.ScheduleFailed, 2*time.Second)
}

func TestFailedCallMarksScheduleFailed(t *testing.T) {
	gw := store.NewMemory()
	sc, _ := gw.CreateScheduledCall(context.Background(), store.ScheduledCall{
		PhoneNumber:   "5511999990001",
		ScheduledTime: time.Now().Add(-time.Second),
	})
	l := &fakeLauncher{outcome: store.CallStatusFailed}
	r := newTestRunner(t, gw, l)
	r.Start()

	waitScheduleStatus(t, gw, sc.ID, store.ScheduleFailed, 2*time.Second)
}
