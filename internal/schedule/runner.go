package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voicebridge/internal/dialing"
	"voicebridge/internal/session"
	"voicebridge/internal/store"
)

// Launcher places one outbound call; dialing.Service satisfies it.
type Launcher interface {
	Launch(ctx context.Context, req dialing.LaunchRequest) (string, <-chan session.Outcome, error)
}

// Runner fires scheduled calls. A single loop polls for due rows (pending
// with scheduled_time in the past), moves them to executing and launches the
// call; the terminal session outcome settles the row.
type Runner struct {
	gw       store.Gateway
	launcher Launcher
	log      *slog.Logger

	// Tick is the poll interval; the spec ceiling is 5 s.
	Tick time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func NewRunner(gw store.Gateway, launcher Launcher, log *slog.Logger) (*Runner, error) {
	if gw == nil || launcher == nil {
		return nil, fmt.Errorf("schedule: gateway and launcher are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{gw: gw, launcher: launcher, log: log, Tick: 5 * time.Second}, nil
}

// Start launches the polling loop. Idempotent.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(ctx)
	r.log.Info("schedule runner started", "tick", r.Tick)
}

// Close stops the loop; in-flight calls settle on their own.
func (r *Runner) Close() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()
	cancel()
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fireDue(ctx)
		}
	}
}

func (r *Runner) fireDue(ctx context.Context) {
	due, err := r.gw.DueScheduledCalls(ctx, time.Now().UTC())
	if err != nil {
		r.log.Error("due schedule query failed", "err", err)
		return
	}
	for _, sc := range due {
		if err := r.gw.SetScheduledCallStatus(ctx, sc.ID, store.ScheduleExecuting, ""); err != nil {
			r.log.Warn("schedule claim failed", "schedule_id", sc.ID, "err", err)
			continue
		}
		r.wg.Add(1)
		go func(sc store.ScheduledCall) {
			defer r.wg.Done()
			r.execute(ctx, sc)
		}(sc)
	}
}

func (r *Runner) execute(ctx context.Context, sc store.ScheduledCall) {
	callID, outcome, err := r.launcher.Launch(ctx, dialing.LaunchRequest{
		Number:     sc.PhoneNumber,
		PromptID:   sc.PromptID,
		ScheduleID: sc.ID,
	})
	if err != nil {
		// Admission denial and switch rejection both fail the schedule.
		r.log.Warn("scheduled call launch failed", "schedule_id", sc.ID, "err", err)
		r.settle(sc.ID, store.ScheduleFailed, "")
		return
	}
	r.settle(sc.ID, store.ScheduleExecuting, callID)

	result := <-outcome
	if result.Status == store.CallStatusCompleted {
		r.settle(sc.ID, store.ScheduleCompleted, callID)
	} else {
		r.settle(sc.ID, store.ScheduleFailed, callID)
	}
	r.log.Info("scheduled call finished", "schedule_id", sc.ID, "call_id", callID, "status", result.Status)
}

func (r *Runner) settle(id int64, status store.ScheduleStatus, callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.gw.SetScheduledCallStatus(ctx, id, status, callID); err != nil {
		r.log.Warn("schedule update failed", "schedule_id", id, "err", err)
	}
}
