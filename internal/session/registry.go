package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"voicebridge/internal/store"
	"voicebridge/pkg/utils"
)

var (
	// ErrAdmissionDenied means a concurrency cap is full.
	ErrAdmissionDenied = errors.New("session: admission denied")
	// ErrDuplicateCall means the call id is already live.
	ErrDuplicateCall = errors.New("session: duplicate call id")
)

// capTTL bounds leaked cap slots if a process dies without releasing. Longer
// than any plausible call.
const capTTL = 2 * time.Hour

const globalCapKey = "calls:active"

func campaignCapKey(id int64) string { return fmt.Sprintf("campaign:%d:active", id) }

// CapGate is the concurrency-cap backend. The Redis implementation shares
// caps across processes; the memory one serves tests.
type CapGate interface {
	Acquire(ctx context.Context, key string, limit int) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisCapGate applies caps with the Lua scripts in pkg/utils.
type RedisCapGate struct {
	rdb *redis.Client
}

func NewRedisCapGate(rdb *redis.Client) *RedisCapGate { return &RedisCapGate{rdb: rdb} }

func (g *RedisCapGate) Acquire(ctx context.Context, key string, limit int) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, g.rdb, key, limit, capTTL)
}

func (g *RedisCapGate) Release(ctx context.Context, key string) error {
	return utils.ReleaseConcurrencyCap(ctx, g.rdb, key)
}

// MemoryCapGate is a process-local CapGate.
type MemoryCapGate struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryCapGate() *MemoryCapGate { return &MemoryCapGate{counts: map[string]int{}} }

func (g *MemoryCapGate) Acquire(ctx context.Context, key string, limit int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts[key] >= limit {
		return false, nil
	}
	g.counts[key]++
	return true, nil
}

func (g *MemoryCapGate) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts[key] > 0 {
		g.counts[key]--
	}
	return nil
}

// Limits supplies the current caps; settings may change them at runtime.
type Limits interface {
	MaxConcurrentCalls() int
}

// LimitsFunc adapts a function to Limits.
type LimitsFunc func() int

func (f LimitsFunc) MaxConcurrentCalls() int { return f() }

// AdmitRequest describes the call to admit. The prompt snapshot and session
// tunables travel in the Config given to Admit.
type AdmitRequest struct {
	CallID        string
	Direction     store.CallDirection
	CallerNumber  string
	CalledNumber  string
	CampaignID    int64
	CampaignLimit int // required when CampaignID is set
	ScheduleID    int64
}

// Registry owns every live session for its lifetime: admission under the
// global and per-campaign caps, lookup for the media adapter, and removal
// with cap release on teardown.
type Registry struct {
	gate   CapGate
	limits Limits
	deps   Deps
	log    *slog.Logger

	// BindGrace is how long the media adapter may wait for a pending
	// session before the connection is treated as an orphan.
	BindGrace time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	arrivals map[string]chan struct{} // closed when call_id appears
}

func NewRegistry(gate CapGate, limits Limits, deps Deps, log *slog.Logger) (*Registry, error) {
	if gate == nil {
		return nil, fmt.Errorf("session: cap gate is required")
	}
	if limits == nil {
		return nil, fmt.Errorf("session: limits source is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		gate:      gate,
		limits:    limits,
		deps:      deps,
		log:       log,
		BindGrace: 5 * time.Second,
		sessions:  map[string]*Session{},
		arrivals:  map[string]chan struct{}{},
	}, nil
}

// Admit creates a session in PENDING under both caps and persists the call
// row. Admission is first-come, first-served; a denied admission leaves no
// trace.
func (r *Registry) Admit(ctx context.Context, req AdmitRequest, cfg Config) (*Session, error) {
	if req.CallID == "" {
		return nil, fmt.Errorf("session: call id required")
	}

	// Reserve the id first so a racing Admit with the same call_id loses
	// cleanly without touching caps or storage.
	r.mu.Lock()
	if _, exists := r.sessions[req.CallID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateCall
	}
	r.sessions[req.CallID] = nil
	r.mu.Unlock()

	unreserve := func() {
		r.mu.Lock()
		delete(r.sessions, req.CallID)
		r.mu.Unlock()
	}

	ok, err := r.gate.Acquire(ctx, globalCapKey, r.limits.MaxConcurrentCalls())
	if err != nil {
		unreserve()
		return nil, fmt.Errorf("session: cap acquire: %w", err)
	}
	if !ok {
		unreserve()
		return nil, ErrAdmissionDenied
	}

	if req.CampaignID != 0 {
		ok, err := r.gate.Acquire(ctx, campaignCapKey(req.CampaignID), req.CampaignLimit)
		if err != nil {
			_ = r.gate.Release(ctx, globalCapKey)
			unreserve()
			return nil, fmt.Errorf("session: campaign cap acquire: %w", err)
		}
		if !ok {
			_ = r.gate.Release(ctx, globalCapKey)
			unreserve()
			return nil, ErrAdmissionDenied
		}
	}

	cfg.CallID = req.CallID
	cfg.Direction = req.Direction
	cfg.CallerNumber = req.CallerNumber
	cfg.CalledNumber = req.CalledNumber
	cfg.CampaignID = req.CampaignID
	cfg.ScheduleID = req.ScheduleID

	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = r.gate.Release(rctx, globalCapKey)
		if req.CampaignID != 0 {
			_ = r.gate.Release(rctx, campaignCapKey(req.CampaignID))
		}
	}

	if err := r.deps.Gateway.InsertCall(ctx, store.Call{
		CallID:       req.CallID,
		CallerNumber: req.CallerNumber,
		CalledNumber: req.CalledNumber,
		PromptID:     cfg.Prompt.PromptID,
		Status:       store.CallStatusActive,
		Direction:    req.Direction,
		StartTime:    time.Now().UTC(),
	}); err != nil {
		release()
		unreserve()
		return nil, fmt.Errorf("session: persist call: %w", err)
	}

	s, err := New(cfg, r.deps)
	if err != nil {
		release()
		unreserve()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[req.CallID] = s
	if arrival, ok := r.arrivals[req.CallID]; ok {
		close(arrival)
		delete(r.arrivals, req.CallID)
	}
	r.mu.Unlock()

	// Remove and release when the session ends, whatever the path.
	go func() {
		<-s.Done()
		r.mu.Lock()
		delete(r.sessions, req.CallID)
		r.mu.Unlock()
		release()
	}()

	return s, nil
}

// Get returns the live session for call_id.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if s == nil {
		// A nil entry is an admission still in flight.
		return nil, false
	}
	return s, ok
}

// Bind waits up to BindGrace for a pending session to appear; the media
// adapter uses it so the switch may connect slightly before or after the
// origination bookkeeping lands.
func (r *Registry) Bind(ctx context.Context, callID string) (*Session, bool) {
	r.mu.Lock()
	if s, ok := r.sessions[callID]; ok && s != nil {
		r.mu.Unlock()
		return s, true
	}
	arrival, ok := r.arrivals[callID]
	if !ok {
		arrival = make(chan struct{})
		r.arrivals[callID] = arrival
	}
	r.mu.Unlock()

	timer := time.NewTimer(r.BindGrace)
	defer timer.Stop()
	select {
	case <-arrival:
		return r.Get(callID)
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	if ch, ok := r.arrivals[callID]; ok && ch == arrival {
		delete(r.arrivals, callID)
	}
	r.mu.Unlock()
	return nil, false
}

// Stats is the observability snapshot.
type Stats struct {
	Active  int            `json:"active"`
	ByState map[string]int `json:"by_state"`
}

// Snapshot reports the live session census.
func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{ByState: map[string]int{}}
	for _, s := range r.sessions {
		if s == nil {
			continue
		}
		st.Active++
		st.ByState[string(s.State())]++
	}
	return st
}

// Active lists the live sessions for the control API.
func (r *Registry) Active() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Drain hangs up every live session and waits for teardown, bounded.
func (r *Registry) Drain(timeout time.Duration) {
	sessions := r.Active()
	for _, s := range sessions {
		s.Hangup()
	}
	deadline := time.After(timeout)
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-deadline:
			return
		}
	}
}
