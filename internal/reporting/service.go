package reporting

import (
	"context"
	"errors"
	"time"

	"voicebridge/internal/store"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts read access for reporting. Implementations should
// query the immutable call history.
type Repository interface {
	ListCalls(ctx context.Context, from, to time.Time) ([]store.Call, error)
}

// TimeRange bounds a report; To is exclusive.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummary aggregates the call history for one range.
type CallsSummary struct {
	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	FailedCalls    int `json:"failed_calls"`
	ActiveCalls    int `json:"active_calls"`
	InboundCalls   int `json:"inbound_calls"`
	OutboundCalls  int `json:"outbound_calls"`

	TotalDurationSeconds   float64 `json:"total_duration_seconds"`
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, r TimeRange) (CallsSummary, error) {
	if r.From.IsZero() || r.To.IsZero() || !r.To.After(r.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, r.From, r.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{}
	finished := 0
	for _, c := range rows {
		out.TotalCalls++
		switch c.Status {
		case store.CallStatusCompleted:
			out.CompletedCalls++
		case store.CallStatusFailed:
			out.FailedCalls++
		case store.CallStatusActive:
			out.ActiveCalls++
		}
		switch c.Direction {
		case store.DirectionInbound:
			out.InboundCalls++
		case store.DirectionOutbound:
			out.OutboundCalls++
		}
		if c.DurationSeconds > 0 {
			out.TotalDurationSeconds += c.DurationSeconds
			finished++
		}
	}
	if finished > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / float64(finished)
	}
	return out, nil
}

// GatewayRepo adapts the persistence gateway to the reporting Repository.
type GatewayRepo struct {
	GW store.Gateway
}

func (g GatewayRepo) ListCalls(ctx context.Context, from, to time.Time) ([]store.Call, error) {
	var out []store.Call
	for page := 1; ; page++ {
		rows, _, err := g.GW.ListCalls(ctx, store.ListCallsQuery{Page: page, PerPage: 200})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return out, nil
		}
		for _, c := range rows {
			if c.StartTime.Before(from) || !c.StartTime.Before(to) {
				continue
			}
			out = append(out, c)
		}
		if len(rows) < 200 {
			return out, nil
		}
	}
}
