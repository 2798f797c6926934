package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/akademi/internal/identity"
)

// DefaultWindow is the summary window when the filter sets no bounds.
const DefaultWindow = 7 * 24 * time.Hour

// Aggregator groups stored usage records.
type Aggregator interface {
	Aggregate(ctx context.Context, f Filter) ([]SummaryRow, error)
}

// Service builds usage reports.
type Service struct {
	repo  Aggregator
	clock func() time.Time
}

// NewService builds Service instance.
func NewService(repo Aggregator) *Service {
	return &Service{repo: repo, clock: func() time.Time { return time.Now().UTC() }}
}

// Summarize aggregates decisions within the filter window. A zero To means
// now and a zero From means DefaultWindow before To.
func (s *Service) Summarize(ctx context.Context, f Filter) (Summary, error) {
	if f.To.IsZero() {
		f.To = s.clock()
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-DefaultWindow)
	}
	if !f.From.Before(f.To) {
		return Summary{}, fmt.Errorf("%w: from must be before to", ErrValidation)
	}
	if f.ResourceType != "" && !f.ResourceType.Valid() {
		return Summary{}, fmt.Errorf("%w: unknown resource type %q", ErrValidation, f.ResourceType)
	}
	f.UserEmail = identity.NormalizeEmail(f.UserEmail)

	rows, err := s.repo.Aggregate(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{From: f.From, To: f.To, Rows: rows}
	if summary.Rows == nil {
		summary.Rows = []SummaryRow{}
	}
	for _, row := range rows {
		summary.Total += row.Total
		summary.Allowed += row.Allowed
		summary.Denied += row.Denied
	}
	summary.DenialRate = denialRate(summary.Denied, summary.Total)
	return summary, nil
}
