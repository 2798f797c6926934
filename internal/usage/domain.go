package usage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/akademi/internal/rbac"
)

// ErrValidation wraps invalid summary filters.
var ErrValidation = errors.New("usage: validation failed")

// Record is one append-only usage row describing a single decision.
type Record struct {
	UserEmail    string    `json:"user_email"`
	Role         string    `json:"role,omitempty"`
	ResourceType string    `json:"resource_type"`
	ResourceKey  string    `json:"resource_key"`
	Operation    string    `json:"operation"`
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// FromDecision flattens an evaluation into a usage record.
func FromDecision(req rbac.EvaluationRequest, res rbac.EvaluationResult) Record {
	return Record{
		UserEmail:    req.UserEmail,
		Role:         string(res.Role),
		ResourceType: string(req.ResourceType),
		ResourceKey:  req.ResourceKey,
		Operation:    string(req.Operation),
		Allowed:      res.Allowed,
		Reason:       string(res.Reason),
		EvaluatedAt:  res.EvaluatedAt,
	}
}

// Sampling selects which decisions are recorded.
type Sampling string

const (
	SampleAll     Sampling = "all"
	SampleDenials Sampling = "denials"
)

// ParseSampling validates a sampling mode. Empty means SampleAll.
func ParseSampling(raw string) (Sampling, error) {
	switch s := Sampling(strings.TrimSpace(strings.ToLower(raw))); s {
	case "", SampleAll:
		return SampleAll, nil
	case SampleDenials:
		return s, nil
	default:
		return "", fmt.Errorf("usage: unknown sampling mode %q", raw)
	}
}

func (s Sampling) keep(rec Record) bool {
	if s == SampleDenials {
		return !rec.Allowed
	}
	return true
}

// Filter narrows a usage summary. From is inclusive, To exclusive.
type Filter struct {
	From         time.Time
	To           time.Time
	ResourceType rbac.ResourceType
	UserEmail    string
}

// SummaryRow aggregates decisions for one resource and operation.
type SummaryRow struct {
	ResourceType string  `json:"resource_type"`
	ResourceKey  string  `json:"resource_key"`
	Operation    string  `json:"operation"`
	Total        int64   `json:"total"`
	Allowed      int64   `json:"allowed"`
	Denied       int64   `json:"denied"`
	DenialRate   float64 `json:"denial_rate"`
}

// Summary is the aggregated usage report for a time window.
type Summary struct {
	From       time.Time    `json:"from"`
	To         time.Time    `json:"to"`
	Total      int64        `json:"total"`
	Allowed    int64        `json:"allowed"`
	Denied     int64        `json:"denied"`
	DenialRate float64      `json:"denial_rate"`
	Rows       []SummaryRow `json:"rows"`
}

func denialRate(denied, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(denied) / float64(total)
}
