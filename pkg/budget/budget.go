// Package budget enforces the per-(org, uapk, UTC day) action counter
// declared in a manifest's constraints.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/store"
)

// Verdict is the budget check outcome for one action.
type Verdict struct {
	Allowed  bool
	Escalate bool
	Count    int
	Limit    int
	Reason   *contracts.Reason
}

// Service reads and advances daily counters.
type Service struct {
	store        *store.Store
	defaultLimit int
	logger       *slog.Logger
}

// NewService builds a budget service. defaultLimit applies when a
// manifest declares no max_actions_per_day; zero disables the default.
func NewService(st *store.Store, defaultLimit int, logger *slog.Logger) *Service {
	return &Service{store: st, defaultLimit: defaultLimit, logger: logger.With("component", "budget")}
}

// CounterDate formats the UTC day the counter keys on.
func CounterDate(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Check compares today's count against the manifest limit. threshold,
// when in (0,1), escalates instead of denying once count/limit crosses
// it; the hard limit still denies.
func (s *Service) Check(ctx context.Context, orgID, uapkID string, limit int, threshold float64, now time.Time) (*Verdict, error) {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit <= 0 {
		return &Verdict{Allowed: true}, nil
	}

	counter, err := s.store.GetCounter(ctx, orgID, uapkID, CounterDate(now))
	if err != nil {
		return nil, err
	}

	v := &Verdict{Count: counter.Count, Limit: limit}
	if counter.Count >= limit {
		v.Reason = &contracts.Reason{
			Code:    contracts.ReasonBudgetExceeded,
			Message: fmt.Sprintf("Daily budget of %d actions exhausted (%d used)", limit, counter.Count),
			Details: map[string]any{"count": counter.Count, "limit": limit},
		}
		return v, nil
	}
	if threshold > 0 && threshold < 1 && float64(counter.Count) >= threshold*float64(limit) {
		v.Allowed = true
		v.Escalate = true
		v.Reason = &contracts.Reason{
			Code:    contracts.ReasonBudgetThresholdReached,
			Message: fmt.Sprintf("Budget threshold reached: %d of %d daily actions used", counter.Count, limit),
			Details: map[string]any{"count": counter.Count, "limit": limit, "threshold": threshold},
		}
		return v, nil
	}
	v.Allowed = true
	return v, nil
}

// Increment advances today's counter after an approved admission.
func (s *Service) Increment(ctx context.Context, orgID, uapkID string, now time.Time) (int, error) {
	count, err := s.store.IncrementCounter(ctx, orgID, uapkID, CounterDate(now), now.UTC())
	if err != nil {
		return 0, err
	}
	s.logger.DebugContext(ctx, "budget counter advanced",
		"org_id", orgID, "uapk_id", uapkID, "count", count)
	return count, nil
}
