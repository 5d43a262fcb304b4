// Package risk gates each publish behind the account's pacing,
// quota and content-similarity envelope.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/qiuyin/flockpost/internal/similarity"
	"github.com/qiuyin/flockpost/internal/store"
)

type Outcome int

const (
	Proceed Outcome = iota
	Reschedule
	Block
)

// Decision is the result of one risk evaluation. RescheduleAt is set
// only for Reschedule outcomes.
type Decision struct {
	Outcome      Outcome
	Reason       string
	RescheduleAt time.Time
}

type Engine struct {
	store     *store.Store
	loc       *time.Location
	threshold float64
}

// New builds an engine. Quota day/month boundaries use loc on every
// read and write, so "daily" means the same thing everywhere.
func New(s *store.Store, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{store: s, loc: loc, threshold: similarity.DefaultThreshold}
}

// Evaluate runs the checks in order: min interval, daily quota, monthly
// quota, similarity. The first hit decides.
func (e *Engine) Evaluate(ctx context.Context, acct *store.Account, body string, corpus []string, now time.Time) (Decision, error) {
	if acct.LastPostedAt != nil && acct.MinIntervalMinutes > 0 {
		earliest := acct.LastPostedAt.Add(time.Duration(acct.MinIntervalMinutes) * time.Minute)
		if earliest.After(now) {
			return Decision{
				Outcome:      Reschedule,
				Reason:       fmt.Sprintf("Minimum interval of %dm not reached, rescheduled.", acct.MinIntervalMinutes),
				RescheduleAt: earliest,
			}, nil
		}
	}

	dayStart := startOfDay(now, e.loc)
	posted, err := e.store.CountPostedSince(ctx, acct.ID, dayStart)
	if err != nil {
		return Decision{}, fmt.Errorf("count daily posts: %w", err)
	}
	if acct.DailyPostLimit > 0 && posted >= acct.DailyPostLimit {
		return Decision{
			Outcome: Block,
			Reason:  fmt.Sprintf("Daily quota reached (%d).", posted),
		}, nil
	}

	monthStart := startOfMonth(now, e.loc)
	posted, err = e.store.CountPostedSince(ctx, acct.ID, monthStart)
	if err != nil {
		return Decision{}, fmt.Errorf("count monthly posts: %w", err)
	}
	if acct.MonthlyPostLimit > 0 && posted >= acct.MonthlyPostLimit {
		return Decision{
			Outcome: Block,
			Reason:  fmt.Sprintf("Monthly quota reached (%d).", posted),
		}, nil
	}

	if similarity.TooSimilar(body, corpus, e.threshold) {
		return Decision{
			Outcome: Block,
			Reason:  "Content too similar to recent published posts.",
		}, nil
	}

	return Decision{Outcome: Proceed}, nil
}

func startOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func startOfMonth(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
}
