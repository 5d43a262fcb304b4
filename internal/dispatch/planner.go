// Package dispatch materializes schedules from one content and a set of
// target accounts, with per-account variants and staggered timing.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qiuyin/flockpost/internal/similarity"
	"github.com/qiuyin/flockpost/internal/store"
)

const (
	ModeManual = "manual"
	ModeRule   = "rule"

	maxStaggerMinutes  = 120
	defaultMaxAttempts = 3
)

// variantSuffixes rotate per target index so sibling accounts never
// publish byte-identical bodies.
var variantSuffixes = []string{
	"",
	" Here's a quick take.",
	" Worth a closer look.",
	" Thoughts?",
}

const zhCallToAction = "\n\n关注我们，获取更多内容。"

type Planner struct {
	store *store.Store
}

func New(s *store.Store) *Planner {
	return &Planner{store: s}
}

// Request describes one dispatch run.
type Request struct {
	ContentID      string
	Mode           string   // "manual" or "rule" (default)
	AccountIDs     []string // manual mode only
	ScheduleAt     time.Time
	StaggerMinutes int
	Priority       int
	MaxAttempts    int
}

// Result reports what one dispatch run actually inserted.
type Result struct {
	Planned    int      `json:"planned"`
	Skipped    int      `json:"skipped"` // idempotency-key duplicates
	AccountIDs []string `json:"accountIds"`
}

// Dispatch selects target accounts, builds a variant per account and
// inserts variants, schedules and an activity entry in one transaction,
// so nothing partial survives a failed run. Re-running with identical
// parameters inserts nothing.
func (p *Planner) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.ContentID == "" {
		return nil, errors.New("contentId is required")
	}
	if req.StaggerMinutes < 0 || req.StaggerMinutes > maxStaggerMinutes {
		return nil, fmt.Errorf("staggerMinutes must be in [0,%d]", maxStaggerMinutes)
	}
	if req.Priority == 0 {
		req.Priority = 100
	}
	if req.Priority < 1 || req.Priority > 1000 {
		return nil, errors.New("priority must be in [1,1000]")
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = defaultMaxAttempts
	}
	if req.MaxAttempts < 1 || req.MaxAttempts > 8 {
		return nil, errors.New("maxAttempts must be in [1,8]")
	}
	if req.Mode == "" {
		req.Mode = ModeRule
	}
	if req.ScheduleAt.IsZero() {
		req.ScheduleAt = time.Now().UTC()
	}

	content, err := p.store.GetContent(ctx, req.ContentID)
	if err != nil {
		return nil, fmt.Errorf("load content: %w", err)
	}
	if content == nil {
		return nil, fmt.Errorf("content %s not found", req.ContentID)
	}

	accounts, err := p.selectAccounts(ctx, content, req)
	if err != nil {
		return nil, err
	}

	planned := make([]*store.PlannedSchedule, 0, len(accounts))
	accountIDs := make([]string, 0, len(accounts))
	for i, acct := range accounts {
		variant, err := p.variantFor(ctx, content, acct, i)
		if err != nil {
			return nil, err
		}

		plannedAt := req.ScheduleAt.Add(time.Duration(i*req.StaggerMinutes) * time.Minute)
		pl := &store.PlannedSchedule{Schedule: &store.Schedule{
			AccountID:        acct.ID,
			ContentID:        content.ID,
			ContentVariantID: variant.ID,
			PlannedAt:        plannedAt,
			Status:           store.SchedulePending,
			IdempotencyKey:   idempotencyKey(content.ID, acct.ID, plannedAt),
			Priority:         req.Priority,
			MaxAttempts:      req.MaxAttempts,
		}}
		if variant.ID == "" {
			pl.Variant = variant
		}
		planned = append(planned, pl)
		accountIDs = append(accountIDs, acct.ID)
	}

	meta, _ := json.Marshal(map[string]any{
		"mode":           req.Mode,
		"staggerMinutes": req.StaggerMinutes,
		"priority":       req.Priority,
	})
	inserted, err := p.store.InsertDispatch(ctx, planned, &store.ActivityEntry{
		Level:   store.LevelInfo,
		Event:   "content_dispatched",
		Message: fmt.Sprintf("dispatched content %s to %d accounts", content.ID, len(accounts)),
		Meta:    string(meta),
	})
	if err != nil {
		return nil, fmt.Errorf("insert schedules: %w", err)
	}

	return &Result{
		Planned:    inserted,
		Skipped:    len(planned) - inserted,
		AccountIDs: accountIDs,
	}, nil
}

// selectAccounts resolves the target set: explicit ids in manual mode,
// tag/language routing in rule mode.
func (p *Planner) selectAccounts(ctx context.Context, content *store.Content, req Request) ([]*store.Account, error) {
	if req.Mode == ModeManual {
		ids := dedupe(req.AccountIDs)
		if len(ids) == 0 {
			return nil, errors.New("manual mode requires accountIds")
		}
		accounts := make([]*store.Account, 0, len(ids))
		for _, id := range ids {
			acct, err := p.store.GetAccount(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load account %s: %w", id, err)
			}
			if acct == nil {
				return nil, fmt.Errorf("account %s not found", id)
			}
			accounts = append(accounts, acct)
		}
		return accounts, nil
	}

	all, err := p.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	topic := normalizeKey(content.Topic)
	lang := normalizeKey(content.Language)
	var selected []*store.Account
	for _, acct := range all {
		if matchesRule(acct, topic, lang) {
			selected = append(selected, acct)
		}
	}
	if len(selected) == 0 {
		return nil, errors.New("no accounts match content topic or language")
	}
	return selected, nil
}

// matchesRule: a tag equals the content topic, or the account language
// equals the content language. Both compared trimmed and lowercased.
func matchesRule(acct *store.Account, topic, lang string) bool {
	if topic != "" {
		for _, tag := range acct.Tags {
			if normalizeKey(tag) == topic {
				return true
			}
		}
	}
	return lang != "" && normalizeKey(acct.Language) == lang
}

// variantFor returns the stored variant for (content, account) or builds
// a fresh, not-yet-inserted one. Fresh variants carry an empty ID until
// the dispatch transaction commits them.
func (p *Planner) variantFor(ctx context.Context, content *store.Content, acct *store.Account, index int) (*store.ContentVariant, error) {
	existing, err := p.store.GetVariant(ctx, content.ID, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("load variant: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	body := buildVariantBody(content.Body, acct, index)
	return &store.ContentVariant{
		ContentID:     content.ID,
		AccountID:     acct.ID,
		Body:          body,
		SimilarityKey: similarity.Fingerprint(body),
	}, nil
}

func buildVariantBody(base string, acct *store.Account, index int) string {
	body := base + variantSuffixes[index%len(variantSuffixes)]
	if index%2 == 1 && acct.Username != "" {
		body += " (@" + acct.Username + " edition)"
	}
	if strings.HasPrefix(strings.ToLower(acct.Language), "zh") {
		body += zhCallToAction
	}
	return body
}

func idempotencyKey(contentID, accountID string, plannedAt time.Time) string {
	return contentID + ":" + accountID + ":" + plannedAt.UTC().Format(time.RFC3339)
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
