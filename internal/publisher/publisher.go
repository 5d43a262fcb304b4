// Package publisher drains due schedules: it resolves credentials,
// enforces the risk envelope, calls the Platform and settles every
// outcome atomically.
//
// A cycle holds no cross-schedule state beyond the fairness set and the
// similarity corpus, and no transaction stays open across a network
// call. Overlapping cycles are tolerated for dispatch (idempotency key)
// but not for settlement; operators run a single active publisher.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/qiuyin/flockpost/internal/events"
	"github.com/qiuyin/flockpost/internal/platform"
	"github.com/qiuyin/flockpost/internal/risk"
	"github.com/qiuyin/flockpost/internal/secret"
	"github.com/qiuyin/flockpost/internal/store"
	"github.com/qiuyin/flockpost/internal/transport"
)

const (
	corpusWindow = 72 * time.Hour
	corpusLimit  = 250

	minCycleLimit = 1
	maxCycleLimit = 200
)

// retryBackoff floors per attempt number; the Platform's advertised
// reset wins when it is later.
var retryBackoff = []time.Duration{2 * time.Minute, 10 * time.Minute, 30 * time.Minute}

// Summary counts one cycle's outcomes.
type Summary struct {
	Scanned     int `json:"scanned"`
	Attempted   int `json:"attempted"`
	Posted      int `json:"posted"`
	Failed      int `json:"failed"`
	Blocked     int `json:"blocked"`
	Rescheduled int `json:"rescheduled"`
}

type Publisher struct {
	store  *store.Store
	keeper *secret.Keeper
	client *platform.Client
	risk   *risk.Engine
	bus    *events.Bus
}

func New(s *store.Store, keeper *secret.Keeper, client *platform.Client, riskEngine *risk.Engine, bus *events.Bus) *Publisher {
	return &Publisher{store: s, keeper: keeper, client: client, risk: riskEngine, bus: bus}
}

// RunCycle drains up to limit due schedules sequentially, at most one
// per account. Per-schedule failures are contained and recorded; the
// cycle itself only errors on selection or corpus queries.
func (p *Publisher) RunCycle(ctx context.Context, limit int) (*Summary, error) {
	if limit < minCycleLimit {
		limit = minCycleLimit
	}
	if limit > maxCycleLimit {
		limit = maxCycleLimit
	}

	now := time.Now().UTC()
	due, err := p.store.DueSchedules(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}

	corpus, err := p.store.RecentPostedBodies(ctx, now.Add(-corpusWindow), corpusLimit)
	if err != nil {
		return nil, fmt.Errorf("load recent corpus: %w", err)
	}

	summary := &Summary{Scanned: len(due)}
	seen := make(map[string]struct{}, len(due))

	for _, d := range due {
		if _, ok := seen[d.Account.ID]; ok {
			continue
		}
		seen[d.Account.ID] = struct{}{}
		summary.Attempted++

		outcome := p.process(ctx, d, &corpus)
		switch outcome {
		case outcomePosted:
			summary.Posted++
		case outcomeFailed:
			summary.Failed++
		case outcomeBlocked:
			summary.Blocked++
		case outcomeRescheduled:
			summary.Rescheduled++
		}
	}

	slog.Info("cycle finished",
		"scanned", summary.Scanned, "attempted", summary.Attempted,
		"posted", summary.Posted, "failed", summary.Failed,
		"blocked", summary.Blocked, "rescheduled", summary.Rescheduled)
	p.publish(events.Event{
		Type:    events.EventCycle,
		Message: fmt.Sprintf("posted=%d failed=%d blocked=%d rescheduled=%d", summary.Posted, summary.Failed, summary.Blocked, summary.Rescheduled),
	})
	return summary, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomePosted
	outcomeFailed
	outcomeBlocked
	outcomeRescheduled
)

// process runs one schedule and guarantees the claim does not outlive
// the cycle: any path that could not settle returns the row to PENDING.
func (p *Publisher) process(ctx context.Context, d *store.DueSchedule, corpus *[]string) outcome {
	out := p.attempt(ctx, d, corpus)
	if out == outcomeNone {
		p.release(ctx, d.Schedule.ID)
	}
	return out
}

// attempt runs the per-schedule state machine: proxy resolve, token
// availability, risk gate, publish, settle.
func (p *Publisher) attempt(ctx context.Context, d *store.DueSchedule, corpus *[]string) outcome {
	if err := p.store.MarkProcessing(ctx, d.Schedule.ID); err != nil {
		slog.Error("mark processing failed", "scheduleId", d.Schedule.ID, "error", err)
		return outcomeNone
	}

	proxy, reason := p.resolveProxy(&d.Account)
	if reason != "" {
		return p.settleBlocked(ctx, d, reason, "", "")
	}

	accessToken, out := p.ensureToken(ctx, d, proxy)
	if accessToken == "" {
		return out
	}

	now := time.Now().UTC()
	decision, err := p.risk.Evaluate(ctx, &d.Account, d.Variant.Body, *corpus, now)
	if err != nil {
		slog.Error("risk evaluation failed", "scheduleId", d.Schedule.ID, "error", err)
		return outcomeNone
	}
	switch decision.Outcome {
	case risk.Reschedule:
		if err := p.store.Reschedule(ctx, d.Schedule.ID, decision.RescheduleAt, decision.Reason, &store.ActivityEntry{
			Level:      store.LevelInfo,
			Event:      "schedule_rescheduled",
			Message:    decision.Reason,
			AccountID:  d.Account.ID,
			ScheduleID: d.Schedule.ID,
		}); err != nil {
			slog.Error("reschedule failed", "scheduleId", d.Schedule.ID, "error", err)
			return outcomeNone
		}
		p.publish(events.Event{Type: events.EventRescheduled, AccountID: d.Account.ID, ScheduleID: d.Schedule.ID, Message: decision.Reason})
		return outcomeRescheduled
	case risk.Block:
		return p.settleBlocked(ctx, d, decision.Reason, "", "")
	}

	requestedAt := time.Now().UTC()
	res, err := p.client.Publish(ctx, accessToken, d.Variant.Body, proxy)
	if err != nil {
		// transport-level failure: retryable, no response observed
		return p.settlePublishFailure(ctx, d, requestedAt, 0, "", err.Error(), store.RateLimit{}, false)
	}

	if res.OK() {
		return p.settlePosted(ctx, d, requestedAt, res, corpus)
	}
	return p.settlePublishFailure(ctx, d, requestedAt, res.StatusCode, res.ErrorCode, res.ErrorMessage, res.RateLimit, true)
}

// resolveProxy validates and decrypts the account's proxy config.
// A non-empty reason means the schedule must be blocked.
func (p *Publisher) resolveProxy(acct *store.Account) (*transport.Proxy, string) {
	if !acct.ProxyEnabled {
		return nil, ""
	}
	if acct.ProxyProtocol == "" || acct.ProxyHost == "" || acct.ProxyPort == 0 {
		return nil, "Proxy is enabled but protocol/host/port are incomplete."
	}
	proxy := &transport.Proxy{
		Protocol: acct.ProxyProtocol,
		Host:     acct.ProxyHost,
		Port:     acct.ProxyPort,
		Username: acct.ProxyUsername,
	}
	if acct.ProxyPasswordEnc != "" {
		pw, err := p.keeper.Open(acct.ProxyPasswordEnc)
		if err != nil {
			return nil, "Proxy password cannot be decrypted: " + err.Error()
		}
		proxy.Password = pw
	}
	return proxy, ""
}

// ensureToken returns a usable access token, refreshing through the
// account's proxy when the stored one has expired. Failures return an
// empty token: most settle the schedule as BLOCKED and demote the
// account, a lost token write returns outcomeNone for the caller to
// release the claim.
func (p *Publisher) ensureToken(ctx context.Context, d *store.DueSchedule, proxy *transport.Proxy) (string, outcome) {
	acct := &d.Account
	now := time.Now().UTC()

	expired := acct.TokenExpiresAt != nil && !acct.TokenExpiresAt.After(now)
	if !expired {
		token, err := p.keeper.Open(acct.AccessTokenEnc)
		if err != nil {
			return "", p.settleBlocked(ctx, d, "Access token cannot be decrypted: "+err.Error(), "", "")
		}
		if token == "" {
			return "", p.settleBlocked(ctx, d, "Stored access token is empty.", "", "")
		}
		return token, outcomeNone
	}

	if acct.RefreshTokenEnc == "" {
		return "", p.settleBlocked(ctx, d, "Access token expired and no refresh token is stored.",
			store.AccountTokenExpired, "Access token expired and no refresh token is stored.")
	}

	refreshToken, err := p.keeper.Open(acct.RefreshTokenEnc)
	if err != nil {
		return "", p.settleBlocked(ctx, d, "Refresh token cannot be decrypted: "+err.Error(),
			store.AccountTokenExpired, "Refresh token cannot be decrypted.")
	}

	res, err := p.client.RefreshToken(ctx, refreshToken, proxy)
	if err != nil {
		return "", p.settleBlocked(ctx, d, "Token refresh failed: "+err.Error(),
			store.AccountTokenExpired, "Token refresh failed.")
	}
	if !res.OK() {
		return "", p.settleBlocked(ctx, d, "Token refresh rejected: "+res.ErrorMessage,
			store.AccountTokenExpired, res.ErrorMessage)
	}

	accessEnc, err := p.keeper.Seal(res.AccessToken)
	if err != nil {
		return "", p.settleBlocked(ctx, d, "Cannot seal refreshed access token: "+err.Error(),
			store.AccountTokenExpired, "Cannot seal refreshed access token.")
	}
	refreshEnc := ""
	if res.RefreshToken != "" {
		if refreshEnc, err = p.keeper.Seal(res.RefreshToken); err != nil {
			return "", p.settleBlocked(ctx, d, "Cannot seal refreshed refresh token: "+err.Error(),
				store.AccountTokenExpired, "Cannot seal refreshed refresh token.")
		}
	}
	if err := p.store.UpdateAccountTokens(ctx, acct.ID, accessEnc, refreshEnc, res.ExpiresAt); err != nil {
		slog.Error("store refreshed tokens failed", "accountId", acct.ID, "error", err)
		return "", outcomeNone
	}

	slog.Info("token refreshed", "accountId", acct.ID)
	p.publish(events.Event{Type: events.EventTokenRefresh, AccountID: acct.ID, Message: "token refreshed"})
	return res.AccessToken, outcomeNone
}

func (p *Publisher) settlePosted(ctx context.Context, d *store.DueSchedule, requestedAt time.Time, res *platform.Result, corpus *[]string) outcome {
	postedAt := time.Now().UTC()
	err := p.store.SettlePosted(ctx, store.PostedSettlement{
		ScheduleID:     d.Schedule.ID,
		AccountID:      d.Account.ID,
		PostedAt:       postedAt,
		ExternalPostID: res.PostID,
		AttemptNo:      d.Schedule.AttemptCount + 1,
		RequestedAt:    requestedAt,
		HTTPStatus:     res.StatusCode,
		RateLimit:      res.RateLimit,
		Endpoint:       platform.EndpointCreatePost,
	})
	if err != nil {
		slog.Error("settle posted failed", "scheduleId", d.Schedule.ID, "error", err)
		return outcomeNone
	}

	// later items in this cycle must see the fresh body
	*corpus = append([]string{d.Variant.Body}, *corpus...)
	if len(*corpus) > corpusLimit {
		*corpus = (*corpus)[:corpusLimit]
	}

	slog.Info("schedule posted", "scheduleId", d.Schedule.ID, "accountId", d.Account.ID, "postId", res.PostID)
	p.publish(events.Event{Type: events.EventPosted, AccountID: d.Account.ID, ScheduleID: d.Schedule.ID, Message: "posted " + res.PostID})
	return outcomePosted
}

// settlePublishFailure applies the failure mapping: 401/403 block, the
// rest retries until the attempt budget runs out.
func (p *Publisher) settlePublishFailure(ctx context.Context, d *store.DueSchedule, requestedAt time.Time, status int, errorCode, errorMessage string, rl store.RateLimit, observed bool) outcome {
	now := time.Now().UTC()
	n := d.Schedule.AttemptCount + 1
	forceBlock := status == http.StatusUnauthorized || status == http.StatusForbidden
	canRetry := !forceBlock && n < d.Schedule.MaxAttempts

	fs := store.FailureSettlement{
		ScheduleID:  d.Schedule.ID,
		AccountID:   d.Account.ID,
		AttemptNo:   n,
		LastError:   errorMessage,
		RequestedAt: requestedAt,
		FinishedAt:  now,
		ErrorCode:   errorCode,
		RateLimit:   rl,
	}
	if status > 0 {
		fs.HTTPStatus = &status
	}
	if observed {
		fs.Endpoint = platform.EndpointCreatePost
	}

	switch status {
	case http.StatusTooManyRequests:
		fs.AccountStatus = store.AccountRateLimited
	case http.StatusUnauthorized:
		fs.AccountStatus = store.AccountTokenExpired
	case http.StatusForbidden:
		fs.AccountStatus = store.AccountSuspended
	}
	if fs.AccountStatus != "" {
		fs.HealthMessage = errorMessage
	}

	if canRetry {
		next := retryAt(now, n, rl.ResetAt)
		fs.ScheduleStatus = store.ScheduleFailed
		fs.AttemptStatus = store.AttemptRetryScheduled
		fs.NextAttemptAt = &next
		fs.LogLevel = store.LevelWarn
		fs.Event = "schedule_failed"
	} else {
		fs.ScheduleStatus = store.ScheduleBlocked
		fs.AttemptStatus = store.AttemptFail
		fs.LogLevel = store.LevelError
		fs.Event = "schedule_blocked"
	}

	if err := p.store.SettleFailure(ctx, fs); err != nil {
		slog.Error("settle failure failed", "scheduleId", d.Schedule.ID, "error", err)
		return outcomeNone
	}

	if canRetry {
		slog.Warn("publish failed, retry scheduled",
			"scheduleId", d.Schedule.ID, "accountId", d.Account.ID,
			"status", status, "attempt", n, "nextAttemptAt", fs.NextAttemptAt)
	} else {
		slog.Error("publish failed, schedule blocked",
			"scheduleId", d.Schedule.ID, "accountId", d.Account.ID,
			"status", status, "attempt", n)
	}
	evType := events.EventBlocked
	if status == http.StatusTooManyRequests {
		evType = events.EventRateLimited
	}
	p.publish(events.Event{Type: evType, AccountID: d.Account.ID, ScheduleID: d.Schedule.ID, Message: errorMessage})

	if canRetry {
		return outcomeFailed
	}
	return outcomeBlocked
}

// settleBlocked handles pre-network blocks: bad proxy config, secret
// integrity, token lifecycle and policy hits. accountStatus empty
// leaves the account untouched.
func (p *Publisher) settleBlocked(ctx context.Context, d *store.DueSchedule, reason, accountStatus, healthMessage string) outcome {
	now := time.Now().UTC()
	err := p.store.SettleFailure(ctx, store.FailureSettlement{
		ScheduleID:     d.Schedule.ID,
		AccountID:      d.Account.ID,
		ScheduleStatus: store.ScheduleBlocked,
		AttemptNo:      d.Schedule.AttemptCount + 1,
		AttemptStatus:  store.AttemptBlocked,
		LastError:      reason,
		AccountStatus:  accountStatus,
		HealthMessage:  healthMessage,
		RequestedAt:    now,
		FinishedAt:     now,
		LogLevel:       store.LevelError,
		Event:          "schedule_blocked",
	})
	if err != nil {
		slog.Error("settle blocked failed", "scheduleId", d.Schedule.ID, "error", err)
		return outcomeNone
	}

	slog.Error("schedule blocked", "scheduleId", d.Schedule.ID, "accountId", d.Account.ID, "reason", reason)
	p.publish(events.Event{Type: events.EventBlocked, AccountID: d.Account.ID, ScheduleID: d.Schedule.ID, Message: reason})
	return outcomeBlocked
}

func (p *Publisher) publish(e events.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}

// release runs detached from the cycle context: a canceled trigger
// request must not strand the row in PROCESSING.
func (p *Publisher) release(ctx context.Context, scheduleID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.ReleaseProcessing(rctx, scheduleID); err != nil {
		slog.Error("release claim failed", "scheduleId", scheduleID, "error", err)
	}
}

// retryAt floors the next attempt at the back-off for this attempt
// number and respects a later Platform-advertised reset.
func retryAt(now time.Time, attempt int, resetAt *time.Time) time.Time {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	at := now.Add(retryBackoff[idx])
	if resetAt != nil && resetAt.After(at) {
		at = *resetAt
	}
	return at
}
