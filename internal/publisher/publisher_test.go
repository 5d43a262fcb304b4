package publisher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qiuyin/flockpost/internal/platform"
	"github.com/qiuyin/flockpost/internal/risk"
	"github.com/qiuyin/flockpost/internal/secret"
	"github.com/qiuyin/flockpost/internal/store"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type fixture struct {
	store  *store.Store
	keeper *secret.Keeper
	client *platform.Client
	pub    *Publisher
}

// newFixture wires a publisher against a real store and an httptest
// Platform backend.
func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	keeper, err := secret.NewKeeper(testKey)
	if err != nil {
		t.Fatalf("keeper: %v", err)
	}

	opts := platform.Options{ClientID: "cid", ClientSecret: "cs", RPS: 1000}
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		opts.BaseURL = srv.URL
	} else {
		opts.Mock = true
	}
	client := platform.NewClient(opts, nil)

	return &fixture{
		store:  s,
		keeper: keeper,
		client: client,
		pub:    New(s, keeper, client, risk.New(s, time.UTC), nil),
	}
}

// middayZone is a fixed zone where the current instant is local noon, so
// windows reaching a few minutes back never cross a day boundary.
func middayZone() *time.Location {
	now := time.Now().UTC()
	intoDay := now.Hour()*3600 + now.Minute()*60 + now.Second()
	return time.FixedZone("midday", 12*3600-intoDay)
}

func (f *fixture) seedAccount(t *testing.T, id string, mutate func(*store.Account)) *store.Account {
	t.Helper()
	access, err := f.keeper.Seal("access-" + id)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	a := &store.Account{
		ID: id, XUserID: "x-" + id, Username: id,
		AccessTokenEnc:     access,
		MinIntervalMinutes: 5, DailyPostLimit: 10, MonthlyPostLimit: 100,
	}
	if mutate != nil {
		mutate(a)
	}
	if err := f.store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return a
}

func (f *fixture) seedDue(t *testing.T, scheduleID, accountID, body string) *store.Schedule {
	t.Helper()
	ctx := context.Background()
	contentID := "c-" + scheduleID
	if err := f.store.CreateContent(ctx, &store.Content{ID: contentID, Title: "t", Body: body}); err != nil {
		t.Fatalf("content: %v", err)
	}
	v := &store.ContentVariant{ID: "v-" + scheduleID, ContentID: contentID, AccountID: accountID,
		Body: body, SimilarityKey: "k"}
	if err := f.store.InsertVariant(ctx, v); err != nil {
		t.Fatalf("variant: %v", err)
	}
	sc := &store.Schedule{
		ID: scheduleID, AccountID: accountID, ContentID: contentID, ContentVariantID: v.ID,
		PlannedAt: time.Now().UTC().Add(-time.Minute), IdempotencyKey: "idem-" + scheduleID,
		Priority: 100, MaxAttempts: 3,
	}
	if _, err := f.store.InsertSchedules(ctx, []*store.Schedule{sc}, nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return sc
}

func rateLimitHeaders(w http.ResponseWriter, limit, remaining int, reset time.Time) {
	w.Header().Set("x-rate-limit-limit", strconv.Itoa(limit))
	w.Header().Set("x-rate-limit-remaining", strconv.Itoa(remaining))
	w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset.Unix(), 10))
}

func TestCycleHappyPath(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rateLimitHeaders(w, 300, 298, time.Now().Add(15*time.Minute))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"p1"}}`))
	}))
	ctx := context.Background()
	f.seedAccount(t, "a1", nil)
	sc := f.seedDue(t, "s1", "a1", "the happy path body")

	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Scanned != 1 || sum.Attempted != 1 || sum.Posted != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.Status != store.SchedulePosted || got.ExternalPostID != "p1" || got.AttemptCount != 1 {
		t.Fatalf("schedule = %+v", got)
	}
	acct, _ := f.store.GetAccount(ctx, "a1")
	if acct.Status != store.AccountActive || acct.LastPostedAt == nil {
		t.Fatalf("account = %+v", acct)
	}
	attempts, _ := f.store.AttemptsForSchedule(ctx, sc.ID)
	if len(attempts) != 1 || attempts[0].Status != store.AttemptSuccess {
		t.Fatalf("attempts = %+v", attempts)
	}
	snaps, _ := f.store.SnapshotsForAccount(ctx, "a1")
	if len(snaps) != 1 || snaps[0].Endpoint != platform.EndpointCreatePost {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if *snaps[0].Remaining != 298 {
		t.Fatalf("snapshot remaining = %d", *snaps[0].Remaining)
	}
	metric, _ := f.store.MetricForSchedule(ctx, sc.ID)
	if metric == nil {
		t.Fatal("metric row missing")
	}
}

func TestCycleRateLimited(t *testing.T) {
	reset := time.Now().Add(5 * time.Minute).Truncate(time.Second)
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rateLimitHeaders(w, 300, 0, reset)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"title":"Too Many Requests"}`))
	}))
	ctx := context.Background()
	f.seedAccount(t, "a1", nil)
	sc := f.seedDue(t, "s1", "a1", "body")

	start := time.Now()
	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Failed != 1 || sum.Posted != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.Status != store.ScheduleFailed || got.AttemptCount != 1 {
		t.Fatalf("schedule = %+v", got)
	}
	// max(now+2m, reset=now+5m) = reset
	if got.NextAttemptAt == nil {
		t.Fatal("nextAttemptAt missing")
	}
	if got.NextAttemptAt.Before(reset) || got.NextAttemptAt.After(start.Add(6*time.Minute)) {
		t.Fatalf("nextAttemptAt = %v, want ~%v", got.NextAttemptAt, reset)
	}
	acct, _ := f.store.GetAccount(ctx, "a1")
	if acct.Status != store.AccountRateLimited {
		t.Fatalf("account status = %s", acct.Status)
	}
	attempts, _ := f.store.AttemptsForSchedule(ctx, sc.ID)
	if len(attempts) != 1 || attempts[0].Status != store.AttemptRetryScheduled {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestCycleSuspension(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"detail":"account suspended"}`))
	}))
	ctx := context.Background()
	f.seedAccount(t, "a1", nil)
	sc := f.seedDue(t, "s1", "a1", "body")

	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Blocked != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.Status != store.ScheduleBlocked || got.NextAttemptAt != nil {
		t.Fatalf("schedule = %+v", got)
	}
	acct, _ := f.store.GetAccount(ctx, "a1")
	if acct.Status != store.AccountSuspended || acct.HealthMessage != "account suspended" {
		t.Fatalf("account = status=%s health=%q", acct.Status, acct.HealthMessage)
	}
	attempts, _ := f.store.AttemptsForSchedule(ctx, sc.ID)
	if len(attempts) != 1 || attempts[0].Status != store.AttemptFail {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestCycleQuotaBlockSkipsNetwork(t *testing.T) {
	called := false
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"p1"}}`))
	}))
	ctx := context.Background()
	f.pub = New(f.store, f.keeper, f.client, risk.New(f.store, middayZone()), nil)

	f.seedAccount(t, "a1", func(a *store.Account) { a.DailyPostLimit = 1 })
	posted := f.seedDue(t, "s-old", "a1", "an earlier post body")
	// posted 6 minutes ago: pacing (5m) is clear, the daily quota is not
	postedAt := time.Now().UTC().Add(-6 * time.Minute)
	if err := f.store.SettlePosted(ctx, store.PostedSettlement{
		ScheduleID: posted.ID, AccountID: "a1", PostedAt: postedAt,
		ExternalPostID: "p0", AttemptNo: 1, RequestedAt: postedAt,
		HTTPStatus: 201, Endpoint: "e",
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	sc := f.seedDue(t, "s1", "a1", "a totally different new body")

	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Blocked != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if called {
		t.Fatal("quota block must not reach the network")
	}

	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.Status != store.ScheduleBlocked || got.LastError != "Daily quota reached (1)." {
		t.Fatalf("schedule = status=%s lastError=%q", got.Status, got.LastError)
	}
	attempts, _ := f.store.AttemptsForSchedule(ctx, sc.ID)
	if len(attempts) != 1 || attempts[0].Status != store.AttemptBlocked {
		t.Fatalf("attempts = %+v", attempts)
	}
	// no response observed, so no snapshot for the blocked schedule
	snaps, _ := f.store.SnapshotsForAccount(ctx, "a1")
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want only the seeded settle's", len(snaps))
	}
}

func TestCycleSimilarityBlock(t *testing.T) {
	called := false
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	ctx := context.Background()
	f.seedAccount(t, "a1", nil)
	f.seedAccount(t, "a2", nil)

	// a2 already posted nearly identical text inside the corpus window
	prior := f.seedDue(t, "s-prior", "a2", "our launch is live today come check it out")
	if err := f.store.SettlePosted(ctx, store.PostedSettlement{
		ScheduleID: prior.ID, AccountID: "a2", PostedAt: time.Now().UTC().Add(-time.Hour),
		ExternalPostID: "p0", AttemptNo: 1, RequestedAt: time.Now().UTC(), HTTPStatus: 201, Endpoint: "e",
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	sc := f.seedDue(t, "s1", "a1", "Our launch is LIVE today, come check it out!")
	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Blocked != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if called {
		t.Fatal("similarity block must not reach the network")
	}
	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.LastError != "Content too similar to recent published posts." {
		t.Fatalf("lastError = %q", got.LastError)
	}
}

func TestCyclePacingReschedule(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("pacing reschedule must not reach the network")
	}))
	ctx := context.Background()
	last := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	f.seedAccount(t, "a1", func(a *store.Account) {
		a.MinIntervalMinutes = 10
		a.LastPostedAt = &last
	})
	sc := f.seedDue(t, "s1", "a1", "body")

	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Rescheduled != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.Status != store.SchedulePending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
	if want := last.Add(10 * time.Minute); !got.PlannedAt.Equal(want) {
		t.Fatalf("plannedAt = %v, want %v", got.PlannedAt, want)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("reschedule consumed an attempt: %d", got.AttemptCount)
	}
	attempts, _ := f.store.AttemptsForSchedule(ctx, sc.ID)
	if len(attempts) != 0 {
		t.Fatalf("reschedule must not write attempt rows, got %d", len(attempts))
	}
}

func TestCycleTokenExpiredNoRefreshToken(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected")
	}))
	ctx := context.Background()
	expired := time.Now().UTC().Add(-time.Hour)
	f.seedAccount(t, "a1", func(a *store.Account) {
		a.TokenExpiresAt = &expired
	})
	sc := f.seedDue(t, "s1", "a1", "body")

	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Blocked != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.Status != store.ScheduleBlocked {
		t.Fatalf("status = %s", got.Status)
	}
	acct, _ := f.store.GetAccount(ctx, "a1")
	if acct.Status != store.AccountTokenExpired {
		t.Fatalf("account status = %s, want TOKEN_EXPIRED", acct.Status)
	}
}

func TestCycleRefreshesExpiredToken(t *testing.T) {
	var publishAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("refresh_token") != "refresh-a1" {
			t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
		}
		_, _ = w.Write([]byte(`{"access_token":"fresh-at","refresh_token":"fresh-rt","expires_in":7200}`))
	})
	mux.HandleFunc("POST /2/tweets", func(w http.ResponseWriter, r *http.Request) {
		publishAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"p1"}}`))
	})
	f := newFixture(t, mux)
	ctx := context.Background()

	expired := time.Now().UTC().Add(-time.Hour)
	refreshEnc, _ := f.keeper.Seal("refresh-a1")
	f.seedAccount(t, "a1", func(a *store.Account) {
		a.TokenExpiresAt = &expired
		a.RefreshTokenEnc = refreshEnc
		a.Status = store.AccountTokenExpired
	})
	sc := f.seedDue(t, "s1", "a1", "body")

	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Posted != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if publishAuth != "Bearer fresh-at" {
		t.Fatalf("publish used %q, want the refreshed token", publishAuth)
	}

	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.Status != store.SchedulePosted {
		t.Fatalf("status = %s", got.Status)
	}
	acct, _ := f.store.GetAccount(ctx, "a1")
	if acct.Status != store.AccountActive {
		t.Fatalf("account status = %s", acct.Status)
	}
	if acct.TokenExpiresAt == nil || !acct.TokenExpiresAt.After(time.Now()) {
		t.Fatalf("tokenExpiresAt = %v", acct.TokenExpiresAt)
	}
	// tokens stored sealed, decryptable with the process key
	if at, err := f.keeper.Open(acct.AccessTokenEnc); err != nil || at != "fresh-at" {
		t.Fatalf("stored access token = %q, %v", at, err)
	}
	if rt, err := f.keeper.Open(acct.RefreshTokenEnc); err != nil || rt != "fresh-rt" {
		t.Fatalf("stored refresh token = %q, %v", rt, err)
	}
}

func TestCycleCorruptedTokenBlocks(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected")
	}))
	ctx := context.Background()
	f.seedAccount(t, "a1", func(a *store.Account) {
		a.AccessTokenEnc = "not.a.sealed-secret"
	})
	sc := f.seedDue(t, "s1", "a1", "body")

	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Blocked != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.Status != store.ScheduleBlocked || got.LastError == "" {
		t.Fatalf("schedule = %+v", got)
	}
	// secret integrity failures do not demote the account
	acct, _ := f.store.GetAccount(ctx, "a1")
	if acct.Status != store.AccountActive {
		t.Fatalf("account status = %s", acct.Status)
	}
}

func TestCycleFairnessOnePerAccount(t *testing.T) {
	f := newFixture(t, nil) // mock platform
	ctx := context.Background()
	f.seedAccount(t, "a1", nil)
	f.seedAccount(t, "a2", nil)
	f.seedDue(t, "s1", "a1", "first body for account one")
	f.seedDue(t, "s2", "a1", "second body for account one")
	f.seedDue(t, "s3", "a2", "body for account two")

	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Scanned != 3 {
		t.Fatalf("scanned = %d", sum.Scanned)
	}
	if sum.Attempted != 2 {
		t.Fatalf("attempted = %d, want 2 (one per account)", sum.Attempted)
	}
}

func TestCycleExhaustsAttempts(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"upstream broke"}`))
	}))
	ctx := context.Background()
	f.seedAccount(t, "a1", nil)
	sc := f.seedDue(t, "s1", "a1", "body")

	for i := 0; i < 3; i++ {
		if _, err := f.pub.RunCycle(ctx, 10); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if i < 2 {
			// fast-forward past the retry window so the next cycle
			// picks the schedule up again
			past := time.Now().UTC().Add(-time.Second)
			if err := f.store.Reschedule(ctx, sc.ID, past, "retry window elapsed", nil); err != nil {
				t.Fatalf("rewind: %v", err)
			}
		}
	}

	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.Status != store.ScheduleBlocked || got.AttemptCount != 3 {
		t.Fatalf("schedule = status=%s attempts=%d, want BLOCKED after maxAttempts", got.Status, got.AttemptCount)
	}
	attempts, _ := f.store.AttemptsForSchedule(ctx, sc.ID)
	if len(attempts) != 3 {
		t.Fatalf("attempt rows = %d", len(attempts))
	}
	if attempts[0].Status != store.AttemptRetryScheduled || attempts[2].Status != store.AttemptFail {
		t.Fatalf("attempt statuses = %s,%s,%s", attempts[0].Status, attempts[1].Status, attempts[2].Status)
	}
}

func TestCycleMockMode(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedAccount(t, "a1", nil)
	sc := f.seedDue(t, "s1", "a1", "mock mode body")

	sum, err := f.pub.RunCycle(ctx, 10)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if sum.Posted != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got, _ := f.store.GetSchedule(ctx, sc.ID)
	if got.Status != store.SchedulePosted || got.ExternalPostID == "" {
		t.Fatalf("schedule = %+v", got)
	}
}

func TestCycleCanceledMidPublishReleasesClaim(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// outlive the cycle deadline so the publish is abandoned
			time.Sleep(1500 * time.Millisecond)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"p1"}}`))
	}))
	f.seedAccount(t, "a1", nil)
	sc := f.seedDue(t, "s1", "a1", "body")

	// the trigger request goes away mid-publish; settlement cannot
	// commit on the dead context and the claim must go back to PENDING
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := f.pub.RunCycle(ctx, 10); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	got, _ := f.store.GetSchedule(context.Background(), sc.ID)
	if got.Status != store.SchedulePending {
		t.Fatalf("status after canceled cycle = %s, want PENDING", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("attemptCount = %d, want 0", got.AttemptCount)
	}

	sum, err := f.pub.RunCycle(context.Background(), 10)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if sum.Posted != 1 {
		t.Fatalf("second cycle summary = %+v", sum)
	}
}

func TestRetryAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := retryAt(now, 1, nil); !got.Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("attempt 1 = %v", got)
	}
	if got := retryAt(now, 2, nil); !got.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("attempt 2 = %v", got)
	}
	if got := retryAt(now, 3, nil); !got.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("attempt 3 = %v", got)
	}
	// beyond the table clamps to the last entry
	if got := retryAt(now, 7, nil); !got.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("attempt 7 = %v", got)
	}

	// a later advertised reset wins
	reset := now.Add(20 * time.Minute)
	if got := retryAt(now, 1, &reset); !got.Equal(reset) {
		t.Fatalf("reset floor = %v", got)
	}
	// an earlier reset does not shorten the back-off
	early := now.Add(time.Minute)
	if got := retryAt(now, 1, &early); !got.Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("early reset = %v", got)
	}
}
