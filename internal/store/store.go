package store

import "time"

// Account statuses.
const (
	AccountActive       = "ACTIVE"
	AccountTokenExpired = "TOKEN_EXPIRED"
	AccountRateLimited  = "RATE_LIMITED"
	AccountSuspended    = "SUSPENDED"
	AccountDisconnected = "DISCONNECTED"
)

// Content statuses.
const (
	ContentDraft    = "DRAFT"
	ContentApproved = "APPROVED"
	ContentArchived = "ARCHIVED"
)

// Schedule statuses.
const (
	SchedulePending    = "PENDING"
	ScheduleProcessing = "PROCESSING"
	SchedulePosted     = "POSTED"
	ScheduleFailed     = "FAILED"
	ScheduleBlocked    = "BLOCKED"
	ScheduleCanceled   = "CANCELED"
)

// Publish attempt statuses.
const (
	AttemptSuccess        = "SUCCESS"
	AttemptFail           = "FAIL"
	AttemptBlocked        = "BLOCKED"
	AttemptRetryScheduled = "RETRY_SCHEDULED"
)

// Activity levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Account is one Platform account the fleet posts through. Token and
// proxy-password columns hold sealed secrets, never plaintext.
type Account struct {
	ID          string
	XUserID     string
	Username    string
	DisplayName string
	Language    string
	Purpose     string

	AccessTokenEnc  string
	RefreshTokenEnc string
	TokenExpiresAt  *time.Time

	Status        string
	HealthMessage string

	MinIntervalMinutes int
	DailyPostLimit     int
	MonthlyPostLimit   int
	LastPostedAt       *time.Time

	ProxyEnabled     bool
	ProxyProtocol    string
	ProxyHost        string
	ProxyPort        int
	ProxyUsername    string
	ProxyPasswordEnc string

	Tags []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Content struct {
	ID       string
	Title    string
	Body     string
	Topic    string
	Language string
	Status   string

	CreatedAt time.Time
}

// ContentVariant is the exact text published for a (content, account)
// pair. AccountID is empty for the shared base variant.
type ContentVariant struct {
	ID            string
	ContentID     string
	AccountID     string
	Body          string
	SimilarityKey string

	CreatedAt time.Time
}

// Schedule is the unit of work: one planned post for one account.
type Schedule struct {
	ID               string
	AccountID        string
	ContentID        string
	ContentVariantID string

	PlannedAt      time.Time
	Status         string
	IdempotencyKey string
	Priority       int

	AttemptCount  int
	MaxAttempts   int
	NextAttemptAt *time.Time
	PostedAt      *time.Time
	ExternalPostID string
	LastError      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RateLimit carries the Platform's advertised rate-limit window.
type RateLimit struct {
	Limit     *int
	Remaining *int
	ResetAt   *time.Time
}

// PublishAttempt is one append-only audit row per attempt outcome.
type PublishAttempt struct {
	ID         int64
	ScheduleID string
	AccountID  string
	AttemptNo  int
	Status     string

	RequestedAt time.Time
	FinishedAt  *time.Time

	HTTPStatus   *int
	ErrorCode    string
	ErrorMessage string
	RateLimit    RateLimit
}

// RateLimitSnapshot records the rate-limit headers observed on one call.
type RateLimitSnapshot struct {
	ID         int64
	AccountID  string
	Endpoint   string
	Limit      *int
	Remaining  *int
	ResetAt    *time.Time
	ObservedAt time.Time
}

// PostMetric starts as a zero row per POSTED schedule; an out-of-scope
// collector fills the counters later.
type PostMetric struct {
	ID         string
	ScheduleID string
	AccountID  string

	Impressions int
	Likes       int
	Reposts     int
	Replies     int

	CollectedAt *time.Time
	CreatedAt   time.Time
}

// ActivityEntry is one append-only operational log row.
type ActivityEntry struct {
	ID         int64
	Level      string
	Event      string
	Message    string
	Meta       string // JSON, optional
	AccountID  string
	ScheduleID string
	CreatedAt  time.Time
}

// DueSchedule is a schedule joined with everything the publisher needs.
type DueSchedule struct {
	Schedule Schedule
	Account  Account
	Content  Content
	Variant  ContentVariant
}
