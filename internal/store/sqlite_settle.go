package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostedSettlement carries everything written when a publish succeeds.
type PostedSettlement struct {
	ScheduleID     string
	AccountID      string
	PostedAt       time.Time
	ExternalPostID string
	AttemptNo      int
	RequestedAt    time.Time
	HTTPStatus     int
	RateLimit      RateLimit
	Endpoint       string
}

// SettlePosted applies a successful publish atomically: schedule to
// POSTED, account healthy with a fresh last_posted_at, a SUCCESS attempt
// row, a rate-limit snapshot and a zero-initialized metric row.
func (s *Store) SettlePosted(ctx context.Context, ps PostedSettlement) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Unix()
		_, err := tx.ExecContext(ctx,
			`UPDATE schedules SET status = ?, posted_at = ?, external_post_id = ?,
				attempt_count = ?, last_error = '', next_attempt_at = NULL, updated_at = ?
			WHERE id = ?`,
			SchedulePosted, ps.PostedAt.Unix(), ps.ExternalPostID, ps.AttemptNo, now, ps.ScheduleID)
		if err != nil {
			return fmt.Errorf("settle schedule: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET status = ?, health_message = '', last_posted_at = ?, updated_at = ?
			WHERE id = ?`,
			AccountActive, ps.PostedAt.Unix(), now, ps.AccountID)
		if err != nil {
			return fmt.Errorf("settle account: %w", err)
		}

		finished := ps.PostedAt
		if err := insertAttemptTx(ctx, tx, &PublishAttempt{
			ScheduleID:  ps.ScheduleID,
			AccountID:   ps.AccountID,
			AttemptNo:   ps.AttemptNo,
			Status:      AttemptSuccess,
			RequestedAt: ps.RequestedAt,
			FinishedAt:  &finished,
			HTTPStatus:  &ps.HTTPStatus,
			RateLimit:   ps.RateLimit,
		}); err != nil {
			return err
		}

		if err := insertSnapshotTx(ctx, tx, ps.AccountID, ps.Endpoint, ps.RateLimit); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO post_metrics (id, schedule_id, account_id, created_at)
			VALUES (?, ?, ?, ?)`,
			uuid.New().String(), ps.ScheduleID, ps.AccountID, now)
		if err != nil {
			return fmt.Errorf("insert metric: %w", err)
		}

		return insertActivityTx(ctx, tx, &ActivityEntry{
			Level:      LevelInfo,
			Event:      "schedule_posted",
			Message:    "published post " + ps.ExternalPostID,
			AccountID:  ps.AccountID,
			ScheduleID: ps.ScheduleID,
		})
	})
}

// FailureSettlement covers every non-success terminal write: platform
// failures (retrying or not) and pre-network blocks.
type FailureSettlement struct {
	ScheduleID     string
	AccountID      string
	ScheduleStatus string // FAILED or BLOCKED
	AttemptNo      int
	AttemptStatus  string // FAIL, RETRY_SCHEDULED or BLOCKED
	NextAttemptAt  *time.Time
	LastError      string

	AccountStatus  string // empty = unchanged
	HealthMessage  string

	RequestedAt  time.Time
	FinishedAt   time.Time
	HTTPStatus   *int
	ErrorCode    string
	RateLimit    RateLimit
	Endpoint     string // empty = no snapshot (no response observed)

	LogLevel string
	Event    string
}

// SettleFailure applies a failed or blocked outcome atomically.
func (s *Store) SettleFailure(ctx context.Context, fs FailureSettlement) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Unix()
		_, err := tx.ExecContext(ctx,
			`UPDATE schedules SET status = ?, attempt_count = ?, next_attempt_at = ?,
				last_error = ?, updated_at = ? WHERE id = ?`,
			fs.ScheduleStatus, fs.AttemptNo, unixPtr(fs.NextAttemptAt), fs.LastError, now, fs.ScheduleID)
		if err != nil {
			return fmt.Errorf("settle schedule: %w", err)
		}

		if fs.AccountStatus != "" {
			_, err = tx.ExecContext(ctx,
				`UPDATE accounts SET status = ?, health_message = ?, updated_at = ? WHERE id = ?`,
				fs.AccountStatus, fs.HealthMessage, now, fs.AccountID)
			if err != nil {
				return fmt.Errorf("settle account: %w", err)
			}
		}

		finished := fs.FinishedAt
		if err := insertAttemptTx(ctx, tx, &PublishAttempt{
			ScheduleID:   fs.ScheduleID,
			AccountID:    fs.AccountID,
			AttemptNo:    fs.AttemptNo,
			Status:       fs.AttemptStatus,
			RequestedAt:  fs.RequestedAt,
			FinishedAt:   &finished,
			HTTPStatus:   fs.HTTPStatus,
			ErrorCode:    fs.ErrorCode,
			ErrorMessage: fs.LastError,
			RateLimit:    fs.RateLimit,
		}); err != nil {
			return err
		}

		if fs.Endpoint != "" {
			if err := insertSnapshotTx(ctx, tx, fs.AccountID, fs.Endpoint, fs.RateLimit); err != nil {
				return err
			}
		}

		level := fs.LogLevel
		if level == "" {
			level = LevelWarn
		}
		event := fs.Event
		if event == "" {
			event = "schedule_failed"
		}
		return insertActivityTx(ctx, tx, &ActivityEntry{
			Level:      level,
			Event:      event,
			Message:    fs.LastError,
			AccountID:  fs.AccountID,
			ScheduleID: fs.ScheduleID,
		})
	})
}

func insertAttemptTx(ctx context.Context, tx *sql.Tx, a *PublishAttempt) error {
	var finished any
	if a.FinishedAt != nil {
		finished = a.FinishedAt.Unix()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO publish_attempts (schedule_id, account_id, attempt_no, status,
			requested_at, finished_at, http_status, error_code, error_message,
			rl_limit, rl_remaining, rl_reset_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ScheduleID, a.AccountID, a.AttemptNo, a.Status,
		a.RequestedAt.Unix(), finished, intPtrVal(a.HTTPStatus), a.ErrorCode, a.ErrorMessage,
		intPtrVal(a.RateLimit.Limit), intPtrVal(a.RateLimit.Remaining), unixPtr(a.RateLimit.ResetAt))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func insertSnapshotTx(ctx context.Context, tx *sql.Tx, accountID, endpoint string, rl RateLimit) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_snapshots (account_id, endpoint, lim, remaining, reset_at, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, endpoint, intPtrVal(rl.Limit), intPtrVal(rl.Remaining), unixPtr(rl.ResetAt),
		time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func insertActivityTx(ctx context.Context, tx *sql.Tx, e *ActivityEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO activity_logs (level, event, message, meta, account_id, schedule_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Level, e.Event, e.Message, e.Meta, e.AccountID, e.ScheduleID, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}
