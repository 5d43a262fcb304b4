package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertActivity appends one activity row outside any settlement.
func (s *Store) InsertActivity(ctx context.Context, e *ActivityEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertActivityTx(ctx, tx, e)
	})
}

// PurgeActivity deletes activity rows older than the cutoff.
func (s *Store) PurgeActivity(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM activity_logs WHERE created_at < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AttemptsForSchedule returns the audit trail for one schedule, oldest first.
func (s *Store) AttemptsForSchedule(ctx context.Context, scheduleID string) ([]*PublishAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, account_id, attempt_no, status, requested_at, finished_at,
			http_status, error_code, error_message, rl_limit, rl_remaining, rl_reset_at
		FROM publish_attempts WHERE schedule_id = ? ORDER BY id`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*PublishAttempt
	for rows.Next() {
		a := &PublishAttempt{}
		var requested int64
		var finished, httpStatus, rlLimit, rlRemaining, rlReset sql.NullInt64
		if err := rows.Scan(&a.ID, &a.ScheduleID, &a.AccountID, &a.AttemptNo, &a.Status,
			&requested, &finished, &httpStatus, &a.ErrorCode, &a.ErrorMessage,
			&rlLimit, &rlRemaining, &rlReset); err != nil {
			return nil, err
		}
		a.RequestedAt = time.Unix(requested, 0).UTC()
		a.FinishedAt = timeFromNull(finished)
		a.HTTPStatus = intFromNull(httpStatus)
		a.RateLimit = RateLimit{
			Limit:     intFromNull(rlLimit),
			Remaining: intFromNull(rlRemaining),
			ResetAt:   timeFromNull(rlReset),
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// SnapshotsForAccount returns rate-limit snapshots, newest first.
func (s *Store) SnapshotsForAccount(ctx context.Context, accountID string) ([]*RateLimitSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, endpoint, lim, remaining, reset_at, observed_at
		FROM rate_limit_snapshots WHERE account_id = ? ORDER BY observed_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*RateLimitSnapshot
	for rows.Next() {
		sn := &RateLimitSnapshot{}
		var lim, remaining, reset sql.NullInt64
		var observed int64
		if err := rows.Scan(&sn.ID, &sn.AccountID, &sn.Endpoint, &lim, &remaining, &reset, &observed); err != nil {
			return nil, err
		}
		sn.Limit = intFromNull(lim)
		sn.Remaining = intFromNull(remaining)
		sn.ResetAt = timeFromNull(reset)
		sn.ObservedAt = time.Unix(observed, 0).UTC()
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

// MetricForSchedule returns the metric row for a posted schedule, or nil.
func (s *Store) MetricForSchedule(ctx context.Context, scheduleID string) (*PostMetric, error) {
	m := &PostMetric{}
	var collected sql.NullInt64
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, schedule_id, account_id, impressions, likes, reposts, replies, collected_at, created_at
		FROM post_metrics WHERE schedule_id = ?`, scheduleID).
		Scan(&m.ID, &m.ScheduleID, &m.AccountID, &m.Impressions, &m.Likes, &m.Reposts, &m.Replies,
			&collected, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.CollectedAt = timeFromNull(collected)
	m.CreatedAt = time.Unix(created, 0).UTC()
	return m, nil
}

// RecentActivity returns the newest activity rows up to limit.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]*ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, event, message, meta, account_id, schedule_id, created_at
		FROM activity_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ActivityEntry
	for rows.Next() {
		e := &ActivityEntry{}
		var created int64
		if err := rows.Scan(&e.ID, &e.Level, &e.Event, &e.Message, &e.Meta,
			&e.AccountID, &e.ScheduleID, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(created, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
