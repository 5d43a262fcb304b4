package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const scheduleCols = `id, account_id, content_id, content_variant_id, planned_at, status,
	idempotency_key, priority, attempt_count, max_attempts, next_attempt_at, posted_at,
	external_post_id, last_error, created_at, updated_at`

// InsertSchedules inserts a batch of schedules and one activity entry in
// a single transaction. Idempotency-key conflicts are skipped silently;
// the return value is the number of rows actually inserted.
func (s *Store) InsertSchedules(ctx context.Context, schedules []*Schedule, activity *ActivityEntry) (int, error) {
	planned := make([]*PlannedSchedule, len(schedules))
	for i, sc := range schedules {
		planned[i] = &PlannedSchedule{Schedule: sc}
	}
	return s.InsertDispatch(ctx, planned, activity)
}

// PlannedSchedule pairs a schedule with the variant it should publish.
// Variant is nil when an existing stored variant is reused; otherwise it
// is inserted in the same transaction and the schedule is pointed at it.
type PlannedSchedule struct {
	Variant  *ContentVariant
	Schedule *Schedule
}

// InsertDispatch inserts new variants, their schedules and one activity
// entry in a single transaction, so a failed dispatch leaves no orphan
// variant rows. A variant conflicting on (content_id, account_id) reuses
// the surviving row; idempotency-key conflicts on schedules are skipped
// silently. Returns the number of schedules actually inserted.
func (s *Store) InsertDispatch(ctx context.Context, planned []*PlannedSchedule, activity *ActivityEntry) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, p := range planned {
			sc := p.Schedule
			if p.Variant != nil {
				if err := upsertVariantTx(ctx, tx, p.Variant, now); err != nil {
					return err
				}
				sc.ContentVariantID = p.Variant.ID
			}
			if sc.ID == "" {
				sc.ID = uuid.New().String()
			}
			if sc.Status == "" {
				sc.Status = SchedulePending
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO schedules (`+scheduleCols+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(idempotency_key) DO NOTHING`,
				sc.ID, sc.AccountID, sc.ContentID, sc.ContentVariantID,
				sc.PlannedAt.Unix(), sc.Status, sc.IdempotencyKey, sc.Priority,
				sc.AttemptCount, sc.MaxAttempts, unixPtr(sc.NextAttemptAt), unixPtr(sc.PostedAt),
				sc.ExternalPostID, sc.LastError, now.Unix(), now.Unix())
			if err != nil {
				return fmt.Errorf("insert schedule: %w", err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		if activity != nil {
			if err := insertActivityTx(ctx, tx, activity); err != nil {
				return err
			}
		}
		return nil
	})
	return inserted, err
}

func upsertVariantTx(ctx context.Context, tx *sql.Tx, v *ContentVariant, now time.Time) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.CreatedAt = now
	res, err := tx.ExecContext(ctx,
		`INSERT INTO content_variants (id, content_id, account_id, body, similarity_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id, account_id) DO NOTHING`,
		v.ID, v.ContentID, nullStr(v.AccountID), v.Body, v.SimilarityKey, now.Unix())
	if err != nil {
		return fmt.Errorf("insert variant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// a concurrent dispatch won; point the schedule at its row
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM content_variants WHERE content_id = ? AND account_id = ?`,
			v.ContentID, v.AccountID).Scan(&v.ID); err != nil {
			return fmt.Errorf("load surviving variant: %w", err)
		}
	}
	return nil
}

// processingStaleAfter is how long a PROCESSING claim may sit untouched
// before selection reclaims it. Only a crashed or canceled cycle leaves
// a claim that old.
const processingStaleAfter = 10 * time.Minute

// DueSchedules selects up to limit schedules that are due now, joined
// with their account, content and variant. Ordered by priority then
// planned time so urgent work drains first. Stale PROCESSING claims are
// selected again after processingStaleAfter.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*DueSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.account_id, s.content_id, s.content_variant_id, s.planned_at, s.status,
			s.idempotency_key, s.priority, s.attempt_count, s.max_attempts, s.next_attempt_at,
			s.posted_at, s.external_post_id, s.last_error,
			`+prefixCols("a", accountCols)+`,
			c.id, c.title, c.body, c.topic, c.language, c.status,
			v.id, v.content_id, v.account_id, v.body, v.similarity_key
		FROM schedules s
		JOIN accounts a ON a.id = s.account_id
		JOIN contents c ON c.id = s.content_id
		JOIN content_variants v ON v.id = s.content_variant_id
		WHERE (s.status = ? AND s.planned_at <= ?)
		   OR (s.status = ? AND s.next_attempt_at IS NOT NULL AND s.next_attempt_at <= ?)
		   OR (s.status = ? AND s.updated_at <= ?)
		ORDER BY s.priority ASC, s.planned_at ASC
		LIMIT ?`,
		SchedulePending, now.Unix(), ScheduleFailed, now.Unix(),
		ScheduleProcessing, now.Add(-processingStaleAfter).Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*DueSchedule
	for rows.Next() {
		d := &DueSchedule{}
		var (
			plannedAt, nextAt, postedAt               sql.NullInt64
			aTokenExp, aLastPosted, aCreated, aUpdated sql.NullInt64
			aProxyProto, aProxyHost, aProxyUser, aProxyPw sql.NullString
			aProxyPort                                    sql.NullInt64
			vAcct                                         sql.NullString
		)
		err := rows.Scan(
			&d.Schedule.ID, &d.Schedule.AccountID, &d.Schedule.ContentID, &d.Schedule.ContentVariantID,
			&plannedAt, &d.Schedule.Status, &d.Schedule.IdempotencyKey, &d.Schedule.Priority,
			&d.Schedule.AttemptCount, &d.Schedule.MaxAttempts, &nextAt, &postedAt,
			&d.Schedule.ExternalPostID, &d.Schedule.LastError,
			&d.Account.ID, &d.Account.XUserID, &d.Account.Username, &d.Account.DisplayName,
			&d.Account.Language, &d.Account.Purpose,
			&d.Account.AccessTokenEnc, &d.Account.RefreshTokenEnc, &aTokenExp,
			&d.Account.Status, &d.Account.HealthMessage,
			&d.Account.MinIntervalMinutes, &d.Account.DailyPostLimit, &d.Account.MonthlyPostLimit,
			&aLastPosted,
			&d.Account.ProxyEnabled, &aProxyProto, &aProxyHost, &aProxyPort, &aProxyUser, &aProxyPw,
			&aCreated, &aUpdated,
			&d.Content.ID, &d.Content.Title, &d.Content.Body, &d.Content.Topic,
			&d.Content.Language, &d.Content.Status,
			&d.Variant.ID, &d.Variant.ContentID, &vAcct, &d.Variant.Body, &d.Variant.SimilarityKey)
		if err != nil {
			return nil, err
		}
		if plannedAt.Valid {
			d.Schedule.PlannedAt = time.Unix(plannedAt.Int64, 0).UTC()
		}
		d.Schedule.NextAttemptAt = timeFromNull(nextAt)
		d.Schedule.PostedAt = timeFromNull(postedAt)
		d.Account.TokenExpiresAt = timeFromNull(aTokenExp)
		d.Account.LastPostedAt = timeFromNull(aLastPosted)
		d.Account.ProxyProtocol = aProxyProto.String
		d.Account.ProxyHost = aProxyHost.String
		d.Account.ProxyPort = int(aProxyPort.Int64)
		d.Account.ProxyUsername = aProxyUser.String
		d.Account.ProxyPasswordEnc = aProxyPw.String
		d.Variant.AccountID = vAcct.String
		due = append(due, d)
	}
	return due, rows.Err()
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc := &Schedule{}
	var plannedAt, nextAt, postedAt, created, updated sql.NullInt64
	err := row.Scan(&sc.ID, &sc.AccountID, &sc.ContentID, &sc.ContentVariantID,
		&plannedAt, &sc.Status, &sc.IdempotencyKey, &sc.Priority,
		&sc.AttemptCount, &sc.MaxAttempts, &nextAt, &postedAt,
		&sc.ExternalPostID, &sc.LastError, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if plannedAt.Valid {
		sc.PlannedAt = time.Unix(plannedAt.Int64, 0).UTC()
	}
	sc.NextAttemptAt = timeFromNull(nextAt)
	sc.PostedAt = timeFromNull(postedAt)
	if created.Valid {
		sc.CreatedAt = time.Unix(created.Int64, 0).UTC()
	}
	if updated.Valid {
		sc.UpdatedAt = time.Unix(updated.Int64, 0).UTC()
	}
	return sc, nil
}

// CountPostedSince counts POSTED schedules for an account with
// posted_at at or after the window start. Used for quota checks.
func (s *Store) CountPostedSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedules
		WHERE account_id = ? AND status = ? AND posted_at IS NOT NULL AND posted_at >= ?`,
		accountID, SchedulePosted, since.Unix()).Scan(&n)
	return n, err
}

// RecentPostedBodies returns the variant bodies of the most recently
// posted schedules since the cutoff, newest first. Seeds the similarity
// corpus once per cycle.
func (s *Store) RecentPostedBodies(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.body FROM schedules s
		JOIN content_variants v ON v.id = s.content_variant_id
		WHERE s.status = ? AND s.posted_at IS NOT NULL AND s.posted_at >= ?
		ORDER BY s.posted_at DESC
		LIMIT ?`,
		SchedulePosted, since.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bodies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		bodies = append(bodies, body)
	}
	return bodies, rows.Err()
}

// MarkProcessing claims a schedule for the current cycle. Settlement
// overwrites the status again at the end of the attempt.
func (s *Store) MarkProcessing(ctx context.Context, scheduleID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		ScheduleProcessing, time.Now().UTC().Unix(), scheduleID, SchedulePending, ScheduleFailed)
	return err
}

// ReleaseProcessing returns an unsettled claim to PENDING so the next
// cycle can pick the schedule up again. No attempt is recorded and the
// attempt counter is untouched. A no-op once settlement has run.
func (s *Store) ReleaseProcessing(ctx context.Context, scheduleID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		SchedulePending, time.Now().UTC().Unix(), scheduleID, ScheduleProcessing)
	return err
}

// Reschedule returns a paced schedule to PENDING at a new planned time.
// No attempt row is written and the attempt counter is untouched.
func (s *Store) Reschedule(ctx context.Context, scheduleID string, plannedAt time.Time, reason string, activity *ActivityEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE schedules SET status = ?, planned_at = ?, next_attempt_at = NULL,
				last_error = ?, updated_at = ? WHERE id = ?`,
			SchedulePending, plannedAt.Unix(), reason, time.Now().UTC().Unix(), scheduleID)
		if err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
		if activity != nil {
			return insertActivityTx(ctx, tx, activity)
		}
		return nil
	})
}

// prefixCols rewrites a bare column list to alias-qualified form for joins.
func prefixCols(alias, cols string) string {
	out := ""
	for i, c := range splitCols(cols) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func splitCols(cols string) []string {
	var out []string
	field := ""
	for _, r := range cols {
		switch r {
		case ',':
			out = append(out, field)
			field = ""
		case ' ', '\n', '\t':
		default:
			field += string(r)
		}
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}
