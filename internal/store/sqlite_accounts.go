package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const accountCols = `id, x_user_id, username, display_name, language, purpose,
	access_token_enc, refresh_token_enc, token_expires_at, status, health_message,
	min_interval_minutes, daily_post_limit, monthly_post_limit, last_posted_at,
	proxy_enabled, proxy_protocol, proxy_host, proxy_port, proxy_username, proxy_password_enc,
	created_at, updated_at`

// CreateAccount inserts an account and its routing tags. The caller seals
// token and proxy-password fields before handing the struct over.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = AccountActive
	}
	if a.ProxyEnabled && (a.ProxyProtocol == "" || a.ProxyHost == "" || a.ProxyPort == 0) {
		return errors.New("proxy enabled but protocol/host/port incomplete")
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (`+accountCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.XUserID, a.Username, a.DisplayName, a.Language, a.Purpose,
			a.AccessTokenEnc, a.RefreshTokenEnc, unixPtr(a.TokenExpiresAt), a.Status, a.HealthMessage,
			a.MinIntervalMinutes, a.DailyPostLimit, a.MonthlyPostLimit, unixPtr(a.LastPostedAt),
			a.ProxyEnabled, nullStr(a.ProxyProtocol), nullStr(a.ProxyHost), nullInt(a.ProxyPort),
			nullStr(a.ProxyUsername), nullStr(a.ProxyPasswordEnc),
			now.Unix(), now.Unix())
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		for _, tag := range a.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO account_tags (account_id, tag) VALUES (?, ?)`, a.ID, tag); err != nil {
				return fmt.Errorf("insert tag: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Tags, err = s.accountTags(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAccounts returns every account with its tags loaded.
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.Tags, err = s.accountTags(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (s *Store) accountTags(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM account_tags WHERE account_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// SetAccountStatus updates the operational status and health message.
func (s *Store) SetAccountStatus(ctx context.Context, id, status, healthMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, health_message = ?, updated_at = ? WHERE id = ?`,
		status, healthMessage, time.Now().UTC().Unix(), id)
	return err
}

// UpdateAccountTokens stores freshly sealed tokens after a refresh and
// marks the account healthy. Empty refreshTokenEnc keeps the old one.
func (s *Store) UpdateAccountTokens(ctx context.Context, id, accessTokenEnc, refreshTokenEnc string, expiresAt *time.Time) error {
	now := time.Now().UTC().Unix()
	if refreshTokenEnc != "" {
		_, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET access_token_enc = ?, refresh_token_enc = ?, token_expires_at = ?,
				status = ?, health_message = '', updated_at = ? WHERE id = ?`,
			accessTokenEnc, refreshTokenEnc, unixPtr(expiresAt), AccountActive, now, id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET access_token_enc = ?, token_expires_at = ?,
			status = ?, health_message = '', updated_at = ? WHERE id = ?`,
		accessTokenEnc, unixPtr(expiresAt), AccountActive, now, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*Account, error) {
	a := &Account{}
	var (
		tokenExp, lastPosted, created, updated sql.NullInt64
		proxyProto, proxyHost, proxyUser, proxyPw sql.NullString
		proxyPort                                 sql.NullInt64
	)
	err := r.Scan(&a.ID, &a.XUserID, &a.Username, &a.DisplayName, &a.Language, &a.Purpose,
		&a.AccessTokenEnc, &a.RefreshTokenEnc, &tokenExp, &a.Status, &a.HealthMessage,
		&a.MinIntervalMinutes, &a.DailyPostLimit, &a.MonthlyPostLimit, &lastPosted,
		&a.ProxyEnabled, &proxyProto, &proxyHost, &proxyPort, &proxyUser, &proxyPw,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	a.TokenExpiresAt = timeFromNull(tokenExp)
	a.LastPostedAt = timeFromNull(lastPosted)
	a.ProxyProtocol = proxyProto.String
	a.ProxyHost = proxyHost.String
	a.ProxyPort = int(proxyPort.Int64)
	a.ProxyUsername = proxyUser.String
	a.ProxyPasswordEnc = proxyPw.String
	if created.Valid {
		a.CreatedAt = time.Unix(created.Int64, 0).UTC()
	}
	if updated.Valid {
		a.UpdatedAt = time.Unix(updated.Int64, 0).UTC()
	}
	return a, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
