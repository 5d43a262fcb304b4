package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

func (s *Store) CreateContent(ctx context.Context, c *Content) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = ContentDraft
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contents (id, title, body, topic, language, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Body, c.Topic, c.Language, c.Status, c.CreatedAt.Unix())
	return err
}

func (s *Store) GetContent(ctx context.Context, id string) (*Content, error) {
	c := &Content{}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, body, topic, language, status, created_at FROM contents WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.Body, &c.Topic, &c.Language, &c.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	return c, nil
}

// GetVariant returns the materialized variant for (content, account),
// or nil when none exists yet.
func (s *Store) GetVariant(ctx context.Context, contentID, accountID string) (*ContentVariant, error) {
	v := &ContentVariant{}
	var acct sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content_id, account_id, body, similarity_key, created_at
		FROM content_variants WHERE content_id = ? AND account_id = ?`,
		contentID, accountID).
		Scan(&v.ID, &v.ContentID, &acct, &v.Body, &v.SimilarityKey, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.AccountID = acct.String
	v.CreatedAt = time.Unix(created, 0).UTC()
	return v, nil
}

func (s *Store) InsertVariant(ctx context.Context, v *ContentVariant) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_variants (id, content_id, account_id, body, similarity_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.ContentID, nullStr(v.AccountID), v.Body, v.SimilarityKey, v.CreatedAt.Unix())
	return err
}
