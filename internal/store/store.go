// Package store owns the durable state of the bridge: authorized pages,
// channel to page assignments, and the delivery ledger used for dedup.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const defaultOperationTimeout = 5 * time.Second

type AuthorizedPage struct {
	ID          string
	Name        string
	AccessToken string
}

type Delivery struct {
	ChannelID string
	MessageID string
	PostID    string
}

type Store struct {
	db      *sql.DB
	timeout time.Duration
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS authorized_pages (
		page_id TEXT PRIMARY KEY,
		page_name TEXT NOT NULL,
		access_token TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channel_pages (
		channel_id TEXT NOT NULL,
		page_id TEXT NOT NULL,
		PRIMARY KEY (channel_id, page_id)
	)`,
	`CREATE TABLE IF NOT EXISTS delivered_messages (
		channel_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		post_id TEXT NOT NULL,
		PRIMARY KEY (channel_id, post_id)
	)`,
}

func newStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, timeout: defaultOperationTimeout}
	ctx, cancel := s.opContext(context.Background())
	defer cancel()
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: bootstrap schema: %w", err)
		}
	}
	return s, nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// RecordAuthorizedPage upserts a page by id; name and access token are
// last-write-wins.
func (s *Store) RecordAuthorizedPage(ctx context.Context, page AuthorizedPage) error {
	if page.ID == "" {
		return fmt.Errorf("store: page id is required")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorized_pages (page_id, page_name, access_token)
		VALUES ($1, $2, $3)
		ON CONFLICT (page_id)
		DO UPDATE SET page_name = excluded.page_name, access_token = excluded.access_token`,
		page.ID, page.Name, page.AccessToken)
	if err != nil {
		return fmt.Errorf("store: record authorized page %s: %w", page.ID, err)
	}
	return nil
}

func (s *Store) ListAuthorizedPages(ctx context.Context) ([]AuthorizedPage, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_id, page_name, access_token
		FROM authorized_pages
		ORDER BY page_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list authorized pages: %w", err)
	}
	defer rows.Close()

	var pages []AuthorizedPage
	for rows.Next() {
		var page AuthorizedPage
		if err := rows.Scan(&page.ID, &page.Name, &page.AccessToken); err != nil {
			return nil, fmt.Errorf("store: list authorized pages: %w", err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list authorized pages: %w", err)
	}
	return pages, nil
}

// AssignPage links a channel to a page. Idempotent.
func (s *Store) AssignPage(ctx context.Context, channelID, pageID string) error {
	if channelID == "" || pageID == "" {
		return fmt.Errorf("store: channel id and page id are required")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_pages (channel_id, page_id)
		VALUES ($1, $2)
		ON CONFLICT (channel_id, page_id) DO NOTHING`,
		channelID, pageID)
	if err != nil {
		return fmt.Errorf("store: assign page %s to channel %s: %w", pageID, channelID, err)
	}
	return nil
}

// UnassignPage removes a channel to page link. Idempotent.
func (s *Store) UnassignPage(ctx context.Context, channelID, pageID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM channel_pages WHERE channel_id = $1 AND page_id = $2`,
		channelID, pageID)
	if err != nil {
		return fmt.Errorf("store: unassign page %s from channel %s: %w", pageID, channelID, err)
	}
	return nil
}

// ListChannelPageGroups joins assignments with page records. Channels with
// no assignments are absent; assignments whose page was never authorized
// drop out of the join.
func (s *Store) ListChannelPageGroups(ctx context.Context) (map[string][]AuthorizedPage, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT cp.channel_id, p.page_id, p.page_name, p.access_token
		FROM channel_pages cp
		JOIN authorized_pages p ON p.page_id = cp.page_id
		ORDER BY cp.channel_id, p.page_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list channel page groups: %w", err)
	}
	defer rows.Close()

	groups := map[string][]AuthorizedPage{}
	for rows.Next() {
		var channelID string
		var page AuthorizedPage
		if err := rows.Scan(&channelID, &page.ID, &page.Name, &page.AccessToken); err != nil {
			return nil, fmt.Errorf("store: list channel page groups: %w", err)
		}
		groups[channelID] = append(groups[channelID], page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list channel page groups: %w", err)
	}
	return groups, nil
}

// RecordDelivery inserts a delivery ledger entry. The (channel_id, post_id)
// primary key guarantees at most one record per channel/post pair; a
// conflicting insert is a no-op.
func (s *Store) RecordDelivery(ctx context.Context, channelID, messageID, postID string) error {
	if channelID == "" || messageID == "" || postID == "" {
		return fmt.Errorf("store: channel id, message id and post id are required")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivered_messages (channel_id, message_id, post_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, post_id) DO NOTHING`,
		channelID, messageID, postID)
	if err != nil {
		return fmt.Errorf("store: record delivery of %s to %s: %w", postID, channelID, err)
	}
	return nil
}

func (s *Store) IsDelivered(ctx context.Context, channelID, postID string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var delivered bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM delivered_messages WHERE channel_id = $1 AND post_id = $2
		)`, channelID, postID).Scan(&delivered)
	if err != nil {
		return false, fmt.Errorf("store: check delivery of %s to %s: %w", postID, channelID, err)
	}
	return delivered, nil
}

// ListDeliveries is diagnostic only.
func (s *Store) ListDeliveries(ctx context.Context) ([]Delivery, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, message_id, post_id
		FROM delivered_messages
		ORDER BY channel_id, post_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ChannelID, &d.MessageID, &d.PostID); err != nil {
			return nil, fmt.Errorf("store: list deliveries: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list deliveries: %w", err)
	}
	return deliveries, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
