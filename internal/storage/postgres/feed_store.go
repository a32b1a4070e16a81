package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/store"
)

// FeedStore persists feed registrations.
type FeedStore struct {
	pool Pool
}

func NewFeedStore(pool Pool) *FeedStore {
	return &FeedStore{pool: pool}
}

func (s *FeedStore) ListFeeds(ctx context.Context) ([]alert.Feed, error) {
	return s.list(ctx, `SELECT url, enabled, period_seconds, created_at FROM feeds ORDER BY url ASC`)
}

func (s *FeedStore) ListEnabled(ctx context.Context) ([]alert.Feed, error) {
	return s.list(ctx, `SELECT url, enabled, period_seconds, created_at FROM feeds WHERE enabled ORDER BY url ASC`)
}

func (s *FeedStore) list(ctx context.Context, query string) ([]alert.Feed, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []alert.Feed
	for rows.Next() {
		var (
			f             alert.Feed
			periodSeconds int64
		)
		if err := rows.Scan(&f.URL, &f.Enabled, &periodSeconds, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		f.Period = time.Duration(periodSeconds) * time.Second
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feeds: %w", err)
	}
	return feeds, nil
}

func (s *FeedStore) UpsertFeed(ctx context.Context, feed alert.Feed) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feeds (url, enabled, period_seconds, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (url) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			period_seconds = EXCLUDED.period_seconds`,
		feed.URL, feed.Enabled, int64(feed.Period/time.Second), feed.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert feed %q: %w", feed.URL, err)
	}
	return nil
}

func (s *FeedStore) DeleteFeed(ctx context.Context, url string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM feeds WHERE url = $1`, url)
	if err != nil {
		return fmt.Errorf("delete feed %q: %w", url, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
