package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/store"
)

// CrawlStore persists crawls, shards and the per-crawl seen-URL ledger.
type CrawlStore struct {
	pool Pool
}

func NewCrawlStore(pool Pool) *CrawlStore {
	return &CrawlStore{pool: pool}
}

const crawlColumns = `id, status, started_at, finished_at, feed_urls`

func (s *CrawlStore) ActiveCrawl(ctx context.Context) (alert.Crawl, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+crawlColumns+` FROM crawls WHERE status = $1 ORDER BY id DESC LIMIT 1`,
		string(alert.CrawlRunning),
	)
	return scanCrawl(row)
}

func (s *CrawlStore) CreateCrawl(ctx context.Context, crawl alert.Crawl, shards []alert.CrawlShard) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawls (id, status, started_at, finished_at, feed_urls)
		VALUES ($1, $2, $3, $4, $5)`,
		crawl.ID, string(crawl.Status), crawl.StartedAt, crawl.FinishedAt, crawl.FeedURLs,
	)
	if err != nil {
		return fmt.Errorf("insert crawl %s: %w", crawl.ID, err)
	}
	for _, sh := range shards {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO crawl_shards (id, crawl_id, feed_url, status, started_at, finished_at, error_detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sh.ID, sh.CrawlID, sh.FeedURL, string(sh.Status), sh.StartedAt, sh.FinishedAt, sh.ErrorDetail,
		)
		if err != nil {
			return fmt.Errorf("insert shard %s: %w", sh.ID, err)
		}
	}
	return nil
}

func (s *CrawlStore) FinishCrawl(ctx context.Context, crawlID string, status alert.CrawlStatus, finishedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawls SET status = $2, finished_at = $3
		WHERE id = $1 AND status = $4`,
		crawlID, string(status), finishedAt, string(alert.CrawlRunning),
	)
	if err != nil {
		return fmt.Errorf("finish crawl %s: %w", crawlID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *CrawlStore) GetCrawl(ctx context.Context, crawlID string) (alert.Crawl, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+crawlColumns+` FROM crawls WHERE id = $1`, crawlID)
	return scanCrawl(row)
}

func (s *CrawlStore) ListCrawls(ctx context.Context, limit, offset int) ([]alert.Crawl, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+crawlColumns+` FROM crawls ORDER BY id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list crawls: %w", err)
	}
	defer rows.Close()

	var crawls []alert.Crawl
	for rows.Next() {
		c, err := scanCrawl(rows)
		if err != nil {
			return nil, err
		}
		crawls = append(crawls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawls: %w", err)
	}
	return crawls, nil
}

func (s *CrawlStore) LastCompletedCrawl(ctx context.Context, feedURL string) (alert.Crawl, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+crawlColumns+` FROM crawls
		WHERE status = $1 AND $2 = ANY(feed_urls)
		ORDER BY id DESC LIMIT 1`,
		string(alert.CrawlCompleted), feedURL,
	)
	return scanCrawl(row)
}

func (s *CrawlStore) ListShards(ctx context.Context, crawlID string) ([]alert.CrawlShard, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, crawl_id, feed_url, status, started_at, finished_at, error_detail
		FROM crawl_shards WHERE crawl_id = $1 ORDER BY feed_url ASC`,
		crawlID,
	)
	if err != nil {
		return nil, fmt.Errorf("list shards for crawl %s: %w", crawlID, err)
	}
	defer rows.Close()

	var shards []alert.CrawlShard
	for rows.Next() {
		var (
			sh     alert.CrawlShard
			status string
		)
		if err := rows.Scan(&sh.ID, &sh.CrawlID, &sh.FeedURL, &status, &sh.StartedAt, &sh.FinishedAt, &sh.ErrorDetail); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		sh.Status = alert.ShardStatus(status)
		shards = append(shards, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shards: %w", err)
	}
	return shards, nil
}

func (s *CrawlStore) MarkShardStarted(ctx context.Context, shardID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawl_shards SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4`,
		shardID, string(alert.ShardInProgress), at, string(alert.ShardPending),
	)
	if err != nil {
		return fmt.Errorf("mark shard %s started: %w", shardID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *CrawlStore) CompleteShard(ctx context.Context, shardID string, status alert.ShardStatus, errDetail string, at time.Time) error {
	// A shard that already failed keeps its error; done never overwrites it.
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawl_shards SET status = $2, finished_at = $3, error_detail = $4
		WHERE id = $1 AND NOT (status = $5 AND $2 = $6)`,
		shardID, string(status), at, errDetail,
		string(alert.ShardError), string(alert.ShardDone),
	)
	if err != nil {
		return fmt.Errorf("complete shard %s: %w", shardID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the shard is unknown or it already failed.
		if _, err := s.shardExists(ctx, shardID); err != nil {
			return err
		}
		return nil
	}
	return nil
}

func (s *CrawlStore) shardExists(ctx context.Context, shardID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM crawl_shards WHERE id = $1`, shardID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lookup shard %s: %w", shardID, err)
	}
	return true, nil
}

func (s *CrawlStore) AdmitURL(ctx context.Context, crawlID, url string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO seen_urls (crawl_id, url) VALUES ($1, $2)
		ON CONFLICT (crawl_id, url) DO NOTHING`,
		crawlID, url,
	)
	if err != nil {
		return false, fmt.Errorf("admit url %q for crawl %s: %w", url, crawlID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *CrawlStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	// seen_urls has no timestamps, so resolve doomed crawl IDs first.
	_, err := s.pool.Exec(ctx, `
		DELETE FROM seen_urls WHERE crawl_id IN
			(SELECT id FROM crawls WHERE started_at < $1)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge seen urls: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawls WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge crawls: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanCrawl(row pgx.Row) (alert.Crawl, error) {
	var (
		c      alert.Crawl
		status string
	)
	err := row.Scan(&c.ID, &status, &c.StartedAt, &c.FinishedAt, &c.FeedURLs)
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Crawl{}, store.ErrNotFound
	}
	if err != nil {
		return alert.Crawl{}, fmt.Errorf("scan crawl: %w", err)
	}
	c.Status = alert.CrawlStatus(status)
	return c, nil
}
