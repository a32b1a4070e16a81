// Package store declares the persistence interfaces for feeds, crawls and
// alert documents. Implementations live under internal/storage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hazardops/alertmirror/internal/alert"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// FeedRepository manages the crawl whitelist. The crawl pipeline only reads
// it; writes come from the admin surface.
type FeedRepository interface {
	// ListFeeds returns every feed, enabled or not, ordered by URL.
	ListFeeds(ctx context.Context) ([]alert.Feed, error)
	// ListEnabled returns the enabled feeds, ordered by URL.
	ListEnabled(ctx context.Context) ([]alert.Feed, error)
	// UpsertFeed inserts or replaces a feed keyed by URL.
	UpsertFeed(ctx context.Context, feed alert.Feed) error
	// DeleteFeed removes a feed or returns ErrNotFound.
	DeleteFeed(ctx context.Context, url string) error
}

// CrawlRepository owns Crawl, CrawlShard and seen-URL lifetimes. The
// coordinator is the only writer of crawls; workers write shard completions
// and the dedup ledger.
type CrawlRepository interface {
	// ActiveCrawl returns the crawl with running status, or ErrNotFound.
	ActiveCrawl(ctx context.Context) (alert.Crawl, error)
	// CreateCrawl persists a new running crawl plus its pending shards.
	CreateCrawl(ctx context.Context, crawl alert.Crawl, shards []alert.CrawlShard) error
	// FinishCrawl marks a running crawl completed or failed.
	FinishCrawl(ctx context.Context, crawlID string, status alert.CrawlStatus, finishedAt time.Time) error
	// GetCrawl loads one crawl or returns ErrNotFound.
	GetCrawl(ctx context.Context, crawlID string) (alert.Crawl, error)
	// ListCrawls returns crawls newest first with limit/offset paging.
	ListCrawls(ctx context.Context, limit, offset int) ([]alert.Crawl, error)
	// LastCompletedCrawl returns the newest completed crawl that includes
	// the feed URL, or ErrNotFound.
	LastCompletedCrawl(ctx context.Context, feedURL string) (alert.Crawl, error)

	// ListShards returns every shard owned by a crawl.
	ListShards(ctx context.Context, crawlID string) ([]alert.CrawlShard, error)
	// MarkShardStarted flips a shard to in_progress and stamps started_at.
	MarkShardStarted(ctx context.Context, shardID string, at time.Time) error
	// CompleteShard records a terminal shard status with optional detail.
	CompleteShard(ctx context.Context, shardID string, status alert.ShardStatus, errDetail string, at time.Time) error

	// AdmitURL atomically inserts (crawlID, url) into the seen ledger and
	// reports whether the pair was absent. Two concurrent calls for the
	// same pair must not both return true; the store's unique-key
	// semantics are the enforcement mechanism.
	AdmitURL(ctx context.Context, crawlID, url string) (bool, error)

	// PurgeBefore deletes crawls, shards and seen URLs started before the
	// cutoff, returning the number of crawls removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DocumentQuery is the primary-store portion of an execution plan: only
// predicates the store can evaluate directly over indexed attributes.
type DocumentQuery struct {
	// Attrs maps an indexed attribute name to accepted values (equality
	// when one value, membership when several). Multi-valued document
	// attributes match on any overlap.
	Attrs map[string][]string
	// SentAfter/SentBefore bound the alert sent timestamp.
	SentAfter  *time.Time
	SentBefore *time.Time
	// GeohashCells restricts to documents whose precomputed area geohash
	// prefixes intersect the given cells.
	GeohashCells []string
	// CrawlIDs restricts to documents written by the given crawls.
	CrawlIDs []string
	// AfterCrawlID/AfterIdentifier resume a previous page: strictly after
	// the given (crawl_id DESC, identifier ASC) position.
	AfterCrawlID    string
	AfterIdentifier string
	// Limit caps the number of rows returned. Required.
	Limit int
}

// AlertRepository persists normalized alert documents.
type AlertRepository interface {
	// UpsertDocument atomically replaces the record keyed by doc.ID.
	UpsertDocument(ctx context.Context, doc alert.Document) error
	// GetDocument loads one document or returns ErrNotFound.
	GetDocument(ctx context.Context, id string) (alert.Document, error)
	// SearchDocuments executes a primary query. Rows are ordered by
	// (crawl_id DESC, identifier ASC); truncated reports whether more
	// rows matched beyond q.Limit.
	SearchDocuments(ctx context.Context, q DocumentQuery) (docs []alert.Document, truncated bool, err error)
	// PurgeBefore deletes documents fetched before the cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
