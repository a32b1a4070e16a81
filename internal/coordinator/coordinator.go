// Package coordinator drives the crawl lifecycle: starting crawls over due
// feeds, expiring stuck shards, and closing out finished crawls.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/metrics"
	"github.com/hazardops/alertmirror/internal/progress"
	"github.com/hazardops/alertmirror/internal/store"
)

// ErrNoFeedsDue is returned by Advance when no crawl is active and every
// enabled feed was crawled within its period.
var ErrNoFeedsDue = errors.New("no feeds due for crawling")

// Config controls Coordinator behavior.
type Config struct {
	// ShardTimeout bounds how long a shard may sit pending or in progress
	// before it is presumed dead.
	ShardTimeout time.Duration
	// DefaultFeedPeriod applies to feeds without an explicit period.
	DefaultFeedPeriod time.Duration
}

const (
	defaultShardTimeout = 10 * time.Minute
	defaultFeedPeriod   = 30 * time.Minute
)

// Coordinator owns crawl state transitions. It is the only writer of crawl
// records; workers only touch shards and documents.
type Coordinator struct {
	feeds   store.FeedRepository
	crawls  store.CrawlRepository
	queue   alert.Queue
	ids     alert.IDGenerator
	clock   alert.Clock
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Coordinator.
func New(
	feeds store.FeedRepository,
	crawls store.CrawlRepository,
	queue alert.Queue,
	ids alert.IDGenerator,
	clock alert.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShardTimeout <= 0 {
		cfg.ShardTimeout = defaultShardTimeout
	}
	if cfg.DefaultFeedPeriod <= 0 {
		cfg.DefaultFeedPeriod = defaultFeedPeriod
	}
	return &Coordinator{
		feeds:   feeds,
		crawls:  crawls,
		queue:   queue,
		ids:     ids,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Advance performs one coordination tick. With no active crawl it starts one
// over the due feeds; with an active crawl it expires dead shards and closes
// the crawl once every shard is terminal. Advance is safe to call from a
// timer, a request handler, or both.
func (c *Coordinator) Advance(ctx context.Context) (alert.Crawl, error) {
	active, err := c.crawls.ActiveCrawl(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return c.startCrawl(ctx)
	}
	if err != nil {
		return alert.Crawl{}, fmt.Errorf("load active crawl: %w", err)
	}
	return c.reconcile(ctx, active)
}

func (c *Coordinator) startCrawl(ctx context.Context) (alert.Crawl, error) {
	feeds, err := c.feeds.ListEnabled(ctx)
	if err != nil {
		return alert.Crawl{}, fmt.Errorf("list enabled feeds: %w", err)
	}
	now := c.clock.Now()

	due := make([]alert.Feed, 0, len(feeds))
	for _, feed := range feeds {
		isDue, err := c.feedDue(ctx, feed, now)
		if err != nil {
			return alert.Crawl{}, err
		}
		if isDue {
			due = append(due, feed)
		}
	}
	if len(due) == 0 {
		return alert.Crawl{}, ErrNoFeedsDue
	}

	crawlID, err := c.ids.NewID()
	if err != nil {
		return alert.Crawl{}, fmt.Errorf("generate crawl id: %w", err)
	}
	crawl := alert.Crawl{
		ID:        crawlID,
		Status:    alert.CrawlRunning,
		StartedAt: now,
	}
	shards := make([]alert.CrawlShard, 0, len(due))
	for _, feed := range due {
		shardID, err := c.ids.NewID()
		if err != nil {
			return alert.Crawl{}, fmt.Errorf("generate shard id: %w", err)
		}
		crawl.FeedURLs = append(crawl.FeedURLs, feed.URL)
		shards = append(shards, alert.CrawlShard{
			ID:      shardID,
			CrawlID: crawlID,
			FeedURL: feed.URL,
			Status:  alert.ShardPending,
		})
	}

	if err := c.crawls.CreateCrawl(ctx, crawl, shards); err != nil {
		return alert.Crawl{}, fmt.Errorf("create crawl: %w", err)
	}
	c.logger.Info("crawl started",
		zap.String("crawl_id", crawlID),
		zap.Int("shards", len(shards)),
	)
	c.emit(progress.Event{
		CrawlID: crawlID,
		TS:      now,
		Stage:   progress.StageCrawlStart,
	})

	for _, shard := range shards {
		if err := c.enqueueRoot(ctx, crawl, shard, now); err != nil {
			return alert.Crawl{}, err
		}
	}
	return crawl, nil
}

// feedDue reports whether the feed's crawl period has elapsed since its last
// completed crawl. Feeds never crawled are always due.
func (c *Coordinator) feedDue(ctx context.Context, feed alert.Feed, now time.Time) (bool, error) {
	last, err := c.crawls.LastCompletedCrawl(ctx, feed.URL)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load last crawl for %s: %w", feed.URL, err)
	}
	period := feed.Period
	if period <= 0 {
		period = c.cfg.DefaultFeedPeriod
	}
	ref := last.StartedAt
	if last.FinishedAt != nil {
		ref = *last.FinishedAt
	}
	return now.Sub(ref) >= period, nil
}

func (c *Coordinator) enqueueRoot(ctx context.Context, crawl alert.Crawl, shard alert.CrawlShard, now time.Time) error {
	admitted, err := c.crawls.AdmitURL(ctx, crawl.ID, shard.FeedURL)
	if err != nil {
		return fmt.Errorf("admit root %s: %w", shard.FeedURL, err)
	}
	if !admitted {
		// Another tick already scheduled this root.
		metrics.ObserveDedupRejection()
		return nil
	}
	task := alert.FetchTask{
		CrawlID:    crawl.ID,
		ShardID:    shard.ID,
		FeedURL:    shard.FeedURL,
		URL:        shard.FeedURL,
		Depth:      0,
		EnqueuedAt: now.Unix(),
	}
	if err := c.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue root %s: %w", shard.FeedURL, err)
	}
	return nil
}

func (c *Coordinator) reconcile(ctx context.Context, crawl alert.Crawl) (alert.Crawl, error) {
	shards, err := c.crawls.ListShards(ctx, crawl.ID)
	if err != nil {
		return alert.Crawl{}, fmt.Errorf("list shards: %w", err)
	}
	now := c.clock.Now()

	allTerminal := true
	anyDone := false
	for i := range shards {
		shard := &shards[i]
		if !shard.Status.Terminal() {
			if expired := c.maybeExpire(ctx, crawl, shard, now); !expired {
				allTerminal = false
				continue
			}
			shard.Status = alert.ShardError
		}
		if shard.Status == alert.ShardDone {
			anyDone = true
		}
	}
	if !allTerminal {
		return crawl, nil
	}

	status := alert.CrawlCompleted
	stage := progress.StageCrawlDone
	if !anyDone && len(shards) > 0 {
		status = alert.CrawlFailed
		stage = progress.StageCrawlError
	}
	if err := c.crawls.FinishCrawl(ctx, crawl.ID, status, now); err != nil {
		return alert.Crawl{}, fmt.Errorf("finish crawl: %w", err)
	}
	c.logger.Info("crawl finished",
		zap.String("crawl_id", crawl.ID),
		zap.String("status", string(status)),
	)
	c.emit(progress.Event{
		CrawlID: crawl.ID,
		TS:      now,
		Stage:   stage,
		Dur:     now.Sub(crawl.StartedAt),
	})

	crawl.Status = status
	crawl.FinishedAt = &now
	return crawl, nil
}

// maybeExpire fails a shard whose deadline has passed. Pending shards count
// from the crawl start; the worker may have died before claiming them.
func (c *Coordinator) maybeExpire(ctx context.Context, crawl alert.Crawl, shard *alert.CrawlShard, now time.Time) bool {
	started := crawl.StartedAt
	if shard.StartedAt != nil {
		started = *shard.StartedAt
	}
	deadline := started.Add(c.cfg.ShardTimeout)
	if now.Before(deadline) {
		return false
	}

	timeoutErr := &alert.TimeoutError{
		ShardID:  shard.ID,
		FeedURL:  shard.FeedURL,
		Deadline: c.cfg.ShardTimeout,
	}
	if err := c.crawls.CompleteShard(ctx, shard.ID, alert.ShardError, timeoutErr.Error(), now); err != nil {
		c.logger.Error("expire shard failed",
			zap.String("shard_id", shard.ID), zap.Error(err))
		return false
	}
	c.logger.Warn("shard expired",
		zap.String("crawl_id", crawl.ID),
		zap.String("shard_id", shard.ID),
		zap.String("feed_url", shard.FeedURL),
	)
	metrics.ObserveShard(string(alert.ShardError))
	c.emit(progress.Event{
		CrawlID: crawl.ID,
		ShardID: shard.ID,
		TS:      now,
		Stage:   progress.StageShardError,
		FeedURL: shard.FeedURL,
		Note:    timeoutErr.Error(),
	})
	return true
}

func (c *Coordinator) emit(evt progress.Event) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(evt)
}
