package coordinator

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/metrics"
	queuememory "github.com/hazardops/alertmirror/internal/queue/memory"
	storagememory "github.com/hazardops/alertmirror/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type coordEnv struct {
	feeds  *storagememory.FeedStore
	crawls *storagememory.CrawlStore
	queue  *queuememory.Queue
	clock  *stubClock
	coord  *Coordinator
}

func newCoordEnv(t *testing.T, cfg Config) *coordEnv {
	t.Helper()
	env := &coordEnv{
		feeds:  storagememory.NewFeedStore(),
		crawls: storagememory.NewCrawlStore(),
		queue:  queuememory.NewQueue(64),
		clock:  &stubClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	env.coord = New(env.feeds, env.crawls, env.queue, &seqIDs{}, env.clock, nil, cfg, zap.NewNop())
	return env
}

func (env *coordEnv) addFeed(t *testing.T, url string, period time.Duration) {
	t.Helper()
	require.NoError(t, env.feeds.UpsertFeed(context.Background(), alert.Feed{
		URL:     url,
		Enabled: true,
		Period:  period,
	}))
}

func TestAdvanceNoFeedsDue(t *testing.T) {
	t.Parallel()

	env := newCoordEnv(t, Config{})
	_, err := env.coord.Advance(context.Background())
	require.ErrorIs(t, err, ErrNoFeedsDue)
}

func TestAdvanceStartsCrawlOverDueFeeds(t *testing.T) {
	t.Parallel()

	env := newCoordEnv(t, Config{})
	env.addFeed(t, "https://a.example.com/cap", 15*time.Minute)
	env.addFeed(t, "https://b.example.com/cap", 15*time.Minute)

	crawl, err := env.coord.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alert.CrawlRunning, crawl.Status)
	assert.ElementsMatch(t, []string{"https://a.example.com/cap", "https://b.example.com/cap"}, crawl.FeedURLs)

	shards, err := env.crawls.ListShards(context.Background(), crawl.ID)
	require.NoError(t, err)
	require.Len(t, shards, 2)
	for _, sh := range shards {
		assert.Equal(t, alert.ShardPending, sh.Status)
	}

	// One root task per shard, depth zero.
	require.Equal(t, 2, env.queue.Len())
	task, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawl.ID, task.CrawlID)
	assert.Equal(t, 0, task.Depth)
	assert.Equal(t, task.FeedURL, task.URL)
}

func TestAdvanceSkipsDisabledFeeds(t *testing.T) {
	t.Parallel()

	env := newCoordEnv(t, Config{})
	env.addFeed(t, "https://a.example.com/cap", 15*time.Minute)
	require.NoError(t, env.feeds.UpsertFeed(context.Background(), alert.Feed{
		URL:     "https://off.example.com/cap",
		Enabled: false,
	}))

	crawl, err := env.coord.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com/cap"}, crawl.FeedURLs)
}

func TestAdvanceReconcilesRunningCrawl(t *testing.T) {
	t.Parallel()

	env := newCoordEnv(t, Config{})
	env.addFeed(t, "https://a.example.com/cap", 15*time.Minute)

	crawl, err := env.coord.Advance(context.Background())
	require.NoError(t, err)

	// Crawl still has a pending shard within its deadline: no state change.
	same, err := env.coord.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawl.ID, same.ID)
	assert.Equal(t, alert.CrawlRunning, same.Status)

	// Worker finishes the shard; the next tick closes the crawl.
	shards, err := env.crawls.ListShards(context.Background(), crawl.ID)
	require.NoError(t, err)
	require.NoError(t, env.crawls.CompleteShard(context.Background(), shards[0].ID, alert.ShardDone, "", env.clock.now))

	done, err := env.coord.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alert.CrawlCompleted, done.Status)
	require.NotNil(t, done.FinishedAt)
}

func TestAdvanceExpiresStuckShards(t *testing.T) {
	t.Parallel()

	env := newCoordEnv(t, Config{ShardTimeout: 10 * time.Minute})
	env.addFeed(t, "https://a.example.com/cap", 15*time.Minute)

	crawl, err := env.coord.Advance(context.Background())
	require.NoError(t, err)

	// Jump past the shard deadline; the pending shard is presumed dead.
	env.clock.now = env.clock.now.Add(11 * time.Minute)

	failed, err := env.coord.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alert.CrawlFailed, failed.Status)

	shards, err := env.crawls.ListShards(context.Background(), crawl.ID)
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, alert.ShardError, shards[0].Status)
	assert.Contains(t, shards[0].ErrorDetail, "exceeded deadline")
}

func TestAdvanceCompletedCrawlWithMixedShards(t *testing.T) {
	t.Parallel()

	env := newCoordEnv(t, Config{})
	env.addFeed(t, "https://a.example.com/cap", 15*time.Minute)
	env.addFeed(t, "https://b.example.com/cap", 15*time.Minute)

	crawl, err := env.coord.Advance(context.Background())
	require.NoError(t, err)

	shards, err := env.crawls.ListShards(context.Background(), crawl.ID)
	require.NoError(t, err)
	require.Len(t, shards, 2)
	require.NoError(t, env.crawls.CompleteShard(context.Background(), shards[0].ID, alert.ShardDone, "", env.clock.now))
	require.NoError(t, env.crawls.CompleteShard(context.Background(), shards[1].ID, alert.ShardError, "fetch failed", env.clock.now))

	// One successful shard is enough for the crawl to count as completed.
	done, err := env.coord.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alert.CrawlCompleted, done.Status)
}

func TestFeedDueRespectsPeriod(t *testing.T) {
	t.Parallel()

	env := newCoordEnv(t, Config{})
	env.addFeed(t, "https://a.example.com/cap", 30*time.Minute)

	// First crawl: feed never crawled, so it is due.
	crawl, err := env.coord.Advance(context.Background())
	require.NoError(t, err)

	shards, err := env.crawls.ListShards(context.Background(), crawl.ID)
	require.NoError(t, err)
	require.NoError(t, env.crawls.CompleteShard(context.Background(), shards[0].ID, alert.ShardDone, "", env.clock.now))
	_, err = env.coord.Advance(context.Background())
	require.NoError(t, err)

	// Ten minutes later the period has not elapsed.
	env.clock.now = env.clock.now.Add(10 * time.Minute)
	_, err = env.coord.Advance(context.Background())
	require.ErrorIs(t, err, ErrNoFeedsDue)

	// Past the period the feed is due again.
	env.clock.now = env.clock.now.Add(25 * time.Minute)
	next, err := env.coord.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alert.CrawlRunning, next.Status)
	assert.NotEqual(t, crawl.ID, next.ID)
}

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time {
	return c.now
}

type seqIDs struct {
	n int
}

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}
